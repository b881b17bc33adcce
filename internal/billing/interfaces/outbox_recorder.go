package interfaces

import (
	"context"
	"database/sql"
	"errors"

	"fieldops-cloud/internal/audit"
	"fieldops-cloud/internal/billing/application"
	"fieldops-cloud/internal/billing/domain"
	"fieldops-cloud/internal/eventing"
)

// sqlTxProvider is implemented by transactions backed by database/sql.
type sqlTxProvider interface {
	SQLTx() *sql.Tx
}

var errNoSQLTx = errors.New("billing recorder: transaction is not backed by database/sql")

// OutboxRecorder writes billing events to the outbox and an audit row for
// each, inside the billing transaction.
type OutboxRecorder struct {
	publisher *eventing.Publisher
	audit     *audit.Repository
	tenantID  string
}

var _ application.Recorder = (*OutboxRecorder)(nil)

// NewOutboxRecorder constructs an outbox recorder. auditRepo may be nil.
func NewOutboxRecorder(publisher *eventing.Publisher, auditRepo *audit.Repository, tenantID string) *OutboxRecorder {
	return &OutboxRecorder{publisher: publisher, audit: auditRepo, tenantID: tenantID}
}

// RecordSplit writes the SessionSplit event and its audit row.
func (r *OutboxRecorder) RecordSplit(ctx context.Context, tx billing.Tx, event application.SessionSplit) error {
	return r.record(ctx, tx, event, audit.ActionSplit, event.SessionID, event.Actor, event)
}

// RecordRevert writes the SplitReverted event and its audit row.
func (r *OutboxRecorder) RecordRevert(ctx context.Context, tx billing.Tx, event application.SplitReverted) error {
	return r.record(ctx, tx, event, audit.ActionRevert, event.SessionID, event.Actor, event)
}

func (r *OutboxRecorder) record(ctx context.Context, tx billing.Tx, event eventing.Event, action, sessionID, actor string, meta any) error {
	if r == nil || r.publisher == nil {
		return nil
	}
	provider, ok := tx.(sqlTxProvider)
	if !ok {
		return errNoSQLTx
	}
	sqlTx := provider.SQLTx()

	ctx = eventing.WithTenantID(ctx, r.tenantID)
	env, err := r.publisher.Publish(ctx, sqlTx, event)
	if err != nil {
		return err
	}
	if r.audit == nil {
		return nil
	}
	entry, err := audit.NewEntry(env.TenantID, actor, action, sessionID, meta, env.OccurredAt)
	if err != nil {
		return err
	}
	return r.audit.LogTx(ctx, sqlTx, entry)
}
