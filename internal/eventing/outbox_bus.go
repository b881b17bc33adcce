package eventing

import (
	"context"
	"database/sql"
)

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// OutboxWriter inserts outbox records through the caller's transaction.
type OutboxWriter interface {
	Insert(ctx context.Context, exec Execer, env Envelope) (string, error)
}

// Publisher writes events to the outbox. Delivery happens later through a
// Dispatcher, so an event is visible only if the writing transaction commits.
type Publisher struct {
	outbox   OutboxWriter
	tenantID string
}

// NewPublisher constructs a publisher.
func NewPublisher(outbox OutboxWriter, tenantID string) *Publisher {
	return &Publisher{outbox: outbox, tenantID: tenantID}
}

// Publish builds the envelope for event and inserts it through exec.
func (p *Publisher) Publish(ctx context.Context, exec Execer, event Event) (Envelope, error) {
	if p == nil || p.outbox == nil {
		return Envelope{}, nil
	}
	env, err := BuildEnvelope(event, MetaFromContext(ctx, p.tenantID))
	if err != nil {
		return Envelope{}, err
	}
	if _, err := p.outbox.Insert(ctx, exec, env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
