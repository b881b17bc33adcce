package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"fieldops-cloud/internal/eventing"
)

const (
	statusPending = "pending"
	statusSent    = "sent"
	statusFailed  = "failed"

	defaultMaxAttempts = 5
	defaultBatch       = 50
)

var errNilDB = errors.New("outbox store: nil db")

// OutboxStore keeps billing events in event_outbox until a dispatcher
// delivers them.
type OutboxStore struct {
	db          *sql.DB
	maxAttempts int
	now         func() time.Time
}

var (
	_ eventing.OutboxWriter = (*OutboxStore)(nil)
	_ eventing.OutboxStore  = (*OutboxStore)(nil)
)

// OutboxOption configures the outbox store.
type OutboxOption func(*OutboxStore)

// WithMaxAttempts sets how many failed deliveries a record survives before
// it is parked as failed.
func WithMaxAttempts(n int) OutboxOption {
	return func(s *OutboxStore) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// NewOutboxStore constructs an outbox store.
func NewOutboxStore(db *sql.DB, opts ...OutboxOption) *OutboxStore {
	s := &OutboxStore{
		db:          db,
		maxAttempts: defaultMaxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Insert writes env through exec, normally the transaction that changed the
// session, so the record exists only if that transaction commits. A nil exec
// writes directly through the store's db.
func (s *OutboxStore) Insert(ctx context.Context, exec eventing.Execer, env eventing.Envelope) (string, error) {
	if s == nil {
		return "", errNilDB
	}
	if exec == nil {
		if s.db == nil {
			return "", errNilDB
		}
		exec = s.db
	}
	body, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	id := eventing.NewEventID()
	_, err = exec.ExecContext(ctx, `
INSERT INTO event_outbox (id, event_id, event_type, tenant_id, session_id, payload, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		id, env.EventID, env.EventType, env.TenantID, env.SessionID, body, statusPending, s.now(),
	)
	if err != nil {
		return "", err
	}
	return id, nil
}

// ListPending returns up to limit undelivered records in write order.
func (s *OutboxStore) ListPending(ctx context.Context, limit int) ([]eventing.OutboxRecord, error) {
	if s == nil || s.db == nil {
		return nil, errNilDB
	}
	if limit <= 0 {
		limit = defaultBatch
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, payload
FROM event_outbox
WHERE status = $1
ORDER BY seq ASC
LIMIT $2`, statusPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []eventing.OutboxRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (eventing.OutboxRecord, error) {
	var record eventing.OutboxRecord
	var body []byte
	if err := row.Scan(&record.ID, &body); err != nil {
		return eventing.OutboxRecord{}, err
	}
	if err := json.Unmarshal(body, &record.Envelope); err != nil {
		return eventing.OutboxRecord{}, err
	}
	return record, nil
}

// CountPending returns the number of undelivered records.
func (s *OutboxStore) CountPending(ctx context.Context) (int, error) {
	if s == nil || s.db == nil {
		return 0, errNilDB
	}
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM event_outbox WHERE status = $1`, statusPending).Scan(&count)
	return count, err
}

// CountForSession returns how many records were written for sessionID. An
// empty status counts every record.
func (s *OutboxStore) CountForSession(ctx context.Context, sessionID, status string) (int, error) {
	if s == nil || s.db == nil {
		return 0, errNilDB
	}
	var count int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*)
FROM event_outbox
WHERE session_id = $1 AND ($2 = '' OR status = $2)`, sessionID, status).Scan(&count)
	return count, err
}

// MarkSent records a successful delivery.
func (s *OutboxStore) MarkSent(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return errNilDB
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE event_outbox
SET status = $1, sent_at = $2, last_error = NULL
WHERE id = $3`, statusSent, s.now(), id)
	return err
}

// MarkFailed records a failed delivery. The record stays pending for the
// next dispatch until it has failed maxAttempts times.
func (s *OutboxStore) MarkFailed(ctx context.Context, id, reason string) error {
	if s == nil || s.db == nil {
		return errNilDB
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE event_outbox
SET attempts = attempts + 1,
	last_error = $1,
	status = CASE WHEN attempts + 1 >= $2 THEN $3 ELSE $4 END
WHERE id = $5`, reason, s.maxAttempts, statusFailed, statusPending, id)
	return err
}
