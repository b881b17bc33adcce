package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fieldops-cloud/internal/billing/domain"
)

var errNilDB = errors.New("billing store: nil db")

// Store persists billing sessions in Postgres.
type Store struct {
	db          *sql.DB
	lockTimeout time.Duration
	txOptions   *sql.TxOptions
}

var _ billing.UnitOfWork = (*Store)(nil)

// StoreOption configures the store.
type StoreOption func(*Store)

// WithLockTimeout bounds how long a transaction waits for a row lock. A
// timeout surfaces as a conflict error.
func WithLockTimeout(timeout time.Duration) StoreOption {
	return func(s *Store) {
		if timeout > 0 {
			s.lockTimeout = timeout
		}
	}
}

// WithTxOptions overrides the options passed to BeginTx.
func WithTxOptions(opts *sql.TxOptions) StoreOption {
	return func(s *Store) {
		s.txOptions = opts
	}
}

// NewStore constructs a store.
func NewStore(db *sql.DB, opts ...StoreOption) *Store {
	s := &Store{db: db}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB {
	if s == nil {
		return nil
	}
	return s.db
}

// GetSession loads a session snapshot without locking.
func (s *Store) GetSession(ctx context.Context, id string) (*billing.Session, error) {
	if s == nil || s.db == nil {
		return nil, errNilDB
	}
	session, err := loadSession(ctx, s.db, id, false)
	return session, mapError("postgres.get_session", err)
}

// ListSplitChildren returns the direct split children of parentID, oldest first.
func (s *Store) ListSplitChildren(ctx context.Context, parentID string) ([]billing.Session, error) {
	if s == nil || s.db == nil {
		return nil, errNilDB
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id
FROM billing_sessions
WHERE split_from_id = $1
ORDER BY seq ASC`, parentID)
	if err != nil {
		return nil, mapError("postgres.list_split_children", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	result := make([]billing.Session, 0, len(ids))
	for _, id := range ids {
		session, err := loadSession(ctx, s.db, id, false)
		if err != nil {
			return nil, mapError("postgres.list_split_children", err)
		}
		result = append(result, *session)
	}
	return result, nil
}

// InTx runs fn in one database transaction.
func (s *Store) InTx(ctx context.Context, fn func(tx billing.Tx) error) error {
	if s == nil || s.db == nil {
		return errNilDB
	}
	if fn == nil {
		return nil
	}
	sqlTx, err := s.db.BeginTx(ctx, s.txOptions)
	if err != nil {
		return mapError("postgres.begin", err)
	}
	if s.lockTimeout > 0 {
		timeout := fmt.Sprintf("%dms", s.lockTimeout.Milliseconds())
		if _, err := sqlTx.ExecContext(ctx, `SELECT set_config('lock_timeout', $1, true)`, timeout); err != nil {
			_ = sqlTx.Rollback()
			return mapError("postgres.lock_timeout", err)
		}
	}
	if err := fn(&Tx{tx: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return mapError("postgres.tx", err)
	}
	if err := sqlTx.Commit(); err != nil {
		return mapError("postgres.commit", err)
	}
	return nil
}

// CreateSession inserts a complete session aggregate in one transaction.
func (s *Store) CreateSession(ctx context.Context, session *billing.Session) error {
	if session == nil {
		return billing.ErrNilSession
	}
	if session.ID == "" {
		return billing.ErrEmptySessionID
	}
	return s.InTx(ctx, func(tx billing.Tx) error {
		if session.Version == 0 {
			session.Version = 1
		}
		if err := tx.InsertSession(ctx, session); err != nil {
			return err
		}
		for i := range session.Items {
			item := &session.Items[i]
			item.SessionID = session.ID
			if item.Version == 0 {
				item.Version = 1
			}
			if err := tx.InsertLineItem(ctx, item); err != nil {
				return err
			}
			for j := range item.Allocations {
				item.Allocations[j].LineItemID = item.ID
				if err := tx.InsertAllocation(ctx, &item.Allocations[j]); err != nil {
					return err
				}
			}
		}
		for i := range session.Assignments {
			session.Assignments[i].SessionID = session.ID
			if err := tx.InsertAssignment(ctx, &session.Assignments[i]); err != nil {
				return err
			}
		}
		return nil
	})
}
