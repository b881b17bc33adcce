package audit

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Repository writes audit logs.
type Repository struct {
	db *sql.DB
}

// NewRepository constructs an audit repository.
func NewRepository(db *sql.DB) *Repository {
	if db == nil {
		return nil
	}
	return &Repository{db: db}
}

// LogTx writes an audit entry through exec so it commits or rolls back with
// the change it describes. A nil exec writes through the repository's db.
func (r *Repository) LogTx(ctx context.Context, exec Execer, entry Entry) error {
	if exec == nil {
		if r == nil || r.db == nil {
			return errors.New("audit repo: nil db")
		}
		exec = r.db
	}
	if entry.ID == "" {
		entry.ID = NewID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.PayloadDigest == "" {
		entry.PayloadDigest = DigestJSON(entry.Metadata)
	}
	var metadata any
	if len(entry.Metadata) > 0 {
		metadata = []byte(entry.Metadata)
	}

	_, err := exec.ExecContext(ctx, `
INSERT INTO audit_logs (
	id, tenant_id, actor, action, resource_type, resource_id,
	metadata, payload_digest, created_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9
)`, entry.ID, entry.TenantID, entry.Actor, entry.Action, entry.ResourceType, entry.ResourceID,
		metadata, entry.PayloadDigest, entry.CreatedAt)
	return err
}
