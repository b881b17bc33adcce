package postgres

import (
	"context"
	"database/sql"

	"fieldops-cloud/internal/billing/domain"

	"github.com/shopspring/decimal"
)

// Tx implements billing.Tx over a database transaction.
type Tx struct {
	tx *sql.Tx
}

var _ billing.Tx = (*Tx)(nil)

// SQLTx exposes the transaction so side records (outbox, audit) can be
// written atomically with the billing rows.
func (t *Tx) SQLTx() *sql.Tx {
	return t.tx
}

func (t *Tx) LockSession(ctx context.Context, id string) (*billing.Session, error) {
	session, err := loadSession(ctx, t.tx, id, true)
	if err != nil {
		return nil, mapError("postgres.lock_session", err)
	}
	return session, nil
}

func (t *Tx) CountSplitChildren(ctx context.Context, id string) (int, error) {
	var count int
	err := t.tx.QueryRowContext(ctx, `
SELECT COUNT(*)
FROM billing_sessions
WHERE split_from_id = $1`, id).Scan(&count)
	if err != nil {
		return 0, mapError("postgres.count_split_children", err)
	}
	return count, nil
}

func (t *Tx) InsertSession(ctx context.Context, s *billing.Session) error {
	if s == nil {
		return billing.ErrNilSession
	}
	_, err := t.tx.ExecContext(ctx, `
INSERT INTO billing_sessions (
	id, project_code, project_name, client_name, city, office, address,
	operational_status, finance_status, subtotal_company, subtotal_technician,
	real_billed_amount, is_split_child, split_from_id, split_comment, version,
	created_at, updated_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18
)`,
		s.ID, s.ProjectCode, s.ProjectName, s.ClientName, s.City, s.Office, s.Address,
		string(s.OperationalStatus), string(s.FinanceStatus), s.SubtotalCompany, s.SubtotalTechnician,
		s.RealBilledAmount, s.IsSplitChild, nullString(s.SplitFromID), nullString(s.SplitComment), s.Version,
		s.CreatedAt, s.UpdatedAt,
	)
	return mapError("postgres.insert_session", err)
}

func (t *Tx) InsertLineItem(ctx context.Context, item *billing.LineItem) error {
	_, err := t.tx.ExecContext(ctx, `
INSERT INTO billing_line_items (
	id, session_id, work_code, work_type, description, unit, quantity, unit_price,
	subtotal_company, subtotal_technician, source_line_item_id, version, created_at, updated_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
)`,
		item.ID, item.SessionID, item.WorkCode, item.WorkType, item.Description, item.Unit,
		item.Quantity, item.UnitPrice, item.SubtotalCompany, item.SubtotalTechnician,
		nullString(item.SourceLineItemID), item.Version, item.CreatedAt, item.UpdatedAt,
	)
	return mapError("postgres.insert_line_item", err)
}

func (t *Tx) InsertAllocation(ctx context.Context, alloc *billing.Allocation) error {
	_, err := t.tx.ExecContext(ctx, `
INSERT INTO billing_line_item_allocations (
	id, line_item_id, technician_id, base_rate, percentage, effective_rate, subtotal, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		alloc.ID, alloc.LineItemID, alloc.TechnicianID, alloc.BaseRate, alloc.Percentage,
		alloc.EffectiveRate, alloc.Subtotal, alloc.CreatedAt,
	)
	return mapError("postgres.insert_allocation", err)
}

func (t *Tx) InsertAssignment(ctx context.Context, a *billing.Assignment) error {
	_, err := t.tx.ExecContext(ctx, `
INSERT INTO billing_session_assignments (
	id, session_id, technician_id, percentage, accepted, accepted_at,
	review_comment, reviewed_at, assigned_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		a.ID, a.SessionID, a.TechnicianID, a.Percentage, a.Accepted, nullTime(a.AcceptedAt),
		nullString(a.ReviewComment), nullTime(a.ReviewedAt), a.AssignedAt,
	)
	return mapError("postgres.insert_assignment", err)
}

func (t *Tx) UpdateLineItem(ctx context.Context, item *billing.LineItem, expectedVersion int64, expectedQty decimal.Decimal) error {
	const op = "postgres.update_line_item"
	res, err := t.tx.ExecContext(ctx, `
UPDATE billing_line_items
SET quantity = $1, subtotal_company = $2, subtotal_technician = $3, updated_at = $4, version = version + 1
WHERE id = $5 AND version = $6 AND quantity = $7`,
		item.Quantity, item.SubtotalCompany, item.SubtotalTechnician, item.UpdatedAt,
		item.ID, expectedVersion, expectedQty,
	)
	if err := guardRows(op, res, err, "line item %s changed concurrently", item.ID); err != nil {
		return err
	}
	item.Version = expectedVersion + 1
	return nil
}

func (t *Tx) UpdateAllocationSubtotal(ctx context.Context, alloc *billing.Allocation) error {
	const op = "postgres.update_allocation"
	res, err := t.tx.ExecContext(ctx, `
UPDATE billing_line_item_allocations
SET subtotal = $1
WHERE id = $2`, alloc.Subtotal, alloc.ID)
	return guardRows(op, res, err, "allocation %s disappeared", alloc.ID)
}

func (t *Tx) UpdateSessionTotals(ctx context.Context, s *billing.Session, expectedVersion int64) error {
	const op = "postgres.update_session_totals"
	res, err := t.tx.ExecContext(ctx, `
UPDATE billing_sessions
SET subtotal_company = $1, subtotal_technician = $2, updated_at = NOW(), version = version + 1
WHERE id = $3 AND version = $4`,
		s.SubtotalCompany, s.SubtotalTechnician, s.ID, expectedVersion,
	)
	if err := guardRows(op, res, err, "session %s changed concurrently", s.ID); err != nil {
		return err
	}
	s.Version = expectedVersion + 1
	return nil
}

func (t *Tx) DeleteSession(ctx context.Context, id string) error {
	const op = "postgres.delete_session"
	res, err := t.tx.ExecContext(ctx, `DELETE FROM billing_sessions WHERE id = $1`, id)
	if err != nil {
		return mapError(op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return mapError(op, err)
	}
	if affected == 0 {
		return billing.NotFoundError(op, "session %s not found", id)
	}
	return nil
}

// guardRows turns a zero-row update into a conflict.
func guardRows(op string, res sql.Result, err error, format string, args ...any) error {
	if err != nil {
		return mapError(op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return mapError(op, err)
	}
	if affected == 0 {
		return billing.ConflictError(op, format, args...)
	}
	return nil
}
