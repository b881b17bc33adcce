package postgres

import (
	"context"
	"database/sql"
	"time"

	"fieldops-cloud/internal/billing/domain"
)

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

const sessionColumns = `
	id, project_code, project_name, client_name, city, office, address,
	operational_status, finance_status, subtotal_company, subtotal_technician,
	real_billed_amount, is_split_child, split_from_id, split_comment, version,
	created_at, updated_at`

// loadSession reads the aggregate. With lock set, the session and its line
// item rows are locked FOR UPDATE; allocations and assignments are only
// written through their locked owners.
func loadSession(ctx context.Context, q querier, id string, lock bool) (*billing.Session, error) {
	suffix := ""
	if lock {
		suffix = "\nFOR UPDATE"
	}
	row := q.QueryRowContext(ctx, `
SELECT`+sessionColumns+`
FROM billing_sessions
WHERE id = $1`+suffix, id)
	session, err := scanSession(row)
	if err != nil {
		return nil, err
	}

	items, err := loadLineItems(ctx, q, id, suffix)
	if err != nil {
		return nil, err
	}
	if err := loadAllocations(ctx, q, id, items); err != nil {
		return nil, err
	}
	session.Items = items

	assignments, err := loadAssignments(ctx, q, id)
	if err != nil {
		return nil, err
	}
	session.Assignments = assignments
	return session, nil
}

func scanSession(row rowScanner) (*billing.Session, error) {
	var s billing.Session
	var splitFrom sql.NullString
	var splitComment sql.NullString
	err := row.Scan(
		&s.ID,
		&s.ProjectCode,
		&s.ProjectName,
		&s.ClientName,
		&s.City,
		&s.Office,
		&s.Address,
		&s.OperationalStatus,
		&s.FinanceStatus,
		&s.SubtotalCompany,
		&s.SubtotalTechnician,
		&s.RealBilledAmount,
		&s.IsSplitChild,
		&splitFrom,
		&splitComment,
		&s.Version,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if splitFrom.Valid {
		s.SplitFromID = splitFrom.String
	}
	if splitComment.Valid {
		s.SplitComment = splitComment.String
	}
	s.CreatedAt = s.CreatedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	return &s, nil
}

func loadLineItems(ctx context.Context, q querier, sessionID, suffix string) ([]billing.LineItem, error) {
	rows, err := q.QueryContext(ctx, `
SELECT id, session_id, work_code, work_type, description, unit, quantity, unit_price,
	subtotal_company, subtotal_technician, source_line_item_id, version, created_at, updated_at
FROM billing_line_items
WHERE session_id = $1
ORDER BY seq ASC`+suffix, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []billing.LineItem
	for rows.Next() {
		var item billing.LineItem
		var source sql.NullString
		if err := rows.Scan(
			&item.ID,
			&item.SessionID,
			&item.WorkCode,
			&item.WorkType,
			&item.Description,
			&item.Unit,
			&item.Quantity,
			&item.UnitPrice,
			&item.SubtotalCompany,
			&item.SubtotalTechnician,
			&source,
			&item.Version,
			&item.CreatedAt,
			&item.UpdatedAt,
		); err != nil {
			return nil, err
		}
		if source.Valid {
			item.SourceLineItemID = source.String
		}
		item.CreatedAt = item.CreatedAt.UTC()
		item.UpdatedAt = item.UpdatedAt.UTC()
		result = append(result, item)
	}
	return result, rows.Err()
}

func loadAllocations(ctx context.Context, q querier, sessionID string, items []billing.LineItem) error {
	if len(items) == 0 {
		return nil
	}
	index := make(map[string]int, len(items))
	for i := range items {
		index[items[i].ID] = i
	}
	rows, err := q.QueryContext(ctx, `
SELECT a.id, a.line_item_id, a.technician_id, a.base_rate, a.percentage,
	a.effective_rate, a.subtotal, a.created_at
FROM billing_line_item_allocations a
JOIN billing_line_items li ON li.id = a.line_item_id
WHERE li.session_id = $1
ORDER BY a.seq ASC`, sessionID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var a billing.Allocation
		if err := rows.Scan(
			&a.ID,
			&a.LineItemID,
			&a.TechnicianID,
			&a.BaseRate,
			&a.Percentage,
			&a.EffectiveRate,
			&a.Subtotal,
			&a.CreatedAt,
		); err != nil {
			return err
		}
		a.CreatedAt = a.CreatedAt.UTC()
		if i, ok := index[a.LineItemID]; ok {
			items[i].Allocations = append(items[i].Allocations, a)
		}
	}
	return rows.Err()
}

func loadAssignments(ctx context.Context, q querier, sessionID string) ([]billing.Assignment, error) {
	rows, err := q.QueryContext(ctx, `
SELECT id, session_id, technician_id, percentage, accepted, accepted_at,
	review_comment, reviewed_at, assigned_at
FROM billing_session_assignments
WHERE session_id = $1
ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []billing.Assignment
	for rows.Next() {
		var a billing.Assignment
		var acceptedAt sql.NullTime
		var reviewComment sql.NullString
		var reviewedAt sql.NullTime
		if err := rows.Scan(
			&a.ID,
			&a.SessionID,
			&a.TechnicianID,
			&a.Percentage,
			&a.Accepted,
			&acceptedAt,
			&reviewComment,
			&reviewedAt,
			&a.AssignedAt,
		); err != nil {
			return nil, err
		}
		if acceptedAt.Valid {
			a.AcceptedAt = acceptedAt.Time.UTC()
		}
		if reviewComment.Valid {
			a.ReviewComment = reviewComment.String
		}
		if reviewedAt.Valid {
			a.ReviewedAt = reviewedAt.Time.UTC()
		}
		a.AssignedAt = a.AssignedAt.UTC()
		result = append(result, a)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
