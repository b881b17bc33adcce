package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// The functions below list every persisted field explicitly. A new field on
// an entity must be added here, or split and revert will drop it.

// NewSplitChild builds the child session carved out of parent. Identity,
// location and both statuses are copied verbatim; totals start at zero.
func NewSplitChild(parent *Session, childID, comment string, now time.Time) Session {
	return Session{
		ID:                 childID,
		ProjectCode:        parent.ProjectCode,
		ProjectName:        parent.ProjectName,
		ClientName:         parent.ClientName,
		City:               parent.City,
		Office:             parent.Office,
		Address:            parent.Address,
		OperationalStatus:  parent.OperationalStatus,
		FinanceStatus:      parent.FinanceStatus,
		SubtotalCompany:    decimal.Zero,
		SubtotalTechnician: decimal.Zero,
		RealBilledAmount:   decimal.NullDecimal{},
		IsSplitChild:       true,
		SplitFromID:        parent.ID,
		SplitComment:       comment,
		Version:            1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// NewSplitLineItem builds the child copy of src carrying qty and the prorated subtotals.
func NewSplitLineItem(src *LineItem, id, sessionID string, qty, company, technician decimal.Decimal, now time.Time) LineItem {
	return LineItem{
		ID:                 id,
		SessionID:          sessionID,
		WorkCode:           src.WorkCode,
		WorkType:           src.WorkType,
		Description:        src.Description,
		Unit:               src.Unit,
		Quantity:           qty,
		UnitPrice:          src.UnitPrice,
		SubtotalCompany:    company,
		SubtotalTechnician: technician,
		SourceLineItemID:   src.ID,
		Version:            1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// CloneLineItem copies src verbatim onto another session. Used by revert when
// the parent no longer has a matching row.
func CloneLineItem(src *LineItem, id, sessionID string, now time.Time) LineItem {
	return LineItem{
		ID:                 id,
		SessionID:          sessionID,
		WorkCode:           src.WorkCode,
		WorkType:           src.WorkType,
		Description:        src.Description,
		Unit:               src.Unit,
		Quantity:           src.Quantity,
		UnitPrice:          src.UnitPrice,
		SubtotalCompany:    src.SubtotalCompany,
		SubtotalTechnician: src.SubtotalTechnician,
		SourceLineItemID:   "",
		Version:            1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// CloneAllocation copies src onto another line item with a new subtotal.
func CloneAllocation(src *Allocation, id, lineItemID string, subtotal decimal.Decimal, now time.Time) Allocation {
	return Allocation{
		ID:            id,
		LineItemID:    lineItemID,
		TechnicianID:  src.TechnicianID,
		BaseRate:      src.BaseRate,
		Percentage:    src.Percentage,
		EffectiveRate: src.EffectiveRate,
		Subtotal:      subtotal,
		CreatedAt:     now,
	}
}

// CloneAssignment duplicates src onto another session unchanged.
func CloneAssignment(src *Assignment, id, sessionID string) Assignment {
	return Assignment{
		ID:            id,
		SessionID:     sessionID,
		TechnicianID:  src.TechnicianID,
		Percentage:    src.Percentage,
		Accepted:      src.Accepted,
		AcceptedAt:    src.AcceptedAt,
		ReviewComment: src.ReviewComment,
		ReviewedAt:    src.ReviewedAt,
		AssignedAt:    src.AssignedAt,
	}
}
