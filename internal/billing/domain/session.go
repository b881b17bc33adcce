package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// OperationalStatus is the workflow state of a session. Opaque to the split engine.
type OperationalStatus string

const (
	OperationalAssigned    OperationalStatus = "assigned"
	OperationalInProgress  OperationalStatus = "in_progress"
	OperationalUnderReview OperationalStatus = "under_review"
	OperationalApproved    OperationalStatus = "approved"
	OperationalRejected    OperationalStatus = "rejected"
)

// FinanceStatus is the finance state of a session. Opaque to the split engine.
type FinanceStatus string

const (
	FinancePending  FinanceStatus = "pending"
	FinanceReview   FinanceStatus = "review"
	FinanceApproved FinanceStatus = "approved"
	FinanceInvoiced FinanceStatus = "invoiced"
	FinancePaid     FinanceStatus = "paid"
)

// Session is one billable unit of work for a project.
// SubtotalCompany and SubtotalTechnician are derived from the line items.
type Session struct {
	ID                 string
	ProjectCode        string
	ProjectName        string
	ClientName         string
	City               string
	Office             string
	Address            string
	OperationalStatus  OperationalStatus
	FinanceStatus      FinanceStatus
	SubtotalCompany    decimal.Decimal
	SubtotalTechnician decimal.Decimal
	RealBilledAmount   decimal.NullDecimal
	IsSplitChild       bool
	SplitFromID        string
	SplitComment       string
	Version            int64
	CreatedAt          time.Time
	UpdatedAt          time.Time

	Items       []LineItem
	Assignments []Assignment
}

// IsSplitChildOf reports whether the session was carved out of parentID.
func (s *Session) IsSplitChildOf(parentID string) bool {
	return s != nil && s.IsSplitChild && s.SplitFromID != "" && s.SplitFromID == parentID
}

// Item returns the line item with the given id.
func (s *Session) Item(id string) (*LineItem, bool) {
	if s == nil {
		return nil, false
	}
	for i := range s.Items {
		if s.Items[i].ID == id {
			return &s.Items[i], true
		}
	}
	return nil, false
}

// ItemsByWorkCode indexes the line items by work code. A code may map to several rows.
func (s *Session) ItemsByWorkCode() map[string][]*LineItem {
	index := make(map[string][]*LineItem)
	if s == nil {
		return index
	}
	for i := range s.Items {
		code := s.Items[i].WorkCode
		index[code] = append(index[code], &s.Items[i])
	}
	return index
}

// LineItem is one priced row of work inside a session.
type LineItem struct {
	ID                 string
	SessionID          string
	WorkCode           string
	WorkType           string
	Description        string
	Unit               string
	Quantity           decimal.Decimal
	UnitPrice          decimal.Decimal
	SubtotalCompany    decimal.Decimal
	SubtotalTechnician decimal.Decimal
	SourceLineItemID   string
	Version            int64
	CreatedAt          time.Time
	UpdatedAt          time.Time

	Allocations []Allocation
}

// Allocation is one technician's slice of a line item's technician subtotal.
type Allocation struct {
	ID            string
	LineItemID    string
	TechnicianID  string
	BaseRate      decimal.Decimal
	Percentage    decimal.Decimal
	EffectiveRate decimal.Decimal
	Subtotal      decimal.Decimal
	CreatedAt     time.Time
}

// Assignment ties a technician to a session along with its workflow state.
type Assignment struct {
	ID            string
	SessionID     string
	TechnicianID  string
	Percentage    decimal.Decimal
	Accepted      bool
	AcceptedAt    time.Time
	ReviewComment string
	ReviewedAt    time.Time
	AssignedAt    time.Time
}
