package application

import (
	"context"
	"time"

	"fieldops-cloud/internal/billing/domain"

	"github.com/shopspring/decimal"
)

// MovedItem describes one line item carved into a split child.
type MovedItem struct {
	SourceLineItemID   string          `json:"source_line_item_id"`
	ChildLineItemID    string          `json:"child_line_item_id"`
	WorkCode           string          `json:"work_code"`
	Quantity           decimal.Decimal `json:"quantity"`
	SubtotalCompany    decimal.Decimal `json:"subtotal_company"`
	SubtotalTechnician decimal.Decimal `json:"subtotal_technician"`
}

// SessionSplit is emitted when a split commits.
type SessionSplit struct {
	SessionID            string          `json:"session_id"`
	ChildSessionID       string          `json:"child_session_id"`
	MovedItems           []MovedItem     `json:"moved_items"`
	MovedCompanyTotal    decimal.Decimal `json:"moved_company_total"`
	MovedTechnicianTotal decimal.Decimal `json:"moved_technician_total"`
	Comment              string          `json:"comment"`
	Actor                string          `json:"actor"`
	OccurredAt           time.Time       `json:"occurred_at"`
}

// SplitReverted is emitted when a split child is folded back into its parent.
type SplitReverted struct {
	SessionID      string         `json:"session_id"`
	DeletedChildID string         `json:"deleted_child_id"`
	RestoredItems  []RestoredItem `json:"restored_items"`
	Actor          string         `json:"actor"`
	OccurredAt     time.Time      `json:"occurred_at"`
}

// Event type names written to the outbox.
const (
	EventSessionSplit  = "billing.session.split"
	EventSplitReverted = "billing.session.split_reverted"
)

func (e SessionSplit) EventType() string    { return EventSessionSplit }
func (e SessionSplit) SessionKey() string   { return e.SessionID }
func (e SessionSplit) EventTime() time.Time { return e.OccurredAt }

func (e SplitReverted) EventType() string    { return EventSplitReverted }
func (e SplitReverted) SessionKey() string   { return e.SessionID }
func (e SplitReverted) EventTime() time.Time { return e.OccurredAt }

// Recorder persists side records of a committed operation through the same
// transaction. Returning an error rolls the operation back.
type Recorder interface {
	RecordSplit(ctx context.Context, tx billing.Tx, event SessionSplit) error
	RecordRevert(ctx context.Context, tx billing.Tx, event SplitReverted) error
}

type nopRecorder struct{}

func (nopRecorder) RecordSplit(context.Context, billing.Tx, SessionSplit) error   { return nil }
func (nopRecorder) RecordRevert(context.Context, billing.Tx, SplitReverted) error { return nil }

// MultiRecorder fans out to every recorder in order and stops at the first error.
type MultiRecorder []Recorder

func (m MultiRecorder) RecordSplit(ctx context.Context, tx billing.Tx, event SessionSplit) error {
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.RecordSplit(ctx, tx, event); err != nil {
			return err
		}
	}
	return nil
}

func (m MultiRecorder) RecordRevert(ctx context.Context, tx billing.Tx, event SplitReverted) error {
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.RecordRevert(ctx, tx, event); err != nil {
			return err
		}
	}
	return nil
}
