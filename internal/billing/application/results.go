package application

import "github.com/shopspring/decimal"

// SplitResult describes a split call. ChildID is empty and NoOp is true when
// every requested quantity was zero.
type SplitResult struct {
	ParentID             string
	ChildID              string
	NoOp                 bool
	MovedItemCount       int
	MovedCompanyTotal    decimal.Decimal
	MovedTechnicianTotal decimal.Decimal
}

// HasChild reports whether the call created a child session.
func (r SplitResult) HasChild() bool { return r.ChildID != "" }

// RestoredItem is one work code folded back into the parent.
type RestoredItem struct {
	WorkCode string          `json:"work_code"`
	Quantity decimal.Decimal `json:"quantity"`
}

// RevertResult describes a revert call.
type RevertResult struct {
	ParentID       string
	DeletedChildID string
	RestoredItems  []RestoredItem
}
