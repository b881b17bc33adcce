package billing

import (
	"context"

	"github.com/shopspring/decimal"
)

// Reader loads sessions outside a transaction. Results are snapshots.
type Reader interface {
	// GetSession loads a session with items, allocations and assignments.
	// It returns ErrNotFound (kind) when the session does not exist.
	GetSession(ctx context.Context, id string) (*Session, error)
	// ListSplitChildren returns the direct split children of a session.
	ListSplitChildren(ctx context.Context, parentID string) ([]Session, error)
}

// UnitOfWork runs fn inside one atomic transaction. Any error returned by fn
// rolls back every write made through tx.
type UnitOfWork interface {
	Reader
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the set of reads and writes the split engine performs inside a
// transaction. Lock* methods take row locks held until commit or rollback.
type Tx interface {
	// LockSession locks the session row and its line items and returns the
	// full aggregate.
	LockSession(ctx context.Context, id string) (*Session, error)
	// CountSplitChildren counts sessions whose split_from is id.
	CountSplitChildren(ctx context.Context, id string) (int, error)

	InsertSession(ctx context.Context, s *Session) error
	InsertLineItem(ctx context.Context, item *LineItem) error
	InsertAllocation(ctx context.Context, alloc *Allocation) error
	InsertAssignment(ctx context.Context, a *Assignment) error

	// UpdateLineItem writes quantity and subtotals when the stored version and
	// quantity still equal expectedVersion and expectedQty, then bumps the
	// version. A mismatch returns a conflict error.
	UpdateLineItem(ctx context.Context, item *LineItem, expectedVersion int64, expectedQty decimal.Decimal) error
	UpdateAllocationSubtotal(ctx context.Context, alloc *Allocation) error
	// UpdateSessionTotals writes both aggregates guarded by expectedVersion.
	UpdateSessionTotals(ctx context.Context, s *Session, expectedVersion int64) error
	// DeleteSession removes the session with its items, allocations and assignments.
	DeleteSession(ctx context.Context, id string) error
}
