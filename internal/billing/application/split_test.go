package application_test

import (
	"context"
	"errors"
	"testing"

	"fieldops-cloud/internal/billing/application"
	"fieldops-cloud/internal/billing/domain"
	"fieldops-cloud/internal/billing/infrastructure/memory"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestSplitMovesProratedQuantity(t *testing.T) {
	ctx := context.Background()
	parent := session("S", item("LI-1", "NET-1", "10", "1000.00", "700.00"))
	store := seedStore(t, parent)
	recorder := &eventRecorder{}
	svc := newTestService(t, store, application.WithRecorder(recorder))

	result, err := svc.Split(ctx, "S", application.Moves{"LI-1": dec("3")})
	require.NoError(t, err)
	require.False(t, result.NoOp)
	require.True(t, result.HasChild())
	require.Equal(t, 1, result.MovedItemCount)
	requireDecimal(t, "300.00", result.MovedCompanyTotal)
	requireDecimal(t, "210.00", result.MovedTechnicianTotal)

	child := mustGet(t, store, result.ChildID)
	require.True(t, child.IsSplitChild)
	require.Equal(t, "S", child.SplitFromID)
	require.Len(t, child.Items, 1)
	requireDecimal(t, "3", child.Items[0].Quantity)
	requireDecimal(t, "300.00", child.Items[0].SubtotalCompany)
	requireDecimal(t, "210.00", child.Items[0].SubtotalTechnician)
	require.Equal(t, "NET-1", child.Items[0].WorkCode)
	require.Equal(t, "LI-1", child.Items[0].SourceLineItemID)
	requireDecimal(t, "300.00", child.SubtotalCompany)
	requireDecimal(t, "210.00", child.SubtotalTechnician)

	got := mustGet(t, store, "S")
	li := mustItem(t, got, "LI-1")
	requireDecimal(t, "7", li.Quantity)
	requireDecimal(t, "700.00", li.SubtotalCompany)
	requireDecimal(t, "490.00", li.SubtotalTechnician)
	requireDecimal(t, "700.00", got.SubtotalCompany)
	requireDecimal(t, "490.00", got.SubtotalTechnician)
	require.Equal(t, int64(2), li.Version)
	require.Equal(t, int64(2), got.Version)

	requireConserved(t, parent, got, child)

	require.Len(t, recorder.splits, 1)
	event := recorder.splits[0]
	require.Equal(t, "S", event.SessionID)
	require.Equal(t, result.ChildID, event.ChildSessionID)
	require.Len(t, event.MovedItems, 1)
	require.Equal(t, "LI-1", event.MovedItems[0].SourceLineItemID)
}

func TestSplitCopiesIdentityAndStatuses(t *testing.T) {
	ctx := context.Background()
	parent := session("S", item("LI-1", "NET-1", "4", "80.00", "40.00"))
	parent.OperationalStatus = billing.OperationalApproved
	parent.FinanceStatus = billing.FinanceInvoiced
	store := seedStore(t, parent)
	svc := newTestService(t, store)

	result, err := svc.Split(ctx, "S", application.Moves{"LI-1": dec("1")}, application.WithComment("  partial invoice  "))
	require.NoError(t, err)

	child := mustGet(t, store, result.ChildID)
	require.Equal(t, parent.ProjectCode, child.ProjectCode)
	require.Equal(t, parent.ProjectName, child.ProjectName)
	require.Equal(t, parent.ClientName, child.ClientName)
	require.Equal(t, parent.City, child.City)
	require.Equal(t, parent.Office, child.Office)
	require.Equal(t, parent.Address, child.Address)
	require.Equal(t, billing.OperationalApproved, child.OperationalStatus)
	require.Equal(t, billing.FinanceInvoiced, child.FinanceStatus)
	require.False(t, child.RealBilledAmount.Valid)
	require.Equal(t, "Split from session S on 2026-03-04 09:30 UTC: partial invoice", child.SplitComment)

	got := mustGet(t, store, "S")
	require.Equal(t, billing.OperationalApproved, got.OperationalStatus)
	require.Equal(t, billing.FinanceInvoiced, got.FinanceStatus)
	require.True(t, got.RealBilledAmount.Valid)
	require.False(t, got.IsSplitChild)
}

func TestSplitDuplicatesAssignments(t *testing.T) {
	ctx := context.Background()
	store := seedStore(t, session("S", item("LI-1", "NET-1", "2", "20.00", "10.00")))
	svc := newTestService(t, store)

	result, err := svc.Split(ctx, "S", application.Moves{"LI-1": dec("1")})
	require.NoError(t, err)

	parent := mustGet(t, store, "S")
	child := mustGet(t, store, result.ChildID)
	require.Len(t, child.Assignments, len(parent.Assignments))
	for i, a := range child.Assignments {
		src := parent.Assignments[i]
		require.NotEqual(t, src.ID, a.ID)
		require.Equal(t, child.ID, a.SessionID)
		require.Equal(t, src.TechnicianID, a.TechnicianID)
		require.True(t, src.Percentage.Equal(a.Percentage))
		require.Equal(t, src.Accepted, a.Accepted)
		require.Equal(t, src.AssignedAt, a.AssignedAt)
	}
}

func TestSplitProratesAllocationsAndConserves(t *testing.T) {
	ctx := context.Background()
	parent := session("S",
		item("LI-1", "NET-1", "3", "100.00", "100.00",
			alloc("AL-1", "T-1", "50.00"),
			alloc("AL-2", "T-2", "50.00"),
		),
		item("LI-2", "CAB-7", "5", "12.50", "7.35"),
	)
	store := seedStore(t, parent)
	svc := newTestService(t, store)

	result, err := svc.Split(ctx, "S", application.Moves{"LI-1": dec("1"), "LI-2": dec("2")})
	require.NoError(t, err)
	require.Equal(t, 2, result.MovedItemCount)

	child := mustGet(t, store, result.ChildID)
	got := mustGet(t, store, "S")
	requireConserved(t, parent, got, child)

	moved := child.Items[0]
	require.Equal(t, "NET-1", moved.WorkCode)
	requireDecimal(t, "33.33", moved.SubtotalCompany)
	requireDecimal(t, "33.33", moved.SubtotalTechnician)
	require.Len(t, moved.Allocations, 2)
	// The cent residue lands on the first of the largest allocations.
	requireDecimal(t, "16.66", moved.Allocations[0].Subtotal)
	requireDecimal(t, "16.67", moved.Allocations[1].Subtotal)
	require.Equal(t, "T-1", moved.Allocations[0].TechnicianID)
	require.True(t, dec("50").Equal(moved.Allocations[0].Percentage))

	kept := mustItem(t, got, "LI-1")
	requireDecimal(t, "2", kept.Quantity)
	requireDecimal(t, "66.67", kept.SubtotalCompany)
	requireDecimal(t, "66.67", kept.SubtotalTechnician)
	requireDecimal(t, "33.34", kept.Allocations[0].Subtotal)
	requireDecimal(t, "33.33", kept.Allocations[1].Subtotal)

	cab := child.Items[1]
	require.Equal(t, "CAB-7", cab.WorkCode)
	requireDecimal(t, "5.00", cab.SubtotalCompany)
	requireDecimal(t, "2.94", cab.SubtotalTechnician)
	keptCab := mustItem(t, got, "LI-2")
	requireDecimal(t, "3", keptCab.Quantity)
	requireDecimal(t, "7.50", keptCab.SubtotalCompany)
	requireDecimal(t, "4.41", keptCab.SubtotalTechnician)
}

func TestSplitFractionalQuantity(t *testing.T) {
	ctx := context.Background()
	parent := session("S", item("LI-1", "FIB-2", "2.5", "125.00", "75.00"))
	store := seedStore(t, parent)
	svc := newTestService(t, store)

	result, err := svc.Split(ctx, "S", application.Moves{"LI-1": dec("0.75")})
	require.NoError(t, err)

	child := mustGet(t, store, result.ChildID)
	requireDecimal(t, "0.75", child.Items[0].Quantity)
	requireDecimal(t, "37.50", child.Items[0].SubtotalCompany)
	requireDecimal(t, "22.50", child.Items[0].SubtotalTechnician)
	got := mustGet(t, store, "S")
	requireDecimal(t, "1.75", mustItem(t, got, "LI-1").Quantity)
	requireConserved(t, parent, got, child)
}

func TestSplitNoOp(t *testing.T) {
	ctx := context.Background()
	for name, moves := range map[string]application.Moves{
		"empty":     {},
		"nil":       nil,
		"zero only": {"LI-1": decimal.Zero},
	} {
		t.Run(name, func(t *testing.T) {
			store := seedStore(t, session("S", item("LI-1", "NET-1", "10", "1000.00", "700.00")))
			recorder := &eventRecorder{}
			svc := newTestService(t, store, application.WithRecorder(recorder))

			result, err := svc.Split(ctx, "S", moves)
			require.NoError(t, err)
			require.True(t, result.NoOp)
			require.False(t, result.HasChild())
			require.Equal(t, 0, store.BeginCalls)
			require.Equal(t, 1, store.SessionCount())
			require.Empty(t, recorder.splits)
			requireDecimal(t, "10", mustItem(t, mustGet(t, store, "S"), "LI-1").Quantity)
		})
	}
}

func TestSplitZeroMoveAlongsideRealMove(t *testing.T) {
	ctx := context.Background()
	store := seedStore(t, session("S",
		item("LI-1", "NET-1", "10", "1000.00", "700.00"),
		item("LI-2", "NET-2", "4", "40.00", "20.00"),
	))
	svc := newTestService(t, store)

	result, err := svc.Split(ctx, "S", application.Moves{"LI-1": dec("1"), "LI-2": decimal.Zero})
	require.NoError(t, err)
	child := mustGet(t, store, result.ChildID)
	require.Len(t, child.Items, 1)
	require.Equal(t, "NET-1", child.Items[0].WorkCode)
	requireDecimal(t, "4", mustItem(t, mustGet(t, store, "S"), "LI-2").Quantity)
}

func TestSplitRejectsInvalidMoves(t *testing.T) {
	ctx := context.Background()
	cases := map[string]application.Moves{
		"equal to quantity":   {"LI-1": dec("10")},
		"above quantity":      {"LI-1": dec("11")},
		"negative":            {"LI-1": dec("-1")},
		"unknown line item":   {"LI-404": dec("1")},
		"one bad among good":  {"LI-1": dec("1"), "LI-2": dec("4")},
		"foreign line item":   {"OTHER-1": dec("1")},
		"zero with bad other": {"LI-1": decimal.Zero, "LI-2": dec("-0.5")},
		"below stored scale":  {"LI-1": dec("0.00001")},
		"rounds up on store":  {"LI-1": dec("2.00005")},
	}
	for name, moves := range cases {
		t.Run(name, func(t *testing.T) {
			store := seedStore(t,
				session("S",
					item("LI-1", "NET-1", "10", "1000.00", "700.00"),
					item("LI-2", "NET-2", "4", "40.00", "20.00"),
				),
				session("OTHER", item("OTHER-1", "NET-1", "10", "10.00", "5.00")),
			)
			svc := newTestService(t, store)

			_, err := svc.Split(ctx, "S", moves)
			require.ErrorIs(t, err, billing.ErrValidation)
			require.Equal(t, 0, store.BeginCalls)
			require.Equal(t, 2, store.SessionCount())
			got := mustGet(t, store, "S")
			requireDecimal(t, "10", mustItem(t, got, "LI-1").Quantity)
			requireDecimal(t, "4", mustItem(t, got, "LI-2").Quantity)
		})
	}
}

func TestSplitErrorMessageNamesItem(t *testing.T) {
	store := seedStore(t, session("S", item("LI-1", "NET-1", "10", "1000.00", "700.00")))
	svc := newTestService(t, store)

	_, err := svc.Split(context.Background(), "S", application.Moves{"LI-1": dec("10")})
	require.Error(t, err)
	require.Contains(t, err.Error(), "LI-1")
	require.Contains(t, err.Error(), "NET-1")
	require.Contains(t, err.Error(), "current quantity 10")
}

func TestSplitAcceptsStoredScale(t *testing.T) {
	store := seedStore(t, session("S", item("LI-1", "NET-1", "10", "1000.00", "700.00")))
	svc := newTestService(t, store)

	result, err := svc.Split(context.Background(), "S", application.Moves{"LI-1": dec("2.0001")})
	require.NoError(t, err)
	requireDecimal(t, "7.9999", mustItem(t, mustGet(t, store, "S"), "LI-1").Quantity)
	child := mustGet(t, store, result.ChildID)
	requireDecimal(t, "2.0001", child.Items[0].Quantity)

	_, err = svc.Split(context.Background(), "S", application.Moves{"LI-1": dec("0.00001")})
	require.ErrorIs(t, err, billing.ErrValidation)
	require.Contains(t, err.Error(), "more than 4 decimal places")
}

func TestSplitMissingSession(t *testing.T) {
	svc := newTestService(t, memory.NewStore())

	_, err := svc.Split(context.Background(), "nope", application.Moves{"LI-1": dec("1")})
	require.ErrorIs(t, err, billing.ErrNotFound)

	_, err = svc.Split(context.Background(), "", nil)
	require.ErrorIs(t, err, billing.ErrEmptySessionID)
}

func TestSplitIsAtomic(t *testing.T) {
	for _, method := range []string{"InsertSession", "InsertAssignment", "InsertLineItem", "InsertAllocation", "UpdateAllocationSubtotal", "UpdateLineItem", "UpdateSessionTotals", "Commit"} {
		t.Run(method, func(t *testing.T) {
			parent := session("S",
				item("LI-1", "NET-1", "3", "100.00", "100.00",
					alloc("AL-1", "T-1", "50.00"),
					alloc("AL-2", "T-2", "50.00"),
				),
			)
			store := seedStore(t, parent)
			injected := errors.New("injected " + method)
			store.FailOn(method, injected)
			svc := newTestService(t, store)

			_, err := svc.Split(context.Background(), "S", application.Moves{"LI-1": dec("1")})
			require.ErrorIs(t, err, injected)
			require.Equal(t, 1, store.RollbackCalls)
			require.Equal(t, 1, store.SessionCount())

			got := mustGet(t, store, "S")
			li := mustItem(t, got, "LI-1")
			requireDecimal(t, "3", li.Quantity)
			requireDecimal(t, "100.00", li.SubtotalCompany)
			requireDecimal(t, "50.00", li.Allocations[0].Subtotal)
			require.Equal(t, int64(1), got.Version)
		})
	}
}

func TestSplitRecorderFailureRollsBack(t *testing.T) {
	store := seedStore(t, session("S", item("LI-1", "NET-1", "10", "1000.00", "700.00")))
	recorder := &eventRecorder{err: errors.New("outbox down")}
	svc := newTestService(t, store, application.WithRecorder(recorder))

	_, err := svc.Split(context.Background(), "S", application.Moves{"LI-1": dec("3")})
	require.EqualError(t, err, "outbox down")
	require.Equal(t, 1, store.SessionCount())
	requireDecimal(t, "10", mustItem(t, mustGet(t, store, "S"), "LI-1").Quantity)
}

// racingStore runs another writer between the caller's snapshot read and its
// transaction.
type racingStore struct {
	*memory.Store
	race func()
}

func (r *racingStore) InTx(ctx context.Context, fn func(tx billing.Tx) error) error {
	if r.race != nil {
		race := r.race
		r.race = nil
		race()
	}
	return r.Store.InTx(ctx, fn)
}

func TestSplitDetectsConcurrentChange(t *testing.T) {
	ctx := context.Background()
	inner := seedStore(t, session("S", item("LI-1", "NET-1", "10", "1000.00", "700.00")))
	other := newTestService(t, inner)
	store := &racingStore{Store: inner, race: func() {
		_, err := other.Split(ctx, "S", application.Moves{"LI-1": dec("8")})
		require.NoError(t, err)
	}}
	svc := newTestService(t, store)

	_, err := svc.Split(ctx, "S", application.Moves{"LI-1": dec("5")})
	require.ErrorIs(t, err, billing.ErrConflict)
	require.True(t, billing.IsRetryable(err))

	got := mustGet(t, inner, "S")
	requireDecimal(t, "2", mustItem(t, got, "LI-1").Quantity)
	require.Equal(t, 2, inner.SessionCount())
}

func TestRepeatedSplitsStayWithinACent(t *testing.T) {
	ctx := context.Background()
	parent := session("S", item("LI-1", "NET-1", "97", "1234.57", "864.19",
		alloc("AL-1", "T-1", "432.10"),
		alloc("AL-2", "T-2", "432.09"),
	))
	store := seedStore(t, parent)
	svc := newTestService(t, store)

	sessions := []*billing.Session{}
	for i := 0; i < 12; i++ {
		result, err := svc.Split(ctx, "S", application.Moves{"LI-1": dec("7")})
		require.NoError(t, err)
		sessions = append(sessions, mustGet(t, store, result.ChildID))
	}
	sessions = append(sessions, mustGet(t, store, "S"))
	requireConserved(t, parent, sessions...)

	children, err := svc.Children(ctx, "S")
	require.NoError(t, err)
	require.Len(t, children, 12)
}
