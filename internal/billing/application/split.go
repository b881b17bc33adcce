package application

import (
	"context"
	"fmt"
	"strings"
	"time"

	"fieldops-cloud/internal/billing/domain"
	"fieldops-cloud/internal/observability/metrics"

	"github.com/shopspring/decimal"
)

const splitCommentLayout = "2006-01-02 15:04 MST"

// Split carves the requested quantities out of a session's line items into a
// new child session. Validation runs before any write; the mutation runs in
// one transaction holding the parent's row locks.
func (s *Service) Split(ctx context.Context, sessionID string, moves Moves, opts ...CallOption) (result SplitResult, err error) {
	const op = "billing.split"
	start := time.Now()
	defer func() {
		outcome := metricResult(err)
		if err == nil && result.NoOp {
			outcome = metrics.ResultNoop
		}
		metrics.ObserveSplit(outcome, time.Since(start))
		if err != nil {
			s.logger.Warn("billing split rejected", "session_id", sessionID, "error", err)
		}
	}()

	if sessionID == "" {
		return SplitResult{}, billing.ErrEmptySessionID
	}
	cfg := applyCallOptions(opts)

	snapshot, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return SplitResult{}, err
	}
	planned, err := validateMoves(op, snapshot, moves)
	if err != nil {
		return SplitResult{}, err
	}
	if len(planned) == 0 {
		s.logger.Info("billing split noop", "session_id", sessionID, "requested", len(moves))
		return SplitResult{ParentID: sessionID, NoOp: true, MovedCompanyTotal: decimal.Zero, MovedTechnicianTotal: decimal.Zero}, nil
	}

	var event SessionSplit
	err = s.store.InTx(ctx, func(tx billing.Tx) error {
		var txErr error
		event, txErr = s.splitInTx(ctx, tx, sessionID, planned, cfg)
		if txErr != nil {
			return txErr
		}
		return s.recorder.RecordSplit(ctx, tx, event)
	})
	if err != nil {
		return SplitResult{}, err
	}

	result = SplitResult{
		ParentID:             sessionID,
		ChildID:              event.ChildSessionID,
		MovedItemCount:       len(event.MovedItems),
		MovedCompanyTotal:    event.MovedCompanyTotal,
		MovedTechnicianTotal: event.MovedTechnicianTotal,
	}
	metrics.AddMoved(result.MovedItemCount, result.MovedCompanyTotal.InexactFloat64(), result.MovedTechnicianTotal.InexactFloat64())
	s.logger.Info("billing split committed",
		"session_id", result.ParentID,
		"child_session_id", result.ChildID,
		"moved_items", result.MovedItemCount,
		"moved_company", result.MovedCompanyTotal.StringFixed(billing.MoneyPlaces),
		"moved_technician", result.MovedTechnicianTotal.StringFixed(billing.MoneyPlaces),
	)
	return result, nil
}

func (s *Service) splitInTx(ctx context.Context, tx billing.Tx, sessionID string, planned []plannedMove, cfg callConfig) (SessionSplit, error) {
	const op = "billing.split"
	parent, err := tx.LockSession(ctx, sessionID)
	if err != nil {
		return SessionSplit{}, err
	}
	for _, move := range planned {
		locked, _ := parent.Item(move.lineItemID)
		if err := recheckMove(op, move, locked); err != nil {
			return SessionSplit{}, err
		}
	}

	now := s.clock.Now()
	comment := buildSplitComment(parent.ID, now, cfg.comment)
	child := billing.NewSplitChild(parent, s.ids.NewID(), comment, now)
	if err := tx.InsertSession(ctx, &child); err != nil {
		return SessionSplit{}, err
	}

	for i := range parent.Assignments {
		assignment := billing.CloneAssignment(&parent.Assignments[i], s.ids.NewID(), child.ID)
		if err := tx.InsertAssignment(ctx, &assignment); err != nil {
			return SessionSplit{}, err
		}
		child.Assignments = append(child.Assignments, assignment)
	}

	event := SessionSplit{
		SessionID:            parent.ID,
		ChildSessionID:       child.ID,
		MovedCompanyTotal:    decimal.Zero,
		MovedTechnicianTotal: decimal.Zero,
		Comment:              comment,
		Actor:                cfg.actor,
		OccurredAt:           now,
	}
	for _, move := range planned {
		item, _ := parent.Item(move.lineItemID)
		childItem, err := s.carve(ctx, tx, item, child.ID, move.quantity, now)
		if err != nil {
			return SessionSplit{}, err
		}
		child.Items = append(child.Items, childItem)
		event.MovedItems = append(event.MovedItems, MovedItem{
			SourceLineItemID:   item.ID,
			ChildLineItemID:    childItem.ID,
			WorkCode:           childItem.WorkCode,
			Quantity:           childItem.Quantity,
			SubtotalCompany:    childItem.SubtotalCompany,
			SubtotalTechnician: childItem.SubtotalTechnician,
		})
		event.MovedCompanyTotal = event.MovedCompanyTotal.Add(childItem.SubtotalCompany)
		event.MovedTechnicianTotal = event.MovedTechnicianTotal.Add(childItem.SubtotalTechnician)
	}
	if len(child.Items) == 0 {
		return SessionSplit{}, billing.IntegrityError(op, "split of session %s produced a child without line items", parent.ID)
	}

	parentVersion := parent.Version
	parent.RecomputeTotals()
	if err := tx.UpdateSessionTotals(ctx, parent, parentVersion); err != nil {
		return SessionSplit{}, err
	}
	childVersion := child.Version
	child.RecomputeTotals()
	if err := tx.UpdateSessionTotals(ctx, &child, childVersion); err != nil {
		return SessionSplit{}, err
	}
	touched := make([]string, 0, len(planned))
	for _, move := range planned {
		touched = append(touched, move.lineItemID)
	}
	if err := billing.CheckTouched(parent, touched...); err != nil {
		return SessionSplit{}, err
	}
	if err := billing.CheckSession(&child); err != nil {
		return SessionSplit{}, err
	}
	return event, nil
}

// carve moves qty off item into a new line item on childID. The moved piece
// is prorated from per-unit rates taken before mutation; the parent keeps the
// original subtotal minus the moved piece, so rounding stays on the parent.
func (s *Service) carve(ctx context.Context, tx billing.Tx, item *billing.LineItem, childID string, qty decimal.Decimal, now time.Time) (billing.LineItem, error) {
	const op = "billing.split"
	origQty := item.Quantity
	origVersion := item.Version

	remaining := origQty.Sub(qty)
	if err := guardQuantity(op, item, remaining); err != nil {
		return billing.LineItem{}, err
	}

	rateCompany := billing.PerUnitAt(item.SubtotalCompany, origQty, s.ratePlaces)
	rateTechnician := billing.PerUnitAt(item.SubtotalTechnician, origQty, s.ratePlaces)
	movedCompany := billing.Prorate(rateCompany, qty)
	movedTechnician := billing.Prorate(rateTechnician, qty)

	childItem := billing.NewSplitLineItem(item, s.ids.NewID(), childID, qty, movedCompany, movedTechnician, now)
	if err := tx.InsertLineItem(ctx, &childItem); err != nil {
		return billing.LineItem{}, err
	}

	moved := prorateAllocations(item, origQty, qty, movedTechnician, s.ratePlaces)
	for i := range item.Allocations {
		alloc := &item.Allocations[i]
		childAlloc := billing.CloneAllocation(alloc, s.ids.NewID(), childItem.ID, moved[i], now)
		if err := tx.InsertAllocation(ctx, &childAlloc); err != nil {
			return billing.LineItem{}, err
		}
		childItem.Allocations = append(childItem.Allocations, childAlloc)

		if remaining.IsZero() {
			alloc.Subtotal = decimal.Zero
		} else {
			alloc.Subtotal = alloc.Subtotal.Sub(moved[i])
		}
		if err := tx.UpdateAllocationSubtotal(ctx, alloc); err != nil {
			return billing.LineItem{}, err
		}
	}

	item.Quantity = remaining
	if remaining.IsZero() {
		item.SubtotalCompany = decimal.Zero
		item.SubtotalTechnician = decimal.Zero
	} else {
		item.SubtotalCompany = item.SubtotalCompany.Sub(movedCompany)
		item.SubtotalTechnician = item.SubtotalTechnician.Sub(movedTechnician)
	}
	item.UpdatedAt = now
	if err := tx.UpdateLineItem(ctx, item, origVersion, origQty); err != nil {
		return billing.LineItem{}, err
	}
	return childItem, nil
}

// prorateAllocations prorates each allocation of item by its own per-unit
// rate. When the allocations summed exactly to the technician subtotal, the
// cent residue left by rounding goes to the largest moved allocation so both
// sides keep summing exactly.
func prorateAllocations(item *billing.LineItem, origQty, qty, movedTechnician decimal.Decimal, places int32) []decimal.Decimal {
	moved := make([]decimal.Decimal, len(item.Allocations))
	if len(moved) == 0 {
		return moved
	}
	before := decimal.Zero
	sum := decimal.Zero
	largest := 0
	for i, alloc := range item.Allocations {
		before = before.Add(alloc.Subtotal)
		moved[i] = billing.Prorate(billing.PerUnitAt(alloc.Subtotal, origQty, places), qty)
		sum = sum.Add(moved[i])
		if moved[i].GreaterThan(moved[largest]) {
			largest = i
		}
	}
	if !before.Equal(item.SubtotalTechnician) {
		return moved
	}
	residue := movedTechnician.Sub(sum)
	if residue.IsZero() || !billing.WithinCents(residue, decimal.Zero, int64(len(moved))) {
		return moved
	}
	if adjusted := moved[largest].Add(residue); !adjusted.IsNegative() {
		moved[largest] = adjusted
	}
	return moved
}

func buildSplitComment(parentID string, at time.Time, note string) string {
	comment := fmt.Sprintf("Split from session %s on %s", parentID, at.UTC().Format(splitCommentLayout))
	if note = strings.TrimSpace(note); note != "" {
		comment += ": " + note
	}
	return comment
}
