package application

import (
	"context"
	"time"

	"fieldops-cloud/internal/billing/domain"
	"fieldops-cloud/internal/observability/metrics"
)

// Revert folds a split child back into its parent and deletes the child.
// Finance status, operational status and notes on the parent are left alone.
func (s *Service) Revert(ctx context.Context, childSessionID string, opts ...CallOption) (result RevertResult, err error) {
	const op = "billing.revert"
	start := time.Now()
	defer func() {
		metrics.ObserveRevert(metricResult(err), time.Since(start))
		if err != nil {
			s.logger.Warn("billing revert rejected", "child_session_id", childSessionID, "error", err)
		}
	}()

	if childSessionID == "" {
		return RevertResult{}, billing.ErrEmptySessionID
	}
	cfg := applyCallOptions(opts)

	snapshot, err := s.store.GetSession(ctx, childSessionID)
	if err != nil {
		return RevertResult{}, err
	}
	if !snapshot.IsSplitChild || snapshot.SplitFromID == "" {
		return RevertResult{}, billing.ValidationError(op, "session %s is not a split child", childSessionID)
	}
	parentID := snapshot.SplitFromID

	var event SplitReverted
	err = s.store.InTx(ctx, func(tx billing.Tx) error {
		var txErr error
		event, txErr = s.revertInTx(ctx, tx, parentID, childSessionID, cfg)
		if txErr != nil {
			return txErr
		}
		return s.recorder.RecordRevert(ctx, tx, event)
	})
	if err != nil {
		return RevertResult{}, err
	}

	result = RevertResult{
		ParentID:       event.SessionID,
		DeletedChildID: event.DeletedChildID,
		RestoredItems:  event.RestoredItems,
	}
	s.logger.Info("billing revert committed",
		"session_id", result.ParentID,
		"deleted_child_id", result.DeletedChildID,
		"restored_items", len(result.RestoredItems),
	)
	return result, nil
}

func (s *Service) revertInTx(ctx context.Context, tx billing.Tx, parentID, childID string, cfg callConfig) (SplitReverted, error) {
	const op = "billing.revert"

	// Parent first: split locks only the parent, so this order cannot deadlock with it.
	parent, err := tx.LockSession(ctx, parentID)
	if err != nil {
		return SplitReverted{}, err
	}
	child, err := tx.LockSession(ctx, childID)
	if err != nil {
		return SplitReverted{}, err
	}
	if !child.IsSplitChildOf(parent.ID) {
		return SplitReverted{}, billing.ConflictError(op, "session %s is no longer a split child of %s", child.ID, parent.ID)
	}
	grandchildren, err := tx.CountSplitChildren(ctx, child.ID)
	if err != nil {
		return SplitReverted{}, err
	}
	if grandchildren > 0 {
		return SplitReverted{}, billing.ValidationError(op, "session %s has %d split children of its own; revert them first", child.ID, grandchildren)
	}

	now := s.clock.Now()
	byCode := parent.ItemsByWorkCode()
	created := make([]billing.LineItem, 0, len(child.Items))
	touched := make([]string, 0, len(child.Items))
	restored := make([]RestoredItem, 0, len(child.Items))

	for i := range child.Items {
		childItem := &child.Items[i]
		if err := guardQuantity(op, childItem, childItem.Quantity); err != nil {
			return SplitReverted{}, err
		}
		target, err := matchParentItem(op, parent, byCode, childItem)
		if err != nil {
			return SplitReverted{}, err
		}
		if target == nil {
			item, err := s.restoreAsNew(ctx, tx, parent.ID, childItem, now)
			if err != nil {
				return SplitReverted{}, err
			}
			created = append(created, item)
			// Later child rows with this work code fold into the new row.
			byCode[item.WorkCode] = append(byCode[item.WorkCode], &created[len(created)-1])
			touched = append(touched, item.ID)
		} else {
			if err := s.restoreInto(ctx, tx, target, childItem, now); err != nil {
				return SplitReverted{}, err
			}
			touched = append(touched, target.ID)
		}
		restored = append(restored, RestoredItem{WorkCode: childItem.WorkCode, Quantity: childItem.Quantity})
	}
	parent.Items = append(parent.Items, created...)

	if err := tx.DeleteSession(ctx, child.ID); err != nil {
		return SplitReverted{}, err
	}

	parentVersion := parent.Version
	parent.RecomputeTotals()
	if err := tx.UpdateSessionTotals(ctx, parent, parentVersion); err != nil {
		return SplitReverted{}, err
	}
	if err := billing.CheckTouched(parent, touched...); err != nil {
		return SplitReverted{}, err
	}

	return SplitReverted{
		SessionID:      parent.ID,
		DeletedChildID: child.ID,
		RestoredItems:  restored,
		Actor:          cfg.actor,
		OccurredAt:     now,
	}, nil
}

// matchParentItem finds the parent row a child row folds into: the row it was
// carved from when that still exists, else the single row with the same work
// code. Several rows with the work code is an ambiguous match.
func matchParentItem(op string, parent *billing.Session, byCode map[string][]*billing.LineItem, childItem *billing.LineItem) (*billing.LineItem, error) {
	if childItem.SourceLineItemID != "" {
		if item, ok := parent.Item(childItem.SourceLineItemID); ok {
			return item, nil
		}
	}
	candidates := byCode[childItem.WorkCode]
	switch len(candidates) {
	case 0:
		return nil, nil
	case 1:
		return candidates[0], nil
	default:
		return nil, billing.ValidationError(op, "work code %s matches %d line items on session %s", childItem.WorkCode, len(candidates), parent.ID)
	}
}

func (s *Service) restoreInto(ctx context.Context, tx billing.Tx, target, childItem *billing.LineItem, now time.Time) error {
	const op = "billing.revert"
	expectedVersion := target.Version
	expectedQty := target.Quantity

	next := target.Quantity.Add(childItem.Quantity)
	if err := guardQuantity(op, target, next); err != nil {
		return err
	}

	for i := range childItem.Allocations {
		childAlloc := &childItem.Allocations[i]
		if existing := allocationFor(target, childAlloc.TechnicianID); existing != nil {
			existing.Subtotal = existing.Subtotal.Add(childAlloc.Subtotal)
			if err := tx.UpdateAllocationSubtotal(ctx, existing); err != nil {
				return err
			}
			continue
		}
		alloc := billing.CloneAllocation(childAlloc, s.ids.NewID(), target.ID, childAlloc.Subtotal, now)
		if err := tx.InsertAllocation(ctx, &alloc); err != nil {
			return err
		}
		target.Allocations = append(target.Allocations, alloc)
	}

	target.Quantity = next
	target.SubtotalCompany = target.SubtotalCompany.Add(childItem.SubtotalCompany)
	target.SubtotalTechnician = target.SubtotalTechnician.Add(childItem.SubtotalTechnician)
	target.UpdatedAt = now
	return tx.UpdateLineItem(ctx, target, expectedVersion, expectedQty)
}

func (s *Service) restoreAsNew(ctx context.Context, tx billing.Tx, parentID string, childItem *billing.LineItem, now time.Time) (billing.LineItem, error) {
	item := billing.CloneLineItem(childItem, s.ids.NewID(), parentID, now)
	if err := tx.InsertLineItem(ctx, &item); err != nil {
		return billing.LineItem{}, err
	}
	for i := range childItem.Allocations {
		childAlloc := &childItem.Allocations[i]
		alloc := billing.CloneAllocation(childAlloc, s.ids.NewID(), item.ID, childAlloc.Subtotal, now)
		if err := tx.InsertAllocation(ctx, &alloc); err != nil {
			return billing.LineItem{}, err
		}
		item.Allocations = append(item.Allocations, alloc)
	}
	return item, nil
}

func allocationFor(item *billing.LineItem, technicianID string) *billing.Allocation {
	for i := range item.Allocations {
		if item.Allocations[i].TechnicianID == technicianID {
			return &item.Allocations[i]
		}
	}
	return nil
}
