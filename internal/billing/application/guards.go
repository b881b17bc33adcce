package application

import (
	"sort"

	"fieldops-cloud/internal/billing/domain"

	"github.com/shopspring/decimal"
)

// Moves maps line item ids to the quantity to carve out of each.
type Moves map[string]decimal.Decimal

// plannedMove is a validated, non-zero move pinned to the quantity it was
// validated against.
type plannedMove struct {
	lineItemID string
	quantity   decimal.Decimal
	seenQty    decimal.Decimal
}

// validateMoves checks moves against a snapshot of the session before any
// write. It returns the non-zero moves in line item order; an empty result
// with a nil error means the call is a no-op.
func validateMoves(op string, session *billing.Session, moves Moves) ([]plannedMove, error) {
	ids := make([]string, 0, len(moves))
	for id := range moves {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		qty := moves[id]
		item, ok := session.Item(id)
		if !ok {
			return nil, billing.ValidationError(op, "line item %s does not belong to session %s", id, session.ID)
		}
		if qty.IsNegative() {
			return nil, billing.ValidationError(op, "line item %s (%s): quantity to move %s is negative", id, item.WorkCode, qty)
		}
		if !qty.Equal(qty.Truncate(billing.QuantityPlaces)) {
			return nil, billing.ValidationError(op, "line item %s (%s): quantity to move %s has more than %d decimal places", id, item.WorkCode, qty, billing.QuantityPlaces)
		}
		if qty.GreaterThanOrEqual(item.Quantity) && !qty.IsZero() {
			return nil, billing.ValidationError(op, "line item %s (%s): quantity to move %s must be less than the current quantity %s", id, item.WorkCode, qty, item.Quantity)
		}
	}

	planned := make([]plannedMove, 0, len(moves))
	for _, item := range session.Items {
		qty, ok := moves[item.ID]
		if !ok || qty.IsZero() {
			continue
		}
		planned = append(planned, plannedMove{
			lineItemID: item.ID,
			quantity:   qty,
			seenQty:    item.Quantity,
		})
	}
	return planned, nil
}

// recheckMove re-validates a planned move against the row read under lock.
// Any difference from the validated snapshot means another writer got in
// between.
func recheckMove(op string, move plannedMove, locked *billing.LineItem) error {
	if locked == nil {
		return billing.ConflictError(op, "line item %s disappeared before it could be split", move.lineItemID)
	}
	if !locked.Quantity.Equal(move.seenQty) {
		return billing.ConflictError(op, "line item %s (%s): quantity changed from %s to %s", locked.ID, locked.WorkCode, move.seenQty, locked.Quantity)
	}
	if move.quantity.GreaterThanOrEqual(locked.Quantity) {
		return billing.ConflictError(op, "line item %s (%s): quantity to move %s is no longer less than the current quantity %s", locked.ID, locked.WorkCode, move.quantity, locked.Quantity)
	}
	return nil
}

// guardQuantity rejects any write that would leave a negative quantity.
func guardQuantity(op string, item *billing.LineItem, next decimal.Decimal) error {
	if next.IsNegative() {
		return billing.IntegrityError(op, "line item %s (%s): quantity would become %s", item.ID, item.WorkCode, next)
	}
	return nil
}
