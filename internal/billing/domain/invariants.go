package billing

import (
	"github.com/shopspring/decimal"
)

// Totals sums the company and technician subtotals of items.
func Totals(items []LineItem) (company, technician decimal.Decimal) {
	company, technician = decimal.Zero, decimal.Zero
	for _, item := range items {
		company = company.Add(item.SubtotalCompany)
		technician = technician.Add(item.SubtotalTechnician)
	}
	return company, technician
}

// RecomputeTotals overwrites the session aggregates with the sums of its items.
func (s *Session) RecomputeTotals() {
	if s == nil {
		return
	}
	s.SubtotalCompany, s.SubtotalTechnician = Totals(s.Items)
}

// CheckSession verifies the invariants the split engine maintains on a loaded
// session: aggregates equal item sums, no negative quantity or money, and
// allocations add up to the technician subtotal within a cent per allocation.
func CheckSession(s *Session) error {
	if err := checkAggregates(s); err != nil {
		return err
	}
	for i := range s.Items {
		if err := CheckLineItem(&s.Items[i]); err != nil {
			return err
		}
	}
	return nil
}

// CheckTouched is CheckSession limited to the line items in itemIDs. The
// aggregates are still checked against every item; rows a call did not write
// are not its to judge.
func CheckTouched(s *Session, itemIDs ...string) error {
	if err := checkAggregates(s); err != nil {
		return err
	}
	for _, id := range itemIDs {
		item, ok := s.Item(id)
		if !ok {
			return IntegrityError("billing.check_session", "line item %s missing from session %s", id, s.ID)
		}
		if err := CheckLineItem(item); err != nil {
			return err
		}
	}
	return nil
}

func checkAggregates(s *Session) error {
	const op = "billing.check_session"
	if s == nil {
		return ErrNilSession
	}
	company, technician := Totals(s.Items)
	if !s.SubtotalCompany.Equal(company) {
		return IntegrityError(op, "session %s company subtotal %s != line item sum %s", s.ID, s.SubtotalCompany, company)
	}
	if !s.SubtotalTechnician.Equal(technician) {
		return IntegrityError(op, "session %s technician subtotal %s != line item sum %s", s.ID, s.SubtotalTechnician, technician)
	}
	return nil
}

// CheckLineItem verifies a single line item and its allocations.
func CheckLineItem(item *LineItem) error {
	const op = "billing.check_line_item"
	if item.Quantity.IsNegative() {
		return IntegrityError(op, "line item %s (%s) has negative quantity %s", item.ID, item.WorkCode, item.Quantity)
	}
	if item.SubtotalCompany.IsNegative() || item.SubtotalTechnician.IsNegative() {
		return IntegrityError(op, "line item %s (%s) has a negative subtotal", item.ID, item.WorkCode)
	}
	if item.Quantity.IsZero() && (!item.SubtotalCompany.IsZero() || !item.SubtotalTechnician.IsZero()) {
		return IntegrityError(op, "line item %s (%s) has zero quantity but non-zero subtotals", item.ID, item.WorkCode)
	}
	if len(item.Allocations) == 0 {
		return nil
	}
	sum := decimal.Zero
	for _, alloc := range item.Allocations {
		if alloc.Subtotal.IsNegative() {
			return IntegrityError(op, "allocation %s on line item %s is negative", alloc.ID, item.ID)
		}
		sum = sum.Add(alloc.Subtotal)
	}
	if !WithinCents(sum, item.SubtotalTechnician, int64(len(item.Allocations))) {
		return IntegrityError(op, "line item %s (%s) allocations sum %s, technician subtotal %s", item.ID, item.WorkCode, sum, item.SubtotalTechnician)
	}
	return nil
}
