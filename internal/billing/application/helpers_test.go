package application_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"fieldops-cloud/internal/billing/application"
	"fieldops-cloud/internal/billing/domain"
	"fieldops-cloud/internal/billing/infrastructure/memory"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time { return c.now }

type sequentialIDs struct {
	mu   sync.Mutex
	next int
}

func (g *sequentialIDs) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return fmt.Sprintf("ID-%03d", g.next)
}

type eventRecorder struct {
	mu      sync.Mutex
	splits  []application.SessionSplit
	reverts []application.SplitReverted
	err     error
}

func (r *eventRecorder) RecordSplit(_ context.Context, _ billing.Tx, event application.SessionSplit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.splits = append(r.splits, event)
	return nil
}

func (r *eventRecorder) RecordRevert(_ context.Context, _ billing.Tx, event application.SplitReverted) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.reverts = append(r.reverts, event)
	return nil
}

var testNow = time.Date(2026, time.March, 4, 9, 30, 0, 0, time.UTC)

func newTestService(t *testing.T, store billing.UnitOfWork, opts ...application.ServiceOption) *application.Service {
	t.Helper()
	base := []application.ServiceOption{
		application.WithClock(fixedClock{now: testNow}),
		application.WithIDGenerator(&sequentialIDs{}),
	}
	svc, err := application.NewService(store, append(base, opts...)...)
	require.NoError(t, err)
	return svc
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func requireDecimal(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	require.Truef(t, dec(want).Equal(got), "want %s got %s %v", want, got.String(), msgAndArgs)
}

// item builds a line item whose allocations split the technician subtotal
// across the given technicians.
func item(id, code, qty, company, technician string, allocs ...billing.Allocation) billing.LineItem {
	return billing.LineItem{
		ID:                 id,
		WorkCode:           code,
		WorkType:           "installation",
		Description:        "work " + code,
		Unit:               "ea",
		Quantity:           dec(qty),
		UnitPrice:          dec(company).DivRound(dec(qty), 2),
		SubtotalCompany:    dec(company),
		SubtotalTechnician: dec(technician),
		CreatedAt:          testNow.Add(-24 * time.Hour),
		UpdatedAt:          testNow.Add(-24 * time.Hour),
		Allocations:        allocs,
	}
}

func alloc(id, technician, subtotal string) billing.Allocation {
	return billing.Allocation{
		ID:            id,
		TechnicianID:  technician,
		BaseRate:      dec("100.00"),
		Percentage:    dec("50"),
		EffectiveRate: dec("50.00"),
		Subtotal:      dec(subtotal),
	}
}

func session(id string, items ...billing.LineItem) billing.Session {
	s := billing.Session{
		ID:                id,
		ProjectCode:       "PRJ-" + id,
		ProjectName:       "Fiber rollout",
		ClientName:        "Acme Telecom",
		City:              "Lyon",
		Office:            "LYS-1",
		Address:           "12 rue de la Gare",
		OperationalStatus: billing.OperationalUnderReview,
		FinanceStatus:     billing.FinanceReview,
		RealBilledAmount:  decimal.NewNullDecimal(dec("999.99")),
		CreatedAt:         testNow.Add(-48 * time.Hour),
		UpdatedAt:         testNow.Add(-48 * time.Hour),
		Items:             items,
		Assignments: []billing.Assignment{
			{ID: id + "-AS-1", TechnicianID: "T-1", Percentage: dec("50"), Accepted: true, AssignedAt: testNow.Add(-48 * time.Hour)},
			{ID: id + "-AS-2", TechnicianID: "T-2", Percentage: dec("50"), AssignedAt: testNow.Add(-48 * time.Hour)},
		},
	}
	s.RecomputeTotals()
	return s
}

func seedStore(t *testing.T, sessions ...billing.Session) *memory.Store {
	t.Helper()
	store := memory.NewStore()
	for _, s := range sessions {
		require.NoError(t, store.Seed(s))
	}
	return store
}

func mustGet(t *testing.T, store billing.Reader, id string) *billing.Session {
	t.Helper()
	s, err := store.GetSession(context.Background(), id)
	require.NoError(t, err)
	return s
}

func mustItem(t *testing.T, s *billing.Session, id string) *billing.LineItem {
	t.Helper()
	it, ok := s.Item(id)
	require.Truef(t, ok, "line item %s not on session %s", id, s.ID)
	return it
}

func requireConserved(t *testing.T, before billing.Session, sessions ...*billing.Session) {
	t.Helper()
	company, technician := decimal.Zero, decimal.Zero
	for _, s := range sessions {
		require.NoError(t, billing.CheckSession(s))
		company = company.Add(s.SubtotalCompany)
		technician = technician.Add(s.SubtotalTechnician)
	}
	requireDecimal(t, before.SubtotalCompany.String(), company, "company total")
	requireDecimal(t, before.SubtotalTechnician.String(), technician, "technician total")
}
