package integration_test

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	"fieldops-cloud/internal/audit"
	"fieldops-cloud/internal/billing/application"
	"fieldops-cloud/internal/billing/domain"
	"fieldops-cloud/internal/billing/infrastructure/postgres"
	"fieldops-cloud/internal/billing/interfaces"
	"fieldops-cloud/internal/eventing"
	eventingrepo "fieldops-cloud/internal/eventing/infrastructure/postgres"
	"fieldops-cloud/migrations"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

const tenantID = "tenant-it"

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}
	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, migrations.Apply(context.Background(), db))
	return db
}

func newService(t *testing.T, db *sql.DB) (*application.Service, *postgres.Store) {
	t.Helper()
	store := postgres.NewStore(db, postgres.WithLockTimeout(2*time.Second))
	recorder := interfaces.NewOutboxRecorder(
		eventing.NewPublisher(eventingrepo.NewOutboxStore(db), tenantID),
		audit.NewRepository(db),
		tenantID,
	)
	svc, err := application.NewService(store, application.WithRecorder(recorder))
	require.NoError(t, err)
	return svc, store
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// seedSession stores a session with one 10 unit line item priced 1000/700
// split between two technicians.
func seedSession(t *testing.T, store *postgres.Store) (*billing.Session, string) {
	t.Helper()
	prefix := uuid.NewString()[:8]
	now := time.Now().UTC().Truncate(time.Microsecond)
	itemID := prefix + "-LI-1"
	session := &billing.Session{
		ID:                prefix + "-S",
		ProjectCode:       "PRJ-" + prefix,
		ProjectName:       "Fiber rollout",
		ClientName:        "Acme Telecom",
		City:              "Lyon",
		Office:            "LYS-1",
		OperationalStatus: billing.OperationalUnderReview,
		FinanceStatus:     billing.FinanceReview,
		CreatedAt:         now,
		UpdatedAt:         now,
		Items: []billing.LineItem{{
			ID:                 itemID,
			WorkCode:           "CAB-1",
			WorkType:           "installation",
			Unit:               "m",
			Quantity:           d("10"),
			UnitPrice:          d("100"),
			SubtotalCompany:    d("1000"),
			SubtotalTechnician: d("700"),
			CreatedAt:          now,
			UpdatedAt:          now,
			Allocations: []billing.Allocation{
				{ID: prefix + "-AL-1", TechnicianID: "T-1", BaseRate: d("70"), Percentage: d("50"), EffectiveRate: d("35"), Subtotal: d("350"), CreatedAt: now},
				{ID: prefix + "-AL-2", TechnicianID: "T-2", BaseRate: d("70"), Percentage: d("50"), EffectiveRate: d("35"), Subtotal: d("350"), CreatedAt: now},
			},
		}},
		Assignments: []billing.Assignment{
			{ID: prefix + "-AS-1", TechnicianID: "T-1", Percentage: d("50"), Accepted: true, AcceptedAt: now, AssignedAt: now},
			{ID: prefix + "-AS-2", TechnicianID: "T-2", Percentage: d("50"), AssignedAt: now},
		},
	}
	session.RecomputeTotals()
	require.NoError(t, store.CreateSession(context.Background(), session))
	return session, itemID
}

func countRows(t *testing.T, db *sql.DB, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRowContext(context.Background(), query, args...).Scan(&n))
	return n
}

func requireDec(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.Truef(t, d(want).Equal(got), "want %s got %s", want, got)
}

func TestPostgresSplitAndRevert(t *testing.T) {
	db := openDB(t)
	svc, store := newService(t, db)
	ctx := context.Background()
	seeded, itemID := seedSession(t, store)

	result, err := svc.Split(ctx, seeded.ID, application.Moves{itemID: d("3")},
		application.WithComment("partial invoice"), application.WithActor("ops@fieldops"))
	require.NoError(t, err)
	require.True(t, result.HasChild())
	requireDec(t, "300", result.MovedCompanyTotal)
	requireDec(t, "210", result.MovedTechnicianTotal)

	parent, err := store.GetSession(ctx, seeded.ID)
	require.NoError(t, err)
	require.NoError(t, billing.CheckSession(parent))
	requireDec(t, "700", parent.SubtotalCompany)
	requireDec(t, "490", parent.SubtotalTechnician)
	require.Equal(t, int64(2), parent.Version)
	parentItem, ok := parent.Item(itemID)
	require.True(t, ok)
	requireDec(t, "7", parentItem.Quantity)

	child, err := store.GetSession(ctx, result.ChildID)
	require.NoError(t, err)
	require.NoError(t, billing.CheckSession(child))
	require.True(t, child.IsSplitChildOf(seeded.ID))
	require.Len(t, child.Items, 1)
	require.Equal(t, itemID, child.Items[0].SourceLineItemID)
	requireDec(t, "300", child.SubtotalCompany)
	require.Len(t, child.Assignments, 2)

	children, err := store.ListSplitChildren(ctx, seeded.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)

	require.Equal(t, 1, countRows(t, db, `SELECT COUNT(*) FROM audit_logs WHERE resource_id = $1 AND action = $2`, seeded.ID, audit.ActionSplit))
	require.Equal(t, 1, countRows(t, db, `SELECT COUNT(*) FROM event_outbox WHERE event_type = $1 AND session_id = $2 AND payload->'payload'->>'child_session_id' = $3`,
		application.EventSessionSplit, seeded.ID, result.ChildID))

	reverted, err := svc.Revert(ctx, result.ChildID, application.WithActor("ops@fieldops"))
	require.NoError(t, err)
	require.Equal(t, seeded.ID, reverted.ParentID)

	_, err = store.GetSession(ctx, result.ChildID)
	require.ErrorIs(t, err, billing.ErrNotFound)

	restored, err := store.GetSession(ctx, seeded.ID)
	require.NoError(t, err)
	require.NoError(t, billing.CheckSession(restored))
	requireDec(t, "1000", restored.SubtotalCompany)
	requireDec(t, "700", restored.SubtotalTechnician)
	restoredItem, ok := restored.Item(itemID)
	require.True(t, ok)
	requireDec(t, "10", restoredItem.Quantity)
	for _, a := range restoredItem.Allocations {
		requireDec(t, "350", a.Subtotal)
	}
	require.Equal(t, 1, countRows(t, db, `SELECT COUNT(*) FROM audit_logs WHERE resource_id = $1 AND action = $2`, seeded.ID, audit.ActionRevert))
	require.Equal(t, 1, countRows(t, db, `SELECT COUNT(*) FROM event_outbox WHERE event_type = $1 AND session_id = $2`, application.EventSplitReverted, seeded.ID))
}

func TestPostgresSplitRollsBackOnValidationError(t *testing.T) {
	db := openDB(t)
	svc, store := newService(t, db)
	ctx := context.Background()
	seeded, itemID := seedSession(t, store)

	_, err := svc.Split(ctx, seeded.ID, application.Moves{itemID: d("11")})
	require.ErrorIs(t, err, billing.ErrValidation)

	require.Equal(t, 0, countRows(t, db, `SELECT COUNT(*) FROM billing_sessions WHERE split_from_id = $1`, seeded.ID))
	require.Equal(t, 0, countRows(t, db, `SELECT COUNT(*) FROM audit_logs WHERE resource_id = $1`, seeded.ID))
	require.Equal(t, 0, countRows(t, db, `SELECT COUNT(*) FROM event_outbox WHERE session_id = $1`, seeded.ID))
	after, err := store.GetSession(ctx, seeded.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), after.Version)
}

func TestPostgresRevertRejectsNonChild(t *testing.T) {
	db := openDB(t)
	svc, store := newService(t, db)
	seeded, _ := seedSession(t, store)

	_, err := svc.Revert(context.Background(), seeded.ID)
	require.ErrorIs(t, err, billing.ErrValidation)
}

func TestPostgresConcurrentSplits(t *testing.T) {
	db := openDB(t)
	svc, store := newService(t, db)
	ctx := context.Background()

	const sessions = 4
	const workers = 5
	seeded := make([]*billing.Session, sessions)
	items := make([]string, sessions)
	for i := range seeded {
		seeded[i], items[i] = seedSession(t, store)
	}

	results := make([][]error, sessions)
	for i := range results {
		results[i] = make([]error, workers)
	}

	var g errgroup.Group
	for i := 0; i < sessions; i++ {
		for w := 0; w < workers; w++ {
			i, w := i, w
			g.Go(func() error {
				_, err := svc.Split(ctx, seeded[i].ID, application.Moves{items[i]: d("1")},
					application.WithActor(fmt.Sprintf("worker-%d", w)))
				results[i][w] = err
				return nil
			})
		}
	}
	require.NoError(t, g.Wait())

	for i := 0; i < sessions; i++ {
		succeeded := 0
		for _, err := range results[i] {
			if err == nil {
				succeeded++
				continue
			}
			require.ErrorIs(t, err, billing.ErrConflict)
		}
		require.GreaterOrEqual(t, succeeded, 1, "session %s", seeded[i].ID)

		parent, err := store.GetSession(ctx, seeded[i].ID)
		require.NoError(t, err)
		children, err := store.ListSplitChildren(ctx, seeded[i].ID)
		require.NoError(t, err)
		require.Len(t, children, succeeded)

		company, technician, qty := parent.SubtotalCompany, parent.SubtotalTechnician, mustQty(t, parent, items[i])
		require.NoError(t, billing.CheckSession(parent))
		for c := range children {
			require.NoError(t, billing.CheckSession(&children[c]))
			company = company.Add(children[c].SubtotalCompany)
			technician = technician.Add(children[c].SubtotalTechnician)
			for _, item := range children[c].Items {
				qty = qty.Add(item.Quantity)
			}
		}
		requireDec(t, "1000", company)
		requireDec(t, "700", technician)
		requireDec(t, "10", qty)
	}
}

func mustQty(t *testing.T, s *billing.Session, itemID string) decimal.Decimal {
	t.Helper()
	item, ok := s.Item(itemID)
	require.True(t, ok)
	return item.Quantity
}
