package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"fieldops-cloud/internal/billing/domain"

	"github.com/shopspring/decimal"
)

// Store is an in-memory unit of work. Transactions are serialized and run
// against a private copy of the data that replaces the committed state only
// when fn succeeds.
type Store struct {
	mu       sync.Mutex
	state    *state
	failures map[string]error

	BeginCalls    int
	CommitCalls   int
	RollbackCalls int
}

var _ billing.UnitOfWork = (*Store)(nil)

type state struct {
	seq         int64
	sessions    map[string]sessionRow
	items       map[string]itemRow
	allocations map[string]allocationRow
	assignments map[string]assignmentRow
}

type sessionRow struct {
	seq     int64
	session billing.Session
}

type itemRow struct {
	seq  int64
	item billing.LineItem
}

type allocationRow struct {
	seq   int64
	alloc billing.Allocation
}

type assignmentRow struct {
	seq        int64
	assignment billing.Assignment
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{
		state: &state{
			sessions:    make(map[string]sessionRow),
			items:       make(map[string]itemRow),
			allocations: make(map[string]allocationRow),
			assignments: make(map[string]assignmentRow),
		},
		failures: make(map[string]error),
	}
}

// FailOn makes the named Tx method (for example "InsertAllocation") return err
// until cleared with a nil err. "Commit" fails the commit itself.
func (s *Store) FailOn(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, method)
		return
	}
	s.failures[method] = err
}

// Seed stores a complete session aggregate, replacing any previous version.
func (s *Store) Seed(session billing.Session) error {
	if session.ID == "" {
		return billing.ErrEmptySessionID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state
	st.removeSession(session.ID)
	if session.Version == 0 {
		session.Version = 1
	}
	st.seq++
	st.sessions[session.ID] = sessionRow{seq: st.seq, session: stripSession(session)}
	for _, item := range session.Items {
		item.SessionID = session.ID
		if item.Version == 0 {
			item.Version = 1
		}
		for _, alloc := range item.Allocations {
			alloc.LineItemID = item.ID
			st.seq++
			st.allocations[alloc.ID] = allocationRow{seq: st.seq, alloc: alloc}
		}
		item.Allocations = nil
		st.seq++
		st.items[item.ID] = itemRow{seq: st.seq, item: item}
	}
	for _, a := range session.Assignments {
		a.SessionID = session.ID
		st.seq++
		st.assignments[a.ID] = assignmentRow{seq: st.seq, assignment: a}
	}
	return nil
}

// GetSession loads a session snapshot.
func (s *Store) GetSession(ctx context.Context, id string) (*billing.Session, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.load("memory.get_session", id)
}

// ListSplitChildren returns the direct split children of parentID.
func (s *Store) ListSplitChildren(ctx context.Context, parentID string) ([]billing.Session, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := make([]sessionRow, 0)
	for _, row := range s.state.sessions {
		if row.session.SplitFromID == parentID {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })
	result := make([]billing.Session, 0, len(rows))
	for _, row := range rows {
		session, err := s.state.load("memory.list_split_children", row.session.ID)
		if err != nil {
			return nil, err
		}
		result = append(result, *session)
	}
	return result, nil
}

// SessionCount returns the number of stored sessions.
func (s *Store) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state.sessions)
}

// InTx runs fn against a private copy of the data.
func (s *Store) InTx(ctx context.Context, fn func(tx billing.Tx) error) error {
	if fn == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.BeginCalls++

	tx := &memTx{state: s.state.clone(), failures: s.failures}
	if err := ctx.Err(); err != nil {
		s.RollbackCalls++
		return billing.WrapConflict("memory.tx", err)
	}
	if err := fn(tx); err != nil {
		s.RollbackCalls++
		return err
	}
	if err := s.failures["Commit"]; err != nil {
		s.RollbackCalls++
		return err
	}
	if err := ctx.Err(); err != nil {
		s.RollbackCalls++
		return billing.WrapConflict("memory.tx", err)
	}
	s.state = tx.state
	s.CommitCalls++
	return nil
}

func (st *state) clone() *state {
	out := &state{
		seq:         st.seq,
		sessions:    make(map[string]sessionRow, len(st.sessions)),
		items:       make(map[string]itemRow, len(st.items)),
		allocations: make(map[string]allocationRow, len(st.allocations)),
		assignments: make(map[string]assignmentRow, len(st.assignments)),
	}
	for k, v := range st.sessions {
		out.sessions[k] = v
	}
	for k, v := range st.items {
		out.items[k] = v
	}
	for k, v := range st.allocations {
		out.allocations[k] = v
	}
	for k, v := range st.assignments {
		out.assignments[k] = v
	}
	return out
}

func (st *state) load(op, id string) (*billing.Session, error) {
	row, ok := st.sessions[id]
	if !ok {
		return nil, billing.NotFoundError(op, "session %s not found", id)
	}
	session := row.session

	items := make([]itemRow, 0)
	for _, r := range st.items {
		if r.item.SessionID == id {
			items = append(items, r)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].seq < items[j].seq })
	for _, r := range items {
		item := r.item
		item.Allocations = st.allocationsFor(item.ID)
		session.Items = append(session.Items, item)
	}

	assignments := make([]assignmentRow, 0)
	for _, r := range st.assignments {
		if r.assignment.SessionID == id {
			assignments = append(assignments, r)
		}
	}
	sort.Slice(assignments, func(i, j int) bool { return assignments[i].seq < assignments[j].seq })
	for _, r := range assignments {
		session.Assignments = append(session.Assignments, r.assignment)
	}
	return &session, nil
}

func (st *state) allocationsFor(itemID string) []billing.Allocation {
	rows := make([]allocationRow, 0)
	for _, r := range st.allocations {
		if r.alloc.LineItemID == itemID {
			rows = append(rows, r)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })
	var result []billing.Allocation
	for _, r := range rows {
		result = append(result, r.alloc)
	}
	return result
}

func (st *state) removeSession(id string) {
	for itemID, r := range st.items {
		if r.item.SessionID != id {
			continue
		}
		for allocID, a := range st.allocations {
			if a.alloc.LineItemID == itemID {
				delete(st.allocations, allocID)
			}
		}
		delete(st.items, itemID)
	}
	for assignmentID, r := range st.assignments {
		if r.assignment.SessionID == id {
			delete(st.assignments, assignmentID)
		}
	}
	delete(st.sessions, id)
}

func stripSession(s billing.Session) billing.Session {
	s.Items = nil
	s.Assignments = nil
	return s
}

type memTx struct {
	state    *state
	failures map[string]error
}

func (t *memTx) fail(method string) error {
	return t.failures[method]
}

func (t *memTx) LockSession(ctx context.Context, id string) (*billing.Session, error) {
	_ = ctx
	if err := t.fail("LockSession"); err != nil {
		return nil, err
	}
	return t.state.load("memory.lock_session", id)
}

func (t *memTx) CountSplitChildren(ctx context.Context, id string) (int, error) {
	_ = ctx
	if err := t.fail("CountSplitChildren"); err != nil {
		return 0, err
	}
	count := 0
	for _, row := range t.state.sessions {
		if row.session.SplitFromID == id {
			count++
		}
	}
	return count, nil
}

func (t *memTx) InsertSession(ctx context.Context, s *billing.Session) error {
	_ = ctx
	if err := t.fail("InsertSession"); err != nil {
		return err
	}
	if s == nil {
		return billing.ErrNilSession
	}
	if _, exists := t.state.sessions[s.ID]; exists {
		return errors.New("memory: duplicate session id " + s.ID)
	}
	if s.SplitFromID != "" {
		if _, ok := t.state.sessions[s.SplitFromID]; !ok {
			return billing.IntegrityError("memory.insert_session", "split_from %s does not exist", s.SplitFromID)
		}
	}
	t.state.seq++
	t.state.sessions[s.ID] = sessionRow{seq: t.state.seq, session: stripSession(*s)}
	return nil
}

func (t *memTx) InsertLineItem(ctx context.Context, item *billing.LineItem) error {
	_ = ctx
	if err := t.fail("InsertLineItem"); err != nil {
		return err
	}
	if _, ok := t.state.sessions[item.SessionID]; !ok {
		return billing.IntegrityError("memory.insert_line_item", "session %s does not exist", item.SessionID)
	}
	if _, exists := t.state.items[item.ID]; exists {
		return errors.New("memory: duplicate line item id " + item.ID)
	}
	row := *item
	row.Allocations = nil
	t.state.seq++
	t.state.items[item.ID] = itemRow{seq: t.state.seq, item: row}
	return nil
}

func (t *memTx) InsertAllocation(ctx context.Context, alloc *billing.Allocation) error {
	_ = ctx
	if err := t.fail("InsertAllocation"); err != nil {
		return err
	}
	if _, ok := t.state.items[alloc.LineItemID]; !ok {
		return billing.IntegrityError("memory.insert_allocation", "line item %s does not exist", alloc.LineItemID)
	}
	t.state.seq++
	t.state.allocations[alloc.ID] = allocationRow{seq: t.state.seq, alloc: *alloc}
	return nil
}

func (t *memTx) InsertAssignment(ctx context.Context, a *billing.Assignment) error {
	_ = ctx
	if err := t.fail("InsertAssignment"); err != nil {
		return err
	}
	if _, ok := t.state.sessions[a.SessionID]; !ok {
		return billing.IntegrityError("memory.insert_assignment", "session %s does not exist", a.SessionID)
	}
	t.state.seq++
	t.state.assignments[a.ID] = assignmentRow{seq: t.state.seq, assignment: *a}
	return nil
}

func (t *memTx) UpdateLineItem(ctx context.Context, item *billing.LineItem, expectedVersion int64, expectedQty decimal.Decimal) error {
	_ = ctx
	if err := t.fail("UpdateLineItem"); err != nil {
		return err
	}
	row, ok := t.state.items[item.ID]
	if !ok || row.item.Version != expectedVersion || !row.item.Quantity.Equal(expectedQty) {
		return billing.ConflictError("memory.update_line_item", "line item %s changed concurrently", item.ID)
	}
	row.item.Quantity = item.Quantity
	row.item.SubtotalCompany = item.SubtotalCompany
	row.item.SubtotalTechnician = item.SubtotalTechnician
	row.item.UpdatedAt = item.UpdatedAt
	row.item.Version = expectedVersion + 1
	t.state.items[item.ID] = row
	item.Version = row.item.Version
	return nil
}

func (t *memTx) UpdateAllocationSubtotal(ctx context.Context, alloc *billing.Allocation) error {
	_ = ctx
	if err := t.fail("UpdateAllocationSubtotal"); err != nil {
		return err
	}
	row, ok := t.state.allocations[alloc.ID]
	if !ok {
		return billing.ConflictError("memory.update_allocation", "allocation %s disappeared", alloc.ID)
	}
	row.alloc.Subtotal = alloc.Subtotal
	t.state.allocations[alloc.ID] = row
	return nil
}

func (t *memTx) UpdateSessionTotals(ctx context.Context, s *billing.Session, expectedVersion int64) error {
	_ = ctx
	if err := t.fail("UpdateSessionTotals"); err != nil {
		return err
	}
	row, ok := t.state.sessions[s.ID]
	if !ok || row.session.Version != expectedVersion {
		return billing.ConflictError("memory.update_session_totals", "session %s changed concurrently", s.ID)
	}
	row.session.SubtotalCompany = s.SubtotalCompany
	row.session.SubtotalTechnician = s.SubtotalTechnician
	row.session.Version = expectedVersion + 1
	t.state.sessions[s.ID] = row
	s.Version = row.session.Version
	return nil
}

func (t *memTx) DeleteSession(ctx context.Context, id string) error {
	_ = ctx
	if err := t.fail("DeleteSession"); err != nil {
		return err
	}
	if _, ok := t.state.sessions[id]; !ok {
		return billing.NotFoundError("memory.delete_session", "session %s not found", id)
	}
	t.state.removeSession(id)
	return nil
}
