// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/leave-engine/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu sync.RWMutex
	d  *data
}

// data holds every table. Memory guards it with mu; a transaction view
// works on it directly while TxMemory holds the write lock.
type data struct {
	accounts    map[generic.AccountKey]generic.Account
	entries     map[generic.AccountKey][]generic.LedgerEntry
	idempotency map[string]generic.LedgerEntry
	holds       map[generic.HoldID]generic.Hold
	requests    map[generic.RequestID]generic.LeaveRequest
	requestSeq  []generic.RequestID
	tasks       map[generic.RequestID][]generic.ApprovalTask
	delegations []generic.Delegation
	carryover   map[carryoverKey]generic.CarryoverRecord
}

type carryoverKey struct {
	UserID generic.UserID
	Year   int
}

func newData() *data {
	return &data{
		accounts:    make(map[generic.AccountKey]generic.Account),
		entries:     make(map[generic.AccountKey][]generic.LedgerEntry),
		idempotency: make(map[string]generic.LedgerEntry),
		holds:       make(map[generic.HoldID]generic.Hold),
		requests:    make(map[generic.RequestID]generic.LeaveRequest),
		tasks:       make(map[generic.RequestID][]generic.ApprovalTask),
		carryover:   make(map[carryoverKey]generic.CarryoverRecord),
	}
}

func NewMemory() *Memory {
	return &Memory{d: newData()}
}

// --- accounts ---

func (m *Memory) CreateAccount(ctx context.Context, acct generic.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.CreateAccount(ctx, acct)
}

func (m *Memory) GetAccount(ctx context.Context, k generic.AccountKey) (generic.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.GetAccount(ctx, k)
}

func (m *Memory) SaveAccount(ctx context.Context, acct generic.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.SaveAccount(ctx, acct)
}

func (m *Memory) ListAccounts(ctx context.Context, lt generic.LeaveType) ([]generic.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.ListAccounts(ctx, lt)
}

// --- ledger ---

func (m *Memory) AppendEntry(ctx context.Context, e generic.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.AppendEntry(ctx, e)
}

func (m *Memory) Entries(ctx context.Context, k generic.AccountKey) ([]generic.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.Entries(ctx, k)
}

func (m *Memory) EntryByIdempotencyKey(ctx context.Context, key string) (generic.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.EntryByIdempotencyKey(ctx, key)
}

// --- holds ---

func (m *Memory) SaveHold(ctx context.Context, h generic.Hold) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.SaveHold(ctx, h)
}

func (m *Memory) GetHold(ctx context.Context, id generic.HoldID) (generic.Hold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.GetHold(ctx, id)
}

func (m *Memory) ActiveHolds(ctx context.Context, k generic.AccountKey) ([]generic.Hold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.ActiveHolds(ctx, k)
}

// --- requests ---

func (m *Memory) CreateRequest(ctx context.Context, r generic.LeaveRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.CreateRequest(ctx, r)
}

func (m *Memory) GetRequest(ctx context.Context, id generic.RequestID) (generic.LeaveRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.GetRequest(ctx, id)
}

func (m *Memory) UpdateRequest(ctx context.Context, r generic.LeaveRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.UpdateRequest(ctx, r)
}

func (m *Memory) ListRequests(ctx context.Context, f generic.RequestFilter) ([]generic.LeaveRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.ListRequests(ctx, f)
}

// --- tasks ---

func (m *Memory) CreateTasks(ctx context.Context, tasks []generic.ApprovalTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.CreateTasks(ctx, tasks)
}

func (m *Memory) UpdateTask(ctx context.Context, t generic.ApprovalTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.UpdateTask(ctx, t)
}

func (m *Memory) TasksForRequest(ctx context.Context, id generic.RequestID) ([]generic.ApprovalTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.TasksForRequest(ctx, id)
}

func (m *Memory) PendingTasksFor(ctx context.Context, user generic.UserID) ([]generic.ApprovalTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.PendingTasksFor(ctx, user)
}

// --- delegations ---

func (m *Memory) SaveDelegation(ctx context.Context, dl generic.Delegation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.SaveDelegation(ctx, dl)
}

func (m *Memory) ActiveDelegation(ctx context.Context, delegator generic.UserID, at time.Time) (generic.Delegation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.ActiveDelegation(ctx, delegator, at)
}

// --- carryover ---

func (m *Memory) InsertCarryoverRecord(ctx context.Context, r generic.CarryoverRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.InsertCarryoverRecord(ctx, r)
}

func (m *Memory) GetCarryoverRecord(ctx context.Context, user generic.UserID, year int) (generic.CarryoverRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.GetCarryoverRecord(ctx, user, year)
}

func (m *Memory) UpdateCarryoverRecord(ctx context.Context, r generic.CarryoverRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.UpdateCarryoverRecord(ctx, r)
}

func (m *Memory) ListCarryoverRecords(ctx context.Context, year int) ([]generic.CarryoverRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.ListCarryoverRecords(ctx, year)
}

// =============================================================================
// TABLE OPERATIONS - Callers hold the lock
// =============================================================================

func (d *data) CreateAccount(_ context.Context, acct generic.Account) error {
	if _, ok := d.accounts[acct.Key]; ok {
		return generic.ErrAccountExists
	}
	d.accounts[acct.Key] = acct
	return nil
}

func (d *data) GetAccount(_ context.Context, k generic.AccountKey) (generic.Account, error) {
	acct, ok := d.accounts[k]
	if !ok {
		return generic.Account{}, generic.ErrAccountNotFound
	}
	return acct, nil
}

func (d *data) SaveAccount(_ context.Context, acct generic.Account) error {
	if _, ok := d.accounts[acct.Key]; !ok {
		return generic.ErrAccountNotFound
	}
	d.accounts[acct.Key] = acct
	return nil
}

func (d *data) ListAccounts(_ context.Context, lt generic.LeaveType) ([]generic.Account, error) {
	var out []generic.Account
	for k, acct := range d.accounts {
		if lt == "" || k.LeaveType == lt {
			out = append(out, acct)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out, nil
}

func (d *data) AppendEntry(_ context.Context, e generic.LedgerEntry) error {
	if e.IdempotencyKey != "" {
		if _, ok := d.idempotency[e.IdempotencyKey]; ok {
			return generic.ErrDuplicateIdempotencyKey
		}
		d.idempotency[e.IdempotencyKey] = e
	}
	d.entries[e.Account] = append(d.entries[e.Account], e)
	return nil
}

func (d *data) Entries(_ context.Context, k generic.AccountKey) ([]generic.LedgerEntry, error) {
	return append([]generic.LedgerEntry(nil), d.entries[k]...), nil
}

func (d *data) EntryByIdempotencyKey(_ context.Context, key string) (generic.LedgerEntry, error) {
	e, ok := d.idempotency[key]
	if !ok {
		return generic.LedgerEntry{}, generic.ErrNotFound
	}
	return e, nil
}

func (d *data) SaveHold(_ context.Context, h generic.Hold) error {
	d.holds[h.ID] = h
	return nil
}

func (d *data) GetHold(_ context.Context, id generic.HoldID) (generic.Hold, error) {
	h, ok := d.holds[id]
	if !ok {
		return generic.Hold{}, generic.ErrHoldNotFound
	}
	return h, nil
}

func (d *data) ActiveHolds(_ context.Context, k generic.AccountKey) ([]generic.Hold, error) {
	var out []generic.Hold
	for _, h := range d.holds {
		if h.Account == k && h.Status == generic.HoldActive {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (d *data) CreateRequest(_ context.Context, r generic.LeaveRequest) error {
	if _, ok := d.requests[r.ID]; ok {
		return generic.Invalid("id", "request %s already exists", r.ID)
	}
	d.requests[r.ID] = r
	d.requestSeq = append(d.requestSeq, r.ID)
	return nil
}

func (d *data) GetRequest(_ context.Context, id generic.RequestID) (generic.LeaveRequest, error) {
	r, ok := d.requests[id]
	if !ok {
		return generic.LeaveRequest{}, generic.ErrRequestNotFound
	}
	return r, nil
}

func (d *data) UpdateRequest(_ context.Context, r generic.LeaveRequest) error {
	if _, ok := d.requests[r.ID]; !ok {
		return generic.ErrRequestNotFound
	}
	d.requests[r.ID] = r
	return nil
}

func (d *data) ListRequests(_ context.Context, f generic.RequestFilter) ([]generic.LeaveRequest, error) {
	var out []generic.LeaveRequest
	for _, id := range d.requestSeq {
		r := d.requests[id]
		if matchRequest(r, f) {
			out = append(out, r)
		}
	}
	return out, nil
}

func matchRequest(r generic.LeaveRequest, f generic.RequestFilter) bool {
	if f.UserID != "" && r.UserID != f.UserID {
		return false
	}
	if !f.IncludeArchived && r.ArchivedAt != nil {
		return false
	}
	if f.DecidedBefore != nil && (r.DecidedAt == nil || !r.DecidedAt.Before(*f.DecidedBefore)) {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if r.Status == s {
			return true
		}
	}
	return false
}

func (d *data) CreateTasks(_ context.Context, tasks []generic.ApprovalTask) error {
	for _, t := range tasks {
		d.tasks[t.RequestID] = append(d.tasks[t.RequestID], t)
	}
	return nil
}

func (d *data) UpdateTask(_ context.Context, t generic.ApprovalTask) error {
	list := d.tasks[t.RequestID]
	for i := range list {
		if list[i].ID == t.ID {
			list[i] = t
			return nil
		}
	}
	return generic.ErrTaskNotFound
}

func (d *data) TasksForRequest(_ context.Context, id generic.RequestID) ([]generic.ApprovalTask, error) {
	out := append([]generic.ApprovalTask(nil), d.tasks[id]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Stage < out[j].Stage })
	return out, nil
}

func (d *data) PendingTasksFor(_ context.Context, user generic.UserID) ([]generic.ApprovalTask, error) {
	var out []generic.ApprovalTask
	for _, id := range d.requestSeq {
		for _, t := range d.tasks[id] {
			if t.Status == generic.TaskPending && t.AssignedTo(user) {
				out = append(out, t)
			}
		}
	}
	return out, nil
}

func (d *data) SaveDelegation(_ context.Context, dl generic.Delegation) error {
	for i := range d.delegations {
		if d.delegations[i].ID == dl.ID {
			d.delegations[i] = dl
			return nil
		}
	}
	d.delegations = append(d.delegations, dl)
	return nil
}

func (d *data) ActiveDelegation(_ context.Context, delegator generic.UserID, at time.Time) (generic.Delegation, bool, error) {
	for _, dl := range d.delegations {
		if dl.DelegatorID == delegator && dl.ActiveAt(at) {
			return dl, true, nil
		}
	}
	return generic.Delegation{}, false, nil
}

func (d *data) InsertCarryoverRecord(_ context.Context, r generic.CarryoverRecord) error {
	k := carryoverKey{UserID: r.UserID, Year: r.Year}
	if _, ok := d.carryover[k]; ok {
		return generic.ErrCarryoverProcessed
	}
	d.carryover[k] = r
	return nil
}

func (d *data) GetCarryoverRecord(_ context.Context, user generic.UserID, year int) (generic.CarryoverRecord, error) {
	r, ok := d.carryover[carryoverKey{UserID: user, Year: year}]
	if !ok {
		return generic.CarryoverRecord{}, generic.ErrRecordNotFound
	}
	return r, nil
}

func (d *data) UpdateCarryoverRecord(_ context.Context, r generic.CarryoverRecord) error {
	k := carryoverKey{UserID: r.UserID, Year: r.Year}
	if _, ok := d.carryover[k]; !ok {
		return generic.ErrRecordNotFound
	}
	d.carryover[k] = r
	return nil
}

func (d *data) ListCarryoverRecords(_ context.Context, year int) ([]generic.CarryoverRecord, error) {
	var out []generic.CarryoverRecord
	for k, r := range d.carryover {
		if k.Year == year {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// clone deep-copies every table for rollback.
func (d *data) clone() *data {
	c := newData()
	for k, v := range d.accounts {
		c.accounts[k] = v
	}
	for k, v := range d.entries {
		c.entries[k] = append([]generic.LedgerEntry(nil), v...)
	}
	for k, v := range d.idempotency {
		c.idempotency[k] = v
	}
	for k, v := range d.holds {
		c.holds[k] = v
	}
	for k, v := range d.requests {
		c.requests[k] = v
	}
	c.requestSeq = append([]generic.RequestID(nil), d.requestSeq...)
	for k, v := range d.tasks {
		c.tasks[k] = append([]generic.ApprovalTask(nil), v...)
	}
	c.delegations = append([]generic.Delegation(nil), d.delegations...)
	for k, v := range d.carryover {
		c.carryover[k] = v
	}
	return c
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// Transactions are serialized; fn must only use the store it is given.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(generic.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.d.clone()

	if err := fn(tm.d); err != nil {
		tm.d = snapshot
		return err
	}
	return nil
}

var (
	_ generic.TxStore = (*TxMemory)(nil)
	_ generic.Store   = (*data)(nil)
)
