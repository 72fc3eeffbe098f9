/*
store.go - Persistence interfaces for accounts, ledger, workflow and carryover

PURPOSE:
  Defines the interface between the domain logic and the database.
  Each concern gets a narrow interface; Store bundles them because a
  unit of work (approve = task + request + hold + ledger + account)
  must see all of them through one transaction.

KEY INTERFACES:
  AccountStore:    BalanceAccount rows, unique per (user, leave type)
  LedgerStore:     Append-only ledger entries
  HoldStore:       Pending-approval reservations
  RequestStore:    LeaveRequest lifecycle rows
  TaskStore:       ApprovalTask rows
  DelegationStore: Active delegation windows
  CarryoverStore:  Year-end records, unique per (user, year)
  TxStore:         Store + WithTx for all-or-nothing units of work

APPEND-ONLY CONTRACT:
  LedgerStore has no Update or Delete. Corrections are new entries.
  Requests and accounts are updated, never deleted (archived/zeroed).

IMPLEMENTATIONS:
  - generic/store/memory.go: In-memory, snapshot rollback (tests, single node)
  - store/sqlite/sqlite.go: database/sql + go-sqlite3

SEE ALSO:
  - ledger.go: Balance Ledger built on these interfaces
  - txn/manager.go: drives WithTx with retry
*/
package generic

import (
	"context"
	"time"
)

// =============================================================================
// ACCOUNTS
// =============================================================================

type AccountStore interface {
	// CreateAccount inserts a new account. ErrAccountExists on duplicate key.
	CreateAccount(ctx context.Context, acct Account) error

	// GetAccount returns ErrAccountNotFound if the account does not exist.
	GetAccount(ctx context.Context, key AccountKey) (Account, error)

	// SaveAccount overwrites balance and pending hold of an existing account.
	SaveAccount(ctx context.Context, acct Account) error

	// ListAccounts returns all accounts of a leave type ("" = all types).
	ListAccounts(ctx context.Context, leaveType LeaveType) ([]Account, error)
}

// =============================================================================
// LEDGER - Append-only
// =============================================================================

type LedgerStore interface {
	// AppendEntry persists an entry. ErrDuplicateIdempotencyKey if the key exists.
	// This is the ONLY ledger write operation.
	AppendEntry(ctx context.Context, entry LedgerEntry) error

	// Entries returns all entries of an account in insertion order.
	Entries(ctx context.Context, key AccountKey) ([]LedgerEntry, error)

	// EntryByIdempotencyKey returns the entry or ErrNotFound.
	EntryByIdempotencyKey(ctx context.Context, key string) (LedgerEntry, error)
}

// =============================================================================
// HOLDS
// =============================================================================

type HoldStore interface {
	SaveHold(ctx context.Context, hold Hold) error
	GetHold(ctx context.Context, id HoldID) (Hold, error)
	ActiveHolds(ctx context.Context, key AccountKey) ([]Hold, error)
}

// =============================================================================
// REQUESTS & TASKS
// =============================================================================

type RequestFilter struct {
	UserID          UserID
	Statuses        []RequestStatus
	DecidedBefore   *time.Time
	IncludeArchived bool
}

type RequestStore interface {
	CreateRequest(ctx context.Context, req LeaveRequest) error
	GetRequest(ctx context.Context, id RequestID) (LeaveRequest, error)
	UpdateRequest(ctx context.Context, req LeaveRequest) error
	ListRequests(ctx context.Context, filter RequestFilter) ([]LeaveRequest, error)
}

type TaskStore interface {
	CreateTasks(ctx context.Context, tasks []ApprovalTask) error
	UpdateTask(ctx context.Context, task ApprovalTask) error
	// TasksForRequest returns tasks ordered by stage, then creation.
	TasksForRequest(ctx context.Context, id RequestID) ([]ApprovalTask, error)
	// PendingTasksFor returns open tasks assigned or delegated to the user.
	PendingTasksFor(ctx context.Context, user UserID) ([]ApprovalTask, error)
}

type DelegationStore interface {
	SaveDelegation(ctx context.Context, d Delegation) error
	// ActiveDelegation returns the delegation of delegator active at 'at', or ok=false.
	ActiveDelegation(ctx context.Context, delegator UserID, at time.Time) (Delegation, bool, error)
}

// =============================================================================
// CARRYOVER
// =============================================================================

type CarryoverStore interface {
	// InsertCarryoverRecord inserts exactly once per (user, year).
	// ErrCarryoverProcessed on duplicate.
	InsertCarryoverRecord(ctx context.Context, rec CarryoverRecord) error
	GetCarryoverRecord(ctx context.Context, user UserID, year int) (CarryoverRecord, error)
	UpdateCarryoverRecord(ctx context.Context, rec CarryoverRecord) error
	ListCarryoverRecords(ctx context.Context, year int) ([]CarryoverRecord, error)
}

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	AccountStore
	LedgerStore
	HoldStore
	RequestStore
	TaskStore
	DelegationStore
	CarryoverStore
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
