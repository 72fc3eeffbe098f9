/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements generic.TxStore (accounts, ledger, holds, requests, tasks,
  delegations, carryover records) and a TTL lock table (locker.go)
  using SQLite. The same schema ports to PostgreSQL with minor dialect
  differences.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on ledger_entries
  - Corrections are new entries (reason = adjustment)
  - Requests are archived (archived_at), never deleted

KEY TABLES:
  accounts:          Materialized balance per (user_id, leave_type)  [PK]
  ledger_entries:    Immutable balance changes, idempotency_key UNIQUE
  holds:             Pending-approval reservations
  leave_requests:    Request lifecycle
  approval_tasks:    One row per (request, stage, approver)
  delegations:       Approver delegation windows
  carryover_records: Year-end results, UNIQUE (user_id, year)
  resource_locks:    Concurrency Controller lock table

ERROR MAPPING:
  SQLITE_BUSY / SQLITE_LOCKED -> generic.ErrWriteConflict (retryable)
  UNIQUE / PRIMARY KEY        -> the operation's duplicate sentinel
  sql.ErrNoRows               -> the operation's not-found sentinel
  anything else               -> generic.DatabaseError

CONCURRENCY:
  Uses sync.RWMutex for thread-safety inside one process. Write
  transactions begin IMMEDIATE and wait up to busy_timeout for other
  processes sharing the file.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/leave.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool with versioned migrations.

SEE ALSO:
  - generic/store.go: Interface definitions
  - generic/store/memory.go: In-memory implementation for testing
  - locker.go: lock.Locker on resource_locks
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/leave-engine/generic"
)

// Store implements generic.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for the lock table.
func (s *Store) DB() *sql.DB { return s.db }

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		user_id TEXT NOT NULL,
		leave_type TEXT NOT NULL,
		balance TEXT NOT NULL,
		pending_hold TEXT NOT NULL,
		unit TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (user_id, leave_type)
	);

	-- Append-only ledger
	CREATE TABLE IF NOT EXISTS ledger_entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		leave_type TEXT NOT NULL,
		delta TEXT NOT NULL,
		unit TEXT NOT NULL,
		reason TEXT NOT NULL,
		reference_id TEXT,
		idempotency_key TEXT UNIQUE,
		created_by TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_account
		ON ledger_entries(user_id, leave_type, seq);
	CREATE INDEX IF NOT EXISTS idx_ledger_reference
		ON ledger_entries(reference_id) WHERE reference_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS holds (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		leave_type TEXT NOT NULL,
		request_id TEXT NOT NULL,
		days TEXT NOT NULL,
		unit TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		closed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_holds_account_status
		ON holds(user_id, leave_type, status);

	CREATE TABLE IF NOT EXISTS leave_requests (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		leave_type TEXT NOT NULL,
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		day_count TEXT NOT NULL,
		unit TEXT NOT NULL,
		reason TEXT,
		status TEXT NOT NULL,
		stage INTEGER NOT NULL DEFAULT 0,
		workflow_id TEXT,
		hold_id TEXT,
		created_at TEXT NOT NULL,
		decided_at TEXT,
		decided_by TEXT,
		rejection_reason TEXT,
		archived_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_requests_user ON leave_requests(user_id);
	CREATE INDEX IF NOT EXISTS idx_requests_status ON leave_requests(status);

	CREATE TABLE IF NOT EXISTS approval_tasks (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		request_id TEXT NOT NULL,
		stage INTEGER NOT NULL,
		approver_id TEXT NOT NULL,
		delegated_to TEXT,
		status TEXT NOT NULL,
		decided_at TEXT,
		decided_by TEXT,
		comments TEXT,
		created_at TEXT NOT NULL,
		UNIQUE (request_id, stage, approver_id)
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_approver ON approval_tasks(approver_id, status);
	CREATE INDEX IF NOT EXISTS idx_tasks_delegate ON approval_tasks(delegated_to, status);

	CREATE TABLE IF NOT EXISTS delegations (
		id TEXT PRIMARY KEY,
		delegator_id TEXT NOT NULL,
		delegate_id TEXT NOT NULL,
		start_at TEXT NOT NULL,
		end_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_delegations_delegator ON delegations(delegator_id);

	CREATE TABLE IF NOT EXISTS carryover_records (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		leave_type TEXT NOT NULL,
		year INTEGER NOT NULL,
		previous_balance TEXT NOT NULL,
		carryover_days TEXT NOT NULL,
		expired_days TEXT NOT NULL,
		encashment_amount TEXT NOT NULL,
		new_balance TEXT NOT NULL,
		expires_at TEXT,
		expired_carryover INTEGER NOT NULL DEFAULT 0,
		processed_at TEXT NOT NULL,
		UNIQUE (user_id, year)
	);

	-- Concurrency Controller (expires_at in unix nanoseconds)
	CREATE TABLE IF NOT EXISTS resource_locks (
		key TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		token TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// STORE (generic.Store interface) - Serialized through mu
// =============================================================================

// direct runs statements outside any transaction.
func (s *Store) direct() *conn { return &conn{q: s.db} }

func (s *Store) CreateAccount(ctx context.Context, acct generic.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direct().CreateAccount(ctx, acct)
}

func (s *Store) GetAccount(ctx context.Context, key generic.AccountKey) (generic.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.direct().GetAccount(ctx, key)
}

func (s *Store) SaveAccount(ctx context.Context, acct generic.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direct().SaveAccount(ctx, acct)
}

func (s *Store) ListAccounts(ctx context.Context, lt generic.LeaveType) ([]generic.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.direct().ListAccounts(ctx, lt)
}

func (s *Store) AppendEntry(ctx context.Context, e generic.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direct().AppendEntry(ctx, e)
}

func (s *Store) Entries(ctx context.Context, key generic.AccountKey) ([]generic.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.direct().Entries(ctx, key)
}

func (s *Store) EntryByIdempotencyKey(ctx context.Context, key string) (generic.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.direct().EntryByIdempotencyKey(ctx, key)
}

func (s *Store) SaveHold(ctx context.Context, h generic.Hold) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direct().SaveHold(ctx, h)
}

func (s *Store) GetHold(ctx context.Context, id generic.HoldID) (generic.Hold, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.direct().GetHold(ctx, id)
}

func (s *Store) ActiveHolds(ctx context.Context, key generic.AccountKey) ([]generic.Hold, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.direct().ActiveHolds(ctx, key)
}

func (s *Store) CreateRequest(ctx context.Context, r generic.LeaveRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direct().CreateRequest(ctx, r)
}

func (s *Store) GetRequest(ctx context.Context, id generic.RequestID) (generic.LeaveRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.direct().GetRequest(ctx, id)
}

func (s *Store) UpdateRequest(ctx context.Context, r generic.LeaveRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direct().UpdateRequest(ctx, r)
}

func (s *Store) ListRequests(ctx context.Context, f generic.RequestFilter) ([]generic.LeaveRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.direct().ListRequests(ctx, f)
}

func (s *Store) CreateTasks(ctx context.Context, tasks []generic.ApprovalTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direct().CreateTasks(ctx, tasks)
}

func (s *Store) UpdateTask(ctx context.Context, t generic.ApprovalTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direct().UpdateTask(ctx, t)
}

func (s *Store) TasksForRequest(ctx context.Context, id generic.RequestID) ([]generic.ApprovalTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.direct().TasksForRequest(ctx, id)
}

func (s *Store) PendingTasksFor(ctx context.Context, user generic.UserID) ([]generic.ApprovalTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.direct().PendingTasksFor(ctx, user)
}

func (s *Store) SaveDelegation(ctx context.Context, d generic.Delegation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direct().SaveDelegation(ctx, d)
}

func (s *Store) ActiveDelegation(ctx context.Context, delegator generic.UserID, at time.Time) (generic.Delegation, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.direct().ActiveDelegation(ctx, delegator, at)
}

func (s *Store) InsertCarryoverRecord(ctx context.Context, r generic.CarryoverRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direct().InsertCarryoverRecord(ctx, r)
}

func (s *Store) GetCarryoverRecord(ctx context.Context, user generic.UserID, year int) (generic.CarryoverRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.direct().GetCarryoverRecord(ctx, user, year)
}

func (s *Store) UpdateCarryoverRecord(ctx context.Context, r generic.CarryoverRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direct().UpdateCarryoverRecord(ctx, r)
}

func (s *Store) ListCarryoverRecords(ctx context.Context, year int) ([]generic.CarryoverRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.direct().ListCarryoverRecords(ctx, year)
}

// =============================================================================
// TRANSACTIONAL STORE (generic.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store generic.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError("begin transaction", err, nil)
	}
	defer sqlTx.Rollback()

	if err := fn(&conn{q: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return mapError("commit", err, nil)
	}
	return nil
}

var (
	_ generic.TxStore = (*Store)(nil)
	_ generic.Store   = (*conn)(nil)
)

// =============================================================================
// CONN - Statements shared by *sql.DB and *sql.Tx
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type conn struct {
	q querier
}

// --- accounts ---

const accountColumns = `user_id, leave_type, balance, pending_hold, unit, created_at, updated_at`

func (c *conn) CreateAccount(ctx context.Context, a generic.Account) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.Key.UserID, a.Key.LeaveType,
		a.Balance.Value.String(), a.PendingHold.Value.String(), unitOf(a.Balance),
		formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
	)
	return mapError("create account", err, generic.ErrAccountExists)
}

func (c *conn) GetAccount(ctx context.Context, key generic.AccountKey) (generic.Account, error) {
	row := c.q.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE user_id = ? AND leave_type = ?`,
		key.UserID, key.LeaveType)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.Account{}, generic.ErrAccountNotFound
	}
	return a, mapError("get account", err, nil)
}

func (c *conn) SaveAccount(ctx context.Context, a generic.Account) error {
	res, err := c.q.ExecContext(ctx, `
		UPDATE accounts SET balance = ?, pending_hold = ?, updated_at = ?
		WHERE user_id = ? AND leave_type = ?`,
		a.Balance.Value.String(), a.PendingHold.Value.String(), formatTime(a.UpdatedAt),
		a.Key.UserID, a.Key.LeaveType,
	)
	return requireRow(res, err, "save account", generic.ErrAccountNotFound)
}

func (c *conn) ListAccounts(ctx context.Context, lt generic.LeaveType) ([]generic.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts`
	var args []any
	if lt != "" {
		query += ` WHERE leave_type = ?`
		args = append(args, lt)
	}
	query += ` ORDER BY user_id, leave_type`

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError("list accounts", err, nil)
	}
	defer rows.Close()

	var out []generic.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, mapError("scan account", err, nil)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- ledger ---

const entryColumns = `id, user_id, leave_type, delta, unit, reason, reference_id, idempotency_key, created_by, created_at`

func (c *conn) AppendEntry(ctx context.Context, e generic.LedgerEntry) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO ledger_entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Account.UserID, e.Account.LeaveType,
		e.Delta.Value.String(), unitOf(e.Delta), e.Reason,
		nullString(e.ReferenceID), nullString(e.IdempotencyKey), nullString(string(e.CreatedBy)),
		formatTime(e.CreatedAt),
	)
	return mapError("append entry", err, generic.ErrDuplicateIdempotencyKey)
}

func (c *conn) Entries(ctx context.Context, key generic.AccountKey) ([]generic.LedgerEntry, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE user_id = ? AND leave_type = ?
		ORDER BY seq ASC`,
		key.UserID, key.LeaveType)
	if err != nil {
		return nil, mapError("query entries", err, nil)
	}
	defer rows.Close()

	var out []generic.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, mapError("scan entry", err, nil)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (c *conn) EntryByIdempotencyKey(ctx context.Context, key string) (generic.LedgerEntry, error) {
	row := c.q.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE idempotency_key = ?`, key)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.LedgerEntry{}, generic.ErrNotFound
	}
	return e, mapError("get entry", err, nil)
}

// --- holds ---

const holdColumns = `id, user_id, leave_type, request_id, days, unit, status, created_at, closed_at`

func (c *conn) SaveHold(ctx context.Context, h generic.Hold) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO holds (`+holdColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			closed_at = excluded.closed_at`,
		h.ID, h.Account.UserID, h.Account.LeaveType, h.RequestID,
		h.Days.Value.String(), unitOf(h.Days), h.Status,
		formatTime(h.CreatedAt), nullTime(h.ClosedAt),
	)
	return mapError("save hold", err, nil)
}

func (c *conn) GetHold(ctx context.Context, id generic.HoldID) (generic.Hold, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+holdColumns+` FROM holds WHERE id = ?`, id)
	h, err := scanHold(row)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.Hold{}, generic.ErrHoldNotFound
	}
	return h, mapError("get hold", err, nil)
}

func (c *conn) ActiveHolds(ctx context.Context, key generic.AccountKey) ([]generic.Hold, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT `+holdColumns+` FROM holds
		WHERE user_id = ? AND leave_type = ? AND status = ?
		ORDER BY created_at ASC`,
		key.UserID, key.LeaveType, generic.HoldActive)
	if err != nil {
		return nil, mapError("query holds", err, nil)
	}
	defer rows.Close()

	var out []generic.Hold
	for rows.Next() {
		h, err := scanHold(rows)
		if err != nil {
			return nil, mapError("scan hold", err, nil)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// --- requests ---

const requestColumns = `id, user_id, leave_type, start_date, end_date, day_count, unit, reason, status,
	stage, workflow_id, hold_id, created_at, decided_at, decided_by, rejection_reason, archived_at`

func (c *conn) CreateRequest(ctx context.Context, r generic.LeaveRequest) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO leave_requests (`+requestColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.UserID, r.LeaveType,
		r.StartDate.String(), r.EndDate.String(),
		r.DayCount.Value.String(), unitOf(r.DayCount),
		nullString(r.Reason), r.Status, r.Stage,
		nullString(r.WorkflowID), nullString(string(r.HoldID)),
		formatTime(r.CreatedAt), nullTime(r.DecidedAt), nullString(string(r.DecidedBy)),
		nullString(r.RejectionReason), nullTime(r.ArchivedAt),
	)
	return mapError("create request", err, generic.Invalid("id", "request %s already exists", r.ID))
}

func (c *conn) GetRequest(ctx context.Context, id generic.RequestID) (generic.LeaveRequest, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM leave_requests WHERE id = ?`, id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.LeaveRequest{}, generic.ErrRequestNotFound
	}
	return r, mapError("get request", err, nil)
}

func (c *conn) UpdateRequest(ctx context.Context, r generic.LeaveRequest) error {
	res, err := c.q.ExecContext(ctx, `
		UPDATE leave_requests SET
			user_id = ?, leave_type = ?,
			start_date = ?, end_date = ?, day_count = ?, unit = ?, reason = ?, status = ?, stage = ?,
			workflow_id = ?, hold_id = ?, decided_at = ?, decided_by = ?,
			rejection_reason = ?, archived_at = ?
		WHERE id = ?`,
		r.UserID, r.LeaveType,
		r.StartDate.String(), r.EndDate.String(), r.DayCount.Value.String(), unitOf(r.DayCount),
		nullString(r.Reason), r.Status, r.Stage,
		nullString(r.WorkflowID), nullString(string(r.HoldID)),
		nullTime(r.DecidedAt), nullString(string(r.DecidedBy)),
		nullString(r.RejectionReason), nullTime(r.ArchivedAt),
		r.ID,
	)
	return requireRow(res, err, "update request", generic.ErrRequestNotFound)
}

func (c *conn) ListRequests(ctx context.Context, f generic.RequestFilter) ([]generic.LeaveRequest, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if !f.IncludeArchived {
		where = append(where, "archived_at IS NULL")
	}
	if f.DecidedBefore != nil {
		where = append(where, "decided_at IS NOT NULL AND decided_at < ?")
		args = append(args, formatTime(*f.DecidedBefore))
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, st)
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}

	query := `SELECT ` + requestColumns + ` FROM leave_requests`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY seq ASC`

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError("list requests", err, nil)
	}
	defer rows.Close()

	var out []generic.LeaveRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, mapError("scan request", err, nil)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- tasks ---

const taskColumns = `id, request_id, stage, approver_id, delegated_to, status, decided_at, decided_by, comments, created_at`

func (c *conn) CreateTasks(ctx context.Context, tasks []generic.ApprovalTask) error {
	for _, t := range tasks {
		_, err := c.q.ExecContext(ctx, `
			INSERT INTO approval_tasks (`+taskColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.RequestID, t.Stage, t.ApproverID, nullString(string(t.DelegatedTo)),
			t.Status, nullTime(t.DecidedAt), nullString(string(t.DecidedBy)),
			nullString(t.Comments), formatTime(t.CreatedAt),
		)
		if err != nil {
			return mapError("create task", err,
				generic.Invalid("approver", "%s already has a task at stage %d", t.ApproverID, t.Stage))
		}
	}
	return nil
}

func (c *conn) UpdateTask(ctx context.Context, t generic.ApprovalTask) error {
	res, err := c.q.ExecContext(ctx, `
		UPDATE approval_tasks SET status = ?, decided_at = ?, decided_by = ?, comments = ?
		WHERE id = ?`,
		t.Status, nullTime(t.DecidedAt), nullString(string(t.DecidedBy)), nullString(t.Comments), t.ID,
	)
	return requireRow(res, err, "update task", generic.ErrTaskNotFound)
}

func (c *conn) TasksForRequest(ctx context.Context, id generic.RequestID) ([]generic.ApprovalTask, error) {
	return c.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM approval_tasks
		WHERE request_id = ?
		ORDER BY stage ASC, seq ASC`, id)
}

func (c *conn) PendingTasksFor(ctx context.Context, user generic.UserID) ([]generic.ApprovalTask, error) {
	return c.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM approval_tasks
		WHERE status = ? AND (approver_id = ? OR delegated_to = ?)
		ORDER BY seq ASC`, generic.TaskPending, user, user)
}

func (c *conn) queryTasks(ctx context.Context, query string, args ...any) ([]generic.ApprovalTask, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError("query tasks", err, nil)
	}
	defer rows.Close()

	var out []generic.ApprovalTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, mapError("scan task", err, nil)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- delegations ---

func (c *conn) SaveDelegation(ctx context.Context, d generic.Delegation) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO delegations (id, delegator_id, delegate_id, start_at, end_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			delegate_id = excluded.delegate_id,
			start_at = excluded.start_at,
			end_at = excluded.end_at`,
		d.ID, d.DelegatorID, d.DelegateID, formatTime(d.Start), formatTime(d.End),
	)
	return mapError("save delegation", err, nil)
}

func (c *conn) ActiveDelegation(ctx context.Context, delegator generic.UserID, at time.Time) (generic.Delegation, bool, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT id, delegator_id, delegate_id, start_at, end_at
		FROM delegations WHERE delegator_id = ?
		ORDER BY start_at ASC`, delegator)
	if err != nil {
		return generic.Delegation{}, false, mapError("query delegations", err, nil)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			d          generic.Delegation
			start, end string
		)
		if err := rows.Scan(&d.ID, &d.DelegatorID, &d.DelegateID, &start, &end); err != nil {
			return generic.Delegation{}, false, mapError("scan delegation", err, nil)
		}
		d.Start, d.End = parseTime(start), parseTime(end)
		if d.ActiveAt(at) {
			return d, true, nil
		}
	}
	return generic.Delegation{}, false, rows.Err()
}

// --- carryover ---

const carryoverColumns = `id, user_id, leave_type, year, previous_balance, carryover_days, expired_days,
	encashment_amount, new_balance, expires_at, expired_carryover, processed_at`

func (c *conn) InsertCarryoverRecord(ctx context.Context, r generic.CarryoverRecord) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO carryover_records (`+carryoverColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.UserID, r.LeaveType, r.Year,
		r.PreviousBalance.Value.String(), r.CarryoverDays.Value.String(), r.ExpiredDays.Value.String(),
		r.EncashmentAmount.String(), r.NewBalance.Value.String(),
		nullTime(r.ExpiresAt), r.ExpiredCarryover, formatTime(r.ProcessedAt),
	)
	return mapError("insert carryover record", err, generic.ErrCarryoverProcessed)
}

func (c *conn) GetCarryoverRecord(ctx context.Context, user generic.UserID, year int) (generic.CarryoverRecord, error) {
	row := c.q.QueryRowContext(ctx,
		`SELECT `+carryoverColumns+` FROM carryover_records WHERE user_id = ? AND year = ?`, user, year)
	r, err := scanCarryover(row)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.CarryoverRecord{}, generic.ErrRecordNotFound
	}
	return r, mapError("get carryover record", err, nil)
}

func (c *conn) UpdateCarryoverRecord(ctx context.Context, r generic.CarryoverRecord) error {
	res, err := c.q.ExecContext(ctx, `
		UPDATE carryover_records SET expires_at = ?, expired_carryover = ?
		WHERE user_id = ? AND year = ?`,
		nullTime(r.ExpiresAt), r.ExpiredCarryover, r.UserID, r.Year,
	)
	return requireRow(res, err, "update carryover record", generic.ErrRecordNotFound)
}

func (c *conn) ListCarryoverRecords(ctx context.Context, year int) ([]generic.CarryoverRecord, error) {
	rows, err := c.q.QueryContext(ctx,
		`SELECT `+carryoverColumns+` FROM carryover_records WHERE year = ? ORDER BY user_id`, year)
	if err != nil {
		return nil, mapError("list carryover records", err, nil)
	}
	defer rows.Close()

	var out []generic.CarryoverRecord
	for rows.Next() {
		r, err := scanCarryover(rows)
		if err != nil {
			return nil, mapError("scan carryover record", err, nil)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// =============================================================================
// SCANNING
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (generic.Account, error) {
	var (
		a                      generic.Account
		balance, pending, unit string
		createdAt, updatedAt   string
	)
	if err := row.Scan(&a.Key.UserID, &a.Key.LeaveType, &balance, &pending, &unit, &createdAt, &updatedAt); err != nil {
		return a, err
	}
	a.Balance = parseAmount(balance, unit)
	a.PendingHold = parseAmount(pending, unit)
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return a, nil
}

func scanEntry(row scanner) (generic.LedgerEntry, error) {
	var (
		e                               generic.LedgerEntry
		delta, unit, createdAt          string
		referenceID, idemKey, createdBy sql.NullString
	)
	err := row.Scan(&e.ID, &e.Account.UserID, &e.Account.LeaveType, &delta, &unit, &e.Reason,
		&referenceID, &idemKey, &createdBy, &createdAt)
	if err != nil {
		return e, err
	}
	e.Delta = parseAmount(delta, unit)
	e.ReferenceID = referenceID.String
	e.IdempotencyKey = idemKey.String
	e.CreatedBy = generic.UserID(createdBy.String)
	e.CreatedAt = parseTime(createdAt)
	return e, nil
}

func scanHold(row scanner) (generic.Hold, error) {
	var (
		h                     generic.Hold
		days, unit, createdAt string
		closedAt              sql.NullString
	)
	err := row.Scan(&h.ID, &h.Account.UserID, &h.Account.LeaveType, &h.RequestID,
		&days, &unit, &h.Status, &createdAt, &closedAt)
	if err != nil {
		return h, err
	}
	h.Days = parseAmount(days, unit)
	h.CreatedAt = parseTime(createdAt)
	h.ClosedAt = parseNullTime(closedAt)
	return h, nil
}

func scanRequest(row scanner) (generic.LeaveRequest, error) {
	var (
		r                               generic.LeaveRequest
		start, end, dayCount, unit      string
		createdAt                       string
		reason, workflowID, holdID      sql.NullString
		decidedAt, decidedBy, rejection sql.NullString
		archivedAt                      sql.NullString
	)
	err := row.Scan(&r.ID, &r.UserID, &r.LeaveType, &start, &end, &dayCount, &unit, &reason, &r.Status,
		&r.Stage, &workflowID, &holdID, &createdAt, &decidedAt, &decidedBy, &rejection, &archivedAt)
	if err != nil {
		return r, err
	}
	r.StartDate, _ = generic.ParseDate(start)
	r.EndDate, _ = generic.ParseDate(end)
	r.DayCount = parseAmount(dayCount, unit)
	r.Reason = reason.String
	r.WorkflowID = workflowID.String
	r.HoldID = generic.HoldID(holdID.String)
	r.CreatedAt = parseTime(createdAt)
	r.DecidedAt = parseNullTime(decidedAt)
	r.DecidedBy = generic.UserID(decidedBy.String)
	r.RejectionReason = rejection.String
	r.ArchivedAt = parseNullTime(archivedAt)
	return r, nil
}

func scanTask(row scanner) (generic.ApprovalTask, error) {
	var (
		t                                 generic.ApprovalTask
		delegatedTo, decidedAt, decidedBy sql.NullString
		comments                          sql.NullString
		createdAt                         string
	)
	err := row.Scan(&t.ID, &t.RequestID, &t.Stage, &t.ApproverID, &delegatedTo, &t.Status,
		&decidedAt, &decidedBy, &comments, &createdAt)
	if err != nil {
		return t, err
	}
	t.DelegatedTo = generic.UserID(delegatedTo.String)
	t.DecidedAt = parseNullTime(decidedAt)
	t.DecidedBy = generic.UserID(decidedBy.String)
	t.Comments = comments.String
	t.CreatedAt = parseTime(createdAt)
	return t, nil
}

func scanCarryover(row scanner) (generic.CarryoverRecord, error) {
	var (
		r                                    generic.CarryoverRecord
		prev, carried, expired, encash, newB string
		expiresAt                            sql.NullString
		processedAt                          string
	)
	err := row.Scan(&r.ID, &r.UserID, &r.LeaveType, &r.Year, &prev, &carried, &expired,
		&encash, &newB, &expiresAt, &r.ExpiredCarryover, &processedAt)
	if err != nil {
		return r, err
	}
	r.PreviousBalance = parseAmount(prev, string(generic.UnitDays))
	r.CarryoverDays = parseAmount(carried, string(generic.UnitDays))
	r.ExpiredDays = parseAmount(expired, string(generic.UnitDays))
	r.EncashmentAmount, _ = decimal.NewFromString(encash)
	r.NewBalance = parseAmount(newB, string(generic.UnitDays))
	r.ExpiresAt = parseNullTime(expiresAt)
	r.ProcessedAt = parseTime(processedAt)
	return r, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// mapError translates driver errors into the engine's taxonomy.
// duplicate is returned for UNIQUE / PRIMARY KEY violations when non-nil.
func mapError(op string, err error, duplicate error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch {
		case se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked:
			return fmt.Errorf("%s: %w", op, generic.ErrWriteConflict)
		case duplicate != nil && (se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey):
			return duplicate
		}
	}
	return &generic.DatabaseError{Op: op, Attempts: 1, Err: err}
}

func requireRow(res sql.Result, err error, op string, notFound error) error {
	if err != nil {
		return mapError(op, err, nil)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mapError(op, err, nil)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// timeLayout is fixed width so stored timestamps compare as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func unitOf(a generic.Amount) string {
	if a.Unit == "" {
		return string(generic.UnitDays)
	}
	return string(a.Unit)
}

func parseAmount(value, unit string) generic.Amount {
	return generic.Amount{
		Value: generic.MustParseDecimal(value),
		Unit:  generic.Unit(unit),
	}
}
