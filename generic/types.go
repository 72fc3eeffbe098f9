/*
Package generic provides the core leave entitlement engine.

PURPOSE:
  This package contains the types and algorithms every leave component
  shares: day amounts, balance accounts, the append-only ledger with
  holds, approval requests and tasks, carryover records and the pure
  pro-rata calculator. Components that need locking or transactions
  (approval, carryover, timeoff) build on top of it.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: A quantity of days, always decimal
  - AccountKey: (user, leave type) identity of a BalanceAccount
  - LedgerEntry: An immutable balance change with a reason code
  - Hold: A provisional reservation against a balance
  - LeaveRequest / ApprovalTask: The approval workflow entities
  - CarryoverPolicy / CarryoverRecord: Year-end rules and their outcome

DESIGN PRINCIPLES:
  1. Immutability: Ledger entries are never modified, only offset
  2. Precision: Uses decimal.Decimal to avoid floating-point errors
  3. Type Safety: Strong typing for IDs prevents mixing user/request IDs
  4. Auditability: Every entry has reason, reference, and idempotency key

USAGE:
  key := generic.AccountKey{UserID: "emp-123", LeaveType: "annual"}
  entry, err := ledger.Post(ctx, uow, generic.PostInput{
      Account:        key,
      Delta:          generic.Days(-3),
      Reason:         generic.ReasonDeduction,
      ReferenceID:    "req-1",
      IdempotencyKey: "deduction:req-1",
  })

SEE ALSO:
  - ledger.go: Balance Ledger (post, holds, verification)
  - prorata.go: Entitlement calculation
  - store.go: Persistence interfaces
*/
package generic

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Quantity with unit (always days for leave)
// =============================================================================

type Amount struct {
	Value decimal.Decimal
	Unit  Unit
}

type Unit string

const (
	UnitDays  Unit = "days"
	UnitHours Unit = "hours"
)

func NewAmount(value float64, unit Unit) Amount {
	return Amount{Value: decimal.NewFromFloat(value), Unit: unit}
}

func NewAmountFromInt(value int, unit Unit) Amount {
	return Amount{Value: decimal.NewFromInt(int64(value)), Unit: unit}
}

func NewAmountFromDecimal(value decimal.Decimal, unit Unit) Amount {
	return Amount{Value: value, Unit: unit}
}

// Days is shorthand for an amount in days.
func Days(value float64) Amount { return NewAmount(value, UnitDays) }

func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (a Amount) Zero() Amount                 { return Amount{Value: decimal.Zero, Unit: a.unit()} }
func (a Amount) Add(b Amount) Amount          { return Amount{Value: a.Value.Add(b.Value), Unit: a.unit()} }
func (a Amount) Sub(b Amount) Amount          { return Amount{Value: a.Value.Sub(b.Value), Unit: a.unit()} }
func (a Amount) Mul(s decimal.Decimal) Amount { return Amount{Value: a.Value.Mul(s), Unit: a.unit()} }
func (a Amount) Neg() Amount                  { return Amount{Value: a.Value.Neg(), Unit: a.unit()} }
func (a Amount) IsNegative() bool             { return a.Value.IsNegative() }
func (a Amount) IsZero() bool                 { return a.Value.IsZero() }
func (a Amount) IsPositive() bool             { return a.Value.IsPositive() }
func (a Amount) GreaterThan(b Amount) bool    { return a.Value.GreaterThan(b.Value) }
func (a Amount) LessThan(b Amount) bool       { return a.Value.LessThan(b.Value) }
func (a Amount) Equal(b Amount) bool          { return a.Value.Equal(b.Value) }
func (a Amount) String() string               { return a.Value.String() + " " + string(a.unit()) }

func (a Amount) Min(b Amount) Amount {
	if a.LessThan(b) {
		return a
	}
	return b
}

func (a Amount) Max(b Amount) Amount {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

func (a Amount) unit() Unit {
	if a.Unit == "" {
		return UnitDays
	}
	return a.Unit
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type LeaveType string
type RequestID string
type TaskID string
type EntryID string
type HoldID string

// AccountKey identifies a BalanceAccount. Unique per (user, leave type).
type AccountKey struct {
	UserID    UserID
	LeaveType LeaveType
}

func (k AccountKey) String() string { return string(k.UserID) + ":" + string(k.LeaveType) }

// BalanceLockKey is the Concurrency Controller key guarding an account.
func BalanceLockKey(k AccountKey) string {
	return fmt.Sprintf("balance:%s:%s", k.UserID, k.LeaveType)
}

// RequestLockKey is the Concurrency Controller key guarding a request.
func RequestLockKey(id RequestID) string {
	return fmt.Sprintf("request:%s", id)
}

// =============================================================================
// BALANCE ACCOUNT
// =============================================================================

// Account is the materialized balance of one (user, leave type).
//
// INVARIANTS:
//   - Balance == Σ delta of the account's ledger entries
//   - PendingHold == Σ days of the account's active holds
//
// Accounts are never deleted, only zeroed.
type Account struct {
	Key         AccountKey
	Balance     Amount
	PendingHold Amount
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Available is what a new hold may still reserve.
func (a Account) Available() Amount {
	return a.Balance.Sub(a.PendingHold)
}

// =============================================================================
// LEDGER ENTRY - Append-only balance change
// =============================================================================

type EntryReason string

const (
	ReasonGrant      EntryReason = "grant"      // Entitlement on policy assignment
	ReasonAccrual    EntryReason = "accrual"    // Periodic accrual job
	ReasonDeduction  EntryReason = "deduction"  // Approved leave
	ReasonCarryover  EntryReason = "carryover"  // Credit carried into the new year
	ReasonExpiry     EntryReason = "expiry"     // Balance expired at year end
	ReasonEncashment EntryReason = "encashment" // Days converted to money
	ReasonAdjustment EntryReason = "adjustment" // Manual admin correction
)

func (r EntryReason) Valid() bool {
	switch r {
	case ReasonGrant, ReasonAccrual, ReasonDeduction, ReasonCarryover,
		ReasonExpiry, ReasonEncashment, ReasonAdjustment:
		return true
	}
	return false
}

type LedgerEntry struct {
	ID             EntryID
	Account        AccountKey
	Delta          Amount
	Reason         EntryReason
	ReferenceID    string
	IdempotencyKey string
	CreatedBy      UserID
	CreatedAt      time.Time
}

// =============================================================================
// HOLD - Provisional reservation against a balance
// =============================================================================

type HoldStatus string

const (
	HoldActive   HoldStatus = "active"
	HoldReleased HoldStatus = "released"
	HoldConsumed HoldStatus = "consumed"
)

type Hold struct {
	ID        HoldID
	Account   AccountKey
	RequestID RequestID
	Days      Amount
	Status    HoldStatus
	CreatedAt time.Time
	ClosedAt  *time.Time
}

// =============================================================================
// LEAVE REQUEST
// =============================================================================

type RequestStatus string

const (
	StatusDraft     RequestStatus = "draft"
	StatusPending   RequestStatus = "pending"
	StatusApproved  RequestStatus = "approved"
	StatusRejected  RequestStatus = "rejected"
	StatusCancelled RequestStatus = "cancelled"
)

// Terminal reports whether no transition leaves this status.
func (s RequestStatus) Terminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusCancelled
}

type LeaveRequest struct {
	ID              RequestID
	UserID          UserID
	LeaveType       LeaveType
	StartDate       TimePoint
	EndDate         TimePoint
	DayCount        Amount
	Reason          string
	Status          RequestStatus
	Stage           int // current stage while Pending, 1-based
	WorkflowID      string
	HoldID          HoldID
	CreatedAt       time.Time
	DecidedAt       *time.Time
	DecidedBy       UserID
	RejectionReason string
	ArchivedAt      *time.Time
}

func (r LeaveRequest) Account() AccountKey {
	return AccountKey{UserID: r.UserID, LeaveType: r.LeaveType}
}

// StatusLabel renders Pending with its stage, e.g. "pending(2)".
func (r LeaveRequest) StatusLabel() string {
	if r.Status == StatusPending {
		return fmt.Sprintf("%s(%d)", r.Status, r.Stage)
	}
	return string(r.Status)
}

// =============================================================================
// APPROVAL TASK
// =============================================================================

type TaskStatus string

const (
	TaskPending  TaskStatus = "pending"
	TaskApproved TaskStatus = "approved"
	TaskRejected TaskStatus = "rejected"
	TaskSkipped  TaskStatus = "skipped" // left open when its stage or request closed
)

type ApprovalTask struct {
	ID          TaskID
	RequestID   RequestID
	Stage       int
	ApproverID  UserID
	DelegatedTo UserID
	Status      TaskStatus
	DecidedAt   *time.Time
	DecidedBy   UserID
	Comments    string
	CreatedAt   time.Time
}

// AssignedTo reports whether the user may act on this task.
func (t ApprovalTask) AssignedTo(user UserID) bool {
	return t.ApproverID == user || (t.DelegatedTo != "" && t.DelegatedTo == user)
}

// Delegation routes an approver's new tasks to a delegate inside [Start, End].
type Delegation struct {
	ID          string
	DelegatorID UserID
	DelegateID  UserID
	Start       time.Time
	End         time.Time
}

func (d Delegation) ActiveAt(at time.Time) bool {
	return !at.Before(d.Start) && !at.After(d.End)
}

// =============================================================================
// CARRYOVER
// =============================================================================

type CarryoverPolicy struct {
	LeaveType        LeaveType
	MaxCarryoverDays decimal.Decimal
	ExpiryMonths     int // 0 = carried days never expire
	AllowEncashment  bool
	EncashmentRate   decimal.Decimal // money per expired day
	YearEndMonth     time.Month
	YearEndDay       int
}

// YearEnd returns the year-end date of the given year (default Dec 31).
func (p CarryoverPolicy) YearEnd(year int) TimePoint {
	month, day := p.YearEndMonth, p.YearEndDay
	if month == 0 {
		month = time.December
	}
	if day == 0 {
		return EndOfMonth(year, month)
	}
	return NewTimePoint(year, month, day)
}

// CarryoverRecord is unique per (UserID, Year).
type CarryoverRecord struct {
	ID               string
	UserID           UserID
	LeaveType        LeaveType
	Year             int
	PreviousBalance  Amount
	CarryoverDays    Amount
	ExpiredDays      Amount
	EncashmentAmount decimal.Decimal
	NewBalance       Amount
	ExpiresAt        *time.Time
	ExpiredCarryover bool
	ProcessedAt      time.Time
}
