/*
ledger.go - Balance Ledger: authoritative balances, holds and posts

PURPOSE:
  The Ledger is the single writer of BalanceAccounts. Every balance
  change is an appended LedgerEntry plus the matching update of the
  account's materialized balance, in the same transaction. Holds
  reserve days against a balance while a request waits for approval
  without touching the ledger.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: entries are never updated or deleted
  2. CONSISTENT: account.Balance == Σ entry.Delta at every commit
  3. HOLDS: account.PendingHold == Σ active hold days at every commit
  4. NON-NEGATIVE: a post may drive the balance below zero only with
     ReasonAdjustment
  5. LOCKED: ReserveHold and Post refuse to run unless the unit of work
     holds the account's balance lock

READS:
  Balance() is lock-free. It is authoritative only when called inside
  a unit of work that holds the account lock; otherwise it may be
  stale, which is fine for display and never used for decisions.

EXAMPLE FLOW:
  1. Employee granted 20 days:      Post(+20, grant)      balance 20, hold 0
  2. Submits 3 days:                ReserveHold(3)        balance 20, hold 3
  3. Request approved:              ConsumeHold + Post(-3, deduction)
                                                          balance 17, hold 0

SEE ALSO:
  - store.go: Low-level persistence interface
  - txn/manager.go: Provides the transaction and held locks
*/
package generic

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	Clock Clock
}

func NewLedger(clock Clock) *Ledger {
	return &Ledger{Clock: clock}
}

// Balance returns the account's current balance without locking.
func (l *Ledger) Balance(ctx context.Context, s AccountStore, key AccountKey) (Amount, error) {
	acct, err := s.GetAccount(ctx, key)
	if err != nil {
		return Amount{}, err
	}
	return acct.Balance, nil
}

// OpenAccount creates a zero account, or returns the existing one.
func (l *Ledger) OpenAccount(ctx context.Context, uow *UnitOfWork, key AccountKey) (Account, error) {
	if key.UserID == "" || key.LeaveType == "" {
		return Account{}, Invalid("account", "user and leave type are required")
	}
	acct, err := uow.Store.GetAccount(ctx, key)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return Account{}, err
	}

	now := l.now(uow)
	acct = Account{
		Key:         key,
		Balance:     Days(0),
		PendingHold: Days(0),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := uow.Store.CreateAccount(ctx, acct); err != nil {
		return Account{}, err
	}
	return acct, nil
}

// ReserveHold reserves days against the account for a request.
// Fails with InsufficientBalanceError when balance - pending_hold < days.
func (l *Ledger) ReserveHold(ctx context.Context, uow *UnitOfWork, key AccountKey, days Amount, requestID RequestID) (Hold, error) {
	if !LockHeld(ctx, BalanceLockKey(key)) {
		return Hold{}, ErrLockNotHeld
	}
	if !days.IsPositive() {
		return Hold{}, Invalid("days", "hold must be positive, got %v", days.Value)
	}

	acct, err := uow.Store.GetAccount(ctx, key)
	if err != nil {
		return Hold{}, err
	}
	if acct.Available().LessThan(days) {
		return Hold{}, &InsufficientBalanceError{
			Account:   key,
			Available: acct.Available(),
			Requested: days,
		}
	}

	now := l.now(uow)
	hold := Hold{
		ID:        HoldID(uuid.NewString()),
		Account:   key,
		RequestID: requestID,
		Days:      days,
		Status:    HoldActive,
		CreatedAt: now,
	}
	if err := uow.Store.SaveHold(ctx, hold); err != nil {
		return Hold{}, err
	}

	acct.PendingHold = acct.PendingHold.Add(days)
	acct.UpdatedAt = now
	if err := uow.Store.SaveAccount(ctx, acct); err != nil {
		return Hold{}, err
	}

	uow.Audit("hold", string(hold.ID), "hold_reserved",
		map[string]any{"pending_hold": acct.PendingHold.Sub(days).Value.String()},
		map[string]any{"pending_hold": acct.PendingHold.Value.String(), "request_id": string(requestID)})
	return hold, nil
}

// ReleaseHold returns a hold's days to the available balance.
// Idempotent: releasing a closed hold is a no-op.
func (l *Ledger) ReleaseHold(ctx context.Context, uow *UnitOfWork, id HoldID) (Hold, error) {
	return l.closeHold(ctx, uow, id, HoldReleased)
}

// ConsumeHold closes a hold because its request was approved. The
// caller posts the matching deduction in the same unit of work.
func (l *Ledger) ConsumeHold(ctx context.Context, uow *UnitOfWork, id HoldID) (Hold, error) {
	return l.closeHold(ctx, uow, id, HoldConsumed)
}

func (l *Ledger) closeHold(ctx context.Context, uow *UnitOfWork, id HoldID, status HoldStatus) (Hold, error) {
	hold, err := uow.Store.GetHold(ctx, id)
	if err != nil {
		return Hold{}, err
	}
	if hold.Status != HoldActive {
		return hold, nil
	}
	if !LockHeld(ctx, BalanceLockKey(hold.Account)) {
		return Hold{}, ErrLockNotHeld
	}

	acct, err := uow.Store.GetAccount(ctx, hold.Account)
	if err != nil {
		return Hold{}, err
	}

	now := l.now(uow)
	hold.Status = status
	hold.ClosedAt = &now
	if err := uow.Store.SaveHold(ctx, hold); err != nil {
		return Hold{}, err
	}

	before := acct.PendingHold
	acct.PendingHold = acct.PendingHold.Sub(hold.Days)
	acct.UpdatedAt = now
	if err := uow.Store.SaveAccount(ctx, acct); err != nil {
		return Hold{}, err
	}

	uow.Audit("hold", string(hold.ID), "hold_"+string(status),
		map[string]any{"pending_hold": before.Value.String()},
		map[string]any{"pending_hold": acct.PendingHold.Value.String()})
	return hold, nil
}

// PostInput describes one ledger post.
type PostInput struct {
	Account        AccountKey
	Delta          Amount
	Reason         EntryReason
	ReferenceID    string
	IdempotencyKey string
}

// Post appends an entry and moves the account balance by Delta.
//
// Requires the account lock and a transactional unit of work. A resulting
// negative balance is rejected unless Reason is ReasonAdjustment. A
// repeated IdempotencyKey returns ErrDuplicateIdempotencyKey together
// with the entry already on the ledger.
func (l *Ledger) Post(ctx context.Context, uow *UnitOfWork, in PostInput) (LedgerEntry, error) {
	if !LockHeld(ctx, BalanceLockKey(in.Account)) {
		return LedgerEntry{}, ErrLockNotHeld
	}
	if !in.Reason.Valid() {
		return LedgerEntry{}, Invalid("reason", "unknown reason %q", in.Reason)
	}
	if in.Delta.IsZero() {
		return LedgerEntry{}, Invalid("delta", "must not be zero")
	}

	if in.IdempotencyKey != "" {
		existing, err := uow.Store.EntryByIdempotencyKey(ctx, in.IdempotencyKey)
		if err == nil {
			return existing, ErrDuplicateIdempotencyKey
		}
		if !errors.Is(err, ErrNotFound) {
			return LedgerEntry{}, err
		}
	}

	acct, err := uow.Store.GetAccount(ctx, in.Account)
	if err != nil {
		return LedgerEntry{}, err
	}

	newBalance := acct.Balance.Add(in.Delta)
	if newBalance.IsNegative() && in.Reason != ReasonAdjustment {
		return LedgerEntry{}, &InsufficientBalanceError{
			Account:   in.Account,
			Available: acct.Balance,
			Requested: in.Delta.Neg(),
		}
	}

	now := l.now(uow)
	entry := LedgerEntry{
		ID:             EntryID(uuid.NewString()),
		Account:        in.Account,
		Delta:          in.Delta,
		Reason:         in.Reason,
		ReferenceID:    in.ReferenceID,
		IdempotencyKey: in.IdempotencyKey,
		CreatedBy:      uow.Actor.ID,
		CreatedAt:      now,
	}
	if err := uow.Store.AppendEntry(ctx, entry); err != nil {
		return LedgerEntry{}, err
	}

	before := acct.Balance
	acct.Balance = newBalance
	acct.UpdatedAt = now
	if err := uow.Store.SaveAccount(ctx, acct); err != nil {
		return LedgerEntry{}, err
	}

	uow.Audit("ledger_entry", string(entry.ID), "ledger_"+string(in.Reason),
		map[string]any{"balance": before.Value.String()},
		map[string]any{
			"balance":      newBalance.Value.String(),
			"delta":        in.Delta.Value.String(),
			"reference_id": in.ReferenceID,
			"account":      in.Account.String(),
		})
	return entry, nil
}

// =============================================================================
// VERIFICATION
// =============================================================================

// DriftError reports an account whose materialized totals disagree with
// its entries or holds.
type DriftError struct {
	Account       AccountKey
	Balance       decimal.Decimal
	LedgerSum     decimal.Decimal
	PendingHold   decimal.Decimal
	ActiveHoldSum decimal.Decimal
}

func (e *DriftError) Error() string {
	return "ledger drift on " + e.Account.String() +
		": balance " + e.Balance.String() + " vs entries " + e.LedgerSum.String() +
		", pending " + e.PendingHold.String() + " vs holds " + e.ActiveHoldSum.String()
}

// Verify recomputes Σ entries and Σ active holds for an account.
func (l *Ledger) Verify(ctx context.Context, s Store, key AccountKey) error {
	acct, err := s.GetAccount(ctx, key)
	if err != nil {
		return err
	}
	entries, err := s.Entries(ctx, key)
	if err != nil {
		return err
	}
	holds, err := s.ActiveHolds(ctx, key)
	if err != nil {
		return err
	}

	sum := decimal.Zero
	for _, e := range entries {
		sum = sum.Add(e.Delta.Value)
	}
	held := decimal.Zero
	for _, h := range holds {
		held = held.Add(h.Days.Value)
	}

	if !sum.Equal(acct.Balance.Value) || !held.Equal(acct.PendingHold.Value) {
		return &DriftError{
			Account:       key,
			Balance:       acct.Balance.Value,
			LedgerSum:     sum,
			PendingHold:   acct.PendingHold.Value,
			ActiveHoldSum: held,
		}
	}
	return nil
}

func (l *Ledger) now(uow *UnitOfWork) time.Time {
	if !uow.Now.IsZero() {
		return uow.Now
	}
	return l.Clock.Now()
}
