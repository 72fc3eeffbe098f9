/*
Package carryover is the Carryover Processor: the year-end transform of a
balance into carried-over, expired and encashed portions.

PURPOSE:
  At year end each account's balance is closed. Up to
  max_carryover_days move into the new year; the rest expires and, when
  the policy allows, is valued at encashment_rate per day. The money is
  recorded and announced, never paid out here.

COMPUTATION (balance B, cap M):
  carryover_days    = min(B, M)
  expired_days      = max(0, B - M)
  encashment_amount = expired_days × rate   (0 unless allowed)
  new_balance       = carryover_days + credits posted since the year end

  Ledger: one expiry entry of -B (closing the year) and one carryover
  entry of +carryover_days. A non-positive balance is recorded with zero
  carryover and no entries; a debt stays on the account.

CLOSING BALANCE:
  B is the sum of entries created before the day after the year end,
  bounded by the current balance (days taken since then come out of the
  old year first). Accounts opened after the year end are skipped.
  Credits posted since the year end stay on the account untouched.

HELD DAYS:
  Days under an active hold never expire. Up to B of pending_hold is
  carried outside the cap; only the free part B - held is capped.

EXACTLY ONCE:
  One CarryoverRecord per (user, year). The record insert is in the same
  transaction as the entries; a second run returns ErrCarryoverProcessed
  and credits nothing. The entries' idempotency keys guard the same.

CARRIED-DAY EXPIRY:
  With expiry_months > 0, carried days not used by ExpiresAt expire.
  "Used" is the sum of deductions posted after the year-end run; the
  expiry never takes more than the current balance.

EXAMPLE:
  Balance 12, max 5, no encashment:
    expiry -12, carryover +5 → record {5, 7, 0, 5}

SEE ALSO:
  - generic/ledger.go: Post with idempotency keys
  - txn/manager.go: lock + transaction + retry
*/
package carryover

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/txn"
)

type Config struct {
	Retries     int // per-user retry budget on conflict
	Concurrency int // users processed in parallel by batch runs
}

func DefaultConfig() Config {
	return Config{Retries: 3, Concurrency: 4}
}

type Processor struct {
	tx     *txn.Manager
	ledger *generic.Ledger
	log    *zap.Logger
	cfg    Config
}

func NewProcessor(tx *txn.Manager, ledger *generic.Ledger, logger *zap.Logger, cfg Config) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Processor{tx: tx, ledger: ledger, log: logger.Named("carryover"), cfg: cfg}
}

// =============================================================================
// SPLIT - Pure year-end arithmetic
// =============================================================================

type Split struct {
	CarryoverDays    generic.Amount // includes HeldDays
	HeldDays         generic.Amount
	ExpiredDays      generic.Amount
	EncashmentAmount decimal.Decimal
}

// Compute splits a closing balance under a policy.
func Compute(balance generic.Amount, policy generic.CarryoverPolicy) Split {
	return ComputeHeld(balance, balance.Zero(), policy)
}

// ComputeHeld splits a closing balance of which held days are reserved by
// pending requests. Held days are carried in full and never encashed.
func ComputeHeld(balance, held generic.Amount, policy generic.CarryoverPolicy) Split {
	zero := balance.Zero()
	if !balance.IsPositive() {
		return Split{CarryoverDays: zero, HeldDays: zero, ExpiredDays: zero, EncashmentAmount: decimal.Zero}
	}
	held = held.Max(zero).Min(balance)
	split := capped(balance.Sub(held), policy)
	split.HeldDays = held
	split.CarryoverDays = split.CarryoverDays.Add(held)
	return split
}

func capped(balance generic.Amount, policy generic.CarryoverPolicy) Split {
	zero := balance.Zero()
	limit := generic.NewAmountFromDecimal(policy.MaxCarryoverDays, generic.UnitDays)
	carry := balance.Min(limit)
	expired := balance.Sub(limit).Max(zero)

	cash := decimal.Zero
	if policy.AllowEncashment {
		cash = expired.Value.Mul(policy.EncashmentRate).Round(2)
	}
	return Split{CarryoverDays: carry, HeldDays: zero, ExpiredDays: expired, EncashmentAmount: cash}
}

func validatePolicy(p generic.CarryoverPolicy, year int) error {
	switch {
	case p.LeaveType == "":
		return generic.Invalid("policy.leave_type", "is required")
	case p.MaxCarryoverDays.IsNegative():
		return generic.Invalid("policy.max_carryover_days", "must not be negative")
	case p.ExpiryMonths < 0:
		return generic.Invalid("policy.expiry_months", "must not be negative")
	case p.AllowEncashment && p.EncashmentRate.IsNegative():
		return generic.Invalid("policy.encashment_rate", "must not be negative")
	case year < 1:
		return generic.Invalid("year", "invalid year %d", year)
	}
	return nil
}

// =============================================================================
// YEAR END - One account
// =============================================================================

// ProcessYearEnd closes one user's balance for the year.
func (p *Processor) ProcessYearEnd(ctx context.Context, actor generic.Actor, user generic.UserID, policy generic.CarryoverPolicy, year int) (generic.CarryoverRecord, error) {
	if err := actor.Require(generic.PermProcessYearEnd); err != nil {
		return generic.CarryoverRecord{}, err
	}
	if err := validatePolicy(policy, year); err != nil {
		return generic.CarryoverRecord{}, err
	}
	return p.processYearEnd(ctx, actor, user, policy, year)
}

func (p *Processor) processYearEnd(ctx context.Context, actor generic.Actor, user generic.UserID, policy generic.CarryoverPolicy, year int) (generic.CarryoverRecord, error) {
	key := generic.AccountKey{UserID: user, LeaveType: policy.LeaveType}

	var rec generic.CarryoverRecord
	err := p.tx.Run(ctx, txn.Op{
		Name:       "carryover.year_end",
		Actor:      actor,
		Locks:      []string{generic.BalanceLockKey(key)},
		MaxRetries: p.cfg.Retries,
	}, func(ctx context.Context, uow *generic.UnitOfWork) error {
		_, err := uow.Store.GetCarryoverRecord(ctx, user, year)
		switch {
		case err == nil:
			return fmt.Errorf("%w: %s %d", generic.ErrCarryoverProcessed, user, year)
		case !generic.IsNotFound(err):
			return err
		}

		acct, err := uow.Store.GetAccount(ctx, key)
		if err != nil {
			return err
		}
		cutoff := policy.YearEnd(year).AddDays(1).Time
		if !acct.CreatedAt.Before(cutoff) {
			return fmt.Errorf("%w: %s opened %s", generic.ErrOpenedAfterYearEnd, key, acct.CreatedAt.Format(generic.DateLayout))
		}
		closing, err := closingBalance(ctx, uow.Store, acct, cutoff)
		if err != nil {
			return err
		}

		split := ComputeHeld(closing, acct.PendingHold, policy)
		suffix := fmt.Sprintf("%s:%s:%d", user, policy.LeaveType, year)

		if closing.IsPositive() {
			if _, err := p.ledger.Post(ctx, uow, generic.PostInput{
				Account:        key,
				Delta:          closing.Neg(),
				Reason:         generic.ReasonExpiry,
				ReferenceID:    suffix,
				IdempotencyKey: "year-end-expiry:" + suffix,
			}); err != nil {
				return err
			}
		}
		if split.CarryoverDays.IsPositive() {
			if _, err := p.ledger.Post(ctx, uow, generic.PostInput{
				Account:        key,
				Delta:          split.CarryoverDays,
				Reason:         generic.ReasonCarryover,
				ReferenceID:    suffix,
				IdempotencyKey: "carryover:" + suffix,
			}); err != nil {
				return err
			}
		}

		after, err := uow.Store.GetAccount(ctx, key)
		if err != nil {
			return err
		}
		rec = generic.CarryoverRecord{
			ID:               uuid.NewString(),
			UserID:           user,
			LeaveType:        policy.LeaveType,
			Year:             year,
			PreviousBalance:  closing,
			CarryoverDays:    split.CarryoverDays,
			ExpiredDays:      split.ExpiredDays,
			EncashmentAmount: split.EncashmentAmount,
			NewBalance:       after.Balance,
			ProcessedAt:      uow.Now,
		}
		if policy.ExpiryMonths > 0 && split.CarryoverDays.IsPositive() {
			at := policy.YearEnd(year).AddMonths(policy.ExpiryMonths).Time
			rec.ExpiresAt = &at
		}
		if err := uow.Store.InsertCarryoverRecord(ctx, rec); err != nil {
			return err
		}

		uow.Audit("carryover_record", rec.ID, "year_end_processed",
			map[string]any{"balance": acct.Balance.Value.String(), "closing": closing.Value.String()},
			map[string]any{
				"balance":    rec.NewBalance.Value.String(),
				"carried":    rec.CarryoverDays.Value.String(),
				"held":       split.HeldDays.Value.String(),
				"expired":    rec.ExpiredDays.Value.String(),
				"encashment": rec.EncashmentAmount.String(),
			})
		r := rec
		uow.Emit(generic.Event{Type: generic.EventCarryoverProcessed, UserID: user, Carryover: &r})
		if rec.EncashmentAmount.IsPositive() {
			uow.Emit(generic.Event{Type: generic.EventEncashmentRecorded, UserID: user, Carryover: &r})
		}
		return nil
	})
	if err != nil {
		return generic.CarryoverRecord{}, err
	}

	p.log.Info("year end processed",
		zap.String("user_id", string(user)),
		zap.String("leave_type", string(policy.LeaveType)),
		zap.Int("year", year),
		zap.String("carried", rec.CarryoverDays.Value.String()),
		zap.String("expired", rec.ExpiredDays.Value.String()))
	return rec, nil
}

// closingBalance sums the entries created before cutoff, bounded by the
// current balance.
func closingBalance(ctx context.Context, s generic.Store, acct generic.Account, cutoff time.Time) (generic.Amount, error) {
	entries, err := s.Entries(ctx, acct.Key)
	if err != nil {
		return generic.Amount{}, err
	}
	sum := acct.Balance.Zero()
	for _, e := range entries {
		if e.CreatedAt.Before(cutoff) {
			sum = sum.Add(e.Delta)
		}
	}
	return sum.Min(acct.Balance), nil
}

// =============================================================================
// BATCH RUNS
// =============================================================================

type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeSkipped   Outcome = "skipped" // already processed or opened after the year end
	OutcomeFailed    Outcome = "failed"
)

// Result is one user's line in a batch report.
type Result struct {
	UserID  generic.UserID
	Outcome Outcome
	Record  generic.CarryoverRecord
	Err     error
}

type Report struct {
	Year      int
	LeaveType generic.LeaveType
	Results   []Result
}

func (r Report) Count(o Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

// BulkProcess runs ProcessYearEnd for every account of the policy's leave
// type. A user's failure lands in its Result; the batch continues. The
// returned error is non-nil only when the batch could not start or ctx
// was cancelled.
func (p *Processor) BulkProcess(ctx context.Context, actor generic.Actor, policy generic.CarryoverPolicy, year int) (Report, error) {
	if err := actor.Require(generic.PermProcessYearEnd); err != nil {
		return Report{}, err
	}
	if err := validatePolicy(policy, year); err != nil {
		return Report{}, err
	}

	accounts, err := p.tx.Store().ListAccounts(ctx, policy.LeaveType)
	if err != nil {
		return Report{}, err
	}
	users := make([]generic.UserID, len(accounts))
	for i, a := range accounts {
		users[i] = a.Key.UserID
	}

	report := Report{Year: year, LeaveType: policy.LeaveType}
	report.Results, err = p.forEach(ctx, users, func(ctx context.Context, user generic.UserID) (generic.CarryoverRecord, error) {
		return p.processYearEnd(ctx, actor, user, policy, year)
	})

	p.log.Info("year end batch finished",
		zap.String("leave_type", string(policy.LeaveType)),
		zap.Int("year", year),
		zap.Int("processed", report.Count(OutcomeProcessed)),
		zap.Int("skipped", report.Count(OutcomeSkipped)),
		zap.Int("failed", report.Count(OutcomeFailed)))
	return report, err
}

// ExpireCarriedOver expires the unused carried days of every record of
// the year whose ExpiresAt is at or before asOf. Each record expires once.
func (p *Processor) ExpireCarriedOver(ctx context.Context, actor generic.Actor, year int, asOf time.Time) (Report, error) {
	if err := actor.Require(generic.PermProcessYearEnd); err != nil {
		return Report{}, err
	}

	records, err := p.tx.Store().ListCarryoverRecords(ctx, year)
	if err != nil {
		return Report{}, err
	}
	due := make(map[generic.UserID]generic.CarryoverRecord)
	var users []generic.UserID
	for _, rec := range records {
		if rec.ExpiredCarryover || rec.ExpiresAt == nil || rec.ExpiresAt.After(asOf) {
			continue
		}
		due[rec.UserID] = rec
		users = append(users, rec.UserID)
	}

	report := Report{Year: year}
	report.Results, err = p.forEach(ctx, users, func(ctx context.Context, user generic.UserID) (generic.CarryoverRecord, error) {
		return p.expireOne(ctx, actor, due[user])
	})
	if n := report.Count(OutcomeProcessed); n > 0 {
		p.log.Info("carried days expired", zap.Int("year", year), zap.Int("records", n))
	}
	return report, err
}

func (p *Processor) expireOne(ctx context.Context, actor generic.Actor, due generic.CarryoverRecord) (generic.CarryoverRecord, error) {
	key := generic.AccountKey{UserID: due.UserID, LeaveType: due.LeaveType}

	var rec generic.CarryoverRecord
	err := p.tx.Run(ctx, txn.Op{
		Name:       "carryover.expire",
		Actor:      actor,
		Locks:      []string{generic.BalanceLockKey(key)},
		MaxRetries: p.cfg.Retries,
	}, func(ctx context.Context, uow *generic.UnitOfWork) error {
		var err error
		rec, err = uow.Store.GetCarryoverRecord(ctx, due.UserID, due.Year)
		if err != nil {
			return err
		}
		if rec.ExpiredCarryover {
			return fmt.Errorf("%w: carried days of %s %d already expired", generic.ErrAlreadyProcessed, rec.UserID, rec.Year)
		}

		unused, err := unusedCarry(ctx, uow.Store, key, rec)
		if err != nil {
			return err
		}
		if unused.IsPositive() {
			if _, err := p.ledger.Post(ctx, uow, generic.PostInput{
				Account:        key,
				Delta:          unused.Neg(),
				Reason:         generic.ReasonExpiry,
				ReferenceID:    rec.ID,
				IdempotencyKey: fmt.Sprintf("carryover-expiry:%s:%s:%d", rec.UserID, rec.LeaveType, rec.Year),
			}); err != nil {
				return err
			}
		}

		rec.ExpiredCarryover = true
		if err := uow.Store.UpdateCarryoverRecord(ctx, rec); err != nil {
			return err
		}
		uow.Audit("carryover_record", rec.ID, "carryover_expired", nil,
			map[string]any{"expired": unused.Value.String()})
		return nil
	})
	return rec, err
}

// unusedCarry is carried days minus deductions since the year-end run,
// bounded by [0, current balance].
func unusedCarry(ctx context.Context, s generic.Store, key generic.AccountKey, rec generic.CarryoverRecord) (generic.Amount, error) {
	entries, err := s.Entries(ctx, key)
	if err != nil {
		return generic.Amount{}, err
	}
	used := rec.CarryoverDays.Zero()
	for _, e := range entries {
		if e.Reason == generic.ReasonDeduction && e.CreatedAt.After(rec.ProcessedAt) {
			used = used.Add(e.Delta.Neg())
		}
	}
	acct, err := s.GetAccount(ctx, key)
	if err != nil {
		return generic.Amount{}, err
	}
	zero := used.Zero()
	return rec.CarryoverDays.Sub(used).Max(zero).Min(acct.Balance.Max(zero)), nil
}

// forEach runs fn per user with bounded concurrency and collects results
// in user order.
func (p *Processor) forEach(ctx context.Context, users []generic.UserID, fn func(context.Context, generic.UserID) (generic.CarryoverRecord, error)) ([]Result, error) {
	var (
		mu      sync.Mutex
		results = make([]Result, 0, len(users))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)

	for _, user := range users {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rec, err := fn(gctx, user)
			res := Result{UserID: user, Record: rec, Outcome: OutcomeProcessed}
			switch {
			case err == nil:
			case errors.Is(err, generic.ErrAlreadyProcessed), errors.Is(err, generic.ErrOpenedAfterYearEnd):
				res.Outcome, res.Err = OutcomeSkipped, err
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				return err
			default:
				res.Outcome, res.Err = OutcomeFailed, err
				p.log.Warn("batch item failed", zap.String("user_id", string(user)), zap.Error(err))
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].UserID < results[j].UserID })
	return results, err
}
