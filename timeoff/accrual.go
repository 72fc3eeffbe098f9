/*
accrual.go - Monthly accrual job

PURPOSE:
  For monthly-frequency policies, posts one accrual entry per employee
  per month: the tenure-adjusted annual entitlement / 12, rounded to
  two decimals. Employees accrue from the first month that starts on or
  after their join date.

IDEMPOTENCY:
  Key accrual:{user}:{type}:{yyyy-mm}. Re-running a month skips
  employees already credited, so a crashed run can simply be repeated.

BATCH SEMANTICS:
  Each employee is its own unit of work under its balance lock. One
  employee's failure is recorded in its ItemResult and the run goes on.

EXAMPLE:
  report, err := accruer.RunMonth(ctx, generic.SystemActor(), "sick",
      2025, time.March, roster)
  // report.Count(timeoff.Posted) == number credited this run
*/
package timeoff

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/txn"
)

type ItemOutcome string

const (
	Posted     ItemOutcome = "posted"
	Skipped    ItemOutcome = "skipped"
	Ineligible ItemOutcome = "ineligible"
	Failed     ItemOutcome = "failed"
)

type ItemResult struct {
	UserID  generic.UserID
	Outcome ItemOutcome
	Amount  generic.Amount
	Err     error
}

type BatchReport struct {
	LeaveType generic.LeaveType
	Month     string
	Results   []ItemResult
}

func (r BatchReport) Count(o ItemOutcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

var twelve = decimal.NewFromInt(12)

type Accruer struct {
	tx          *txn.Manager
	ledger      *generic.Ledger
	policies    *PolicySet
	log         *zap.Logger
	retries     int
	concurrency int
}

func NewAccruer(tx *txn.Manager, ledger *generic.Ledger, policies *PolicySet, logger *zap.Logger, retries, concurrency int) *Accruer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Accruer{
		tx: tx, ledger: ledger, policies: policies,
		log: logger.Named("accrual"), retries: retries, concurrency: concurrency,
	}
}

// MonthlyAmount is one month's accrual for an employee.
func MonthlyAmount(p LeavePolicy, emp Employee, monthStart generic.TimePoint) generic.Amount {
	annual := p.AnnualDaysAt(emp.JoinDate, monthStart)
	return generic.NewAmountFromDecimal(annual.Div(twelve).Round(2), generic.UnitDays)
}

// RunMonth credits every eligible employee for the month.
func (a *Accruer) RunMonth(ctx context.Context, actor generic.Actor, lt generic.LeaveType, year int, month time.Month, roster []Employee) (BatchReport, error) {
	if err := actor.Require(generic.PermAssign); err != nil {
		return BatchReport{}, err
	}
	policy, err := a.policies.Get(lt)
	if err != nil {
		return BatchReport{}, err
	}
	if policy.Frequency != FreqMonthly {
		return BatchReport{}, generic.Invalid("frequency", "policy %s does not accrue monthly", lt)
	}
	if month < time.January || month > time.December {
		return BatchReport{}, generic.Invalid("month", "invalid month %d", month)
	}

	start := generic.StartOfMonth(year, month)
	label := fmt.Sprintf("%04d-%02d", year, month)
	report := BatchReport{LeaveType: lt, Month: label}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for _, emp := range roster {
		g.Go(func() error {
			res := a.accrueOne(gctx, actor, policy, emp, start, label)
			if errors.Is(res.Err, context.Canceled) || errors.Is(res.Err, context.DeadlineExceeded) {
				return res.Err
			}
			mu.Lock()
			report.Results = append(report.Results, res)
			mu.Unlock()
			return nil
		})
	}
	err = g.Wait()
	sort.Slice(report.Results, func(i, j int) bool { return report.Results[i].UserID < report.Results[j].UserID })

	a.log.Info("accrual run finished",
		zap.String("leave_type", string(lt)),
		zap.String("month", label),
		zap.Int("posted", report.Count(Posted)),
		zap.Int("skipped", report.Count(Skipped)),
		zap.Int("failed", report.Count(Failed)))
	return report, err
}

func (a *Accruer) accrueOne(ctx context.Context, actor generic.Actor, policy LeavePolicy, emp Employee, start generic.TimePoint, label string) ItemResult {
	res := ItemResult{UserID: emp.UserID, Outcome: Posted}
	if emp.JoinDate.IsZero() || emp.JoinDate.After(start) {
		res.Outcome = Ineligible
		return res
	}
	res.Amount = MonthlyAmount(policy, emp, start)
	if !res.Amount.IsPositive() {
		res.Outcome = Ineligible
		return res
	}

	key := generic.AccountKey{UserID: emp.UserID, LeaveType: policy.LeaveType}
	err := a.tx.Run(ctx, txn.Op{
		Name:       "timeoff.accrue",
		Actor:      actor,
		Locks:      []string{generic.BalanceLockKey(key)},
		MaxRetries: a.retries,
	}, func(ctx context.Context, uow *generic.UnitOfWork) error {
		if _, err := a.ledger.OpenAccount(ctx, uow, key); err != nil {
			return err
		}
		_, err := a.ledger.Post(ctx, uow, generic.PostInput{
			Account:        key,
			Delta:          res.Amount,
			Reason:         generic.ReasonAccrual,
			ReferenceID:    label,
			IdempotencyKey: fmt.Sprintf("accrual:%s:%s:%s", emp.UserID, policy.LeaveType, label),
		})
		return err
	})
	switch {
	case err == nil:
	case errors.Is(err, generic.ErrAlreadyProcessed):
		res.Outcome = Skipped
	default:
		res.Outcome, res.Err = Failed, err
		if !errors.Is(err, context.Canceled) {
			a.log.Warn("accrual failed", zap.String("user_id", string(emp.UserID)), zap.Error(err))
		}
	}
	return res
}
