/*
assignment.go - Policy assignment and entitlement grants

PURPOSE:
  Assigning a leave policy to an employee opens their BalanceAccount
  for the leave type and, for upfront policies, posts a grant of the
  pro-rated entitlement for the period containing asOf.

IDEMPOTENCY:
  The grant's idempotency key is grant:{user}:{type}:{period_start}.
  Assigning twice in one period returns the first grant with
  Replayed=true and posts nothing.

PRORATION:
  The grant covers [max(join, period_start) .. period_end] using the
  policy's prorate method, so a July hire on a 20-day daily policy
  receives ~10 days.

SEE ALSO:
  - generic/prorata.go: entitlement arithmetic
  - accrual.go: monthly policies
*/
package timeoff

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/txn"
)

// Employee is one roster line.
type Employee struct {
	UserID   generic.UserID
	JoinDate generic.TimePoint
}

// Grant is the outcome of an assignment.
type Grant struct {
	Account  generic.AccountKey
	Period   generic.Period
	Days     generic.Amount
	Entry    *generic.LedgerEntry // nil when nothing was posted
	Replayed bool
}

type Assigner struct {
	tx       *txn.Manager
	ledger   *generic.Ledger
	policies *PolicySet
	log      *zap.Logger
	retries  int
}

func NewAssigner(tx *txn.Manager, ledger *generic.Ledger, policies *PolicySet, logger *zap.Logger, retries int) *Assigner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assigner{tx: tx, ledger: ledger, policies: policies, log: logger.Named("assign"), retries: retries}
}

// Assign opens the employee's account for lt and grants the entitlement.
func (a *Assigner) Assign(ctx context.Context, actor generic.Actor, emp Employee, lt generic.LeaveType, asOf generic.TimePoint) (Grant, error) {
	if err := actor.Require(generic.PermAssign); err != nil {
		return Grant{}, err
	}
	if emp.UserID == "" {
		return Grant{}, generic.Invalid("user_id", "is required")
	}
	policy, err := a.policies.Get(lt)
	if err != nil {
		return Grant{}, err
	}

	key := generic.AccountKey{UserID: emp.UserID, LeaveType: lt}
	period := policy.Period.PeriodFor(asOf)
	grant := Grant{Account: key, Period: period, Days: generic.NewAmountFromInt(0, generic.UnitDays)}

	if policy.Frequency == FreqUpfront {
		annual := policy.AnnualDaysAt(emp.JoinDate, asOf)
		days, err := generic.EntitlementInPeriod(emp.JoinDate, period.End, annual, policy.Prorate, period)
		if err != nil {
			return Grant{}, err
		}
		grant.Days = generic.NewAmountFromDecimal(days, generic.UnitDays)
	}

	err = a.tx.Run(ctx, txn.Op{
		Name:       "timeoff.assign",
		Actor:      actor,
		Locks:      []string{generic.BalanceLockKey(key)},
		MaxRetries: a.retries,
	}, func(ctx context.Context, uow *generic.UnitOfWork) error {
		grant.Entry, grant.Replayed = nil, false
		if _, err := a.ledger.OpenAccount(ctx, uow, key); err != nil {
			return err
		}
		if !grant.Days.IsPositive() {
			return nil
		}

		entry, err := a.ledger.Post(ctx, uow, generic.PostInput{
			Account:        key,
			Delta:          grant.Days,
			Reason:         generic.ReasonGrant,
			ReferenceID:    string(lt),
			IdempotencyKey: fmt.Sprintf("grant:%s:%s:%s", emp.UserID, lt, period.Start),
		})
		switch {
		case errors.Is(err, generic.ErrDuplicateIdempotencyKey):
			grant.Replayed = true
			grant.Days = entry.Delta
		case err != nil:
			return err
		}
		grant.Entry = &entry
		return nil
	})
	if err != nil {
		return Grant{}, err
	}

	if !grant.Replayed {
		a.log.Info("policy assigned",
			zap.String("user_id", string(emp.UserID)),
			zap.String("leave_type", string(lt)),
			zap.String("granted", grant.Days.Value.String()),
			zap.String("period", period.String()))
	}
	return grant, nil
}
