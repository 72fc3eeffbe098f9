/*
policies.go - Leave policies

PURPOSE:
  A LeavePolicy says how much of one leave type an employee is entitled
  to, how it is granted and what happens to it at year end.

FREQUENCIES:
  upfront: the pro-rated entitlement is granted on assignment
  monthly: nothing on assignment; the accrual job posts annual/12 on the
           first of every month after the join date
  none:    no entitlement tracking; requests still need a balance,
           which adjustments provide (e.g. unpaid leave)

TENURE TIERS:
  Entitlement can grow with years of service. The highest tier whose
  AfterYears is reached applies; with no tiers AnnualDays applies.

    Tiers: {0: 15}, {3: 20}, {5: 25}
    hired 2020-06-01, on 2025-01-01 → 4 full years → 20 days

EXAMPLE:
  set := timeoff.NewPolicySet(
      timeoff.StandardAnnualPolicy(20, 5),
      timeoff.SickLeavePolicy(10),
  )
  p, err := set.Get("annual")

SEE ALSO:
  - assignment.go: grants on assignment
  - accrual.go: monthly accrual job
  - factory/policy.go: YAML policy document
*/
package timeoff

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/warp/leave-engine/generic"
)

type Frequency string

const (
	FreqUpfront Frequency = "upfront"
	FreqMonthly Frequency = "monthly"
	FreqNone    Frequency = "none"
)

type TenureTier struct {
	AfterYears int
	AnnualDays decimal.Decimal
}

type LeavePolicy struct {
	LeaveType  generic.LeaveType
	Name       string
	AnnualDays decimal.Decimal
	Frequency  Frequency
	Prorate    generic.ProrateMethod
	Period     generic.PeriodConfig
	Tiers      []TenureTier
	Carryover  generic.CarryoverPolicy
}

func (p LeavePolicy) Validate() error {
	if p.LeaveType == "" {
		return generic.Invalid("leave_type", "is required")
	}
	if p.AnnualDays.IsNegative() {
		return generic.Invalid("annual_days", "must not be negative")
	}
	switch p.Frequency {
	case FreqUpfront, FreqMonthly, FreqNone:
	default:
		return generic.Invalid("frequency", "unknown frequency %q", p.Frequency)
	}
	if p.Frequency != FreqNone && !p.Prorate.Valid() {
		return generic.Invalid("prorate", "unknown method %q", p.Prorate)
	}
	for i, t := range p.Tiers {
		if t.AfterYears < 0 || t.AnnualDays.IsNegative() {
			return generic.Invalid(fmt.Sprintf("tiers[%d]", i), "years and days must not be negative")
		}
	}
	if p.Carryover.LeaveType != "" && p.Carryover.LeaveType != p.LeaveType {
		return generic.Invalid("carryover.leave_type", "%s does not match policy %s", p.Carryover.LeaveType, p.LeaveType)
	}
	if p.Carryover.MaxCarryoverDays.IsNegative() {
		return generic.Invalid("carryover.max_carryover_days", "must not be negative")
	}
	return nil
}

// AnnualDaysAt returns the annual entitlement for an employee hired on
// hire, evaluated on asOf.
func (p LeavePolicy) AnnualDaysAt(hire, asOf generic.TimePoint) decimal.Decimal {
	if len(p.Tiers) == 0 {
		return p.AnnualDays
	}
	years := asOf.Year() - hire.Year()
	if asOf.Month() < hire.Month() || (asOf.Month() == hire.Month() && asOf.Day() < hire.Day()) {
		years--
	}

	days := p.AnnualDays
	tiers := append([]TenureTier(nil), p.Tiers...)
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].AfterYears < tiers[j].AfterYears })
	for _, t := range tiers {
		if years >= t.AfterYears {
			days = t.AnnualDays
		}
	}
	return days
}

// CarryoverPolicy returns the year-end rules bound to this leave type.
func (p LeavePolicy) CarryoverPolicy() generic.CarryoverPolicy {
	c := p.Carryover
	c.LeaveType = p.LeaveType
	return c
}

// =============================================================================
// COMMON POLICIES
// =============================================================================

// StandardAnnualPolicy grants annualDays upfront, daily pro-rated, and
// carries up to maxCarryover days into the next year.
func StandardAnnualPolicy(annualDays, maxCarryover float64) LeavePolicy {
	return LeavePolicy{
		LeaveType:  LeaveAnnual,
		Name:       "Annual Leave",
		AnnualDays: decimal.NewFromFloat(annualDays),
		Frequency:  FreqUpfront,
		Prorate:    generic.ProrateDaily,
		Carryover: generic.CarryoverPolicy{
			MaxCarryoverDays: decimal.NewFromFloat(maxCarryover),
		},
	}
}

// SickLeavePolicy accrues monthly and never carries over.
func SickLeavePolicy(annualDays float64) LeavePolicy {
	return LeavePolicy{
		LeaveType:  LeaveSick,
		Name:       "Sick Leave",
		AnnualDays: decimal.NewFromFloat(annualDays),
		Frequency:  FreqMonthly,
		Prorate:    generic.ProrateMonthly,
	}
}

// UseItOrLoseItPolicy grants upfront with no carryover.
func UseItOrLoseItPolicy(lt generic.LeaveType, annualDays float64) LeavePolicy {
	return LeavePolicy{
		LeaveType:  lt,
		Name:       "Use It or Lose It",
		AnnualDays: decimal.NewFromFloat(annualDays),
		Frequency:  FreqUpfront,
		Prorate:    generic.ProrateAnnual,
	}
}

// =============================================================================
// POLICY SET
// =============================================================================

type PolicySet struct {
	policies map[generic.LeaveType]LeavePolicy
}

func NewPolicySet(policies ...LeavePolicy) *PolicySet {
	s := &PolicySet{policies: make(map[generic.LeaveType]LeavePolicy, len(policies))}
	for _, p := range policies {
		s.policies[p.LeaveType] = p
	}
	return s
}

// Add validates and stores a policy, replacing any for the same type.
func (s *PolicySet) Add(p LeavePolicy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.policies[p.LeaveType] = p
	return nil
}

func (s *PolicySet) Get(lt generic.LeaveType) (LeavePolicy, error) {
	p, ok := s.policies[lt]
	if !ok {
		return LeavePolicy{}, generic.Invalid("leave_type", "no policy for %q", lt)
	}
	return p, nil
}

// All returns the policies ordered by leave type.
func (s *PolicySet) All() []LeavePolicy {
	out := make([]LeavePolicy, 0, len(s.policies))
	for _, p := range s.policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LeaveType < out[j].LeaveType })
	return out
}
