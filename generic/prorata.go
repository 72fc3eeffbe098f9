/*
prorata.go - Pro-rata entitlement calculation

PURPOSE:
  Computes how many days of an annual entitlement an employee has
  earned for the period containing asOf, given their join date. Pure and
  deterministic: no store, no clock.

METHODS:
  daily:   annual × elapsed_days / days_in_period
           elapsed_days counts [max(period_start, join) .. asOf], inclusive
  monthly: annual × complete_months_elapsed / 12
           months counted from max(period_start, join)
  annual:  full entitlement if join <= period_start, else 0

  Results are rounded half-up to 2 decimals and capped to [0, annual].
  A join date after asOf yields 0.

EXAMPLE:
  // Joined July 2nd, 20 days/year, evaluated on Dec 31st
  days, _ := generic.Entitlement(
      generic.NewTimePoint(2025, time.July, 2),
      generic.NewTimePoint(2025, time.December, 31),
      decimal.NewFromInt(20), generic.ProrateDaily)
  // days = 10.03
*/
package generic

import (
	"github.com/shopspring/decimal"
)

type ProrateMethod string

const (
	ProrateDaily   ProrateMethod = "daily"
	ProrateMonthly ProrateMethod = "monthly"
	ProrateAnnual  ProrateMethod = "annual"
)

func (m ProrateMethod) Valid() bool {
	return m == ProrateDaily || m == ProrateMonthly || m == ProrateAnnual
}

var twelve = decimal.NewFromInt(12)

// Entitlement computes the entitlement for the calendar year containing asOf.
func Entitlement(joinDate, asOf TimePoint, annualDays decimal.Decimal, method ProrateMethod) (decimal.Decimal, error) {
	if asOf.IsZero() {
		return decimal.Zero, Invalid("as_of", "date is required")
	}
	period := Period{Start: StartOfYear(asOf.Year()), End: EndOfYear(asOf.Year())}
	return EntitlementInPeriod(joinDate, asOf, annualDays, method, period)
}

// EntitlementInPeriod computes the entitlement within an explicit period.
func EntitlementInPeriod(joinDate, asOf TimePoint, annualDays decimal.Decimal, method ProrateMethod, period Period) (decimal.Decimal, error) {
	switch {
	case joinDate.IsZero():
		return decimal.Zero, Invalid("join_date", "date is required")
	case asOf.IsZero():
		return decimal.Zero, Invalid("as_of", "date is required")
	case !period.Valid():
		return decimal.Zero, Invalid("period", "invalid period %s", period)
	case !period.Contains(asOf):
		return decimal.Zero, Invalid("as_of", "%s is outside period %s", asOf, period)
	case annualDays.IsNegative():
		return decimal.Zero, Invalid("annual_days", "must not be negative")
	case !method.Valid():
		return decimal.Zero, Invalid("method", "unknown prorate method %q", method)
	}

	if joinDate.After(asOf) {
		return decimal.Zero, nil
	}

	from := period.Start
	if joinDate.After(from) {
		from = joinDate
	}

	var days decimal.Decimal
	switch method {
	case ProrateDaily:
		elapsed := decimal.NewFromInt(int64(DaysBetween(from, asOf) + 1))
		days = annualDays.Mul(elapsed).Div(decimal.NewFromInt(int64(period.Length())))
	case ProrateMonthly:
		months := decimal.NewFromInt(int64(completeMonths(from, asOf)))
		days = annualDays.Mul(months).Div(twelve)
	case ProrateAnnual:
		if joinDate.BeforeOrEqual(period.Start) {
			days = annualDays
		}
	}

	days = days.Round(2)
	if days.IsNegative() {
		return decimal.Zero, nil
	}
	if days.GreaterThan(annualDays) {
		return annualDays, nil
	}
	return days, nil
}

// completeMonths counts whole months in [from, to], capped at 12.
func completeMonths(from, to TimePoint) int {
	n := 0
	for n < 12 && from.AddMonths(n+1).AddDays(-1).BeforeOrEqual(to) {
		n++
	}
	return n
}
