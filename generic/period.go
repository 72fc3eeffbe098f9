package generic

import "time"

// =============================================================================
// PERIOD - Entitlement boundary
// =============================================================================

// Period defines the time boundary an entitlement is computed for.
//
// Examples:
//   - Calendar year 2025: Jan 1 - Dec 31
//   - Fiscal year 2025: Apr 1 - Mar 31
type Period struct {
	Start TimePoint
	End   TimePoint
}

// Contains returns true if the time point is within the period [Start, End]
func (p Period) Contains(t TimePoint) bool {
	return t.AfterOrEqual(p.Start) && t.BeforeOrEqual(p.End)
}

// Length returns the number of days in the period, both ends inclusive.
func (p Period) Length() int {
	return DaysBetween(p.Start, p.End) + 1
}

func (p Period) Valid() bool {
	return !p.Start.IsZero() && !p.End.IsZero() && p.Start.BeforeOrEqual(p.End)
}

func (p Period) String() string {
	return "[" + p.Start.String() + ", " + p.End.String() + "]"
}

type PeriodType string

const (
	PeriodCalendarYear PeriodType = "calendar_year" // Jan 1 - Dec 31
	PeriodFiscalYear   PeriodType = "fiscal_year"   // Custom start (e.g., Apr 1)
)

// PeriodConfig defines how to find the period a date falls into.
type PeriodConfig struct {
	Type PeriodType

	// For fiscal year: which month starts the fiscal year (1-12)
	FiscalYearStartMonth time.Month
}

// PeriodFor returns the period that contains the given date
func (pc PeriodConfig) PeriodFor(date TimePoint) Period {
	if pc.Type == PeriodFiscalYear && pc.FiscalYearStartMonth > time.January {
		start := NewTimePoint(date.Year(), pc.FiscalYearStartMonth, 1)
		if date.Before(start) {
			start = NewTimePoint(date.Year()-1, pc.FiscalYearStartMonth, 1)
		}
		return Period{Start: start, End: start.AddYears(1).AddDays(-1)}
	}
	return Period{Start: StartOfYear(date.Year()), End: EndOfYear(date.Year())}
}
