// Package timeoff holds the leave-specific layer on top of the engine:
// leave types and policies, working-day counting, policy assignment,
// monthly accrual and manual adjustments.
package timeoff

import (
	"github.com/warp/leave-engine/generic"
)

// =============================================================================
// LEAVE TYPES
// =============================================================================

const (
	LeaveAnnual          generic.LeaveType = "annual"
	LeaveSick            generic.LeaveType = "sick"
	LeavePersonal        generic.LeaveType = "personal"
	LeaveParental        generic.LeaveType = "parental"
	LeaveFloatingHoliday generic.LeaveType = "floating_holiday"
	LeaveBereavement     generic.LeaveType = "bereavement"
	LeaveUnpaid          generic.LeaveType = "unpaid"
)

// =============================================================================
// WORKING DAYS
// =============================================================================

// Calendar reports non-working days besides weekends.
type Calendar interface {
	IsHoliday(day generic.TimePoint) bool
}

// StaticCalendar is a fixed holiday list keyed by "2006-01-02".
type StaticCalendar map[string]string

func NewStaticCalendar(holidays map[generic.TimePoint]string) StaticCalendar {
	c := make(StaticCalendar, len(holidays))
	for day, name := range holidays {
		c[day.String()] = name
	}
	return c
}

func (c StaticCalendar) IsHoliday(day generic.TimePoint) bool {
	_, ok := c[day.String()]
	return ok
}

// Workdays lists the working days in [start, end].
func Workdays(start, end generic.TimePoint, cal Calendar) []generic.TimePoint {
	var days []generic.TimePoint
	for d := start; d.BeforeOrEqual(end); d = d.AddDays(1) {
		if d.IsWeekend() || (cal != nil && cal.IsHoliday(d)) {
			continue
		}
		days = append(days, d)
	}
	return days
}

// CountDays returns the day_count of a request spanning [start, end].
// A half day is only possible on a single-day request.
func CountDays(start, end generic.TimePoint, cal Calendar, halfDay bool) (generic.Amount, error) {
	switch {
	case start.IsZero() || end.IsZero():
		return generic.Amount{}, generic.Invalid("dates", "start and end are required")
	case end.Before(start):
		return generic.Amount{}, generic.Invalid("end_date", "%s is before start %s", end, start)
	case halfDay && !start.Equal(end):
		return generic.Amount{}, generic.Invalid("half_day", "only a single-day request can be a half day")
	}

	n := len(Workdays(start, end, cal))
	if n == 0 {
		return generic.Amount{}, generic.Invalid("dates", "%s..%s contains no working day", start, end)
	}
	if halfDay {
		return generic.Days(0.5), nil
	}
	return generic.NewAmountFromInt(n, generic.UnitDays), nil
}
