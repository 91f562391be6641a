// Package billing implements C2, the billing window calculator (spec
// §4.2): a pure, total, deterministic function from (userCreatedAt, now)
// to {start, end, periodKey}, all arithmetic in UTC.
package billing

import (
	"time"
)

// Window is the derived billing period for an owner at a point in time
// (spec §3 BillingWindow).
type Window struct {
	Start     time.Time
	End       time.Time
	PeriodKey string // UTC YYYYMMDD of Start
}

// Calculate derives the billing window containing now for an owner whose
// account was created at userCreatedAt (spec §4.2).
//
// Let d = day-of-month(userCreatedAt) in UTC. Find the candidate start S in
// the current month at day d, clamped to the last day of the month if the
// month has fewer than d days. If S > now, roll back one month and re-clamp.
// End = S + 1 month, clamped the same way.
func Calculate(userCreatedAt, now time.Time) Window {
	userCreatedAt = userCreatedAt.UTC()
	now = now.UTC()
	day := userCreatedAt.Day()

	start := clampedDate(now.Year(), int(now.Month()), day)
	if start.After(now) {
		prevYear, prevMonth := now.Year(), int(now.Month())-1
		if prevMonth == 0 {
			prevMonth = 12
			prevYear--
		}
		start = clampedDate(prevYear, prevMonth, day)
	}

	nextYear, nextMonth := start.Year(), int(start.Month())+1
	if nextMonth == 13 {
		nextMonth = 1
		nextYear++
	}
	end := clampedDate(nextYear, nextMonth, day)

	return Window{
		Start:     start,
		End:       end,
		PeriodKey: start.Format("20060102"),
	}
}

// clampedDate returns UTC midnight on (year, month, day), clamping day to
// the last day of the month when the month is shorter.
func clampedDate(year, month, day int) time.Time {
	lastDay := daysInMonth(year, month)
	if day > lastDay {
		day = lastDay
	}
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
}

func daysInMonth(year, month int) int {
	// Day 0 of the following month is the last day of this one.
	firstOfNext := time.Date(year, time.Month(month)+1, 1, 0, 0, 0, 0, time.UTC)
	return firstOfNext.AddDate(0, 0, -1).Day()
}
