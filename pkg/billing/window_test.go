package billing

import (
	"testing"
	"time"
)

func date(y, m, d int) time.Time {
	return time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
}

func TestCalculate_MidMonthAnchor(t *testing.T) {
	created := date(2025, 3, 15)
	now := date(2026, 7, 20)
	w := Calculate(created, now)

	if !w.Start.Equal(date(2026, 7, 15)) {
		t.Errorf("Start = %v, want 2026-07-15", w.Start)
	}
	if !w.End.Equal(date(2026, 8, 15)) {
		t.Errorf("End = %v, want 2026-08-15", w.End)
	}
	if w.PeriodKey != "20260715" {
		t.Errorf("PeriodKey = %q, want 20260715", w.PeriodKey)
	}
}

func TestCalculate_RollsBackWhenCandidateInFuture(t *testing.T) {
	created := date(2025, 3, 15)
	now := date(2026, 7, 10) // before the 15th this month
	w := Calculate(created, now)

	if !w.Start.Equal(date(2026, 6, 15)) {
		t.Errorf("Start = %v, want 2026-06-15", w.Start)
	}
	if !w.End.Equal(date(2026, 7, 15)) {
		t.Errorf("End = %v, want 2026-07-15", w.End)
	}
}

func TestCalculate_EndOfMonthClamping(t *testing.T) {
	created := date(2025, 1, 31)
	now := date(2026, 2, 20) // February has 28 days
	w := Calculate(created, now)

	// The Feb candidate (clamped to 2026-02-28) is after now, so the window
	// rolls back to start on Jan 31 and ends on the clamped Feb 28.
	if !w.Start.Equal(date(2026, 1, 31)) {
		t.Errorf("Start = %v, want 2026-01-31 (rolled back)", w.Start)
	}
	if !w.End.Equal(date(2026, 2, 28)) {
		t.Errorf("End = %v, want 2026-02-28 (clamped)", w.End)
	}
}

func TestCalculate_LeapYearClamping(t *testing.T) {
	created := date(2023, 1, 31)
	now := date(2024, 2, 20) // 2024 is a leap year: Feb has 29 days
	w := Calculate(created, now)

	if !w.Start.Equal(date(2024, 1, 31)) {
		t.Errorf("Start = %v, want 2024-01-31 (rolled back)", w.Start)
	}
	if !w.End.Equal(date(2024, 2, 29)) {
		t.Errorf("End = %v, want 2024-02-29 (leap clamp)", w.End)
	}
}

func TestCalculate_StartOnExactBoundary(t *testing.T) {
	created := date(2025, 1, 1)
	now := date(2026, 7, 1)
	w := Calculate(created, now)

	if !w.Start.Equal(now) {
		t.Errorf("Start = %v, want exactly now %v", w.Start, now)
	}
}

// Q1: for all (C, now) with C <= now, start <= now < end, and end-start
// covers exactly one calendar month anchored at day-of-month(C).
func TestCalculate_Q1_Invariant(t *testing.T) {
	anchors := []time.Time{
		date(2020, 1, 31), date(2021, 2, 28), date(2022, 6, 15),
		date(2023, 12, 1), date(2024, 2, 29), date(2019, 5, 30),
	}
	var probes []time.Time
	for y := 2024; y <= 2026; y++ {
		for m := 1; m <= 12; m++ {
			probes = append(probes, time.Date(y, time.Month(m), 10, 3, 0, 0, 0, time.UTC))
			probes = append(probes, time.Date(y, time.Month(m), 28, 23, 59, 0, 0, time.UTC))
		}
	}

	for _, created := range anchors {
		for _, now := range probes {
			if now.Before(created) {
				continue
			}
			w := Calculate(created, now)
			if w.Start.After(now) {
				t.Fatalf("created=%v now=%v: Start %v is after now", created, now, w.Start)
			}
			if !w.End.After(now) {
				t.Fatalf("created=%v now=%v: End %v does not come strictly after now", created, now, w.End)
			}
			gotMonths := monthsBetween(w.Start, w.End)
			if gotMonths != 1 {
				t.Fatalf("created=%v now=%v: window spans %d months, want 1", created, now, gotMonths)
			}
		}
	}
}

func monthsBetween(start, end time.Time) int {
	return (end.Year()-start.Year())*12 + int(end.Month()) - int(start.Month())
}
