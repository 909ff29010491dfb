package schedule

import (
	"fmt"
	"time"
)

// transitionWindow brackets a naive wall-clock instant so that the zone
// offsets on either side of any single DST transition are observed.
const transitionWindow = 24 * time.Hour

// NextRun returns the first occurrence of spec strictly after ref, in UTC.
//
// Wall-clock components are evaluated in the spec's timezone. Local times
// that occur twice (DST fall-back) resolve to the earlier instant; local
// times skipped by a DST gap are read with the offset in force before the
// gap, so 02:30 inside a 02:00-03:00 gap becomes 03:30.
func NextRun(spec Spec, ref time.Time) (time.Time, error) {
	if err := spec.Validate(); err != nil {
		return time.Time{}, err
	}
	loc, err := spec.Location()
	if err != nil {
		return time.Time{}, err
	}

	local := ref.In(loc)
	p := spec.Params

	var (
		next time.Time
		ok   bool
	)
	switch spec.Cadence {
	case CadenceDaily:
		next, ok = firstAfter(ref, 3, func(step int) time.Time {
			return wallClock(local.Year(), local.Month(), local.Day()+step, p.TimeOfDay, loc)
		})
	case CadenceWeekly:
		delta := (int(p.DayOfWeek) - int(local.Weekday()) + 7) % 7
		next, ok = firstAfter(ref, 3, func(step int) time.Time {
			return wallClock(local.Year(), local.Month(), local.Day()+delta+7*step, p.TimeOfDay, loc)
		})
	case CadenceMonthly:
		next, ok = firstAfter(ref, 3, func(step int) time.Time {
			first := time.Date(local.Year(), local.Month()+time.Month(step), 1, 0, 0, 0, 0, time.UTC)
			day := min(p.DayOfMonth, daysIn(first.Year(), first.Month()))
			return wallClock(first.Year(), first.Month(), day, p.TimeOfDay, loc)
		})
	case CadenceQuarterly:
		quarterStart := time.Month((int(local.Month())-1)/3*3 + 1)
		next, ok = firstAfter(ref, 3, func(step int) time.Time {
			return wallClock(local.Year(), quarterStart+time.Month(3*step), 1, p.TimeOfDay, loc)
		})
	case CadenceCustom:
		next, ok, err = nextCustom(spec, local)
		if err != nil {
			return time.Time{}, err
		}
	}

	if !ok || !next.After(ref) {
		return time.Time{}, fmt.Errorf("%w: %s after %s", ErrNoOccurrence, spec, ref.UTC().Format(time.RFC3339))
	}
	return next.UTC(), nil
}

func nextCustom(spec Spec, local time.Time) (time.Time, bool, error) {
	sched, err := spec.customSchedule()
	if err != nil {
		return time.Time{}, false, err
	}
	next := sched.Next(local)
	return next, !next.IsZero(), nil
}

// firstAfter returns the first generated candidate strictly after ref.
func firstAfter(ref time.Time, limit int, candidate func(step int) time.Time) (time.Time, bool) {
	for step := range limit {
		if c := candidate(step); c.After(ref) {
			return c, true
		}
	}
	return time.Time{}, false
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// wallClock resolves a local date and time of day in loc to an instant.
// Out-of-range day and month values are normalized the same way time.Date does.
func wallClock(year int, month time.Month, day int, tod TimeOfDay, loc *time.Location) time.Time {
	naive := time.Date(year, month, day, tod.Hour, tod.Minute, 0, 0, time.UTC)
	if loc == time.UTC {
		return naive
	}

	_, offBefore := naive.Add(-transitionWindow).In(loc).Zone()
	_, offAfter := naive.Add(transitionWindow).In(loc).Zone()

	var resolved time.Time
	for _, off := range []int{offBefore, offAfter} {
		c := naive.Add(-time.Duration(off) * time.Second)
		if !sameWallClock(c.In(loc), naive) {
			continue
		}
		if resolved.IsZero() || c.Before(resolved) {
			resolved = c
		}
	}
	if resolved.IsZero() {
		// Skipped by a forward transition.
		resolved = naive.Add(-time.Duration(offBefore) * time.Second)
	}
	return resolved.In(loc)
}

func sameWallClock(t, naive time.Time) bool {
	return t.Year() == naive.Year() && t.Month() == naive.Month() && t.Day() == naive.Day() &&
		t.Hour() == naive.Hour() && t.Minute() == naive.Minute()
}
