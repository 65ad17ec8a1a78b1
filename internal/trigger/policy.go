package trigger

import (
	"time"

	"gratibot/internal/clock"
)

// Policy holds the knobs shared by all users.
type Policy struct {
	// Tolerance is the ± window around the preferred time in which a tick
	// counts as on time. Zero means the tick's minute must match exactly.
	Tolerance time.Duration
	// DigestWeekday is the local weekday the weekly digest goes out on.
	DigestWeekday time.Weekday
}

func DefaultPolicy() Policy {
	return Policy{Tolerance: DefaultTolerance, DigestWeekday: DefaultDigestWeekday}
}

// Daily reports whether the daily prompt is due at now (already in the
// user's location) for a user whose prompt last fired on last.
func (p Policy) Daily(now time.Time, preferred ClockTime, last clock.Date) Decision {
	return p.evaluate(now, preferred, last, nil)
}

// Weekly is Daily restricted to occurrences falling on DigestWeekday.
func (p Policy) Weekly(now time.Time, preferred ClockTime, last clock.Date) Decision {
	wd := p.DigestWeekday
	return p.evaluate(now, preferred, last, func(d clock.Date) bool { return d.Weekday() == wd })
}

// Evaluate dispatches on kind.
func (p Policy) Evaluate(kind Kind, now time.Time, preferred ClockTime, last clock.Date) Decision {
	if kind == KindWeekly {
		return p.Weekly(now, preferred, last)
	}
	return p.Daily(now, preferred, last)
}

// evaluate looks at the occurrences of preferred on the local dates around
// now. An occurrence on the previous or next date can be within tolerance
// when the preferred time sits near midnight; the firing is then recorded
// under that occurrence's own date, so a 00:01 prompt fired at 23:59 is not
// fired again two minutes later.
func (p Policy) evaluate(now time.Time, preferred ClockTime, last clock.Date, accept func(clock.Date) bool) Decision {
	tol := p.Tolerance
	if tol < 0 {
		tol = 0
	}
	loc := now.Location()
	tick := now.Truncate(time.Minute)
	today := clock.DateOf(now)

	var nearest Decision
	nearestDist := time.Duration(-1)
	for _, d := range [3]clock.Date{today.AddDays(-1), today, today.AddDays(1)} {
		target := preferred.On(d, loc)
		dist := tick.Sub(target)
		if dist < 0 {
			dist = -dist
		}
		if nearestDist < 0 || dist < nearestDist {
			nearest = Decision{Period: d, Target: target}
			nearestDist = dist
		}
		if dist > tol {
			continue
		}
		if accept != nil && !accept(d) {
			continue
		}
		// Dates only move forward; an occurrence at or before the last
		// recorded firing is already covered.
		if !d.After(last) {
			continue
		}
		return Decision{Fire: true, Period: d, Target: target}
	}
	return nearest
}
