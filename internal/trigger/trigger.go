// Package trigger decides whether a per-user recurring trigger is due.
//
// Everything here is pure: no I/O, no global clock. The caller passes the
// current instant already converted to the user's location and the last
// date the trigger fired; the package answers with a Decision. Persisting
// the firing is the caller's job.
package trigger

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gratibot/internal/clock"
)

const (
	DefaultTolerance     = 2 * time.Minute
	DefaultDigestWeekday = time.Sunday
)

// Kind names a trigger.
type Kind string

const (
	KindDaily  Kind = "daily"
	KindWeekly Kind = "weekly"
)

// ClockTime is a wall-clock time of day with minute precision.
type ClockTime struct {
	Hour   int
	Minute int
}

// ParseClockTime parses "HH:MM" (24h). Single-digit hours are accepted.
func ParseClockTime(s string) (ClockTime, error) {
	s = strings.TrimSpace(s)
	hh, mm, ok := strings.Cut(s, ":")
	if !ok || len(mm) != 2 || hh == "" || len(hh) > 2 {
		return ClockTime{}, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return ClockTime{}, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return ClockTime{}, fmt.Errorf("invalid minute in %q", s)
	}
	return ClockTime{Hour: h, Minute: m}, nil
}

func (c ClockTime) String() string { return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute) }

// On returns the instant this time of day occurs on date d in loc. For a
// wall time skipped by a DST gap Go normalizes forward, so the occurrence
// still exists once that day.
func (c ClockTime) On(d clock.Date, loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, c.Hour, c.Minute, 0, 0, loc)
}

// ParseWeekday accepts English weekday names ("sunday", "Sun").
func ParseWeekday(s string) (time.Weekday, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if key == name || key == name[:3] {
			return d, nil
		}
	}
	return 0, fmt.Errorf("invalid weekday %q", s)
}

// Decision is the evaluator's answer for one trigger.
type Decision struct {
	Fire bool
	// Period is the local date the firing is recorded under.
	Period clock.Date
	// Target is the scheduled occurrence closest to now.
	Target time.Time
}
