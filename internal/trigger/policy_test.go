package trigger

import (
	"testing"
	"time"

	"gratibot/internal/clock"
)

func mustLoc(t *testing.T, tz string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(tz)
	if err != nil {
		t.Fatalf("load tz: %v", err)
	}
	return loc
}

func mustClock(t *testing.T, s string) ClockTime {
	t.Helper()
	c, err := ParseClockTime(s)
	if err != nil {
		t.Fatalf("ParseClockTime(%q): %v", s, err)
	}
	return c
}

func TestDailyToleranceBoundaries(t *testing.T) {
	t.Parallel()
	loc := mustLoc(t, "America/New_York")
	p := DefaultPolicy()
	pref := mustClock(t, "20:00")

	tests := []struct {
		local string
		want  bool
	}{
		{"19:57", false},
		{"19:58", true},
		{"20:00", true},
		{"20:02", true},
		{"20:03", false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.local, func(t *testing.T) {
			t.Parallel()
			c := mustClock(t, tt.local)
			now := time.Date(2026, 7, 14, c.Hour, c.Minute, 30, 0, loc)
			got := p.Daily(now, pref, clock.Date{})
			if got.Fire != tt.want {
				t.Fatalf("Daily at %s = %v, want %v", tt.local, got.Fire, tt.want)
			}
			if got.Fire && got.Period.String() != "2026-07-14" {
				t.Fatalf("period = %s", got.Period)
			}
		})
	}
}

// simulate runs minute ticks over [from, to) and returns the instants that
// fired, feeding each firing back as the last date like the dispatcher does.
func simulate(p Policy, kind Kind, from, to time.Time, loc *time.Location, pref ClockTime, last clock.Date) []time.Time {
	var fired []time.Time
	for now := from; now.Before(to); now = now.Add(time.Minute) {
		d := p.Evaluate(kind, now.In(loc), pref, last)
		if d.Fire {
			fired = append(fired, now.In(loc))
			last = d.Period
		}
	}
	return fired
}

func TestDailyFiresOncePerDay(t *testing.T) {
	t.Parallel()
	loc := mustLoc(t, "Europe/Berlin")
	from := time.Date(2026, 4, 20, 0, 0, 0, 0, loc)
	fired := simulate(DefaultPolicy(), KindDaily, from, from.Add(24*time.Hour), loc, mustClock(t, "20:00"), clock.Date{})
	if len(fired) != 1 {
		t.Fatalf("fired %d times, want 1: %v", len(fired), fired)
	}
	if got := fired[0].Format("15:04"); got != "19:58" {
		t.Fatalf("fired at %s, want first tick of the window", got)
	}
}

func TestDailyAlreadyFiredToday(t *testing.T) {
	t.Parallel()
	loc := mustLoc(t, "Asia/Tokyo")
	now := time.Date(2026, 1, 5, 9, 0, 0, 0, loc)
	today := clock.DateOf(now)
	p := DefaultPolicy()
	if p.Daily(now, mustClock(t, "09:00"), today).Fire {
		t.Fatal("must not fire twice on the same local date")
	}
	if p.Daily(now, mustClock(t, "09:00"), today.AddDays(1)).Fire {
		t.Fatal("must not fire for a date before the last recorded one")
	}
	if !p.Daily(now, mustClock(t, "09:00"), today.AddDays(-1)).Fire {
		t.Fatal("expected fire when last date is yesterday")
	}
}

func TestDailyAcrossDSTTransitions(t *testing.T) {
	t.Parallel()
	loc := mustLoc(t, "America/New_York")
	tests := []struct {
		name string
		day  time.Time
		pref string
	}{
		{name: "spring forward preferred in gap", day: time.Date(2026, 3, 8, 0, 0, 0, 0, loc), pref: "02:30"},
		{name: "spring forward evening", day: time.Date(2026, 3, 8, 0, 0, 0, 0, loc), pref: "20:00"},
		{name: "fall back preferred repeated", day: time.Date(2026, 11, 1, 0, 0, 0, 0, loc), pref: "01:30"},
		{name: "fall back evening", day: time.Date(2026, 11, 1, 0, 0, 0, 0, loc), pref: "20:00"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			next := time.Date(tt.day.Year(), tt.day.Month(), tt.day.Day()+1, 0, 0, 0, 0, loc)
			fired := simulate(DefaultPolicy(), KindDaily, tt.day, next, loc, mustClock(t, tt.pref), clock.Date{})
			if len(fired) != 1 {
				t.Fatalf("fired %d times on a %v day, want 1: %v", len(fired), next.Sub(tt.day), fired)
			}
		})
	}
}

func TestDailyNearMidnight(t *testing.T) {
	t.Parallel()
	loc := mustLoc(t, "UTC")
	p := DefaultPolicy()

	// 00:01 is due from 23:59 the evening before and belongs to the next date.
	d := p.Daily(time.Date(2026, 5, 9, 23, 59, 0, 0, loc), mustClock(t, "00:01"), clock.Date{})
	if !d.Fire || d.Period.String() != "2026-05-10" {
		t.Fatalf("got %+v, want fire for 2026-05-10", d)
	}
	if p.Daily(time.Date(2026, 5, 10, 0, 2, 0, 0, loc), mustClock(t, "00:01"), d.Period).Fire {
		t.Fatal("must not fire again after midnight")
	}

	// 23:59 is still due at 00:01 and belongs to the previous date.
	d = p.Daily(time.Date(2026, 5, 10, 0, 1, 0, 0, loc), mustClock(t, "23:59"), clock.Date{})
	if !d.Fire || d.Period.String() != "2026-05-09" {
		t.Fatalf("got %+v, want fire for 2026-05-09", d)
	}

	// Ticks from 00:10 on the 9th to 00:10 on the 12th see the occurrences
	// of the 10th, 11th and 12th, each fired at 23:59 the day before.
	from := time.Date(2026, 5, 9, 0, 10, 0, 0, loc)
	fired := simulate(p, KindDaily, from, from.Add(72*time.Hour), loc, mustClock(t, "00:01"), clock.Date{})
	if len(fired) != 3 {
		t.Fatalf("fired %d times over three days, want 3: %v", len(fired), fired)
	}
}

func TestWeeklyOnlyOnDigestWeekday(t *testing.T) {
	t.Parallel()
	loc := mustLoc(t, "Australia/Sydney")
	p := Policy{Tolerance: 2 * time.Minute, DigestWeekday: time.Sunday}
	pref := mustClock(t, "09:00")

	// 2026-10-18 is a Sunday.
	from := time.Date(2026, 10, 12, 0, 0, 0, 0, loc)
	fired := simulate(p, KindWeekly, from, from.AddDate(0, 0, 14), loc, pref, clock.Date{})
	if len(fired) != 2 {
		t.Fatalf("fired %d times over two weeks, want 2: %v", len(fired), fired)
	}
	for _, f := range fired {
		if f.Weekday() != time.Sunday {
			t.Fatalf("weekly fired on %v", f.Weekday())
		}
	}

	monday := time.Date(2026, 10, 19, 9, 0, 0, 0, loc)
	if p.Weekly(monday, pref, clock.Date{}).Fire {
		t.Fatal("weekly must not fire on Monday")
	}
}

func TestParseClockTime(t *testing.T) {
	t.Parallel()
	for _, ok := range []string{"00:00", "9:05", "23:59"} {
		if _, err := ParseClockTime(ok); err != nil {
			t.Fatalf("ParseClockTime(%q): %v", ok, err)
		}
	}
	for _, bad := range []string{"", "24:00", "12:60", "1200", "12:5", "ab:cd", "123:00"} {
		if _, err := ParseClockTime(bad); err == nil {
			t.Fatalf("ParseClockTime(%q) expected error", bad)
		}
	}
	if got := mustClock(t, "7:03").String(); got != "07:03" {
		t.Fatalf("String = %s", got)
	}
}

func TestParseWeekday(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]time.Weekday{"sunday": time.Sunday, "Sun": time.Sunday, "FRIDAY": time.Friday, "wed": time.Wednesday} {
		got, err := ParseWeekday(in)
		if err != nil || got != want {
			t.Fatalf("ParseWeekday(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseWeekday("funday"); err == nil {
		t.Fatal("expected error")
	}
}
