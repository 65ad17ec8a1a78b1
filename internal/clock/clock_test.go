package clock

import (
	"errors"
	"testing"
	"time"
)

func TestResolverLocalTimeAppliesDST(t *testing.T) {
	t.Parallel()
	r := NewResolver()

	tests := []struct {
		name    string
		instant time.Time
		date    string
		minute  int
	}{
		// 2026-03-08 is the spring-forward day in New York.
		{name: "before spring forward", instant: time.Date(2026, 3, 8, 6, 59, 0, 0, time.UTC), date: "2026-03-08", minute: 1*60 + 59},
		{name: "after spring forward", instant: time.Date(2026, 3, 8, 7, 0, 0, 0, time.UTC), date: "2026-03-08", minute: 3 * 60},
		{name: "utc day differs", instant: time.Date(2026, 6, 1, 2, 0, 0, 0, time.UTC), date: "2026-05-31", minute: 22 * 60},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := r.LocalTime(tt.instant, "America/New_York")
			if err != nil {
				t.Fatalf("LocalTime error: %v", err)
			}
			if got.Date.String() != tt.date || got.Minute != tt.minute {
				t.Fatalf("got %s minute %d, want %s minute %d", got.Date, got.Minute, tt.date, tt.minute)
			}
		})
	}
}

func TestResolverUnknownTimezone(t *testing.T) {
	t.Parallel()
	r := NewResolver()
	for _, tz := range []string{"", "Local", "Mars/Olympus_Mons"} {
		if _, err := r.LocalTime(time.Now(), tz); !errors.Is(err, ErrUnknownTimezone) {
			t.Fatalf("LocalTime(%q) err = %v, want ErrUnknownTimezone", tz, err)
		}
	}
}

func TestDateArithmetic(t *testing.T) {
	t.Parallel()
	d, err := ParseDate("2026-12-31")
	if err != nil {
		t.Fatalf("ParseDate: %v", err)
	}
	next := d.AddDays(1)
	if next.String() != "2027-01-01" {
		t.Fatalf("AddDays = %s", next)
	}
	if !next.After(d) || !d.Before(next) || d.Compare(d) != 0 {
		t.Fatal("comparison mismatch")
	}
	if d.Weekday() != time.Thursday {
		t.Fatalf("weekday = %v", d.Weekday())
	}
	zero, err := ParseDate("")
	if err != nil || !zero.IsZero() || zero.String() != "" {
		t.Fatalf("zero date round trip failed: %v %v", zero, err)
	}
	if _, err := ParseDate("2026-02-30"); err == nil {
		t.Fatal("expected error for invalid date")
	}
}

func TestManualClock(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewManual(start)
	if got := m.Advance(90 * time.Second); !got.Equal(start.Add(90 * time.Second)) {
		t.Fatalf("Advance = %v", got)
	}
}
