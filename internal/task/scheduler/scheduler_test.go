package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"gratibot/internal/task/engine"
	logx "gratibot/pkg/logx"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in    string
		kind  SpecKind
		every time.Duration
		bad   bool
	}{
		{in: "* * * * *", kind: SpecCron},
		{in: "0 * * * * *", kind: SpecCron},
		{in: "@hourly", kind: SpecCron},
		{in: "cron:*/5 * * * *", kind: SpecCron},
		{in: "every 30s", kind: SpecInterval, every: 30 * time.Second},
		{in: "@every 1m", kind: SpecInterval, every: time.Minute},
		{in: "90s", kind: SpecInterval, every: 90 * time.Second},
		{in: "", bad: true},
		{in: "every 10ms", bad: true},
		{in: "soon", bad: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			ps, err := ParseSchedule(tt.in)
			if tt.bad {
				if err == nil {
					t.Fatalf("ParseSchedule(%q) expected error", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSchedule(%q): %v", tt.in, err)
			}
			if ps.Kind != tt.kind || ps.Every != tt.every {
				t.Fatalf("ParseSchedule(%q) = %+v", tt.in, ps)
			}
		})
	}
	if err := ValidateSchedule("61 * * * *"); err == nil {
		t.Fatal("ValidateSchedule accepted minute 61")
	}
}

func TestScheduleEnqueuesIntoEngine(t *testing.T) {
	t.Parallel()
	eng := engine.New(engine.Config{Enabled: true, Workers: 1}, logx.Nop(), nil)
	eng.Start(context.Background())
	s := New(Config{Enabled: true, Timezone: "UTC"}, eng, logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
		eng.Stop(ctx)
	})

	var runs atomic.Int32
	if err := s.AddSchedule("tick", "every 1s", time.Second, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}

	deadline := time.Now().Add(4 * time.Second)
	for runs.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("schedule never ran")
		}
		time.Sleep(20 * time.Millisecond)
	}
	snap := s.Snapshot()
	if len(snap.Schedules) != 1 || snap.Schedules[0].Spec != "@every 1s" || snap.Schedules[0].Next.IsZero() {
		t.Fatalf("snapshot = %+v", snap.Schedules)
	}
	if !s.Remove("tick") || s.Remove("tick") {
		t.Fatal("Remove should succeed exactly once")
	}
}

func TestAddScheduleRejectsBadCron(t *testing.T) {
	t.Parallel()
	s := New(Config{}, nil, logx.Nop())
	if err := s.AddSchedule("x", "99 * * * *", 0, func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected error")
	}
}
