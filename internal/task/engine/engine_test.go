package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"gratibot/internal/eventbus"
	logx "gratibot/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) *Service {
	t.Helper()
	cfg.Enabled = true
	s := New(cfg, logx.Nop(), eventbus.New())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestSkipIfRunningPreventsOverlap(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 2})

	release := make(chan struct{})
	started := make(chan struct{})
	st := &RunState{}
	long := Task{Name: "tick", State: st, Run: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}}
	if err := s.Enqueue(long); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	<-started

	err := s.Enqueue(Task{Name: "tick", State: st, Run: func(ctx context.Context) error { return nil }})
	if !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("second enqueue err = %v, want ErrOverlapSkip", err)
	}
	close(release)

	deadline := time.Now().Add(2 * time.Second)
	for st.Running() {
		if time.Now().After(deadline) {
			t.Fatal("run state never released")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := s.Enqueue(Task{Name: "tick", State: st, Run: func(ctx context.Context) error { return nil }}); err != nil {
		t.Fatalf("enqueue after finish: %v", err)
	}
	if s.Snapshot().Skipped != 1 {
		t.Fatalf("skipped = %d", s.Snapshot().Skipped)
	}
}

func TestTaskTimeoutAndPanicRecorded(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, DefaultTimeout: 20 * time.Millisecond})

	done := make(chan struct{}, 2)
	_ = s.Enqueue(Task{Name: "slow", Run: func(ctx context.Context) error {
		defer func() { done <- struct{}{} }()
		<-ctx.Done()
		return ctx.Err()
	}})
	_ = s.Enqueue(Task{Name: "boom", Run: func(ctx context.Context) error {
		defer func() { done <- struct{}{} }()
		panic("bad task")
	}})
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("tasks did not finish")
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(s.Snapshot().History) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("history not recorded")
		}
		time.Sleep(5 * time.Millisecond)
	}
	for _, h := range s.Snapshot().History {
		if h.Error == "" {
			t.Fatalf("history item %s has no error", h.Name)
		}
	}
}

func TestEnqueueWhenDisabledOrStopped(t *testing.T) {
	t.Parallel()
	disabled := New(Config{}, logx.Nop(), nil)
	if err := disabled.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
	notStarted := New(Config{Enabled: true}, logx.Nop(), nil)
	if err := notStarted.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}
