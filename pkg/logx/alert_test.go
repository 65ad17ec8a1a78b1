package logx

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type captureSender struct {
	mu   sync.Mutex
	sent []string
	ch   chan struct{}
}

func (c *captureSender) Send(_ context.Context, to, body string) error {
	c.mu.Lock()
	c.sent = append(c.sent, to+"|"+body)
	c.mu.Unlock()
	select {
	case c.ch <- struct{}{}:
	default:
	}
	return nil
}

func TestFormatAlert(t *testing.T) {
	t.Parallel()
	line := []byte(`{"level":"error","time":"x","caller":"a.go:1","message":"tick failed","user":"+1555","err":"boom"}`)
	got := formatAlert(line)
	want := "[ERROR] tick failed err=boom user=+1555"
	if got != want {
		t.Fatalf("formatAlert = %q, want %q", got, want)
	}

	long := formatAlert([]byte(strings.Repeat("x", 2*alertMaxLen)))
	if len(long) != alertMaxLen || !strings.HasSuffix(long, "...") {
		t.Fatalf("expected truncated alert, got len %d", len(long))
	}
}

func TestAlertSinkForwardsAboveMinLevel(t *testing.T) {
	t.Parallel()
	sender := &captureSender{ch: make(chan struct{}, 4)}
	sink := newAlertSink(sender)
	sink.configure(AlertConfig{Enabled: true, To: "+15550001", MinLevel: "error", PerMinute: 10})
	defer sink.close()

	_, _ = sink.WriteLevel(zerolog.WarnLevel, []byte(`{"level":"warn","message":"ignored"}`))
	_, _ = sink.WriteLevel(zerolog.ErrorLevel, []byte(`{"level":"error","message":"store down"}`))

	select {
	case <-sender.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("alert was not delivered")
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sent) != 1 {
		t.Fatalf("sent %d alerts, want 1: %v", len(sender.sent), sender.sent)
	}
	if sender.sent[0] != "+15550001|[ERROR] store down" {
		t.Fatalf("unexpected alert %q", sender.sent[0])
	}
}

func TestLoggerWithFieldsWritesJSON(t *testing.T) {
	t.Parallel()
	var b strings.Builder
	log := NewWriter(&b, "debug").With(String("comp", "dispatch"))
	log.Info("tick done", Int("fired", 2))

	out := b.String()
	for _, want := range []string{`"comp":"dispatch"`, `"fired":2`, `"message":"tick done"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("output %q missing %s", out, want)
		}
	}
	if Nop().IsZero() {
		t.Fatal("Nop logger must not be zero")
	}
}
