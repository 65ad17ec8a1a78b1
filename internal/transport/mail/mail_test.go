package mail

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	gomail "github.com/wneessen/go-mail"

	"gratibot/internal/transport"
	logx "gratibot/pkg/logx"
)

func TestFormatDigest(t *testing.T) {
	t.Parallel()
	at1 := time.Date(2026, 3, 8, 19, 30, 0, 0, time.UTC)
	at2 := time.Date(2026, 3, 6, 8, 5, 9, 0, time.UTC)

	tests := []struct {
		name    string
		entries []transport.DigestEntry
		want    string
	}{
		{
			name: "empty week",
			want: "We missed you this week! Looking forward to your gratitude entries next week. 🌟",
		},
		{
			name:    "entries newest first",
			entries: []transport.DigestEntry{{Text: "sunny walk", At: at1}, {Text: "good coffee", At: at2}},
			want: "Your Weekly Gratitude Summary 🌟\n\n" +
				"Here are your gratitude moments from the past week:\n\n" +
				"- sunny walk (2026-03-08 19:30:00)\n" +
				"- good coffee (2026-03-06 08:05:09)\n\n" +
				"Keep cultivating gratitude! See you next week.\n",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := FormatDigest(tt.entries); got != tt.want {
				t.Fatalf("FormatDigest() =\n%q\nwant\n%q", got, tt.want)
			}
		})
	}
}

func TestSendDigestBuildsMessage(t *testing.T) {
	t.Parallel()
	s, err := New(Config{Host: "smtp.example.com", From: "bot@example.com"}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var gotMsg bytes.Buffer
	var gotPort int
	s.send = func(ctx context.Context, cfg Config, msg *gomail.Msg) error {
		gotPort = cfg.Port
		_, err := msg.WriteTo(&gotMsg)
		return err
	}
	entries := []transport.DigestEntry{{Text: "family dinner", At: time.Date(2026, 1, 4, 18, 0, 0, 0, time.UTC)}}
	if err := s.SendDigest(context.Background(), "ann@example.com", entries); err != nil {
		t.Fatalf("SendDigest: %v", err)
	}
	if gotPort != DefaultPort {
		t.Fatalf("port = %d", gotPort)
	}
	raw := gotMsg.String()
	for _, want := range []string{
		"<bot@example.com>",
		"<ann@example.com>",
		"Subject: " + DigestSubject,
		"text/plain",
		"family dinner (2026-01-04 18:00:00)",
	} {
		if !strings.Contains(raw, want) {
			t.Fatalf("message missing %q:\n%s", want, raw)
		}
	}
}

func TestSendDigestFailureIsDeliveryError(t *testing.T) {
	t.Parallel()
	s, err := New(Config{Host: "smtp.example.com", From: "bot@example.com"}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.send = func(context.Context, Config, *gomail.Msg) error { return errors.New("535 auth failed") }
	err = s.SendDigest(context.Background(), "ann@example.com", nil)
	if !errors.Is(err, transport.ErrDelivery) {
		t.Fatalf("err = %v, want ErrDelivery", err)
	}
}

func TestSendDigestRejectsBadRecipient(t *testing.T) {
	t.Parallel()
	s, err := New(Config{Host: "smtp.example.com", From: "bot@example.com"}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	called := false
	s.send = func(context.Context, Config, *gomail.Msg) error { called = true; return nil }
	if err := s.SendDigest(context.Background(), "not an address", nil); !errors.Is(err, transport.ErrDelivery) {
		t.Fatalf("err = %v, want ErrDelivery", err)
	}
	if called {
		t.Fatal("message with a bad recipient was sent")
	}
}

func TestNewValidates(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{From: "a@b.c"}, logx.Nop()); err == nil {
		t.Fatal("expected error without host")
	}
	if _, err := New(Config{Host: "h"}, logx.Nop()); err == nil {
		t.Fatal("expected error without from")
	}
}
