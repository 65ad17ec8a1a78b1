package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestParseYAMLWithEnv(t *testing.T) {
	t.Setenv("GRATIBOT_TEST_TOKEN", "s3cr$t")
	p := writeFile(t, t.TempDir(), "config.yaml", `
logging:
  level: debug
  console: true
dispatch:
  tick: "* * * * *"
  tolerance: 90s
  digest_weekday: monday
scheduler:
  enabled: true
storage:
  driver: sqlite
  path: ./data/gratibot.db
sms:
  account_sid: AC123
  auth_token: ${GRATIBOT_TEST_TOKEN}
  from: "+15550000"
`)
	cfg, err := NewConfigManager(p).Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.SMS.AuthToken != "s3cr$t" {
		t.Fatalf("auth token = %q", cfg.SMS.AuthToken)
	}
	if cfg.Dispatch.Tolerance != "90s" || cfg.Dispatch.DigestWeekday != "monday" {
		t.Fatalf("dispatch = %+v", cfg.Dispatch)
	}
	if !cfg.Scheduler.Enabled || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestParseRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	tests := []struct {
		name string
		file string
		body string
	}{
		{name: "unknown field", file: "a.json", body: `{"dispatch":{"tik":"* * * * *"}}`},
		{name: "trailing data", file: "b.json", body: `{"dispatch":{}}{"x":1}`},
		{name: "unknown yaml field", file: "c.yaml", body: "http:\n  port: 80\n"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := writeFile(t, dir, tt.file, tt.body)
			if _, err := NewConfigManager(p).Parse(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{SMS: SMSConfig{AuthToken: "old-secret"}}
	newCfg := &Config{
		SMS:      SMSConfig{AuthToken: "new-secret"},
		Dispatch: DispatchConfig{Tolerance: "3m"},
	}
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(changed, ",") != "dispatch,sms" {
		t.Fatalf("changed = %v", changed)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs")
	}
	same, _ := SummarizeConfigChange(newCfg, newCfg)
	if len(same) != 0 {
		t.Fatalf("unchanged config reported %v", same)
	}
}

func TestParseDurations(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		parse   func() (time.Duration, error)
		want    time.Duration
		wantErr bool
	}{
		{"blank takes default", func() (time.Duration, error) { return ParseDurationOrDefault("x", "", 2*time.Minute) }, 2 * time.Minute, false},
		{"zero takes default", func() (time.Duration, error) { return ParseDurationOrDefault("x", "0s", 2*time.Minute) }, 2 * time.Minute, false},
		{"negative", func() (time.Duration, error) { return ParseDurationField("x", "-1s") }, 0, true},
		{"garbage", func() (time.Duration, error) { return ParseDurationField("x", "soon") }, 0, true},
		{"under limit", func() (time.Duration, error) {
			return ParseDurationBelow("dispatch.tolerance", "90m", time.Minute, 12*time.Hour)
		}, 90 * time.Minute, false},
		{"at limit", func() (time.Duration, error) {
			return ParseDurationBelow("dispatch.tolerance", "12h", time.Minute, 12*time.Hour)
		}, 0, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := tt.parse()
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseEmptyYAMLUsesDefaults(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "config.yml", "# nothing set\n")
	cfg, err := NewConfigManager(p).Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Storage.Driver != "" || cfg.Dispatch.Tolerance != "" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestWatchPublishesValidatedChange(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := writeFile(t, dir, "config.json", `{"dispatch":{"tolerance":"2m"}}`)
	m := NewConfigManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	m.SetValidator(func(ctx context.Context, cfg *Config) error { return nil })
	sub := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	// Give the watcher a moment to register before writing.
	time.Sleep(200 * time.Millisecond)
	writeFile(t, dir, "config.json", `{"dispatch":{"tolerance":"5m"}}`)

	select {
	case cfg := <-sub:
		if cfg.Dispatch.Tolerance != "5m" {
			t.Fatalf("published tolerance = %q", cfg.Dispatch.Tolerance)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no config published")
	}
	if m.Get().Dispatch.Tolerance != "5m" {
		t.Fatal("config not committed")
	}
}
