package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"gratibot/internal/clock"
	"gratibot/internal/config"
	"gratibot/internal/dispatch"
	"gratibot/internal/eventbus"
	"gratibot/internal/storage"
	"gratibot/internal/trigger"
	logx "gratibot/pkg/logx"
)

func validConfig() *config.Config {
	return &config.Config{
		Storage: config.StorageConfig{Driver: "sqlite", Path: "/tmp/gratibot-test.db"},
		SMS:     config.SMSConfig{AccountSID: "AC1", AuthToken: "tok", From: "+15550000000"},
		Email:   config.EmailConfig{Host: "smtp.example.com", Username: "bot@example.com"},
	}
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()
	no := false
	tests := []struct {
		name    string
		mutate  func(c *config.Config)
		wantErr string
	}{
		{"defaults ok", func(c *config.Config) {}, ""},
		{"bad level", func(c *config.Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"alert needs phone", func(c *config.Config) { c.Logging.Alert = config.LoggingAlert{Enabled: true, To: "555"} }, "logging.alert.to"},
		{"storage none", func(c *config.Config) { c.Storage.Driver = "none" }, "not supported"},
		{"file needs path", func(c *config.Config) { c.Storage = config.StorageConfig{Driver: "file"} }, "storage.path"},
		{"bad tick", func(c *config.Config) { c.Dispatch.Tick = "every day" }, "dispatch.tick"},
		{"tolerance too big", func(c *config.Config) { c.Dispatch.Tolerance = "13h" }, "dispatch.tolerance"},
		{"bad weekday", func(c *config.Config) { c.Dispatch.DigestWeekday = "someday" }, "dispatch.digest_weekday"},
		{"negative workers", func(c *config.Config) { c.Dispatch.UserWorkers = -1 }, "user_workers"},
		{"sms required", func(c *config.Config) { c.SMS.AuthToken = "" }, "sms."},
		{"sms from phone", func(c *config.Config) { c.SMS.From = "gratibot" }, "sms.from"},
		{"email from", func(c *config.Config) { c.Email.Username = "bot" }, "email.from"},
		{"prompt key or fallback", func(c *config.Config) { c.Prompt.Fallback = &no }, "prompt.api_key"},
		{"webhook needs url", func(c *config.Config) {
			c.HTTP = config.HTTPConfig{Enabled: true, ValidateWebhook: true}
		}, "http.public_url"},
		{"engine off with scheduler on", func(c *config.Config) {
			c.Scheduler.Enabled = true
			c.TaskEngine = &config.TaskEngineConfig{Enabled: &no}
		}, "task_engine.enabled"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.mutate(cfg)
			err := ValidateConfig(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestMapDispatchConfigDefaults(t *testing.T) {
	t.Parallel()
	dc, err := mapDispatchConfig(validConfig())
	if err != nil {
		t.Fatalf("mapDispatchConfig: %v", err)
	}
	if dc.Policy.Tolerance != trigger.DefaultTolerance || dc.Policy.DigestWeekday != time.Sunday {
		t.Fatalf("policy = %+v", dc.Policy)
	}
	if dc.DigestLookback != dispatch.DefaultDigestLookback || dc.CallTimeout != dispatch.DefaultCallTimeout {
		t.Fatalf("config = %+v", dc)
	}
	spec, err := tickSpec(validConfig())
	if err != nil || spec != "* * * * *" {
		t.Fatalf("tickSpec = %q, %v", spec, err)
	}
}

type memAudit struct {
	mu      sync.Mutex
	entries []storage.AuditEntry
	failOn  string
}

func (m *memAudit) AppendAudit(_ context.Context, e storage.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn != "" && e.Phone == m.failOn {
		return storage.ErrUnavailable
	}
	m.entries = append(m.entries, e)
	return nil
}

func (m *memAudit) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func sampleReport() dispatch.Report {
	day := clock.Date{Year: 2026, Month: time.March, Day: 8}
	return dispatch.Report{
		TickID: "t-1",
		Mode:   dispatch.ModeNormal,
		At:     time.Date(2026, 3, 8, 12, 0, 0, 0, time.UTC),
		Took:   1500 * time.Millisecond,
		Users:  2,
		Fired:  1,
		Failed: 1,
		Results: []dispatch.Result{
			{Phone: "+15550001", Kind: trigger.KindDaily, Outcome: dispatch.OutcomeFired, Period: day},
			{Phone: "+15550002", Kind: trigger.KindDaily, Outcome: dispatch.OutcomeFailed, Reason: dispatch.ReasonDelivery, Error: "sms delivery failed"},
		},
	}
}

func TestWriteAudit(t *testing.T) {
	t.Parallel()
	store := &memAudit{}
	if err := writeAudit(context.Background(), store, sampleReport()); err != nil {
		t.Fatalf("writeAudit: %v", err)
	}
	if len(store.entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(store.entries))
	}
	tickRow := store.entries[0]
	if tickRow.Kind != "tick" || tickRow.Outcome != "failed" || tickRow.TookMS != 1500 || !strings.Contains(tickRow.MetaJSON, `"fired":1`) {
		t.Fatalf("tick row = %+v", tickRow)
	}
	if got := store.entries[1]; got.Period != "2026-03-08" || got.Outcome != "fired" {
		t.Fatalf("fired row = %+v", got)
	}
	if got := store.entries[2]; got.Error != "sms delivery failed" {
		t.Fatalf("failed row = %+v", got)
	}

	failing := &memAudit{failOn: "+15550002"}
	err := writeAudit(context.Background(), failing, sampleReport())
	if !errors.Is(err, storage.ErrUnavailable) {
		t.Fatalf("err = %v", err)
	}
	if len(failing.entries) != 2 {
		t.Fatalf("a failed row stopped the rest: %d", len(failing.entries))
	}
}

func TestAuditLoopRecordsTicks(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	store := &memAudit{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		runAuditLoop(ctx, bus, store, logx.Nop())
	}()

	deadline := time.Now().Add(2 * time.Second)
	for store.len() == 0 && time.Now().Before(deadline) {
		// The loop subscribes asynchronously; publish until it sees one.
		bus.Publish(eventbus.Event{Type: eventbus.TypeTick, Data: sampleReport()})
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
	if store.len() == 0 {
		t.Fatal("no audit rows written")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestRunOnceWithoutUsers(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := writeConfig(t, `{
		"logging": {"level": "error"},
		"storage": {"driver": "sqlite", "path": "`+filepath.ToSlash(filepath.Join(dir, "g.db"))+`"},
		"sms": {"account_sid": "AC1", "auth_token": "tok", "from": "+15550000000", "base_url": "http://127.0.0.1:1"},
		"email": {"host": "127.0.0.1", "port": 1, "username": "bot@example.com"}
	}`)

	a, err := NewApp(cfgPath)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rep, err := a.RunOnce(ctx, dispatch.ModeForce)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if rep.Users != 0 || rep.Err() != nil || rep.TickID == "" {
		t.Fatalf("report = %+v", rep)
	}
}

func TestOpenStoreIgnoresMissingCredentials(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := writeConfig(t, `{"storage": {"driver": "file", "path": "`+filepath.ToSlash(filepath.Join(dir, "state"))+`"}}`)
	st, err := OpenStore(cfgPath, logx.Nop())
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer st.Close()
	if err := st.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
