package config

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Dispatch controls the per-user trigger evaluation done on every tick.
	Dispatch DispatchConfig `json:"dispatch"`

	// Scheduler controls the tick trigger (cron).
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls execution of scheduled ticks.
	// If omitted, defaults apply and the engine follows scheduler.enabled.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Storage StorageConfig `json:"storage"`
	Prompt  PromptConfig  `json:"prompt"`
	SMS     SMSConfig     `json:"sms"`
	Email   EmailConfig   `json:"email"`
	HTTP    HTTPConfig    `json:"http"`
}

// DispatchConfig controls trigger evaluation.
//
// All durations are Go duration strings (e.g. "90s", "2m").
//
// Defaults (when fields are omitted/zero):
//   - tick: "* * * * *" (every minute)
//   - tolerance: "2m"
//   - digest_weekday: "sunday"
//   - digest_lookback: "168h"
//   - user_workers: 4
//   - call_timeout: "10s"
type DispatchConfig struct {
	// Tick is a cron expression or "every <duration>".
	Tick      string `json:"tick,omitempty"`
	Tolerance string `json:"tolerance,omitempty"`

	DigestWeekday  string `json:"digest_weekday,omitempty"`
	DigestLookback string `json:"digest_lookback,omitempty"`

	UserWorkers int    `json:"user_workers,omitempty"`
	CallTimeout string `json:"call_timeout,omitempty"`
}

// SchedulerConfig controls the scheduler (trigger) service.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	// Trigger timezone for the tick expression. Per-user evaluation always
	// uses the user's own zone.
	Timezone string `json:"timezone,omitempty"`
}

// TaskEngineConfig controls the task execution engine.
//
// Enabled is a pointer so we can distinguish "omitted" (default to scheduler.enabled)
// from an explicit false.
//
// Defaults (when fields are omitted/zero):
//   - enabled: scheduler.enabled
//   - workers: 1
//   - queue_size: 16
//   - default_timeout: "0s" (disabled)
//   - history_size: 200
type TaskEngineConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	Workers int   `json:"workers,omitempty"`

	QueueSize int `json:"queue_size,omitempty"`

	// DefaultTimeout is a Go duration string (e.g. "10s", "1m").
	// Use "0s" to disable a global default timeout.
	DefaultTimeout string `json:"default_timeout,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/gratibot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// PromptConfig controls the prompt generator (OpenAI-compatible chat API).
//
// Fallback is a pointer so an omitted value means "enabled".
type PromptConfig struct {
	BaseURL      string `json:"base_url,omitempty"` // default: https://api.deepseek.com
	APIKey       string `json:"api_key"`            // do not log
	Model        string `json:"model,omitempty"`    // default: deepseek-chat
	Timeout      string `json:"timeout,omitempty"`
	Fallback     *bool  `json:"fallback,omitempty"`
	FallbackText string `json:"fallback_text,omitempty"`
}

// SMSConfig controls the Twilio messaging client.
type SMSConfig struct {
	AccountSID string `json:"account_sid"`
	AuthToken  string `json:"auth_token"` // do not log
	From       string `json:"from"`
	BaseURL    string `json:"base_url,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// EmailConfig controls the SMTP digest sender (STARTTLS).
type EmailConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port,omitempty"` // default: 587
	Username string `json:"username"`
	Password string `json:"password"` // do not log
	From     string `json:"from,omitempty"`
}

// HTTPConfig controls the admin/webhook HTTP server.
//
// Security note:
//   - Prefer binding to localhost and fronting it with a proxy.
//   - POST /admin/run requires admin_token; it is disabled when empty.
type HTTPConfig struct {
	Enabled    bool   `json:"enabled"`
	Addr       string `json:"addr,omitempty"` // default: "127.0.0.1:8080"
	AdminToken string `json:"admin_token,omitempty"`
	Pprof      bool   `json:"pprof,omitempty"`

	// ValidateWebhook checks X-Twilio-Signature on inbound SMS against
	// public_url + path using sms.auth_token.
	ValidateWebhook bool   `json:"validate_webhook,omitempty"`
	PublicURL       string `json:"public_url,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards high-severity log lines to an operator phone by SMS.
type LoggingAlert struct {
	Enabled   bool   `json:"enabled"`
	To        string `json:"to"`
	MinLevel  string `json:"min_level"`
	PerMinute int    `json:"per_minute"`
}
