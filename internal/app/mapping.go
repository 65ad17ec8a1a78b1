package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gratibot/internal/config"
	"gratibot/internal/dispatch"
	"gratibot/internal/httpapi"
	"gratibot/internal/prompt"
	"gratibot/internal/storage"
	"gratibot/internal/task/engine"
	"gratibot/internal/task/scheduler"
	"gratibot/internal/transport/mail"
	"gratibot/internal/transport/sms"
	"gratibot/internal/trigger"
	logx "gratibot/pkg/logx"
)

const defaultStoragePath = "./data/gratibot.db"

func mapLoggingConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
		Alert: logx.AlertConfig{
			Enabled:   lc.Alert.Enabled,
			To:        lc.Alert.To,
			MinLevel:  lc.Alert.MinLevel,
			PerMinute: lc.Alert.PerMinute,
		},
	}
}

// mapStorageConfig rejects "none": the dispatcher cannot run without
// durable fire state.
func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "sqlite", "sqlite3":
		if path == "" {
			path = defaultStoragePath
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "file":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "none":
		return storage.Config{}, fmt.Errorf("storage.driver=none is not supported: fire state must be durable")
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	enabled := cfg.Scheduler.Enabled
	ec := engine.Config{Workers: 1, QueueSize: 16, HistorySize: 200}
	defTimeout := ""
	if te := cfg.TaskEngine; te != nil {
		if te.Enabled != nil {
			enabled = *te.Enabled
		}
		if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 {
			return engine.Config{}, fmt.Errorf("task_engine: workers, queue_size and history_size must be >= 0")
		}
		if te.Workers != 0 {
			ec.Workers = te.Workers
		}
		if te.QueueSize != 0 {
			ec.QueueSize = te.QueueSize
		}
		if te.HistorySize != 0 {
			ec.HistorySize = te.HistorySize
		}
		defTimeout = te.DefaultTimeout

		// Safety: avoid a config where scheduler triggers run but engine is explicitly disabled.
		if cfg.Scheduler.Enabled && te.Enabled != nil && !*te.Enabled {
			return engine.Config{}, fmt.Errorf("task_engine.enabled cannot be false while scheduler.enabled is true")
		}
	}
	d, err := config.ParseDurationField("task_engine.default_timeout", defTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	ec.Enabled = enabled
	ec.DefaultTimeout = d
	return ec, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	return scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: tz}, nil
}

// tickSpec returns the dispatch tick schedule.
func tickSpec(cfg *config.Config) (string, error) {
	spec := strings.TrimSpace(cfg.Dispatch.Tick)
	if spec == "" {
		spec = "* * * * *"
	}
	if err := scheduler.ValidateSchedule(spec); err != nil {
		return "", fmt.Errorf("dispatch.tick: %w", err)
	}
	return spec, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	dc := cfg.Dispatch
	tol, err := config.ParseDurationBelow("dispatch.tolerance", dc.Tolerance, trigger.DefaultTolerance, 12*time.Hour)
	if err != nil {
		return dispatch.Config{}, err
	}
	weekday := trigger.DefaultDigestWeekday
	if strings.TrimSpace(dc.DigestWeekday) != "" {
		if weekday, err = trigger.ParseWeekday(dc.DigestWeekday); err != nil {
			return dispatch.Config{}, fmt.Errorf("dispatch.digest_weekday: %w", err)
		}
	}
	lookback, err := config.ParseDurationOrDefault("dispatch.digest_lookback", dc.DigestLookback, dispatch.DefaultDigestLookback)
	if err != nil {
		return dispatch.Config{}, err
	}
	callTimeout, err := config.ParseDurationOrDefault("dispatch.call_timeout", dc.CallTimeout, dispatch.DefaultCallTimeout)
	if err != nil {
		return dispatch.Config{}, err
	}
	if dc.UserWorkers < 0 {
		return dispatch.Config{}, fmt.Errorf("dispatch.user_workers must be >= 0")
	}
	return dispatch.Config{
		Policy:         trigger.Policy{Tolerance: tol, DigestWeekday: weekday},
		Workers:        dc.UserWorkers,
		CallTimeout:    callTimeout,
		DigestLookback: lookback,
	}, nil
}

func mapSMSConfig(cfg *config.Config) (sms.Config, error) {
	sc := cfg.SMS
	if strings.TrimSpace(sc.AccountSID) == "" || strings.TrimSpace(sc.AuthToken) == "" || strings.TrimSpace(sc.From) == "" {
		return sms.Config{}, fmt.Errorf("sms.account_sid, sms.auth_token and sms.from are required")
	}
	if err := storage.ValidatePhone(sc.From); err != nil {
		return sms.Config{}, fmt.Errorf("sms.from: %w", err)
	}
	if sc.RatePerSec < 0 {
		return sms.Config{}, fmt.Errorf("sms.rate_per_sec must be >= 0")
	}
	return sms.Config{
		AccountSID: sc.AccountSID,
		AuthToken:  sc.AuthToken,
		From:       sc.From,
		BaseURL:    sc.BaseURL,
		RatePerSec: sc.RatePerSec,
	}, nil
}

func mapEmailConfig(cfg *config.Config) (mail.Config, error) {
	ec := cfg.Email
	if strings.TrimSpace(ec.Host) == "" {
		return mail.Config{}, fmt.Errorf("email.host is required")
	}
	from := strings.TrimSpace(ec.From)
	if from == "" {
		from = strings.TrimSpace(ec.Username)
	}
	if !strings.Contains(from, "@") {
		return mail.Config{}, fmt.Errorf("email.from (or email.username) must be an email address")
	}
	if ec.Port < 0 || ec.Port > 65535 {
		return mail.Config{}, fmt.Errorf("email.port out of range: %d", ec.Port)
	}
	return mail.Config{Host: ec.Host, Port: ec.Port, Username: ec.Username, Password: ec.Password, From: from}, nil
}

// promptSettings is the prompt section after defaults.
type promptSettings struct {
	client   prompt.Config
	enabled  bool // an API key is configured
	fallback bool
	text     string
}

func mapPromptConfig(cfg *config.Config) (promptSettings, error) {
	pc := cfg.Prompt
	timeout, err := config.ParseDurationOrDefault("prompt.timeout", pc.Timeout, 10*time.Second)
	if err != nil {
		return promptSettings{}, err
	}
	ps := promptSettings{
		client:   prompt.Config{BaseURL: pc.BaseURL, APIKey: pc.APIKey, Model: pc.Model, Timeout: timeout},
		enabled:  strings.TrimSpace(pc.APIKey) != "",
		fallback: pc.Fallback == nil || *pc.Fallback,
		text:     strings.TrimSpace(pc.FallbackText),
	}
	if ps.text == "" {
		ps.text = prompt.DefaultFallback
	}
	if !ps.enabled && !ps.fallback {
		return promptSettings{}, errors.New("prompt.api_key is required when prompt.fallback is false")
	}
	return ps, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	hc := cfg.HTTP
	rt, err := config.ParseDurationOrDefault("http.read_timeout", hc.ReadTimeout, 10*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	wt, err := config.ParseDurationOrDefault("http.write_timeout", hc.WriteTimeout, 5*time.Minute)
	if err != nil {
		return httpapi.Config{}, err
	}
	if hc.Enabled && hc.ValidateWebhook && strings.TrimSpace(hc.PublicURL) == "" {
		return httpapi.Config{}, fmt.Errorf("http.public_url is required when http.validate_webhook is true")
	}
	return httpapi.Config{
		Enabled:      hc.Enabled,
		Addr:         hc.Addr,
		ReadTimeout:  rt,
		WriteTimeout: wt,
		Router: httpapi.RouterConfig{
			AdminToken:      hc.AdminToken,
			Pprof:           hc.Pprof,
			ValidateWebhook: hc.ValidateWebhook,
			PublicURL:       hc.PublicURL,
			WebhookToken:    cfg.SMS.AuthToken,
			RunTimeout:      wt,
		},
	}, nil
}

// ValidateConfig checks every section. It runs at load and before a hot
// reload is committed.
func ValidateConfig(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if l := cfg.Logging.Level; l != "" && !logx.ValidLevel(l) {
		return fmt.Errorf("logging.level: invalid %q", l)
	}
	if a := cfg.Logging.Alert; a.Enabled {
		if err := storage.ValidatePhone(a.To); err != nil {
			return fmt.Errorf("logging.alert.to: %w", err)
		}
		if a.MinLevel != "" && !logx.ValidLevel(a.MinLevel) {
			return fmt.Errorf("logging.alert.min_level: invalid %q", a.MinLevel)
		}
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := tickSpec(cfg); err != nil {
		return err
	}
	if _, err := mapDispatchConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSMSConfig(cfg); err != nil {
		return err
	}
	if _, err := mapEmailConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPromptConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	return nil
}

