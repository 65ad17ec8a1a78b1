package config

import (
	"reflect"
	"sort"
	"strings"

	logx "gratibot/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging. Secrets (API keys, tokens,
// passwords) are reported only as "set" flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	// Logging
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert_enabled", newCfg.Logging.Alert.Enabled),
		)
	}

	// Dispatch
	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		d := newCfg.Dispatch
		attrs = append(attrs,
			logx.String("dispatch.tick", strings.TrimSpace(d.Tick)),
			logx.String("dispatch.tolerance", strings.TrimSpace(d.Tolerance)),
			logx.String("dispatch.digest_weekday", strings.TrimSpace(d.DigestWeekday)),
			logx.Int("dispatch.user_workers", d.UserWorkers),
			logx.String("dispatch.call_timeout", strings.TrimSpace(d.CallTimeout)),
		)
	}

	// Scheduler (triggers)
	if oldCfg.Scheduler.Enabled != newCfg.Scheduler.Enabled ||
		strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	// Task engine (executor)
	oTE := derefTaskEngine(oldCfg.TaskEngine)
	nTE := derefTaskEngine(newCfg.TaskEngine)
	if (oldCfg.TaskEngine != nil) != (newCfg.TaskEngine != nil) || !reflect.DeepEqual(oTE, nTE) {
		changed = append(changed, "task_engine")
		enabledEffective := newCfg.Scheduler.Enabled
		if nTE.Enabled != nil {
			enabledEffective = *nTE.Enabled
		}
		attrs = append(attrs,
			logx.Bool("task_engine.enabled", enabledEffective),
			logx.Int("task_engine.workers", nTE.Workers),
			logx.Int("task_engine.queue_size", nTE.QueueSize),
			logx.String("task_engine.default_timeout", strings.TrimSpace(nTE.DefaultTimeout)),
			logx.Int("task_engine.history_size", nTE.HistorySize),
		)
	}

	// Storage (restart required; never hot-applied)
	if strings.TrimSpace(oldCfg.Storage.Driver) != strings.TrimSpace(newCfg.Storage.Driver) ||
		strings.TrimSpace(oldCfg.Storage.Path) != strings.TrimSpace(newCfg.Storage.Path) ||
		strings.TrimSpace(oldCfg.Storage.BusyTimeout) != strings.TrimSpace(newCfg.Storage.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}

	// Prompt (never log api key)
	if !reflect.DeepEqual(oldCfg.Prompt, newCfg.Prompt) {
		changed = append(changed, "prompt")
		attrs = append(attrs,
			logx.String("prompt.model", strings.TrimSpace(newCfg.Prompt.Model)),
			logx.Bool("prompt.api_key_set", strings.TrimSpace(newCfg.Prompt.APIKey) != ""),
		)
	}

	// SMS (never log auth token)
	if oldCfg.SMS != newCfg.SMS {
		changed = append(changed, "sms")
		attrs = append(attrs,
			logx.Bool("sms.account_set", strings.TrimSpace(newCfg.SMS.AccountSID) != ""),
			logx.Bool("sms.from_set", strings.TrimSpace(newCfg.SMS.From) != ""),
			logx.Int("sms.rate_per_sec", newCfg.SMS.RatePerSec),
		)
	}

	// Email (never log password)
	if oldCfg.Email != newCfg.Email {
		changed = append(changed, "email")
		attrs = append(attrs,
			logx.String("email.host", strings.TrimSpace(newCfg.Email.Host)),
			logx.Int("email.port", newCfg.Email.Port),
		)
	}

	// HTTP (restart required)
	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Bool("http.admin_token_set", strings.TrimSpace(newCfg.HTTP.AdminToken) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}
