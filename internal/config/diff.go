package config

import (
	"reflect"
	"strings"

	logx "devpilot/pkg/logx"
)

// SummarizeChange returns the changed top-level sections and safe log
// fields describing the new values. Secrets are reported only as *_set flags.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)
	add := func(section string, fields ...logx.Field) {
		changed = append(changed, section)
		attrs = append(attrs, fields...)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		add("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	oa, na := oldCfg.Agent, newCfg.Agent
	keyChanged := oa.APIKey != na.APIKey
	oa.APIKey, na.APIKey = "", ""
	if keyChanged || oa != na {
		add("agent",
			logx.String("agent.endpoint", na.Endpoint),
			logx.String("agent.repository", na.Repository),
			logx.String("agent.model", na.Model),
			logx.Bool("agent.api_key_changed", keyChanged),
		)
	}

	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		d := newCfg.Dispatch
		add("dispatch",
			logx.Int("dispatch.baseline.max_retries", d.Baseline.MaxRetries),
			logx.String("dispatch.baseline.delay", d.Baseline.Delay),
			logx.Int("dispatch.aggressive.max_retries", d.Aggressive.MaxRetries),
			logx.String("dispatch.aggressive.delay", d.Aggressive.Delay),
			logx.Int("dispatch.aggressive.concurrency", d.Aggressive.Concurrency),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		s := newCfg.Scheduler
		add("scheduler",
			logx.Bool("scheduler.autostart", s.Autostart),
			logx.String("scheduler.mode", s.Mode),
			logx.Bool("scheduler.auto_save_enabled", s.AutoSaveEnabled),
			logx.Bool("scheduler.security_scan_enabled", s.SecurityScanEnabled),
		)
	}

	if oldCfg.Catalog != newCfg.Catalog {
		add("catalog", logx.String("catalog.path", strings.TrimSpace(newCfg.Catalog.Path)))
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		driver := "none"
		if newCfg.Storage != nil && newCfg.Storage.Driver != "" {
			driver = newCfg.Storage.Driver
		}
		add("storage", logx.String("storage.driver", driver))
	}

	oh, nh := oldCfg.HTTP, newCfg.HTTP
	tokenChanged := oh.Token != nh.Token
	oh.Token, nh.Token = "", ""
	if tokenChanged || oh != nh {
		add("http",
			logx.Bool("http.enabled", nh.Enabled),
			logx.String("http.addr", nh.Addr),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
			logx.Bool("http.pprof", nh.Pprof),
		)
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	ot.Token, nt.Token = "", ""
	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) || ot != nt || oldCfg.Telegram.Token != newCfg.Telegram.Token {
		enabled := newCfg.Notifier != nil && newCfg.Notifier.Enabled
		add("notifier",
			logx.Bool("notifier.enabled", enabled),
			logx.Int64("telegram.chat_id", nt.ChatID),
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
		)
	}
	return changed, attrs
}

// RestartRequired reports sections that only take effect after a restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "agent", "catalog", "storage":
			out = append(out, s)
		}
	}
	return out
}
