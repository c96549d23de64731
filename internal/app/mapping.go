package app

import (
	"fmt"
	"strings"
	"time"

	"devpilot/internal/agent"
	"devpilot/internal/config"
	"devpilot/internal/httpapi"
	"devpilot/internal/notify"
	"devpilot/internal/orchestrator"
	"devpilot/internal/storage"
	"devpilot/internal/task/catalog"
	"devpilot/internal/task/engine"
	"devpilot/internal/task/poller"
	logx "devpilot/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapAgentConfig(cfg *config.Config) (agent.Config, error) {
	timeout, err := config.DurationOr("agent.timeout", cfg.Agent.Timeout, agent.DefaultTimeout)
	if err != nil {
		return agent.Config{}, err
	}
	return agent.Config{
		APIKey:     cfg.Agent.APIKey,
		Endpoint:   cfg.Agent.Endpoint,
		Timeout:    timeout,
		RatePerSec: cfg.Agent.RatePerSec,
		Burst:      cfg.Agent.Burst,
	}, nil
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	a, d := cfg.Agent, cfg.Dispatch
	timeout, err := config.DurationOr("agent.timeout", a.Timeout, agent.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	base, err := config.ParseDurationField("dispatch.circuit.base_delay", d.Circuit.BaseDelay)
	if err != nil {
		return engine.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("dispatch.circuit.max_delay", d.Circuit.MaxDelay)
	if err != nil {
		return engine.Config{}, err
	}
	resetAfter, err := config.ParseDurationField("dispatch.circuit.reset_after", d.Circuit.ResetAfter)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Source:              agent.Source{Repository: a.Repository, Ref: a.Ref},
		Options:             agent.Options{Model: a.Model, AutoCreatePR: a.AutoCreatePR, BranchName: a.BranchName},
		CallTimeout:         timeout,
		HistorySize:         d.HistorySize,
		CircuitTripFailures: d.Circuit.TripFailures,
		CircuitBaseDelay:    base,
		CircuitMaxDelay:     maxDelay,
		CircuitResetAfter:   resetAfter,
	}, nil
}

func mapPolicy(path string, pc config.PolicyConfig, mode engine.DrainMode) (engine.Policy, error) {
	delay, err := config.ParseDurationField(path+".delay", pc.Delay)
	if err != nil {
		return engine.Policy{}, err
	}
	if pc.Stagger != nil {
		mode = engine.Sequential
		if *pc.Stagger {
			mode = engine.StaggerParallel
		}
	}
	return engine.Policy{Mode: mode, Concurrency: pc.Concurrency, MaxRetries: pc.MaxRetries, Delay: delay}, nil
}

func mapOrchestratorConfig(cfg *config.Config) (orchestrator.Config, error) {
	baseline, err := mapPolicy("dispatch.baseline", cfg.Dispatch.Baseline, engine.Sequential)
	if err != nil {
		return orchestrator.Config{}, err
	}
	aggressive, err := mapPolicy("dispatch.aggressive", cfg.Dispatch.Aggressive, engine.StaggerParallel)
	if err != nil {
		return orchestrator.Config{}, err
	}
	s := cfg.Scheduler
	out := orchestrator.Config{
		DevelopmentEvery: s.Development,
		FeatureEvery:     s.Feature,
		ControlsEvery:    s.Controls,
		TabsEvery:        s.Tabs,
		PollEvery:        s.Poll,
		AutoSaveEvery:    s.AutoSave,
		SecurityEvery:    s.Security,
		FeatureSection:   cfg.Catalog.FeatureSection,
		ControlsSection:  cfg.Catalog.ControlsSection,
		TabsSection:      cfg.Catalog.TabsSection,
		Baseline:         baseline,
		Aggressive:       aggressive,
	}
	if cfg.Storage != nil {
		out.SnapshotName = strings.TrimSpace(cfg.Storage.Snapshot)
	}
	return out, nil
}

func mapPollerConfig(cfg *config.Config) (poller.Config, error) {
	timeout, err := config.ParseDurationField("scheduler.poll_timeout", cfg.Scheduler.PollTimeout)
	if err != nil {
		return poller.Config{}, err
	}
	return poller.Config{Timeout: timeout, Concurrency: cfg.Scheduler.PollConcurrency}, nil
}

// mapStorageConfig returns enabled=false when storage is omitted or "none".
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "none":
		return storage.Config{}, false, nil
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.DurationOr("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	h := cfg.HTTP
	read, err := config.DurationOr("http.read_timeout", h.ReadTimeout, 10*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	// Write stays unbounded by default so /debug/pprof/profile can stream.
	write, err := config.ParseDurationField("http.write_timeout", h.WriteTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	idle, err := config.DurationOr("http.idle_timeout", h.IdleTimeout, time.Minute)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Enabled:       h.Enabled,
		Addr:          h.Addr,
		Token:         h.Token,
		AllowInsecure: h.AllowInsecure,
		Pprof:         h.Pprof,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

// mapNotifierConfig disables the pipeline when the section is omitted.
func mapNotifierConfig(cfg *config.Config) (notify.Config, notify.TelegramConfig, error) {
	tg := notify.TelegramConfig{
		Token:    cfg.Telegram.Token,
		ChatID:   cfg.Telegram.ChatID,
		ThreadID: cfg.Telegram.ThreadID,
		APIURL:   cfg.Telegram.APIURL,
	}
	n := cfg.Notifier
	if n == nil {
		return notify.Config{}, tg, nil
	}
	base, err := config.ParseDurationField("notifier.retry_base", n.RetryBase)
	if err != nil {
		return notify.Config{}, tg, err
	}
	maxDelay, err := config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay)
	if err != nil {
		return notify.Config{}, tg, err
	}
	window, err := config.DurationOr("notifier.dedup_window", n.DedupWindow, time.Minute)
	if err != nil {
		return notify.Config{}, tg, err
	}
	return notify.Config{
		Enabled:       n.Enabled,
		Workers:       n.Workers,
		QueueSize:     n.QueueSize,
		RatePerSec:    n.RatePerSec,
		RetryMax:      n.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		DedupWindow:   window,
		DedupMax:      n.DedupMaxEntries,
	}, tg, nil
}

func loadCatalog(cfg *config.Config) (*catalog.Catalog, error) {
	if p := strings.TrimSpace(cfg.Catalog.Path); p != "" {
		return catalog.Load(p)
	}
	return catalog.Default()
}
