// Package app wires configuration, the orchestration core and the outer
// services (control API, alerts, systemd) into one process.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"devpilot/internal/agent"
	"devpilot/internal/config"
	"devpilot/internal/eventbus"
	"devpilot/internal/httpapi"
	"devpilot/internal/notify"
	"devpilot/internal/orchestrator"
	"devpilot/internal/prompt"
	rtsup "devpilot/internal/runtime/supervisor"
	"devpilot/internal/storage"
	"devpilot/internal/task"
	"devpilot/internal/task/catalog"
	"devpilot/internal/task/engine"
	"devpilot/internal/task/poller"
	"devpilot/internal/task/registry"
	"devpilot/internal/task/scheduler"
	logx "devpilot/pkg/logx"
	"devpilot/pkg/systemd"
)

// openStore is swapped in tests.
var openStore = storage.Open

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	engine *engine.Service
	poller *poller.Service
	orch   *orchestrator.Orchestrator
	notif  *notify.Service
	http   *httpapi.Service
}

// NewApp loads cfgPath and builds every component. Any failure is a
// *task.ConfigurationError: the process must not start half-configured.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, &task.ConfigurationError{What: "config " + cfgPath, Err: err}
	}
	a, err := build(cfgm, cfg)
	if err != nil {
		return nil, &task.ConfigurationError{What: "startup", Err: err}
	}
	return a, nil
}

func build(cfgm *config.Manager, cfg *config.Config) (_ *App, err error) {
	logSvc, log := logx.New(mapLoggingConfig(cfg))
	bus := eventbus.New()

	var store storage.Store
	// Unwind partial startup: nothing below owns the store or log sink yet.
	defer func() {
		if err == nil {
			return
		}
		if store != nil {
			if cerr := store.Close(); cerr != nil {
				log.Warn("storage close failed", logx.Err(cerr))
			}
		}
		_ = logSvc.Close()
	}()

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := openStore(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	acfg, err := mapAgentConfig(cfg)
	if err != nil {
		return nil, err
	}
	client, err := agent.New(acfg)
	if err != nil {
		return nil, err
	}

	cat, err := loadCatalog(cfg)
	if err != nil {
		return nil, err
	}
	fallback, perCategory := cat.PromptTemplates()
	prompts, err := prompt.NewRenderer(cfg.Agent.Repository, fallback, perCategory)
	if err != nil {
		return nil, err
	}

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	pollCfg, err := mapPollerConfig(cfg)
	if err != nil {
		return nil, err
	}
	orchCfg, err := mapOrchestratorConfig(cfg)
	if err != nil {
		return nil, err
	}

	queue := task.NewQueue()
	reg := registry.New()
	eng := engine.New(engCfg, queue, reg, client, prompts, log.With(logx.String("comp", "engine")), bus)
	poll := poller.New(pollCfg, reg, client, log.With(logx.String("comp", "poller")), bus)
	orch, err := orchestrator.New(orchCfg, orchestrator.Deps{
		Queue:     queue,
		Registry:  reg,
		Generator: catalog.NewGenerator(cat, catalog.NewSatisfiedSet()),
		Engine:    eng,
		Poller:    poll,
		Store:     store,
		Log:       log.With(logx.String("comp", "orchestrator")),
		Bus:       bus,
	})
	if err != nil {
		return nil, err
	}

	ncfg, tg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	var sender notify.Sender
	if tg.Token != "" && tg.ChatID != 0 {
		ts, err := notify.NewTelegramSender(tg)
		if err != nil {
			return nil, err
		}
		sender = ts
	}
	notif := notify.New(ncfg, sender, log.With(logx.String("comp", "notify")), bus)

	hcfg, err := mapHTTPConfig(cfg)
	if err != nil {
		return nil, err
	}

	return &App{
		cfgm:   cfgm,
		log:    log.With(logx.String("comp", "app")),
		logs:   logSvc,
		bus:    bus,
		store:  store,
		engine: eng,
		poller: poll,
		orch:   orch,
		notif:  notif,
		http:   httpapi.New(hcfg, orch, log),
	}, nil
}

func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orch }

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapOrchestratorConfig(cfg); err != nil {
			return err
		}
		if _, err := mapEngineConfig(cfg); err != nil {
			return err
		}
		if _, err := mapHTTPConfig(cfg); err != nil {
			return err
		}
		_, _, err := mapNotifierConfig(cfg)
		return err
	})

	if err := a.orch.Start(a.sup.Context()); err != nil {
		return err
	}
	a.notif.Start(a.sup.Context())
	a.http.Start(a.sup.Context())

	cfg := a.cfgm.Get()
	a.applyGates(cfg)
	if cfg.Scheduler.Autostart {
		mode, err := task.ParseMode(cfg.Scheduler.Mode)
		if err != nil {
			return &task.ConfigurationError{What: "scheduler.mode", Err: err}
		}
		if _, err := a.orch.Enable(a.sup.Context(), mode); err != nil {
			return err
		}
	}

	a.sup.Go0("eventbus.log", a.logEvents)
	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return systemd.Watchdog(c, a.healthy, a.log.With(logx.String("comp", "systemd")))
	})

	systemd.Ready()
	systemd.Status("running")
	a.log.Info("app started")
	return nil
}

func (a *App) healthy() bool {
	return a.orch.State().Halted == ""
}

// applyGates sets the sub-system gates from config. Failures are logged; the
// orchestrator only rejects unknown gate names.
func (a *App) applyGates(cfg *config.Config) {
	for g, on := range map[scheduler.Gate]bool{
		scheduler.GateAutoSave:     cfg.Scheduler.AutoSaveEnabled,
		scheduler.GateSecurityScan: cfg.Scheduler.SecurityScanEnabled,
	} {
		if _, err := a.orch.SetGate(string(g), on); err != nil {
			a.log.Warn("gate not applied", logx.String("gate", string(g)), logx.Err(err))
		}
	}
}

func (a *App) logEvents(c context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-c.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

func (a *App) reloadLoop(c context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: apply only the newest.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			a.apply(c, last, next)
			last = next
		}
	}
}

// apply pushes a reloaded config into the running components.
func (a *App) apply(c context.Context, prev, next *config.Config) {
	systemd.Reloading()
	defer systemd.Ready()

	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if rr := config.RestartRequired(sections); len(rr) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(rr, ",")))
	}

	a.logs.Apply(mapLoggingConfig(next))

	if ec, err := mapEngineConfig(next); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ec)
	}
	if pc, err := mapPollerConfig(next); err != nil {
		a.log.Warn("invalid poller config; keeping previous", logx.Err(err))
	} else {
		a.poller.Apply(pc)
	}
	if oc, err := mapOrchestratorConfig(next); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else if err := a.orch.Apply(oc); err != nil {
		a.log.Warn("scheduler config not applied", logx.Err(err))
	}
	a.applyGates(next)

	if nc, _, err := mapNotifierConfig(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		was := a.notif.Enabled()
		a.notif.Apply(nc)
		now := a.notif.Enabled()
		switch {
		case was && !now:
			stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !was && now:
			a.notif.Start(c)
		case nc.Enabled && !now:
			a.log.Warn("notifier enabled but no telegram sender; restart required")
		}
	}

	if hc, err := mapHTTPConfig(next); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else {
		a.http.Reconfigure(c, hc)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts components down in reverse dependency order. Each step is
// bounded so one slow component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	systemd.Stopping()
	a.log.Info("stopping", logx.String("reason", string(reason)))

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// The orchestrator saves its final snapshot, so it stops before storage
	// and while the app context is still alive.
	step("orchestrator", 5*time.Second, a.orch.Stop)
	a.sup.Cancel()
	step("http", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	return a.logs.Close()
}
