// Package orchestrator is the core facade. It owns the operating mode and the
// scheduler loops, and exposes the collaborator-facing control operations:
// enable/disable, force one cycle, clear the queue, reset, status and export.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"devpilot/internal/eventbus"
	rtsup "devpilot/internal/runtime/supervisor"
	"devpilot/internal/storage"
	"devpilot/internal/task"
	"devpilot/internal/task/catalog"
	"devpilot/internal/task/engine"
	"devpilot/internal/task/poller"
	"devpilot/internal/task/registry"
	"devpilot/internal/task/scheduler"
	"devpilot/internal/task/stats"
	logx "devpilot/pkg/logx"
)

var ErrNotStarted = errors.New("orchestrator not started")

// Deps are the shared components. Queue, Registry and Engine are shared by
// every loop; each is synchronized on its own.
type Deps struct {
	Queue     *task.Queue
	Registry  *registry.Registry
	Generator *catalog.Generator
	Engine    *engine.Service
	Poller    *poller.Service
	// Store is optional; without it auto-save, restore and the audit journal are off.
	Store storage.Store
	Log   logx.Logger
	Bus   eventbus.Bus
}

type Orchestrator struct {
	mu        sync.Mutex
	cfg       Config
	mode      task.Mode
	lastCycle *CycleReport
	sup       *rtsup.Supervisor
	unsub     func()

	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store

	queue  *task.Queue
	reg    *registry.Registry
	gen    *catalog.Generator
	engine *engine.Service
	poller *poller.Service
	stats  *stats.Aggregator
	gates  *scheduler.Gates
	sched  *scheduler.Service
}

func New(cfg Config, d Deps) (*Orchestrator, error) {
	if d.Queue == nil || d.Registry == nil || d.Generator == nil || d.Engine == nil || d.Poller == nil {
		return nil, &task.ConfigurationError{What: "orchestrator dependencies incomplete"}
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop()
	}
	gates := scheduler.NewGates()
	o := &Orchestrator{
		cfg:    cfg.withDefaults(),
		mode:   task.ModeBaseline,
		log:    d.Log,
		bus:    d.Bus,
		store:  d.Store,
		queue:  d.Queue,
		reg:    d.Registry,
		gen:    d.Generator,
		engine: d.Engine,
		poller: d.Poller,
		stats:  stats.New(d.Registry, d.Engine, d.Queue),
		gates:  gates,
		sched:  scheduler.New(gates, d.Log.With(logx.String("comp", "scheduler")), d.Bus),
	}
	gates.Set(scheduler.GateBaseline, true)
	o.poller.OnTerminal(o.onTerminal)
	if err := o.registerLoops(); err != nil {
		return nil, err
	}
	return o, nil
}

// Apply swaps cadences and policies. Loops pick up new cadences the next
// time they are started.
func (o *Orchestrator) Apply(cfg Config) error {
	o.mu.Lock()
	o.cfg = cfg.withDefaults()
	o.mu.Unlock()
	return o.registerLoops()
}

func (o *Orchestrator) config() Config {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg
}

// Start restores the last snapshot, starts the audit journal and the
// scheduler. Modes stay disabled until Enable.
func (o *Orchestrator) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	o.mu.Lock()
	if o.sup != nil {
		o.mu.Unlock()
		return nil
	}
	o.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(o.log), rtsup.WithCancelOnError(false))
	sup := o.sup
	o.mu.Unlock()

	if err := o.restore(ctx); err != nil {
		o.log.Warn("history restore failed", logx.Err(err))
	}
	if o.store != nil {
		events, unsub := o.bus.Subscribe(256)
		o.mu.Lock()
		o.unsub = unsub
		o.mu.Unlock()
		sup.Go0("audit", func(c context.Context) { o.auditLoop(c, events) })
	}
	return o.sched.Start(sup.Context())
}

// Stop stops every loop, saves a final snapshot and closes the audit journal.
func (o *Orchestrator) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	o.mu.Lock()
	sup, unsub := o.sup, o.unsub
	o.sup, o.unsub = nil, nil
	o.mu.Unlock()
	if sup == nil {
		return nil
	}

	err := o.sched.Stop(ctx)
	if serr := o.save(ctx); serr != nil && !errors.Is(serr, storage.ErrDisabled) {
		o.log.Warn("final history save failed", logx.Err(serr))
	}
	if unsub != nil {
		unsub()
	}
	if werr := sup.Stop(ctx); err == nil {
		err = werr
	}
	return err
}

func (o *Orchestrator) started() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sup != nil
}

// Enable turns autonomous mode on in the given mode and starts its loops.
// Switching modes stops the other mode's loops through their gates.
func (o *Orchestrator) Enable(ctx context.Context, mode task.Mode) (State, error) {
	if !o.started() {
		return o.State(), ErrNotStarted
	}
	if mode == "" {
		mode = task.ModeBaseline
	}
	if _, err := task.ParseMode(string(mode)); err != nil {
		return o.State(), err
	}

	o.mu.Lock()
	prev := o.mode
	o.mode = mode
	o.mu.Unlock()

	o.gates.Set(scheduler.GateBaseline, mode == task.ModeBaseline)
	o.gates.Set(scheduler.GateAggressive, mode == task.ModeAggressive)
	o.gates.Set(scheduler.GateAutonomous, true)

	var loops []string
	if mode == task.ModeAggressive {
		loops = []string{LoopFeatureCycle, LoopControlsCycle, LoopTabCycle, LoopStatusPoll}
	} else {
		loops = []string{LoopDevelopment}
	}
	for _, name := range loops {
		if err := o.sched.StartLoop(name); err != nil {
			return o.State(), err
		}
	}
	o.startSubsystems()

	o.log.Info("autonomous mode enabled", logx.String("mode", string(mode)), logx.String("previous", string(prev)))
	o.audit(ctx, storage.AuditEntry{Action: storage.ActionMode, Detail: "enable " + string(mode)})
	st := o.State()
	o.bus.Publish(eventbus.Event{Type: eventbus.OrchestratorMode, Time: time.Now(), Data: st})
	return st, nil
}

// Disable turns autonomous mode off. Loops stop on their own at their next
// gate check; calls already issued still complete.
func (o *Orchestrator) Disable() State {
	if prev := o.gates.Set(scheduler.GateAutonomous, false); prev {
		o.log.Info("autonomous mode disabled")
		o.audit(context.Background(), storage.AuditEntry{Action: storage.ActionMode, Detail: "disable"})
	}
	st := o.State()
	o.bus.Publish(eventbus.Event{Type: eventbus.OrchestratorMode, Time: time.Now(), Data: st})
	return st
}

// SetGate switches a sub-system (auto_save, security_scan) on or off.
func (o *Orchestrator) SetGate(name string, enabled bool) (State, error) {
	g, err := scheduler.ParseGate(name)
	if err != nil {
		return o.State(), err
	}
	if g != scheduler.GateAutoSave && g != scheduler.GateSecurityScan {
		return o.State(), fmt.Errorf("gate %s is controlled by enable/disable", g)
	}
	if prev := o.gates.Set(g, enabled); prev != enabled {
		o.log.Info("gate changed", logx.String("gate", string(g)), logx.Bool("enabled", enabled))
		o.audit(context.Background(), storage.AuditEntry{Action: storage.ActionGate, Detail: fmt.Sprintf("%s=%t", g, enabled)})
	}
	if enabled && o.started() {
		o.startSubsystems()
	}
	return o.State(), nil
}

// startSubsystems arms every sub-system loop whose gates are open.
func (o *Orchestrator) startSubsystems() {
	for _, name := range []string{LoopAutoSave, LoopSecurityScan} {
		err := o.sched.StartLoop(name)
		if err != nil && !errors.Is(err, scheduler.ErrGateClosed) {
			o.log.Warn("start loop failed", logx.String("loop", name), logx.Err(err))
		}
	}
}

// ForceCycle runs one development cycle of the current mode right now, even
// when autonomous mode is off.
func (o *Orchestrator) ForceCycle(ctx context.Context) (State, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	o.mu.Lock()
	mode := o.mode
	o.mu.Unlock()

	var err error
	if mode == task.ModeAggressive {
		_, err = o.aggressiveCycle(ctx)
	} else {
		_, err = o.developmentCycle(ctx)
	}
	return o.State(), err
}

// ClearQueue drops every pending task.
func (o *Orchestrator) ClearQueue() State {
	if n := o.queue.Clear(); n > 0 {
		o.log.Info("queue cleared", logx.Int("dropped", n))
	}
	return o.State()
}

// Reset disables autonomous mode and forgets all pending tasks, job records,
// counters, history and satisfied keys. Job ids seen before stay reserved.
func (o *Orchestrator) Reset() State {
	o.gates.Set(scheduler.GateAutonomous, false)
	queued := o.queue.Clear()
	jobs := o.reg.Clear()
	o.engine.Reset()
	o.gen.Satisfied().Reset()
	o.mu.Lock()
	o.lastCycle = nil
	o.mu.Unlock()

	o.log.Info("orchestrator reset", logx.Int("queued", queued), logx.Int("jobs", jobs))
	o.audit(context.Background(), storage.AuditEntry{Action: storage.ActionReset, Detail: fmt.Sprintf("queued=%d jobs=%d", queued, jobs)})
	return o.State()
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	mode, last := o.mode, o.lastCycle
	o.mu.Unlock()
	st := State{
		Enabled:     o.gates.Get(scheduler.GateAutonomous),
		Mode:        mode,
		QueueLen:    o.queue.Len(),
		Outstanding: len(o.reg.Outstanding()),
		Gates:       o.gates.Snapshot(),
	}
	if err := o.sched.Err(); err != nil {
		st.Halted = err.Error()
	}
	if last != nil {
		lc := *last
		st.LastCycle = &lc
	}
	return st
}

func (o *Orchestrator) Status() Status {
	es := o.engine.Snapshot()
	return Status{
		State: o.State(),
		Stats: o.stats.Snapshot(),
		Loops: o.sched.Snapshot(),
		Circuit: CircuitInfo{
			Open:     es.CircuitOpen,
			Failures: es.CircuitFailures,
			Until:    es.CircuitUntil,
		},
	}
}

// Stats returns the statistics snapshot alone.
func (o *Orchestrator) Stats() stats.Snapshot { return o.stats.Snapshot() }

func (o *Orchestrator) ExportHistory() HistoryDocument {
	o.mu.Lock()
	mode := o.mode
	o.mu.Unlock()
	return HistoryDocument{
		Version:    HistoryVersion,
		ExportedAt: time.Now().UTC(),
		Mode:       mode,
		Gates:      o.gates.Snapshot(),
		Jobs:       o.reg.All(),
		Outcomes:   o.engine.History(),
		Pending:    o.queue.Items(),
		Satisfied:  o.gen.Satisfied().Keys(),
		Stats:      o.stats.Snapshot(),
	}
}

// RecentAudit reads the audit journal. It returns storage.ErrDisabled
// without a store.
func (o *Orchestrator) RecentAudit(ctx context.Context, limit int) ([]storage.AuditEntry, error) {
	if o.store == nil {
		return nil, storage.ErrDisabled
	}
	return o.store.RecentAudit(ctx, limit)
}

// onTerminal marks finished work satisfied so the baseline catalog stops
// generating it.
func (o *Orchestrator) onTerminal(rec registry.Record) {
	if rec.Status == registry.StatusFinished && rec.Task.Key != "" {
		o.gen.Satisfied().Mark(rec.Task.Key)
	}
}
