package orchestrator

import (
	"context"
	"time"

	"devpilot/internal/task"
	"devpilot/internal/task/catalog"
	"devpilot/internal/task/engine"
	"devpilot/internal/task/scheduler"
	logx "devpilot/pkg/logx"
)

func (o *Orchestrator) registerLoops() error {
	cfg := o.config()
	mode := []scheduler.Gate{scheduler.GateAutonomous}
	loops := []scheduler.Loop{
		{
			Name: LoopDevelopment, Schedule: cfg.DevelopmentEvery, RunOnStart: true,
			Gates: append(mode, scheduler.GateBaseline),
			Job:   func(ctx context.Context) error { _, err := o.developmentCycle(ctx); return err },
		},
		{
			Name: LoopFeatureCycle, Schedule: cfg.FeatureEvery, RunOnStart: true,
			Gates: append(mode, scheduler.GateAggressive),
			Job:   o.sectionJob(cfg.FeatureSection),
		},
		{
			Name: LoopControlsCycle, Schedule: cfg.ControlsEvery, RunOnStart: true,
			Gates: append(mode, scheduler.GateAggressive),
			Job:   o.sectionJob(cfg.ControlsSection),
		},
		{
			Name: LoopTabCycle, Schedule: cfg.TabsEvery, RunOnStart: true,
			Gates: append(mode, scheduler.GateAggressive),
			Job:   o.sectionJob(cfg.TabsSection),
		},
		{
			Name: LoopStatusPoll, Schedule: cfg.PollEvery,
			Gates: append(mode, scheduler.GateAggressive),
			Job:   func(ctx context.Context) error { o.poller.PollOnce(ctx); return nil },
		},
		{
			Name: LoopSecurityScan, Schedule: cfg.SecurityEvery, Spread: true,
			Gates: append(mode, scheduler.GateSecurityScan),
			Job:   o.securityScan,
		},
		{
			Name: LoopAutoSave, Schedule: cfg.AutoSaveEvery, Spread: true,
			Gates: []scheduler.Gate{scheduler.GateAutoSave},
			Job:   o.autoSave,
		},
	}
	for _, l := range loops {
		if err := o.sched.Register(l); err != nil {
			return err
		}
	}
	return nil
}

// developmentCycle is one baseline tick: refresh job statuses, generate the
// baseline catalog and drain it sequentially.
func (o *Orchestrator) developmentCycle(ctx context.Context) (CycleReport, error) {
	o.poller.PollOnce(ctx)
	tasks, err := o.gen.Generate(task.ModeBaseline)
	if err != nil {
		return CycleReport{}, err
	}
	return o.dispatch(ctx, task.ModeBaseline, tasks, o.config().Baseline), nil
}

// aggressiveCycle is a forced tick in aggressive mode: every section at once.
func (o *Orchestrator) aggressiveCycle(ctx context.Context) (CycleReport, error) {
	o.poller.PollOnce(ctx)
	tasks, err := o.gen.Generate(task.ModeAggressive)
	if err != nil {
		return CycleReport{}, err
	}
	return o.dispatch(ctx, task.ModeAggressive, tasks, o.config().Aggressive), nil
}

func (o *Orchestrator) sectionJob(section string) func(context.Context) error {
	return func(ctx context.Context) error {
		tasks, err := o.gen.GenerateSection(task.ModeAggressive, section)
		if err != nil {
			return err
		}
		o.dispatch(ctx, task.ModeAggressive, tasks, o.config().Aggressive)
		return nil
	}
}

func (o *Orchestrator) securityScan(ctx context.Context) error {
	o.mu.Lock()
	mode := o.mode
	o.mu.Unlock()
	tasks, err := o.gen.GenerateSection(mode, catalog.SectionSecurity)
	if err != nil {
		return err
	}
	p := o.config().Baseline
	if mode == task.ModeAggressive {
		p = o.config().Aggressive
	}
	o.dispatch(ctx, mode, tasks, p)
	return nil
}

// dispatch enqueues tasks and drains the shared queue under p. In baseline
// mode a key that is already queued or has an outstanding job is skipped so
// a slow backend does not collect duplicates every tick.
func (o *Orchestrator) dispatch(ctx context.Context, mode task.Mode, tasks []task.Descriptor, p engine.Policy) CycleReport {
	rep := CycleReport{Mode: mode, At: time.Now()}
	if mode == task.ModeBaseline {
		busy := o.busyKeys()
		kept := tasks[:0]
		for _, t := range tasks {
			if t.Key != "" && busy[t.Key] {
				rep.Skipped++
				continue
			}
			kept = append(kept, t)
		}
		tasks = kept
	}
	rep.Generated = len(tasks)
	o.queue.Enqueue(tasks...)
	rep.Drain = o.engine.Drain(ctx, p)

	o.mu.Lock()
	o.lastCycle = &rep
	o.mu.Unlock()
	o.log.Debug("cycle finished",
		logx.String("mode", string(mode)),
		logx.Int("generated", rep.Generated),
		logx.Int("skipped", rep.Skipped),
		logx.Int("launched", rep.Drain.Launched),
	)
	return rep
}

func (o *Orchestrator) busyKeys() map[string]bool {
	busy := map[string]bool{}
	for _, d := range o.queue.Items() {
		busy[d.Key] = true
	}
	for _, r := range o.reg.Outstanding() {
		busy[r.Task.Key] = true
	}
	return busy
}
