// Package engine is the dispatcher: it drains the shared task queue, launches
// each task as a remote job and applies the retry policy to failed launches.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"devpilot/internal/agent"
	"devpilot/internal/eventbus"
	"devpilot/internal/prompt"
	"devpilot/internal/task"
	"devpilot/internal/task/registry"
	logx "devpilot/pkg/logx"
)

// Launcher creates remote jobs. *agent.Client implements it.
type Launcher interface {
	CreateJob(ctx context.Context, req agent.CreateRequest) (agent.Job, error)
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	queue    *task.Queue
	registry *registry.Registry
	launcher Launcher
	prompts  prompt.Builder

	circuit circuit

	cmu      sync.Mutex
	counters Counters

	hmu     sync.Mutex
	history []HistoryItem

	now func() time.Time
}

func New(cfg Config, q *task.Queue, reg *registry.Registry, launcher Launcher, prompts prompt.Builder, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	if prompts == nil {
		prompts = prompt.BuilderFunc(func(d task.Descriptor) (string, error) { return d.Description, nil })
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		log:      log,
		bus:      bus,
		queue:    q,
		registry: reg,
		launcher: launcher,
		prompts:  prompts,
		counters: Counters{ByCategory: map[task.Category]int{}},
		now:      time.Now,
	}
}

// Apply swaps the configuration. Drains already running keep the config they
// started with for calls already issued.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	return cfg
}

// Drain empties the queue under policy p. It never returns launch errors:
// failures are requeued or dropped and show up in the report, the counters,
// the history and the event bus.
func (s *Service) Drain(ctx context.Context, p Policy) DrainReport {
	if ctx == nil {
		ctx = context.Background()
	}
	p = p.withDefaults()
	start := s.now()
	var rep DrainReport
	switch p.Mode {
	case StaggerParallel:
		rep = s.drainStagger(ctx, p)
	default:
		rep = s.drainSequential(ctx, p)
	}
	rep.Mode = p.Mode
	rep.Duration = s.now().Sub(start)

	if rep.Attempts > 0 || rep.Returned > 0 || rep.Cleared > 0 {
		s.log.Info("drain finished",
			logx.String("mode", string(rep.Mode)),
			logx.Int("launched", rep.Launched),
			logx.Int("requeued", rep.Requeued),
			logx.Int("dropped", rep.Dropped),
			logx.Int("returned", rep.Returned),
			logx.Int("cleared", rep.Cleared),
			logx.Bool("circuit_open", rep.CircuitOpen),
			logx.Duration("took", rep.Duration),
		)
	}
	return rep
}

// issuable reports whether another create call may be issued now.
func (s *Service) issuable(ctx context.Context, cfg Config) (ok bool, circuitOpen bool) {
	if ctx.Err() != nil {
		return false, false
	}
	if open, until := s.circuit.isOpen(s.now(), cfg); open {
		s.log.Debug("launch paused: circuit open", logx.Time("until", until))
		return false, true
	}
	return true, false
}

// launch performs one attempt for d and applies the outcome. The create call
// runs on a context detached from ctx: once issued it completes and its
// result is applied even if the owning loop stops.
func (s *Service) launch(ctx context.Context, d task.Descriptor, p Policy) Outcome {
	cfg := s.config()
	started := s.now()
	attempt := d.RetryCount + 1

	text, err := s.prompts.Build(d)
	if err != nil {
		return s.fail(d, p, started, NoRetry(fmt.Errorf("build prompt: %w", err)))
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.CallTimeout)
	job, err := s.launcher.CreateJob(callCtx, agent.CreateRequest{Prompt: text, Source: cfg.Source, Options: cfg.Options})
	cancel()

	if tripped := s.circuit.record(s.now(), cfg, err); tripped {
		s.log.Warn("backend circuit opened", logx.Err(err))
	}
	if err != nil {
		return s.fail(d, p, started, &task.LaunchError{Task: d, Err: err})
	}

	status, perr := registry.ParseStatus(job.Status)
	if perr != nil {
		status = registry.StatusCreating
	}
	if _, rerr := s.registry.Register(job.ID, d, status); rerr != nil {
		// The job exists remotely; count it as launched but surface the conflict.
		s.log.Error("register launched job", logx.String("job", job.ID), logx.String("task", d.ID), logx.Err(rerr))
	}

	s.cmu.Lock()
	s.counters.Launched++
	s.counters.ByCategory[d.Category]++
	s.cmu.Unlock()

	s.record(HistoryItem{
		TaskID: d.ID, Key: d.Key, Category: d.Category, Priority: d.Priority,
		Attempt: attempt, Outcome: OutcomeLaunched, JobID: job.ID,
		Started: started, Duration: s.now().Sub(started),
	}, cfg)
	s.bus.Publish(eventbus.Event{Type: eventbus.TaskLaunched, Time: s.now(), Data: TaskEvent{
		TaskID: d.ID, Key: d.Key, Category: d.Category, Attempt: attempt, JobID: job.ID,
	}})
	s.log.Info("task launched",
		logx.String("task", d.ID),
		logx.String("key", d.Key),
		logx.String("category", string(d.Category)),
		logx.String("job", job.ID),
		logx.Int("attempt", attempt),
	)
	return OutcomeLaunched
}

// fail applies the retry policy: one more attempt counted and priority
// downgraded; requeue at the tail while RetryCount <= MaxRetries, otherwise
// drop as a permanent failure.
func (s *Service) fail(d task.Descriptor, p Policy, started time.Time, err error) Outcome {
	cfg := s.config()
	attempt := d.RetryCount + 1
	next := d.Retried()

	var le *task.LaunchError
	isLaunch := errors.As(err, &le)

	outcome := OutcomeRequeued
	final := err
	if IsNoRetry(err) || next.RetryCount > p.MaxRetries {
		outcome = OutcomeDropped
		final = &task.ExhaustedRetryError{Task: next, MaxRetries: p.MaxRetries, Last: err}
	}

	s.cmu.Lock()
	if isLaunch {
		s.counters.LaunchFailures++
	}
	if outcome == OutcomeRequeued {
		s.counters.Retried++
	} else {
		s.counters.PermanentFailures++
	}
	s.cmu.Unlock()

	if outcome == OutcomeRequeued {
		s.queue.Requeue(next)
	}

	s.record(HistoryItem{
		TaskID: d.ID, Key: d.Key, Category: d.Category, Priority: d.Priority,
		Attempt: attempt, Outcome: outcome, Error: err.Error(),
		Started: started, Duration: s.now().Sub(started),
	}, cfg)

	ev := TaskEvent{TaskID: d.ID, Key: d.Key, Category: d.Category, Attempt: attempt, Error: final.Error()}
	if outcome == OutcomeRequeued {
		s.bus.Publish(eventbus.Event{Type: eventbus.TaskRequeued, Time: s.now(), Data: ev})
		s.log.Warn("launch failed, task requeued",
			logx.String("task", d.ID),
			logx.String("category", string(d.Category)),
			logx.Int("attempt", attempt),
			logx.Int("max_retries", p.MaxRetries),
			logx.String("priority", string(next.Priority)),
			logx.Err(err),
		)
	} else {
		s.bus.Publish(eventbus.Event{Type: eventbus.TaskDropped, Time: s.now(), Data: ev})
		s.log.Error("task dropped", logx.String("task", d.ID), logx.String("category", string(d.Category)), logx.Err(final))
	}
	return outcome
}

func (s *Service) record(item HistoryItem, cfg Config) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > cfg.HistorySize {
		s.history = s.history[len(s.history)-cfg.HistorySize:]
	}
	s.hmu.Unlock()
}

// Counters returns a copy of the running totals.
func (s *Service) Counters() Counters {
	s.cmu.Lock()
	c := s.counters.clone()
	s.cmu.Unlock()
	return c
}

// History returns a copy of the recent attempts, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()
	return h
}

func (s *Service) Snapshot() Snapshot {
	cfg := s.config()
	fails, open, until := s.circuit.snapshot(s.now())
	return Snapshot{
		Counters:        s.Counters(),
		CircuitOpen:     open,
		CircuitFailures: fails,
		CircuitUntil:    until,
		CallTimeout:     cfg.CallTimeout,
		History:         s.History(),
	}
}

// Reset clears counters, history and the circuit breaker.
func (s *Service) Reset() {
	s.cmu.Lock()
	s.counters = Counters{ByCategory: map[task.Category]int{}}
	s.cmu.Unlock()
	s.hmu.Lock()
	s.history = nil
	s.hmu.Unlock()
	s.circuit.reset()
}
