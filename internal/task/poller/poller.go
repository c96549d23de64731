// Package poller refreshes the status of outstanding jobs from the agent backend.
package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"devpilot/internal/agent"
	"devpilot/internal/eventbus"
	"devpilot/internal/task"
	"devpilot/internal/task/registry"
	logx "devpilot/pkg/logx"
)

// NotFoundSummary is recorded on jobs the backend no longer knows about.
const NotFoundSummary = "job not found on backend"

// JobGetter reads one remote job. *agent.Client implements it.
type JobGetter interface {
	GetJob(ctx context.Context, id string) (agent.Job, error)
}

type Config struct {
	// Timeout bounds one status call. Zero means 15s.
	Timeout time.Duration
	// Concurrency caps parallel status calls. Zero means 4.
	Concurrency int
}

// PollReport summarizes one PollOnce call.
type PollReport struct {
	Checked  int `json:"checked"`
	Changed  int `json:"changed"`
	Finished int `json:"finished"`
	Failed   int `json:"failed"`
	Errors   int `json:"errors"`
	Skipped  int `json:"skipped"`
}

// StatusEvent is published on eventbus.JobStatus when a job changes status.
type StatusEvent struct {
	JobID    string          `json:"job_id"`
	TaskID   string          `json:"task_id"`
	Key      string          `json:"key,omitempty"`
	Category task.Category   `json:"category"`
	From     registry.Status `json:"from"`
	To       registry.Status `json:"to"`
	Summary  string          `json:"summary,omitempty"`
}

type Service struct {
	mu         sync.Mutex
	cfg        Config
	reg        *registry.Registry
	getter     JobGetter
	log        logx.Logger
	bus        eventbus.Bus
	onTerminal func(registry.Record)
}

func New(cfg Config, reg *registry.Registry, getter JobGetter, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Service{cfg: cfg, reg: reg, getter: getter, log: log, bus: bus}
}

// OnTerminal registers a hook called once for every job that reaches
// FINISHED or FAILED during a poll.
func (s *Service) OnTerminal(fn func(registry.Record)) {
	s.mu.Lock()
	s.onTerminal = fn
	s.mu.Unlock()
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// PollOnce refreshes every outstanding record. A failure for one job is
// logged as a *task.PollError and never affects the others; it is retried on
// the next call. Calls already issued finish even if ctx is cancelled.
func (s *Service) PollOnce(ctx context.Context) PollReport {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cfg := s.cfg
	hook := s.onTerminal
	s.mu.Unlock()
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	var (
		rmu sync.Mutex
		rep PollReport
	)
	var g errgroup.Group
	g.SetLimit(cfg.Concurrency)
	for _, rec := range s.reg.Outstanding() {
		if ctx.Err() != nil {
			rep.Skipped++
			continue
		}
		rec := rec // per-iteration copy (go.mod targets go1.21 loop semantics)
		g.Go(func() error {
			r := s.pollOne(ctx, rec, cfg.Timeout, hook)
			rmu.Lock()
			rep.Checked++
			if r.changed {
				rep.Changed++
			}
			switch r.to {
			case registry.StatusFinished:
				rep.Finished++
			case registry.StatusFailed:
				rep.Failed++
			}
			if r.err {
				rep.Errors++
			}
			rmu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if rep.Changed > 0 || rep.Errors > 0 {
		s.log.Info("poll finished",
			logx.Int("checked", rep.Checked),
			logx.Int("changed", rep.Changed),
			logx.Int("finished", rep.Finished),
			logx.Int("failed", rep.Failed),
			logx.Int("errors", rep.Errors),
		)
	}
	return rep
}

type pollResult struct {
	changed bool
	to      registry.Status
	err     bool
}

func (s *Service) pollOne(ctx context.Context, rec registry.Record, timeout time.Duration, hook func(registry.Record)) pollResult {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	job, err := s.getter.GetJob(callCtx, rec.ID)
	cancel()

	var (
		status  registry.Status
		summary string
	)
	switch {
	case agent.IsNotFound(err):
		status, summary = registry.StatusFailed, NotFoundSummary
	case err != nil:
		s.log.Warn("poll failed", logx.Err(&task.PollError{JobID: rec.ID, Err: err}))
		return pollResult{err: true}
	default:
		status, err = registry.ParseStatus(job.Status)
		if err != nil {
			s.log.Warn("poll failed", logx.Err(&task.PollError{JobID: rec.ID, Err: err}))
			return pollResult{err: true}
		}
		summary = job.Summary
	}

	updated, changed, err := s.reg.UpdateStatus(rec.ID, status, summary)
	if err != nil {
		if errors.Is(err, registry.ErrInvalidTransition) {
			s.log.Debug("ignoring backward status", logx.String("job", rec.ID), logx.String("remote", string(status)))
			return pollResult{}
		}
		s.log.Warn("poll update failed", logx.Err(&task.PollError{JobID: rec.ID, Err: err}))
		return pollResult{err: true}
	}
	if !changed {
		return pollResult{}
	}

	s.bus.Publish(eventbus.Event{Type: eventbus.JobStatus, Time: time.Now(), Data: StatusEvent{
		JobID: rec.ID, TaskID: rec.Task.ID, Key: rec.Task.Key, Category: rec.Task.Category,
		From: rec.Status, To: updated.Status, Summary: updated.Summary,
	}})
	s.log.Info("job status changed",
		logx.String("job", rec.ID),
		logx.String("from", string(rec.Status)),
		logx.String("to", string(updated.Status)),
	)
	if updated.Status.Terminal() && hook != nil {
		hook(updated)
	}
	return pollResult{changed: true, to: updated.Status}
}
