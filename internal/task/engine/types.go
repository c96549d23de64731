package engine

import (
	"time"

	"devpilot/internal/agent"
	"devpilot/internal/task"
)

// Config controls the dispatcher.
//
// The app layer maps config.dispatch into this struct. Apply swaps it at runtime.
type Config struct {
	// Source and Options are attached to every created job.
	Source  agent.Source
	Options agent.Options

	// CallTimeout bounds one create call. The bound is applied on a context
	// detached from the drain's context, so stopping a loop never cancels an
	// issued call.
	CallTimeout time.Duration

	HistorySize int

	// Circuit breaker on consecutive launch failures against the backend.
	//
	// If CircuitTripFailures < 0, the circuit breaker is disabled.
	// If CircuitTripFailures == 0, a default is applied.
	CircuitTripFailures int
	CircuitBaseDelay    time.Duration
	CircuitMaxDelay     time.Duration
	CircuitResetAfter   time.Duration
}

func (c Config) withDefaults() Config {
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.CircuitTripFailures == 0 {
		c.CircuitTripFailures = 5
	}
	if c.CircuitBaseDelay <= 0 {
		c.CircuitBaseDelay = 5 * time.Second
	}
	if c.CircuitMaxDelay <= 0 {
		c.CircuitMaxDelay = 2 * time.Minute
	}
	if c.CircuitResetAfter <= 0 {
		c.CircuitResetAfter = 5 * time.Minute
	}
	return c
}

// DrainMode selects how a drain issues launch calls.
type DrainMode string

const (
	// Sequential launches one task at a time and sleeps Delay between tasks.
	Sequential DrainMode = "sequential"
	// StaggerParallel issues every queued task concurrently, the i-th one
	// offset by i*Delay from the start of the drain.
	StaggerParallel DrainMode = "stagger"
)

const (
	DefaultSequentialDelay = 1500 * time.Millisecond
	DefaultStaggerDelay    = 500 * time.Millisecond

	BaselineMaxRetries   = 3
	AggressiveMaxRetries = 5
)

// Policy is the per-drain launch policy.
type Policy struct {
	Mode DrainMode
	// Concurrency caps in-flight calls in stagger mode. 0 means no cap.
	Concurrency int
	// MaxRetries is how many times a failed task is requeued before it is
	// dropped. 0 means BaselineMaxRetries; negative means never retry.
	MaxRetries int
	// Delay is the sequential pause or the stagger step. 0 means the mode's
	// default; negative means no delay.
	Delay time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.Mode != Sequential && p.Mode != StaggerParallel {
		p.Mode = Sequential
	}
	if p.MaxRetries == 0 {
		p.MaxRetries = BaselineMaxRetries
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.Concurrency < 0 {
		p.Concurrency = 0
	}
	switch {
	case p.Delay < 0:
		p.Delay = 0
	case p.Delay == 0 && p.Mode == StaggerParallel:
		p.Delay = DefaultStaggerDelay
	case p.Delay == 0:
		p.Delay = DefaultSequentialDelay
	}
	return p
}

// Outcome of one launch attempt.
type Outcome string

const (
	OutcomeLaunched Outcome = "launched"
	OutcomeRequeued Outcome = "requeued"
	OutcomeDropped  Outcome = "dropped"
)

// DrainReport summarizes one Drain call.
type DrainReport struct {
	Mode     DrainMode `json:"mode"`
	Attempts int       `json:"attempts"`
	Launched int       `json:"launched"`
	Requeued int       `json:"requeued"`
	Dropped  int       `json:"dropped"`
	// Returned counts tasks taken out of the queue but put back unissued
	// (drain cancelled or circuit open). They carry no retry penalty.
	Returned int `json:"returned"`
	// Cleared counts taken tasks discarded unissued by a queue clear.
	Cleared     int           `json:"cleared"`
	CircuitOpen bool          `json:"circuit_open"`
	Duration    time.Duration `json:"duration"`
}

func (r *DrainReport) add(o Outcome) {
	r.Attempts++
	switch o {
	case OutcomeLaunched:
		r.Launched++
	case OutcomeRequeued:
		r.Requeued++
	case OutcomeDropped:
		r.Dropped++
	}
}

// HistoryItem is one launch attempt, newest last.
type HistoryItem struct {
	TaskID   string        `json:"task_id"`
	Key      string        `json:"key,omitempty"`
	Category task.Category `json:"category"`
	Priority task.Priority `json:"priority"`
	Attempt  int           `json:"attempt"`
	Outcome  Outcome       `json:"outcome"`
	JobID    string        `json:"job_id,omitempty"`
	Error    string        `json:"error,omitempty"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
}

// TaskEvent is emitted on the event bus for task lifecycle events.
type TaskEvent struct {
	TaskID   string        `json:"task_id"`
	Key      string        `json:"key,omitempty"`
	Category task.Category `json:"category"`
	Attempt  int           `json:"attempt"`
	JobID    string        `json:"job_id,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Counters are the dispatcher's running totals.
type Counters struct {
	Launched          int                   `json:"launched"`
	LaunchFailures    int                   `json:"launch_failures"`
	Retried           int                   `json:"retried"`
	PermanentFailures int                   `json:"permanent_failures"`
	ByCategory        map[task.Category]int `json:"by_category"`
}

func (c Counters) clone() Counters {
	out := c
	out.ByCategory = make(map[task.Category]int, len(c.ByCategory))
	for k, v := range c.ByCategory {
		out.ByCategory[k] = v
	}
	return out
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Counters
	CircuitOpen     bool          `json:"circuit_open"`
	CircuitFailures int           `json:"circuit_failures"`
	CircuitUntil    time.Time     `json:"circuit_until,omitempty"`
	CallTimeout     time.Duration `json:"call_timeout"`
	History         []HistoryItem `json:"history"`
}
