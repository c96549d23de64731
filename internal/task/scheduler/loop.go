package scheduler

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Loop is one periodic job.
type Loop struct {
	Name string
	// Schedule is parsed with ParseSchedule.
	Schedule string
	// Gates must all be open for the loop to arm and to run.
	Gates []Gate
	// RunOnStart fires the first run immediately instead of after one period.
	RunOnStart bool
	// Spread pushes the first run back by a random jitter.
	Spread bool
	// Timeout bounds one run. Zero means no bound beyond the loop's lifetime.
	Timeout time.Duration
	Job     func(ctx context.Context) error
}

func (l Loop) validate() (ParsedSpec, error) {
	if strings.TrimSpace(l.Name) == "" {
		return ParsedSpec{}, errors.New("loop name required")
	}
	if l.Job == nil {
		return ParsedSpec{}, errors.New("loop job required")
	}
	if l.Timeout < 0 {
		return ParsedSpec{}, errors.New("loop timeout must be >= 0")
	}
	return ParseSchedule(l.Schedule)
}

type State string

const (
	StateStopped State = "STOPPED"
	StateRunning State = "RUNNING"
)

// LoopInfo is a point-in-time view of one loop.
type LoopInfo struct {
	Name         string        `json:"name"`
	Schedule     string        `json:"schedule"`
	Gates        []string      `json:"gates,omitempty"`
	State        State         `json:"state"`
	Runs         int           `json:"runs"`
	Failures     int           `json:"failures"`
	LastRun      time.Time     `json:"last_run,omitempty"`
	LastDuration time.Duration `json:"last_duration,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
	Next         time.Time     `json:"next,omitempty"`
}

// HaltEvent is published on eventbus.SchedulerHalted.
type HaltEvent struct {
	Loop  string `json:"loop"`
	Error string `json:"error"`
}
