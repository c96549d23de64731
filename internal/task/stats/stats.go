// Package stats derives read-only statistics from the registry and the
// dispatcher's counters.
package stats

import (
	"devpilot/internal/task"
	"devpilot/internal/task/engine"
	"devpilot/internal/task/registry"
)

// CounterSource supplies the dispatcher's running totals. *engine.Service implements it.
type CounterSource interface {
	Counters() engine.Counters
}

// QueueSource reports pending work. *task.Queue implements it.
type QueueSource interface {
	Len() int
}

type Snapshot struct {
	TotalLaunched     int                   `json:"total_launched"`
	Completed         int                   `json:"completed"`
	Failed            int                   `json:"failed"`
	Outstanding       int                   `json:"outstanding"`
	ByCategory        map[task.Category]int `json:"by_category"`
	Retried           int                   `json:"retried"`
	PermanentFailures int                   `json:"permanent_failures"`
	LaunchFailures    int                   `json:"launch_failures"`
	QueueLen          int                   `json:"queue_len"`
}

// Aggregator never mutates anything it reads. Each source is read through
// its own lock, so Snapshot is safe to call during active dispatch.
type Aggregator struct {
	reg      *registry.Registry
	counters CounterSource
	queue    QueueSource
}

func New(reg *registry.Registry, counters CounterSource, queue QueueSource) *Aggregator {
	return &Aggregator{reg: reg, counters: counters, queue: queue}
}

func (a *Aggregator) Snapshot() Snapshot {
	rc := a.reg.Counts()
	c := a.counters.Counters()

	// Every category is always present so two snapshots compare equal
	// regardless of which categories have been launched.
	by := make(map[task.Category]int, len(task.Categories))
	for _, cat := range task.Categories {
		by[cat] = c.ByCategory[cat]
	}

	s := Snapshot{
		TotalLaunched:     c.Launched,
		Completed:         rc.Finished,
		Failed:            rc.Failed,
		Outstanding:       rc.Creating + rc.Running,
		ByCategory:        by,
		Retried:           c.Retried,
		PermanentFailures: c.PermanentFailures,
		LaunchFailures:    c.LaunchFailures,
	}
	if a.queue != nil {
		s.QueueLen = a.queue.Len()
	}
	return s
}
