// Package registry tracks every job launched on the agent backend.
//
// The registry is the single source of truth for what is outstanding. All
// mutation goes through one mutex so concurrent launches from several
// scheduler loops cannot corrupt it.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"devpilot/internal/task"
)

var (
	ErrDuplicateJob      = errors.New("job id already registered")
	ErrUnknownJob        = errors.New("job not registered")
	ErrInvalidTransition = errors.New("invalid job status transition")
)

type Status string

const (
	StatusCreating Status = "CREATING"
	StatusRunning  Status = "RUNNING"
	StatusFinished Status = "FINISHED"
	StatusFailed   Status = "FAILED"
)

func (s Status) Terminal() bool { return s == StatusFinished || s == StatusFailed }

func (s Status) Outstanding() bool { return s == StatusCreating || s == StatusRunning }

func (s Status) rank() int {
	switch s {
	case StatusCreating:
		return 0
	case StatusRunning:
		return 1
	case StatusFinished, StatusFailed:
		return 2
	default:
		return -1
	}
}

// ParseStatus maps a backend status string onto the four tracked states.
func ParseStatus(remote string) (Status, error) {
	switch strings.ToUpper(strings.TrimSpace(remote)) {
	case "CREATING", "PENDING", "QUEUED":
		return StatusCreating, nil
	case "RUNNING", "IN_PROGRESS":
		return StatusRunning, nil
	case "FINISHED", "COMPLETED", "SUCCEEDED":
		return StatusFinished, nil
	case "FAILED", "ERROR", "EXPIRED", "CANCELLED", "CANCELED":
		return StatusFailed, nil
	default:
		return "", fmt.Errorf("unknown job status %q", remote)
	}
}

// Record is one launched job.
type Record struct {
	ID            string          `json:"id"`
	Task          task.Descriptor `json:"task"`
	Status        Status          `json:"status"`
	Summary       string          `json:"summary,omitempty"`
	LaunchedAt    time.Time       `json:"launched_at"`
	LastUpdatedAt time.Time       `json:"last_updated_at"`
}

// Counts summarizes the registry by status.
type Counts struct {
	Total    int `json:"total"`
	Creating int `json:"creating"`
	Running  int `json:"running"`
	Finished int `json:"finished"`
	Failed   int `json:"failed"`
}

type Registry struct {
	mu   sync.Mutex
	jobs map[string]*Record
	// seen keeps every id ever registered so ids stay unique after Remove/Clear.
	seen map[string]struct{}
	now  func() time.Time
}

func New() *Registry {
	return &Registry{
		jobs: map[string]*Record{},
		seen: map[string]struct{}{},
		now:  time.Now,
	}
}

// Register inserts a new record. An empty status means CREATING.
func (r *Registry) Register(id string, t task.Descriptor, status Status) (Record, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Record{}, fmt.Errorf("register: empty job id")
	}
	if status == "" {
		status = StatusCreating
	}
	if status.rank() < 0 {
		return Record{}, fmt.Errorf("register %s: unknown status %q", id, status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.seen[id]; dup {
		return Record{}, fmt.Errorf("register %s: %w", id, ErrDuplicateJob)
	}
	now := r.now()
	rec := &Record{ID: id, Task: t, Status: status, LaunchedAt: now, LastUpdatedAt: now}
	r.jobs[id] = rec
	r.seen[id] = struct{}{}
	return *rec, nil
}

// UpdateStatus applies a status observed on the backend.
//
// Transitions only move forward: CREATING -> RUNNING -> FINISHED|FAILED, or
// CREATING -> FAILED. A FINISHED observed while still CREATING is accepted
// (the RUNNING phase was simply missed between polls). Re-observing the same
// status only refreshes LastUpdatedAt and the summary; changed reports whether
// the status itself moved.
func (r *Registry) UpdateStatus(id string, status Status, summary string) (rec Record, changed bool, err error) {
	if status.rank() < 0 {
		return Record{}, false, fmt.Errorf("update %s: unknown status %q", id, status)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.jobs[id]
	if !ok {
		return Record{}, false, fmt.Errorf("update %s: %w", id, ErrUnknownJob)
	}
	if cur.Status == status {
		cur.LastUpdatedAt = r.now()
		if summary != "" {
			cur.Summary = summary
		}
		return *cur, false, nil
	}
	if cur.Status.Terminal() || status.rank() < cur.Status.rank() {
		return *cur, false, fmt.Errorf("update %s %s -> %s: %w", id, cur.Status, status, ErrInvalidTransition)
	}
	cur.Status = status
	cur.LastUpdatedAt = r.now()
	if summary != "" {
		cur.Summary = summary
	}
	return *cur, true, nil
}

func (r *Registry) Get(id string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.jobs[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Outstanding returns records still CREATING or RUNNING, oldest launch first.
func (r *Registry) Outstanding() []Record {
	return r.filter(func(rec *Record) bool { return rec.Status.Outstanding() })
}

// All returns every record, oldest launch first.
func (r *Registry) All() []Record {
	return r.filter(func(*Record) bool { return true })
}

func (r *Registry) filter(keep func(*Record) bool) []Record {
	r.mu.Lock()
	out := make([]Record, 0, len(r.jobs))
	for _, rec := range r.jobs {
		if keep(rec) {
			out = append(out, *rec)
		}
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LaunchedAt.Equal(out[j].LaunchedAt) {
			return out[i].LaunchedAt.Before(out[j].LaunchedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[id]; !ok {
		return false
	}
	delete(r.jobs, id)
	return true
}

// Clear drops every record and returns how many were removed.
func (r *Registry) Clear() int {
	r.mu.Lock()
	n := len(r.jobs)
	r.jobs = map[string]*Record{}
	r.mu.Unlock()
	return n
}

func (r *Registry) Counts() Counts {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := Counts{Total: len(r.jobs)}
	for _, rec := range r.jobs {
		switch rec.Status {
		case StatusCreating:
			c.Creating++
		case StatusRunning:
			c.Running++
		case StatusFinished:
			c.Finished++
		case StatusFailed:
			c.Failed++
		}
	}
	return c
}

// Restore loads records from a saved history. Records whose id is already
// known are skipped; the number restored is returned.
func (r *Registry) Restore(records []Record) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range records {
		if rec.ID == "" || rec.Status.rank() < 0 {
			continue
		}
		if _, dup := r.seen[rec.ID]; dup {
			continue
		}
		cp := rec
		r.jobs[rec.ID] = &cp
		r.seen[rec.ID] = struct{}{}
		n++
	}
	return n
}
