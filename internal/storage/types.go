package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl + snapshot)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Audit actions.
const (
	ActionLaunched = "launched"
	ActionDropped  = "dropped"
	ActionFinished = "finished"
	ActionFailed   = "failed"
	ActionMode     = "mode"
	ActionGate     = "gate"
	ActionReset    = "reset"
)

// AuditEntry records one orchestrator event worth keeping after restarts.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At       time.Time `json:"at"`
	Action   string    `json:"action"`
	TaskID   string    `json:"task_id,omitempty"`
	Key      string    `json:"key,omitempty"`
	Category string    `json:"category,omitempty"`
	JobID    string    `json:"job_id,omitempty"`
	Attempt  int       `json:"attempt,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Snapshot is one saved document. Data is opaque JSON.
type Snapshot struct {
	Name    string
	SavedAt time.Time
	Data    []byte
}
