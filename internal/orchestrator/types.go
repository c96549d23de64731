package orchestrator

import (
	"time"

	"devpilot/internal/task"
	"devpilot/internal/task/engine"
	"devpilot/internal/task/registry"
	"devpilot/internal/task/scheduler"
	"devpilot/internal/task/stats"
)

// Loop names.
const (
	LoopDevelopment   = "development"
	LoopFeatureCycle  = "feature-cycle"
	LoopControlsCycle = "controls-cycle"
	LoopTabCycle      = "tab-cycle"
	LoopStatusPoll    = "status-poll"
	LoopAutoSave      = "auto-save"
	LoopSecurityScan  = "security-scan"
)

// DefaultSnapshotName is the storage key of the auto-saved history document.
const DefaultSnapshotName = "history"

// Config holds loop cadences and the drain policy of each mode. Cadences
// use the scheduler syntax ("30s", "00:30", "@every 30s", cron).
type Config struct {
	DevelopmentEvery string
	FeatureEvery     string
	ControlsEvery    string
	TabsEvery        string
	PollEvery        string
	AutoSaveEvery    string
	SecurityEvery    string

	// Sections drained by the aggressive loops.
	FeatureSection  string
	ControlsSection string
	TabsSection     string

	Baseline   engine.Policy
	Aggressive engine.Policy

	SnapshotName string
	// AuditTimeout bounds one audit write. Zero means 2s.
	AuditTimeout time.Duration
}

func (c Config) withDefaults() Config {
	def := func(v *string, d string) {
		if *v == "" {
			*v = d
		}
	}
	def(&c.DevelopmentEvery, "30s")
	def(&c.FeatureEvery, "15s")
	def(&c.ControlsEvery, "30s")
	def(&c.TabsEvery, "45s")
	def(&c.PollEvery, "30s")
	def(&c.AutoSaveEvery, "60s")
	def(&c.SecurityEvery, "30s")
	def(&c.FeatureSection, "feature")
	def(&c.ControlsSection, "controls")
	def(&c.TabsSection, "tabs")
	def(&c.SnapshotName, DefaultSnapshotName)

	c.Baseline.Mode = engine.Sequential
	if c.Baseline.MaxRetries == 0 {
		c.Baseline.MaxRetries = engine.BaselineMaxRetries
	}
	if c.Aggressive.Mode == "" {
		c.Aggressive.Mode = engine.StaggerParallel
	}
	if c.Aggressive.MaxRetries == 0 {
		c.Aggressive.MaxRetries = engine.AggressiveMaxRetries
	}
	if c.AuditTimeout <= 0 {
		c.AuditTimeout = 2 * time.Second
	}
	return c
}

// State is returned by every control operation.
type State struct {
	Enabled     bool            `json:"enabled"`
	Mode        task.Mode       `json:"mode"`
	Halted      string          `json:"halted,omitempty"`
	QueueLen    int             `json:"queue_len"`
	Outstanding int             `json:"outstanding"`
	Gates       map[string]bool `json:"gates"`
	LastCycle   *CycleReport    `json:"last_cycle,omitempty"`
}

// CycleReport describes one development cycle.
type CycleReport struct {
	Mode      task.Mode          `json:"mode"`
	Generated int                `json:"generated"`
	Skipped   int                `json:"skipped"`
	Drain     engine.DrainReport `json:"drain"`
	At        time.Time          `json:"at"`
}

type CircuitInfo struct {
	Open     bool      `json:"open"`
	Failures int       `json:"failures"`
	Until    time.Time `json:"until,omitempty"`
}

// Status is the read-only view served to collaborators. Building it never
// waits on a remote call.
type Status struct {
	State
	Stats   stats.Snapshot       `json:"stats"`
	Loops   []scheduler.LoopInfo `json:"loops"`
	Circuit CircuitInfo          `json:"circuit"`
}

// HistoryVersion is bumped on incompatible HistoryDocument changes.
const HistoryVersion = 1

// HistoryDocument is the full export: every job record, recent task
// outcomes, the pending queue, statistics and gates. It is also the
// auto-save snapshot restored on start.
type HistoryDocument struct {
	Version    int                  `json:"version"`
	ExportedAt time.Time            `json:"exported_at"`
	Mode       task.Mode            `json:"mode"`
	Gates      map[string]bool      `json:"gates"`
	Jobs       []registry.Record    `json:"jobs"`
	Outcomes   []engine.HistoryItem `json:"outcomes"`
	Pending    []task.Descriptor    `json:"pending"`
	Satisfied  []string             `json:"satisfied"`
	Stats      stats.Snapshot       `json:"stats"`
}
