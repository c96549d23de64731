package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings ("500ms", "10s", "1m"). Schedules
// accept the forms understood by the scheduler ("30s", "every:15s",
// "cron:*/5 * * * *", "@hourly").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Agent     AgentConfig     `json:"agent"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Catalog   CatalogConfig   `json:"catalog"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	HTTP      HTTPConfig      `json:"http"`
	Notifier  *NotifierConfig `json:"notifier,omitempty"`
	Telegram  TelegramConfig  `json:"telegram"`
}

type LoggingConfig struct {
	Level   string      `json:"level" validate:"omitempty,oneof=trace debug info warn error TRACE DEBUG INFO WARN ERROR"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path" validate:"required_if=Enabled true"`
}

// AgentConfig points at the remote agent backend. APIKey may be left empty
// and supplied through DEVPILOT_API_KEY.
type AgentConfig struct {
	APIKey     string  `json:"api_key"`
	Endpoint   string  `json:"endpoint,omitempty" validate:"omitempty,url"`
	Timeout    string  `json:"timeout,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty" validate:"gte=0"`
	Burst      int     `json:"burst,omitempty" validate:"gte=0"`

	Repository   string `json:"repository" validate:"required"`
	Ref          string `json:"ref,omitempty"`
	Model        string `json:"model,omitempty"`
	AutoCreatePR bool   `json:"auto_create_pr,omitempty"`
	BranchName   string `json:"branch_name,omitempty"`
}

// DispatchConfig tunes the launch engine.
//
// Defaults: baseline max_retries 3 with a 1.5s sequential delay; aggressive
// max_retries 5 with a 500ms stagger step; history_size 200.
type DispatchConfig struct {
	Baseline    PolicyConfig  `json:"baseline"`
	Aggressive  PolicyConfig  `json:"aggressive"`
	HistorySize int           `json:"history_size,omitempty" validate:"gte=0"`
	Circuit     CircuitConfig `json:"circuit"`
}

type PolicyConfig struct {
	// MaxRetries of 0 keeps the mode default; -1 drops on the first failure.
	MaxRetries int `json:"max_retries,omitempty" validate:"gte=-1"`
	// Delay is the sequential pause or the stagger step. "0s" keeps the default.
	Delay string `json:"delay,omitempty"`
	// Concurrency caps in-flight calls in stagger mode. 0 means no cap.
	Concurrency int `json:"concurrency,omitempty" validate:"gte=0"`
	// Stagger selects parallel staggered launches. Only honored for aggressive.
	Stagger *bool `json:"stagger,omitempty"`
}

type CircuitConfig struct {
	// TripFailures < 0 disables the breaker; 0 keeps the default (5).
	TripFailures int    `json:"trip_failures,omitempty" validate:"gte=-1"`
	BaseDelay    string `json:"base_delay,omitempty"`
	MaxDelay     string `json:"max_delay,omitempty"`
	ResetAfter   string `json:"reset_after,omitempty"`
}

// SchedulerConfig controls loop cadences and the state the process boots in.
type SchedulerConfig struct {
	// Autostart enables autonomous mode on boot in Mode.
	Autostart bool   `json:"autostart"`
	Mode      string `json:"mode,omitempty" validate:"omitempty,oneof=baseline aggressive"`

	Development string `json:"development,omitempty"`
	Feature     string `json:"feature,omitempty"`
	Controls    string `json:"controls,omitempty"`
	Tabs        string `json:"tabs,omitempty"`
	Poll        string `json:"poll,omitempty"`
	AutoSave    string `json:"auto_save,omitempty"`
	Security    string `json:"security,omitempty"`

	// Initial sub-system gates.
	AutoSaveEnabled     bool `json:"auto_save_enabled"`
	SecurityScanEnabled bool `json:"security_scan_enabled"`

	PollTimeout     string `json:"poll_timeout,omitempty"`
	PollConcurrency int    `json:"poll_concurrency,omitempty" validate:"gte=0"`
}

type CatalogConfig struct {
	// Path to a catalog YAML file. Empty uses the built-in catalog.
	Path string `json:"path,omitempty"`

	FeatureSection  string `json:"feature_section,omitempty"`
	ControlsSection string `json:"controls_section,omitempty"`
	TabsSection     string `json:"tabs_section,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./devpilot.db" }
type StorageConfig struct {
	Driver      string `json:"driver" validate:"omitempty,oneof=none file sqlite sqlite3"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	// Snapshot is the name the export document is saved under.
	Snapshot string `json:"snapshot,omitempty"`
}

// HTTPConfig controls the control API.
//
// Prefer a loopback Addr. A non-loopback bind needs Token or AllowInsecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty" validate:"omitempty,hostname_port"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// NotifierConfig controls the alert pipeline. Omitting the section disables it.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers,omitempty" validate:"gte=0"`
	QueueSize       int    `json:"queue_size,omitempty" validate:"gte=0"`
	RatePerSec      int    `json:"rate_per_sec,omitempty" validate:"gte=0"`
	RetryMax        int    `json:"retry_max,omitempty" validate:"gte=0"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty" validate:"gte=0"`
}

// TelegramConfig is the alert destination. Token may come from
// DEVPILOT_TELEGRAM_TOKEN.
type TelegramConfig struct {
	Token    string `json:"token,omitempty"`
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty" validate:"gte=0"`
	APIURL   string `json:"api_url,omitempty" validate:"omitempty,url"`
}
