package config

import (
	"bytes"
	"encoding/json"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Diag controls the optional operator HTTP endpoint
	// (/healthz, /statusz, /metrics, /debug/pprof/*).
	Diag DiagConfig `json:"diag,omitempty"`

	// Watchdog controls systemd readiness + watchdog notifications.
	Watchdog WatchdogConfig `json:"watchdog,omitempty"`

	// Telegram configures the alert sink target. Optional: without it,
	// alerts only reach the log.
	Telegram *TelegramConfig `json:"telegram,omitempty"`

	Alerts  *AlertsConfig  `json:"alerts,omitempty"`
	Storage *StorageConfig `json:"storage,omitempty"`
	Jobs    JobsConfig     `json:"jobs,omitempty"`

	// Loops defines the control loops to run, keyed by loop name.
	Loops map[string]LoopConfigRaw `json:"loops"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Notify  LoggingNotify `json:"notify"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingNotify forwards rendered log lines at or above min_level to the
// alert sink (rate-limited).
type LoggingNotify struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// DiagConfig controls the optional diagnostics HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6560").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type DiagConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6560"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /debug/pprof/profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}

// WatchdogConfig controls systemd integration.
//
// Interval overrides WATCHDOG_USEC when set; the pet cadence is always
// a third of the effective interval.
type WatchdogConfig struct {
	Enabled  bool   `json:"enabled"`
	Interval string `json:"interval,omitempty"` // Go duration string
}

type TelegramConfig struct {
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
}

// AlertsConfig controls the async alert pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// If the whole section is omitted, the pipeline defaults to enabled=true.
type AlertsConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
	MinSeverity     int    `json:"min_severity,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./paced_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// JobsConfig controls calendar maintenance jobs (robfig/cron).
//
// Schedules accept cron specs, Go durations, or HH:MM intervals
// (see jobs.ParseSchedule). Empty string disables the job.
type JobsConfig struct {
	Enabled      bool   `json:"enabled"`
	Timezone     string `json:"timezone,omitempty"`
	DedupPrune   string `json:"dedup_prune,omitempty"`
	DailySummary string `json:"daily_summary,omitempty"`
}

// LoopConfigRaw defines one control loop.
//
// Enabled is a pointer so we can distinguish "omitted" (default true)
// from an explicit false.
type LoopConfigRaw struct {
	Enabled *bool `json:"enabled,omitempty"`

	// TickPeriod is the loop's drive cadence (Go duration string).
	// Probe intervals are gated inside the loop; the tick only bounds
	// how often the gates are checked. Default "250ms".
	TickPeriod string `json:"tick_period,omitempty"`

	// FirstRun picks the timer baseline for the loop's probes:
	// "immediate" (default; first check can fire right away) or
	// "deferred" (first firing waits a full interval).
	FirstRun string `json:"first_run,omitempty"`

	Breaker *BreakerConfigRaw `json:"breaker,omitempty"`

	Probes map[string]ProbeConfigRaw `json:"probes"`
}

// BreakerConfigRaw tunes the per-probe consecutive-failure circuit breaker.
type BreakerConfigRaw struct {
	// TripFailures < 0 disables the breaker; 0 keeps the default (5).
	TripFailures int    `json:"trip_failures,omitempty"`
	BaseDelay    string `json:"base_delay,omitempty"`
	MaxDelay     string `json:"max_delay,omitempty"`
	ResetAfter   string `json:"reset_after,omitempty"`
}

type ProbeConfigRaw struct {
	Enabled bool `json:"enabled"`

	// Interval between probe firings (Go duration string). Required.
	Interval string `json:"interval"`

	// RunAtStart forces one run on the loop's first tick, before the
	// interval has ever elapsed.
	RunAtStart bool `json:"run_at_start,omitempty"`

	Settings json.RawMessage `json:"settings,omitempty"`
}

// UnmarshalJSON disallows unknown fields so typos in probe sections are
// caught during config reload instead of silently ignored.
func (p *ProbeConfigRaw) UnmarshalJSON(b []byte) error {
	type tmp struct {
		Enabled    bool            `json:"enabled"`
		Interval   string          `json:"interval"`
		RunAtStart bool            `json:"run_at_start,omitempty"`
		Settings   json.RawMessage `json:"settings,omitempty"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t tmp
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*p = ProbeConfigRaw{Enabled: t.Enabled, Interval: t.Interval, RunAtStart: t.RunAtStart, Settings: t.Settings}
	return nil
}
