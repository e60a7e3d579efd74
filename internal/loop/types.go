// Package loop hosts control loops: single goroutines that drive their
// probes through interval gates, so one slow probe never needs its own
// timer goroutine and all probe state stays unsynchronized.
package loop

import (
	"encoding/json"
	"time"
)

// Config is one fully-parsed loop definition.
type Config struct {
	Name    string
	Enabled bool

	// TickPeriod bounds how often gates are checked; probe intervals
	// decide when probes actually fire.
	TickPeriod time.Duration

	// Deferred makes every probe's first natural firing wait a full
	// interval instead of being eligible immediately.
	Deferred bool

	Breaker BreakerConfig

	Probes []ProbeConfig
}

// ProbeConfig is one probe instance inside a loop. Name doubles as the
// registered probe kind.
type ProbeConfig struct {
	Name       string
	Enabled    bool
	Interval   time.Duration
	RunAtStart bool
	Settings   json.RawMessage
}

// BreakerConfig tunes the consecutive-failure circuit breaker guarding
// each probe. TripFailures < 0 disables it.
type BreakerConfig struct {
	TripFailures int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	ResetAfter   time.Duration
}

func (c BreakerConfig) normalize() BreakerConfig {
	if c.TripFailures == 0 {
		c.TripFailures = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 30 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 15 * time.Minute
	}
	if c.ResetAfter <= 0 {
		c.ResetAfter = time.Hour
	}
	return c
}

// Snapshot is a point-in-time view of one loop, served on /statusz.
type Snapshot struct {
	Name    string          `json:"name"`
	Running bool            `json:"running"`
	Ticks   uint64          `json:"ticks"`
	Probes  []ProbeSnapshot `json:"probes"`
}

type ProbeSnapshot struct {
	Name       string    `json:"name"`
	Enabled    bool      `json:"enabled"`
	IntervalMS uint32    `json:"interval_ms"`
	Runs       uint64    `json:"runs"`
	Failures   uint64    `json:"failures"`
	Forced     uint64    `json:"forced"`
	LastOK     bool      `json:"last_ok"`
	LastError  string    `json:"last_error,omitempty"`
	LastRun    time.Time `json:"last_run,omitempty"`

	Breaker BreakerSnapshot `json:"breaker"`
}

// ProbeRunData rides probe.run bus events.
type ProbeRunData struct {
	Loop       string `json:"loop"`
	Probe      string `json:"probe"`
	RunID      string `json:"run_id"`
	OK         bool   `json:"ok"`
	Forced     bool   `json:"forced"`
	DurationMS int64  `json:"duration_ms"`
}
