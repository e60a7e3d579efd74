package storage

import (
	"context"
	"time"
)

// RunRecord is one probe execution, successful or not.
type RunRecord struct {
	ID         string    `json:"id"`
	Loop       string    `json:"loop"`
	Probe      string    `json:"probe"`
	At         time.Time `json:"at"`
	OK         bool      `json:"ok"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms"`

	// ElapsedMS is the gate-observed elapsed time that triggered the run
	// (0 for forced runs that bypassed the interval).
	ElapsedMS uint32 `json:"elapsed_ms,omitempty"`
	Forced    bool   `json:"forced,omitempty"`
}

// Store is the persistence contract. Implementations must be safe for
// concurrent use.
type Store interface {
	// AppendRun records one probe execution.
	AppendRun(ctx context.Context, rec RunRecord) error

	// RecentRuns returns up to limit records, newest first.
	RecentRuns(ctx context.Context, limit int) ([]RunRecord, error)

	// PutDedup records that key was alerted on; GetDedup reports the
	// stored expiry. Expired entries may be physically removed by
	// PruneDedup, which returns how many it dropped.
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (time.Time, bool, error)
	PruneDedup(ctx context.Context, now time.Time) (int, error)

	Close() error
}

// Config selects and tunes a driver. Durations are already parsed by the
// config layer.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration
}
