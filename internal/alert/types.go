package alert

import (
	"context"
	"time"
)

// Severity orders alerts; MinSeverity in Config filters below it.
type Severity int

const (
	SevInfo Severity = iota
	SevWarn
	SevCrit
)

func (s Severity) String() string {
	switch s {
	case SevInfo:
		return "info"
	case SevWarn:
		return "warn"
	case SevCrit:
		return "crit"
	default:
		return "unknown"
	}
}

// Message is one alert on its way to the sink.
type Message struct {
	// Source identifies the producer, e.g. "loop/main/probe/procwatch".
	Source   string
	Severity Severity
	Title    string
	Text     string

	// DedupKey suppresses repeats inside the dedup window. Empty means
	// dedup on Source+Title.
	DedupKey string

	At time.Time
}

// Sink delivers a message to its destination (Telegram, a test
// collector). Send is called from worker goroutines and must be safe
// for concurrent use.
type Sink interface {
	Send(ctx context.Context, msg Message) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, msg Message) error

func (f SinkFunc) Send(ctx context.Context, msg Message) error { return f(ctx, msg) }

// Config tunes the pipeline. Zero values fall back to defaults in
// normalize().
type Config struct {
	Enabled bool

	Workers    int
	QueueSize  int
	RatePerSec int

	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool

	MinSeverity Severity
}

func (c Config) normalize() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
	if c.DedupWindow < 0 {
		c.DedupWindow = 0
	}
	if c.DedupMaxEntries <= 0 {
		c.DedupMaxEntries = 4096
	}
	return c
}

// HistoryItem records a delivery attempt outcome for /statusz.
type HistoryItem struct {
	Source   string    `json:"source"`
	Severity string    `json:"severity"`
	Title    string    `json:"title"`
	At       time.Time `json:"at"`
	OK       bool      `json:"ok"`
	Error    string    `json:"error,omitempty"`
	Attempts int       `json:"attempts"`
}

// Stats is a point-in-time pipeline snapshot.
type Stats struct {
	Enabled  bool          `json:"enabled"`
	QueueLen int           `json:"queue_len"`
	QueueCap int           `json:"queue_cap"`
	Sent     uint64        `json:"sent"`
	Failed   uint64        `json:"failed"`
	Dropped  uint64        `json:"dropped"`
	Deduped  uint64        `json:"deduped"`
	History  []HistoryItem `json:"history,omitempty"`
}
