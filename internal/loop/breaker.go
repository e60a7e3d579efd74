package loop

import "time"

// Breaker is a consecutive-failure circuit breaker. After TripFailures
// failures in a row it opens for an exponentially growing delay; any
// success closes it and resets the backoff. A long quiet period
// (ResetAfter) also clears accumulated failures, so an old bad streak
// does not shorten the fuse weeks later.
//
// It is confined to its loop goroutine and needs no locking; Snapshot
// copies plain values and is served through the loop's command channel.
type Breaker struct {
	cfg BreakerConfig
	now func() time.Time

	failures  int
	openUntil time.Time
	lastEvent time.Time
	opens     uint64
	lastErr   string
}

type BreakerSnapshot struct {
	Enabled   bool      `json:"enabled"`
	Open      bool      `json:"open"`
	Failures  int       `json:"failures"`
	Opens     uint64    `json:"opens"`
	OpenUntil time.Time `json:"open_until,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{cfg: cfg.normalize(), now: time.Now}
}

func (b *Breaker) enabled() bool { return b.cfg.TripFailures > 0 }

// Ready reports whether the guarded probe may run now. It is shaped to
// be used directly as a gate predicate.
func (b *Breaker) Ready() bool {
	if !b.enabled() {
		return true
	}
	now := b.now()
	if !b.lastEvent.IsZero() && now.Sub(b.lastEvent) >= b.cfg.ResetAfter {
		b.failures = 0
		b.openUntil = time.Time{}
	}
	return !now.Before(b.openUntil)
}

// Record feeds one probe outcome into the breaker. It returns true when
// this outcome tripped the breaker open.
func (b *Breaker) Record(err error) (tripped bool) {
	if !b.enabled() {
		return false
	}
	now := b.now()
	b.lastEvent = now

	if err == nil {
		b.failures = 0
		b.openUntil = time.Time{}
		b.lastErr = ""
		return false
	}

	b.failures++
	b.lastErr = err.Error()
	if b.failures < b.cfg.TripFailures {
		return false
	}

	// Exponential backoff keyed on how far past the trip point we are.
	exceed := b.failures - b.cfg.TripFailures
	delay := b.cfg.BaseDelay
	for i := 0; i < exceed && delay < b.cfg.MaxDelay; i++ {
		delay *= 2
	}
	if delay > b.cfg.MaxDelay {
		delay = b.cfg.MaxDelay
	}
	wasOpen := now.Before(b.openUntil)
	b.openUntil = now.Add(delay)
	if !wasOpen {
		b.opens++
	}
	return !wasOpen
}

func (b *Breaker) Snapshot() BreakerSnapshot {
	return BreakerSnapshot{
		Enabled:   b.enabled(),
		Open:      b.enabled() && b.now().Before(b.openUntil),
		Failures:  b.failures,
		Opens:     b.opens,
		OpenUntil: b.openUntil,
		LastError: b.lastErr,
	}
}
