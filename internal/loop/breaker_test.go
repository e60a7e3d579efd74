package loop

import (
	"errors"
	"testing"
	"time"
)

func newTestBreaker(cfg BreakerConfig) (*Breaker, *time.Time) {
	b := NewBreaker(cfg)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(BreakerConfig{TripFailures: 3, BaseDelay: time.Minute})
	errProbe := errors.New("probe failed")

	for i := 0; i < 2; i++ {
		if tripped := b.Record(errProbe); tripped {
			t.Fatalf("tripped after %d failures", i+1)
		}
		if !b.Ready() {
			t.Fatalf("not ready after %d failures", i+1)
		}
	}
	if !b.Record(errProbe) {
		t.Fatal("third failure did not trip")
	}
	if b.Ready() {
		t.Fatal("ready while open")
	}

	snap := b.Snapshot()
	if !snap.Open || snap.Failures != 3 || snap.Opens != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestBreakerReopensWithLongerDelay(t *testing.T) {
	t.Parallel()

	b, now := newTestBreaker(BreakerConfig{TripFailures: 1, BaseDelay: time.Minute, MaxDelay: 4 * time.Minute})

	b.Record(errors.New("x"))
	firstUntil := b.Snapshot().OpenUntil

	*now = firstUntil.Add(time.Second)
	if !b.Ready() {
		t.Fatal("not ready after delay elapsed")
	}
	b.Record(errors.New("x"))
	secondUntil := b.Snapshot().OpenUntil
	if got := secondUntil.Sub(*now); got <= firstUntil.Sub(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("second open delay %v not longer than first", got)
	}
}

func TestBreakerDelayCapped(t *testing.T) {
	t.Parallel()

	b, now := newTestBreaker(BreakerConfig{TripFailures: 1, BaseDelay: time.Minute, MaxDelay: 2 * time.Minute})
	for i := 0; i < 10; i++ {
		b.Record(errors.New("x"))
		until := b.Snapshot().OpenUntil
		if d := until.Sub(*now); d > 2*time.Minute {
			t.Fatalf("delay %v exceeds cap", d)
		}
		*now = until.Add(time.Second)
	}
}

func TestBreakerSuccessCloses(t *testing.T) {
	t.Parallel()

	b, now := newTestBreaker(BreakerConfig{TripFailures: 1, BaseDelay: time.Hour})
	b.Record(errors.New("x"))
	if b.Ready() {
		t.Fatal("open breaker reported ready")
	}

	*now = now.Add(2 * time.Hour)
	if !b.Ready() {
		t.Fatal("not ready after open delay")
	}
	b.Record(nil)
	if snap := b.Snapshot(); snap.Open || snap.Failures != 0 {
		t.Fatalf("success did not reset: %+v", snap)
	}
}

func TestBreakerQuietPeriodClearsStreak(t *testing.T) {
	t.Parallel()

	b, now := newTestBreaker(BreakerConfig{TripFailures: 3, BaseDelay: time.Minute, ResetAfter: time.Hour})
	b.Record(errors.New("x"))
	b.Record(errors.New("x"))

	// An hour of silence forgets the streak; two more failures must not trip.
	*now = now.Add(2 * time.Hour)
	if !b.Ready() {
		t.Fatal("not ready after quiet period")
	}
	if b.Record(errors.New("x")) {
		t.Fatal("stale failures counted toward trip")
	}
	if b.Record(errors.New("x")) {
		t.Fatal("tripped at 2 failures after reset")
	}
}

func TestBreakerDisabled(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(BreakerConfig{TripFailures: -1})
	for i := 0; i < 100; i++ {
		if b.Record(errors.New("x")) {
			t.Fatal("disabled breaker tripped")
		}
	}
	if !b.Ready() {
		t.Fatal("disabled breaker not ready")
	}
	if b.Snapshot().Enabled {
		t.Fatal("disabled breaker reports enabled")
	}
}
