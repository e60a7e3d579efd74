package pace

import "time"

// Clock supplies a monotonically increasing tick count that wraps at the
// uint32 boundary. The unit (commonly milliseconds) is the caller's choice;
// every interval passed to this package is in the same unit the clock uses.
type Clock func() uint32

// Millis returns a wall-derived millisecond Clock counting from the moment
// of this call. It wraps after roughly 49.7 days, which the elapsed-time
// arithmetic handles without special cases.
func Millis() Clock {
	start := time.Now()
	return func() uint32 {
		return uint32(time.Since(start).Milliseconds())
	}
}

// ManualClock is a settable tick source for tests and simulations.
// Like everything else here it is confined to a single goroutine.
type ManualClock struct {
	now uint32
}

// NewManualClock returns a ManualClock starting at the given tick.
func NewManualClock(start uint32) *ManualClock {
	return &ManualClock{now: start}
}

// Set moves the clock to an absolute tick value. Moving backwards is the
// caller's business; the schedulers only ever subtract.
func (c *ManualClock) Set(tick uint32) { c.now = tick }

// Advance moves the clock forward by d ticks, wrapping naturally.
func (c *ManualClock) Advance(d uint32) { c.now += d }

// Now returns the current tick.
func (c *ManualClock) Now() uint32 { return c.now }

// Clock adapts the ManualClock to the Clock function type.
func (c *ManualClock) Clock() Clock {
	return func() uint32 { return c.now }
}
