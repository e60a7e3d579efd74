package pace

// Timer is the persistent state of one call site: the tick of the last
// trigger and the action bound to the site. A Timer is created once and
// lives as long as its owner; it is never reclaimed, which is bounded
// because the set of call sites in a program is fixed.
//
// The bound action is captured exactly once, at creation. This is a
// contract: resolving the same site again with a textually different
// closure keeps the original action (see Site).
type Timer[T any] struct {
	clock  Clock
	action func(dt uint32) T
	last   uint32
}

// Option configures timer creation. Options are shared between NewTimer
// and NewRegistry so a registry can set a default baseline policy for
// every site it creates.
type Option func(*options)

type options struct {
	deferred bool
}

// Deferred seeds the baseline from the clock at creation time, so the
// first firing waits a full interval. The default is a zero baseline: the
// first call fires as soon as elapsed-since-zero reaches the interval,
// which for a fresh clock means immediately.
func Deferred() Option {
	return func(o *options) { o.deferred = true }
}

// NewTimer creates a timer bound to clock and action.
// Both must be non-nil; a timer without an action cannot honor Force.
func NewTimer[T any](clock Clock, action func(dt uint32) T, opts ...Option) *Timer[T] {
	if clock == nil {
		panic("pace: NewTimer requires a clock")
	}
	if action == nil {
		panic("pace: NewTimer requires an action")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	t := &Timer[T]{clock: clock, action: action}
	if o.deferred {
		t.last = clock()
	}
	return t
}

// Action adapters. The canonical action shape is func(dt uint32) T; these
// lift the simpler shapes callers actually write.

// Value adapts a zero-argument action.
func Value[T any](f func() T) func(uint32) T {
	return func(uint32) T { return f() }
}

// Unit is the payload of actions that compute nothing. A unit action that
// ran yields Present(Unit{}); one that did not yields Empty. There is no
// third state.
type Unit = struct{}

// Effect adapts an action with no argument and no result.
func Effect(f func()) func(uint32) Unit {
	return func(uint32) Unit { f(); return Unit{} }
}

// EffectElapsed adapts an elapsed-time-aware action with no result.
func EffectElapsed(f func(dt uint32)) func(uint32) Unit {
	return func(dt uint32) Unit { f(dt); return Unit{} }
}

// ElapsedAt returns now - last using wrapping uint32 arithmetic, which is
// correct across clock wraparound without special-casing.
func (t *Timer[T]) ElapsedAt(now uint32) uint32 { return now - t.last }

// Elapsed reads the clock and returns the elapsed ticks since the last
// trigger.
func (t *Timer[T]) Elapsed() uint32 { return t.ElapsedAt(t.clock()) }

// RebaseAt sets the last-trigger tick to now.
func (t *Timer[T]) RebaseAt(now uint32) { t.last = now }

// Rebase sets the last-trigger tick to the current clock reading.
func (t *Timer[T]) Rebase() { t.last = t.clock() }

// Last exposes the baseline tick for diagnostics.
func (t *Timer[T]) Last() uint32 { return t.last }

// exec invokes the bound action.
func (t *Timer[T]) exec(dt uint32) T { return t.action(dt) }

// Tick is the unconditional periodic form: fire every interval ticks.
func (t *Timer[T]) Tick(interval uint32) Result[T] {
	return t.TickGated(interval, Always, Always)
}

// TickIf is the conditional-at-expiry form: at each expiry the timer
// rebases regardless, and the action fires only if run holds at that
// instant. A false run gate therefore delays the next check by a full
// interval.
func (t *Timer[T]) TickIf(interval uint32, run Gate) Result[T] {
	return t.TickGated(interval, run, Always)
}

// TickWhen is the throttled form: while throttle is false the timer does
// not rebase, so elapsed keeps accumulating and the gate is re-checked on
// every call. As soon as throttle holds and the interval has elapsed, the
// action fires and the timer rebases.
func (t *Timer[T]) TickWhen(interval uint32, throttle Gate) Result[T] {
	return t.TickGated(interval, Always, throttle)
}

// TickGated is the general scheduling operation. Synchronously, on every
// call:
//
//  1. dt = now - last (wrap-safe).
//  2. If dt >= interval and throttle holds: rebase (regardless of the
//     run gate), then invoke the action once if run holds.
//  3. Otherwise return Empty with no rebase.
//
// The asymmetry is deliberate: throttle gates rebasing, run gates only
// invocation. The three named modes above are special cases of this.
func (t *Timer[T]) TickGated(interval uint32, run, throttle Gate) Result[T] {
	now := t.clock()
	dt := t.ElapsedAt(now)
	if dt < interval || !throttle.eval(dt) {
		return Empty(t)
	}
	t.last = now
	if !run.eval(dt) {
		return Empty(t)
	}
	return Present(t, t.exec(dt))
}

// ForceNow invokes the bound action immediately, bypassing interval and
// gates, and rebases the timer. Equivalent to Empty(t).Force() but reads
// better at call sites that never went through scheduling.
func (t *Timer[T]) ForceNow() T {
	r := Empty(t)
	return r.Force()
}
