// Package pace is an interval-gated conditional execution primitive for
// cooperative, single-threaded control loops: "run this action no more
// often than every N ticks, optionally only when a condition holds".
//
// The package deals in an abstract wrapping uint32 tick counter (see Clock)
// rather than time.Time, so elapsed-time arithmetic stays correct across
// counter wraparound and simulated clocks are trivial to drive in tests.
//
// A Timer holds the persistent state of one call site: the last trigger
// tick and the action bound to that site. Tick/TickIf/TickWhen/TickGated
// evaluate the scheduling decision synchronously and return a Result,
// which is either Empty ("did not run", the common non-error outcome) or
// holds the action's value. An Empty Result keeps a back-reference to its
// Timer so callers can Force a value on demand, bypassing gating.
//
// Nothing in this package is safe for concurrent use. A Timer, Registry,
// and the Results they produce belong to exactly one goroutine. That is a
// contract, not an oversight: the core takes no locks, so a control loop
// never blocks on its own scheduler.
package pace
