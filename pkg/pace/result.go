package pace

// Result is a zero-or-one computed value: Empty, or Present with the
// value an action produced. "Did not run" is the common case and is not
// an error.
//
// A Result carries a non-owning reference to the Timer that produced it,
// used only by Force. Copying a Result copies the value (for pointer
// payloads, the pointer, never the referent) and the timer reference.
type Result[T any] struct {
	timer *Timer[T]
	value T
	has   bool
}

// Empty constructs a valueless Result bound to t.
func Empty[T any](t *Timer[T]) Result[T] {
	return Result[T]{timer: t}
}

// Present constructs a Result holding v, bound to t.
func Present[T any](t *Timer[T], v T) Result[T] {
	return Result[T]{timer: t, value: v, has: true}
}

// Valid reports whether a value is present. It is the only safe check
// before calling Value.
func (r Result[T]) Valid() bool { return r.has }

// Value returns the contained value. Reading an Empty result is a
// contract violation and panics; callers that want a soft check use
// Get or Valid first.
func (r Result[T]) Value() T {
	if !r.has {
		panic("pace: Value on empty result")
	}
	return r.value
}

// Get is the comma-ok accessor, for rendering and other callers that
// treat Empty as ordinary data.
func (r Result[T]) Get() (T, bool) { return r.value, r.has }

// Force guarantees a value: if one is present it is returned unchanged;
// otherwise the timer's bound action runs unconditionally (ignoring
// interval and gates), the timer rebases to the current clock reading,
// and the result is cached. Force is idempotent: a second call returns
// the cached value without re-invoking the action.
//
// The rebase is observable by later scheduling calls at the same site;
// that is the point, a forced run counts as a trigger.
//
// Forcing a detached (zero value) Result is a contract violation and
// panics.
func (r *Result[T]) Force() T { return r.ForceElapsed(0) }

// ForceElapsed is Force with an explicit elapsed value passed to the
// action, for actions that care how long it has been.
func (r *Result[T]) ForceElapsed(dt uint32) T {
	if r.has {
		return r.value
	}
	if r.timer == nil {
		panic("pace: Force on detached result")
	}
	r.timer.Rebase()
	r.value = r.timer.exec(dt)
	r.has = true
	return r.value
}
