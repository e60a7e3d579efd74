package pace

import "fmt"

// Registry is a string-keyed table of call sites. It replaces the
// function-local persistent state some languages give each textual call
// site: the caller names the site, and the registry guarantees the same
// Timer is reused for that name across calls.
//
// A Registry is confined to one goroutine, like everything else here.
type Registry struct {
	clock Clock
	opts  []Option
	sites map[string]any
}

// NewRegistry creates a registry whose sites share clock and the given
// default options (e.g. Deferred for a deferred first firing).
func NewRegistry(clock Clock, opts ...Option) *Registry {
	if clock == nil {
		panic("pace: NewRegistry requires a clock")
	}
	return &Registry{clock: clock, opts: opts, sites: map[string]any{}}
}

// Len returns the number of resolved sites.
func (r *Registry) Len() int { return len(r.sites) }

// Keys returns the resolved site keys in no particular order.
func (r *Registry) Keys() []string {
	out := make([]string, 0, len(r.sites))
	for k := range r.sites {
		out = append(out, k)
	}
	return out
}

// Site resolves (creating if absent) the timer for key. The action binds
// only on first resolution: later calls with a different closure under
// the same key keep the original action. That is a documented consequence
// of per-site persistence, not a bug: sites are identities, not values.
//
// Reusing a key with a different result type is a programming error and
// panics.
func Site[T any](r *Registry, key string, action func(dt uint32) T, opts ...Option) *Timer[T] {
	if existing, ok := r.sites[key]; ok {
		t, ok := existing.(*Timer[T])
		if !ok {
			panic(fmt.Sprintf("pace: site %q already registered with a different result type (%T)", key, existing))
		}
		return t
	}
	all := append(append([]Option(nil), r.opts...), opts...)
	t := NewTimer(r.clock, action, all...)
	r.sites[key] = t
	return t
}

// Every schedules an unconditional periodic site: fire every interval.
func Every[T any](r *Registry, key string, interval uint32, action func(dt uint32) T) Result[T] {
	return Site(r, key, action).Tick(interval)
}

// EveryIf schedules a conditional-at-expiry site: the timer rebases at
// each expiry, the action fires only when run holds at that instant.
func EveryIf[T any](r *Registry, key string, interval uint32, run Gate, action func(dt uint32) T) Result[T] {
	return Site(r, key, action).TickIf(interval, run)
}

// Throttled schedules a throttled site: no rebase while throttle is
// false, so the action fires as soon as the gate opens with the interval
// already elapsed.
func Throttled[T any](r *Registry, key string, interval uint32, throttle Gate, action func(dt uint32) T) Result[T] {
	return Site(r, key, action).TickWhen(interval, throttle)
}

// Scheduled is the general form with both gates explicit.
func Scheduled[T any](r *Registry, key string, interval uint32, run, throttle Gate, action func(dt uint32) T) Result[T] {
	return Site(r, key, action).TickGated(interval, run, throttle)
}
