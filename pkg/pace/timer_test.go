package pace

import "testing"

func TestTickFiresOnInterval(t *testing.T) {
	t.Parallel()
	clk := NewManualClock(0)
	fired := 0
	tm := NewTimer(clk.Clock(), EffectElapsed(func(uint32) { fired++ }), Deferred())

	// Scenario: interval 1000, ticks [0, 500, 1000, 1600, 2000].
	var firedAt []uint32
	for _, tick := range []uint32{0, 500, 1000, 1600, 2000} {
		clk.Set(tick)
		if res := tm.Tick(1000); res.Valid() {
			firedAt = append(firedAt, tick)
		}
	}
	if fired != 2 {
		t.Fatalf("fired %d times, want 2", fired)
	}
	if len(firedAt) != 2 || firedAt[0] != 1000 || firedAt[1] != 2000 {
		t.Fatalf("fired at %v, want [1000 2000]", firedAt)
	}
}

func TestTickElapsedPassedToAction(t *testing.T) {
	t.Parallel()
	clk := NewManualClock(0)
	var gotDT uint32
	tm := NewTimer(clk.Clock(), func(dt uint32) uint32 { gotDT = dt; return dt }, Deferred())

	clk.Set(1600)
	res := tm.Tick(1000)
	if !res.Valid() {
		t.Fatal("expected firing at 1600")
	}
	if gotDT != 1600 {
		t.Fatalf("dt = %d, want 1600", gotDT)
	}
	if res.Value() != 1600 {
		t.Fatalf("Value() = %d, want 1600", res.Value())
	}
}

func TestElapsedAcrossWraparound(t *testing.T) {
	t.Parallel()
	clk := NewManualClock(0xFFFFFFF0)
	tm := NewTimer(clk.Clock(), Effect(func() {}), Deferred())

	// lastTrigger = 0xFFFFFFF0, now = 0x10: wrap-safe elapsed is 0x20.
	clk.Set(0x10)
	if got := tm.Elapsed(); got != 0x20 {
		t.Fatalf("Elapsed() = %#x, want 0x20", got)
	}
	if res := tm.Tick(0x30); res.Valid() {
		t.Fatal("fired before interval elapsed across wraparound")
	}
	clk.Advance(0x20)
	if res := tm.Tick(0x30); !res.Valid() {
		t.Fatal("expected firing once interval elapsed across wraparound")
	}
	if tm.Last() != 0x30 {
		t.Fatalf("Last() = %#x, want 0x30 after rebase", tm.Last())
	}
}

func TestBaselinePolicy(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		deferred  bool
		firstFire bool // fires on the very first call at clock=500, interval=1000
	}{
		{name: "zero baseline fires immediately once clock outruns interval", deferred: false, firstFire: true},
		{name: "deferred baseline waits a full interval", deferred: true, firstFire: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			clk := NewManualClock(1500)
			var opts []Option
			if tt.deferred {
				opts = append(opts, Deferred())
			}
			tm := NewTimer(clk.Clock(), Effect(func() {}), opts...)
			if got := tm.Tick(1000).Valid(); got != tt.firstFire {
				t.Fatalf("first call fired = %v, want %v", got, tt.firstFire)
			}
		})
	}
}

func TestRunGateDoesNotBlockRebase(t *testing.T) {
	t.Parallel()
	clk := NewManualClock(0)
	run := false
	fired := 0
	tm := NewTimer(clk.Clock(), Effect(func() { fired++ }), Deferred())

	// runCondition alternates across expiries; throttle stays Always.
	// The timer must rebase at EVERY expiry regardless of the run gate.
	for i, cond := range []bool{false, true, false, true} {
		run = cond
		clk.Advance(1000)
		tm.TickIf(1000, When(func() bool { return run }))
		if want := clk.Now(); tm.Last() != want {
			t.Fatalf("expiry %d: Last() = %d, want %d (rebase must not depend on run gate)", i, tm.Last(), want)
		}
	}
	if fired != 2 {
		t.Fatalf("fired %d times, want 2 (only expiries where run held)", fired)
	}
}

func TestThrottleGateBlocksRebase(t *testing.T) {
	t.Parallel()
	clk := NewManualClock(0)
	open := false
	fired := 0
	tm := NewTimer(clk.Clock(), Effect(func() { fired++ }), Deferred())
	gate := When(func() bool { return open })

	// While throttle is false the timer must not rebase: elapsed keeps
	// accumulating even far past the interval.
	for i := 0; i < 5; i++ {
		clk.Advance(1000)
		if res := tm.TickWhen(1000, gate); res.Valid() {
			t.Fatalf("fired with throttle closed at tick %d", clk.Now())
		}
		if tm.Last() != 0 {
			t.Fatalf("rebased with throttle closed at tick %d", clk.Now())
		}
	}
	if tm.Elapsed() != 5000 {
		t.Fatalf("Elapsed() = %d, want 5000 (accumulating)", tm.Elapsed())
	}

	// Gate opens between expiry boundaries: fires on the very next call.
	clk.Advance(250)
	open = true
	res := tm.TickWhen(1000, gate)
	if !res.Valid() {
		t.Fatal("expected firing as soon as throttle opened with interval elapsed")
	}
	if fired != 1 {
		t.Fatalf("fired %d times, want 1", fired)
	}
	if tm.Last() != 5250 {
		t.Fatalf("Last() = %d, want 5250 after firing", tm.Last())
	}
}

func TestGateShapes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		gate Gate
		dt   uint32
		want bool
	}{
		{name: "zero value is always", gate: Gate{}, want: true},
		{name: "always", gate: Always, want: true},
		{name: "fixed true", gate: Fixed(true), want: true},
		{name: "fixed false", gate: Fixed(false), want: false},
		{name: "predicate", gate: When(func() bool { return true }), want: true},
		{name: "nil predicate degrades to always", gate: When(nil), want: true},
		{name: "timed predicate sees dt", gate: WhenElapsed(func(dt uint32) bool { return dt > 100 }), dt: 150, want: true},
		{name: "timed predicate false", gate: WhenElapsed(func(dt uint32) bool { return dt > 100 }), dt: 50, want: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.gate.eval(tt.dt); got != tt.want {
				t.Fatalf("eval(%d) = %v, want %v", tt.dt, got, tt.want)
			}
		})
	}
}

func TestTimedGateSeesAccumulatedElapsed(t *testing.T) {
	t.Parallel()
	clk := NewManualClock(0)
	var seen []uint32
	tm := NewTimer(clk.Clock(), Effect(func() {}), Deferred())
	gate := WhenElapsed(func(dt uint32) bool {
		seen = append(seen, dt)
		return dt >= 3000
	})

	for i := 0; i < 4; i++ {
		clk.Advance(1000)
		tm.TickWhen(1000, gate)
	}
	// Fires at 3000, rebases, then the fourth call sees a fresh dt.
	want := []uint32{1000, 2000, 3000, 1000}
	if len(seen) != len(want) {
		t.Fatalf("gate evaluated %d times (%v), want %d", len(seen), seen, len(want))
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("evaluation %d saw dt=%d, want %d", i, seen[i], want[i])
		}
	}
}
