package pace

import "testing"

func TestValuePanicsOnEmpty(t *testing.T) {
	t.Parallel()
	clk := NewManualClock(0)
	tm := NewTimer(clk.Clock(), Value(func() int { return 7 }), Deferred())
	res := Empty(tm)

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic reading Value() on empty result")
		}
	}()
	_ = res.Value()
}

func TestGetOnEmptyAndPresent(t *testing.T) {
	t.Parallel()
	clk := NewManualClock(0)
	tm := NewTimer(clk.Clock(), Value(func() int { return 7 }), Deferred())

	if _, ok := Empty(tm).Get(); ok {
		t.Fatal("Get() on empty reported ok")
	}
	v, ok := Present(tm, 42).Get()
	if !ok || v != 42 {
		t.Fatalf("Get() = (%d, %v), want (42, true)", v, ok)
	}
}

func TestForceRunsActionAndRebases(t *testing.T) {
	t.Parallel()
	clk := NewManualClock(500)
	calls := 0
	tm := NewTimer(clk.Clock(), Value(func() int { calls++; return calls }), Deferred())

	clk.Set(800)
	res := tm.Tick(1000) // interval not elapsed
	if res.Valid() {
		t.Fatal("unexpected natural firing")
	}
	if got := res.Force(); got != 1 {
		t.Fatalf("Force() = %d, want 1", got)
	}
	if tm.Last() != 800 {
		t.Fatalf("Last() = %d, want 800 (force must rebase)", tm.Last())
	}

	// The rebase is visible to later natural scheduling at this site.
	clk.Set(1500)
	if tm.Tick(1000).Valid() {
		t.Fatal("fired only 700 after a forced run")
	}
	clk.Set(1800)
	if !tm.Tick(1000).Valid() {
		t.Fatal("expected firing a full interval after the forced run")
	}
}

func TestForceIdempotent(t *testing.T) {
	t.Parallel()
	clk := NewManualClock(0)
	calls := 0
	tm := NewTimer(clk.Clock(), Value(func() int { calls++; return calls }), Deferred())

	res := Empty(tm)
	first := res.Force()
	second := res.Force()
	if first != second {
		t.Fatalf("two forces returned %d then %d, want identical", first, second)
	}
	if calls != 1 {
		t.Fatalf("action invoked %d times, want 1", calls)
	}
}

func TestForceOnPresentKeepsCachedValue(t *testing.T) {
	t.Parallel()
	clk := NewManualClock(2000)
	calls := 0
	tm := NewTimer(clk.Clock(), Value(func() int { calls++; return 100 + calls }), Deferred())
	clk.Advance(1500)

	res := tm.Tick(1000)
	if !res.Valid() {
		t.Fatal("expected natural firing")
	}
	cached := res.Value()
	if got := res.Force(); got != cached {
		t.Fatalf("Force() = %d, want cached %d", got, cached)
	}
	if calls != 1 {
		t.Fatalf("action invoked %d times, want 1", calls)
	}
}

func TestForceOnDetachedResultPanics(t *testing.T) {
	t.Parallel()
	var res Result[int]
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic forcing a detached result")
		}
	}()
	_ = res.Force()
}

func TestPointerPayloadSharesReferent(t *testing.T) {
	t.Parallel()
	clk := NewManualClock(0)
	ext := 10
	tm := NewTimer(clk.Clock(), Value(func() *int { return &ext }), Deferred())

	clk.Set(1000)
	res := tm.Tick(1000)
	if !res.Valid() {
		t.Fatal("expected firing")
	}

	// Mutating through the container mutates the external value.
	*res.Value() = 99
	if ext != 99 {
		t.Fatalf("external value = %d, want 99", ext)
	}

	// Copying the container duplicates the pointer, not the referent.
	cp := res
	*cp.Value() = 123
	if ext != 123 || *res.Value() != 123 {
		t.Fatalf("copy does not share referent: ext=%d orig=%d", ext, *res.Value())
	}
}

func TestUnitActionPresentVsEmpty(t *testing.T) {
	t.Parallel()
	clk := NewManualClock(0)
	ran := false
	tm := NewTimer(clk.Clock(), Effect(func() { ran = true }), Deferred())

	clk.Set(500)
	if res := tm.Tick(1000); res.Valid() {
		t.Fatal("unit action reported Present without running")
	}
	clk.Set(1000)
	res := tm.Tick(1000)
	if !res.Valid() || !ran {
		t.Fatalf("unit action: Valid=%v ran=%v, want both true", res.Valid(), ran)
	}
}
