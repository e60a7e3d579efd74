package loop

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"paced/internal/eventbus"
	"paced/internal/probe"
	"paced/internal/storage"
	logx "paced/pkg/logx"
	"paced/pkg/pace"
)

type stubProbe struct {
	name  string
	steps atomic.Uint64
	fail  atomic.Bool
	// lastElapsed records the dt passed into the most recent Step.
	lastElapsed atomic.Uint32
}

func (p *stubProbe) Name() string                           { return p.name }
func (p *stubProbe) Init(context.Context, probe.Deps) error { return nil }
func (p *stubProbe) Stop(context.Context) error             { return nil }

func (p *stubProbe) Step(_ context.Context, elapsedMS uint32) error {
	p.steps.Add(1)
	p.lastElapsed.Store(elapsedMS)
	if p.fail.Load() {
		return errors.New("stub failure")
	}
	return nil
}

// harness wires a runner around a manual clock so steps are driven by
// hand instead of a ticker.
type harness struct {
	rn    *runner
	clock *pace.ManualClock
	stub  *stubProbe
	ps    *probeState
}

func newHarness(t *testing.T, pc ProbeConfig, bcfg BreakerConfig, opts ...pace.Option) *harness {
	t.Helper()
	cfg := Config{Name: "test", Enabled: true, TickPeriod: 50 * time.Millisecond, Breaker: bcfg,
		Probes: []ProbeConfig{pc}}
	rn := newRunner(cfg, logx.NewConsole("error"), eventbus.New(), nil, storage.Disabled())
	rn.stepCtx = context.Background()

	clock := pace.NewManualClock(0)
	rn.reg = pace.NewRegistry(clock.Clock(), opts...)

	stub := &stubProbe{name: pc.Name}
	ps := &probeState{cfg: pc, impl: stub, breaker: NewBreaker(bcfg), lastOK: true}
	ps.timer = pace.Site(rn.reg, "probe/"+pc.Name, rn.bindAction(ps))
	rn.probes = []*probeState{ps}
	return &harness{rn: rn, clock: clock, stub: stub, ps: ps}
}

func TestStepFiresOnInterval(t *testing.T) {
	t.Parallel()

	h := newHarness(t, ProbeConfig{Name: "stub", Enabled: true, Interval: time.Second}, BreakerConfig{})

	// Gates are checked more often than the probe interval; only two of
	// these ticks cross a full second.
	for _, tick := range []uint32{100, 500, 900, 1000, 1400, 2100} {
		h.clock.Set(tick)
		h.rn.step()
	}
	if got := h.stub.steps.Load(); got != 2 {
		t.Fatalf("steps = %d, want 2", got)
	}
	if got := h.stub.lastElapsed.Load(); got != 1100 {
		t.Fatalf("last elapsed = %d, want 1100", got)
	}
}

func TestRunAtStartForcesFirstRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t, ProbeConfig{Name: "stub", Enabled: true, Interval: time.Hour, RunAtStart: true}, BreakerConfig{})

	h.clock.Set(10)
	h.rn.step()
	if got := h.stub.steps.Load(); got != 1 {
		t.Fatalf("steps after first tick = %d, want 1 (forced)", got)
	}
	if h.ps.forced != 1 {
		t.Fatalf("forced count = %d", h.ps.forced)
	}

	// The forced run rebased the timer: nothing more until a full hour.
	h.clock.Set(20)
	h.rn.step()
	if got := h.stub.steps.Load(); got != 1 {
		t.Fatalf("second tick ran the probe again: %d", got)
	}
	h.clock.Advance(3600_000)
	h.rn.step()
	if got := h.stub.steps.Load(); got != 2 {
		t.Fatalf("steps after interval = %d, want 2", got)
	}
}

func TestDeferredBaselineWaitsFullInterval(t *testing.T) {
	t.Parallel()

	h := newHarness(t,
		ProbeConfig{Name: "stub", Enabled: true, Interval: time.Second},
		BreakerConfig{},
		pace.Deferred(),
	)

	h.clock.Set(500)
	h.rn.step()
	if h.stub.steps.Load() != 0 {
		t.Fatal("deferred probe ran before a full interval")
	}
	h.clock.Set(1100)
	h.rn.step()
	if h.stub.steps.Load() != 1 {
		t.Fatal("deferred probe did not run after a full interval")
	}
}

func TestBreakerGateHoldsScheduling(t *testing.T) {
	t.Parallel()

	h := newHarness(t,
		ProbeConfig{Name: "stub", Enabled: true, Interval: time.Second},
		BreakerConfig{TripFailures: 2, BaseDelay: time.Minute},
	)

	// Pin breaker time so the open window is under our control.
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	h.ps.breaker.now = func() time.Time { return now }

	h.stub.fail.Store(true)
	h.clock.Set(1000)
	h.rn.step()
	h.clock.Set(2000)
	h.rn.step()
	if h.stub.steps.Load() != 2 {
		t.Fatalf("steps = %d, want 2", h.stub.steps.Load())
	}
	if h.ps.breaker.Ready() {
		t.Fatal("breaker still closed after trip")
	}

	// While open the gate throttles: no run, and no rebase either.
	h.clock.Set(5000)
	h.rn.step()
	if h.stub.steps.Load() != 2 {
		t.Fatal("probe ran while breaker open")
	}

	// Once the window passes, the accumulated elapsed arrives in one run.
	now = now.Add(2 * time.Minute)
	h.stub.fail.Store(false)
	h.clock.Set(6000)
	h.rn.step()
	if h.stub.steps.Load() != 3 {
		t.Fatal("probe did not run after breaker reclosed")
	}
	if got := h.stub.lastElapsed.Load(); got != 4000 {
		t.Fatalf("elapsed across open window = %d, want 4000", got)
	}
	if h.ps.failures != 2 || !h.ps.lastOK {
		t.Fatalf("probe state = failures %d lastOK %v", h.ps.failures, h.ps.lastOK)
	}
}

func TestRunnerLifecycleAndForce(t *testing.T) {
	t.Parallel()

	var forcedSteps atomic.Uint64
	probe.Register("loop-test-counting", func() probe.Probe {
		return &countingProbe{steps: &forcedSteps}
	})

	cfg := Config{
		Name:       "live",
		Enabled:    true,
		TickPeriod: 20 * time.Millisecond,
		Probes: []ProbeConfig{
			{Name: "loop-test-counting", Enabled: true, Interval: time.Hour},
		},
	}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(32)
	defer unsub()

	rn := newRunner(cfg, logx.NewConsole("error"), bus, nil, storage.Disabled())
	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- rn.run(ctx) }()

	waitEvent(t, events, eventbus.TypeLoopStarted)

	// With an hour interval nothing runs naturally; a force does.
	if err := rn.forceRun("loop-test-counting"); err != nil {
		t.Fatalf("forceRun: %v", err)
	}
	if forcedSteps.Load() != 1 {
		t.Fatalf("forced steps = %d", forcedSteps.Load())
	}

	snap, ok := rn.snapshot()
	if !ok || len(snap.Probes) != 1 {
		t.Fatalf("snapshot = %+v ok=%v", snap, ok)
	}
	if snap.Probes[0].Forced != 1 || snap.Probes[0].Runs != 1 {
		t.Fatalf("probe snapshot = %+v", snap.Probes[0])
	}

	if err := rn.forceRun("no-such-probe"); err == nil {
		t.Fatal("forceRun accepted unknown probe")
	}

	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}
	waitEvent(t, events, eventbus.TypeLoopStopped)
}

type countingProbe struct {
	steps *atomic.Uint64
}

func (p *countingProbe) Name() string                           { return "loop-test-counting" }
func (p *countingProbe) Init(context.Context, probe.Deps) error { return nil }
func (p *countingProbe) Stop(context.Context) error             { return nil }
func (p *countingProbe) Step(context.Context, uint32) error {
	p.steps.Add(1)
	return nil
}

func waitEvent(t *testing.T, events <-chan eventbus.Event, typ string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Type == typ {
				return
			}
		case <-deadline:
			t.Fatalf("event %s not observed", typ)
		}
	}
}
