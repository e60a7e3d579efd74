package loop

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"paced/internal/alert"
	"paced/internal/eventbus"
	"paced/internal/probe"
	"paced/internal/storage"
	logx "paced/pkg/logx"
	"paced/pkg/pace"
)

// minStepTimeout keeps short-interval probes from being cut off before
// they can do any real work.
const minStepTimeout = 10 * time.Second

type runOutcome struct {
	id     string
	err    error
	durMS  int64
	forced bool
}

type probeState struct {
	cfg   ProbeConfig
	impl  probe.Probe
	timer *pace.Timer[runOutcome]

	breaker *Breaker

	runs     uint64
	failures uint64
	forced   uint64
	hasRun   bool
	lastOK   bool
	lastErr  string
	lastRun  time.Time

	// pendingForce tags the next action invocation as a forced run. Set
	// and cleared on the loop goroutine only.
	pendingForce bool
	sawFirstTick bool
}

// runner drives one loop. All probe state is owned by the run goroutine;
// the service reaches in only through the cmds channel.
type runner struct {
	cfg    Config
	log    logx.Logger
	bus    eventbus.Bus
	alerts *alert.Service
	store  storage.Store

	reg    *pace.Registry
	probes []*probeState

	cmds chan func()
	done chan struct{}

	ticks   uint64
	stepCtx context.Context
}

func newRunner(cfg Config, log logx.Logger, bus eventbus.Bus, alerts *alert.Service, store storage.Store) *runner {
	if store == nil {
		store = storage.Disabled()
	}
	return &runner{
		cfg:    cfg,
		log:    log.With(logx.String("loop", cfg.Name)),
		bus:    bus,
		alerts: alerts,
		store:  store,
		cmds:   make(chan func(), 16),
		done:   make(chan struct{}),
	}
}

// enqueue hands fn to the loop goroutine. Returns false once the loop
// has exited.
func (r *runner) enqueue(fn func()) bool {
	select {
	case r.cmds <- fn:
		return true
	case <-r.done:
		return false
	}
}

func (r *runner) run(ctx context.Context) error {
	defer close(r.done)

	r.stepCtx = ctx
	r.initProbes(ctx)

	var opts []pace.Option
	if r.cfg.Deferred {
		opts = append(opts, pace.Deferred())
	}
	r.reg = pace.NewRegistry(pace.Millis(), opts...)
	for _, ps := range r.probes {
		ps.timer = pace.Site(r.reg, "probe/"+ps.cfg.Name, r.bindAction(ps))
	}

	r.bus.Publish(eventbus.Event{Type: eventbus.TypeLoopStarted, Data: r.cfg.Name})
	r.log.Info("loop started",
		logx.Duration("tick_period", r.cfg.TickPeriod),
		logx.Int("probes", len(r.probes)),
		logx.Bool("deferred", r.cfg.Deferred),
	)

	ticker := time.NewTicker(r.cfg.TickPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.stopProbes()
			r.bus.Publish(eventbus.Event{Type: eventbus.TypeLoopStopped, Data: r.cfg.Name})
			r.log.Info("loop stopped", logx.Any("ticks", r.ticks))
			return nil
		case fn := <-r.cmds:
			fn()
		case <-ticker.C:
			r.step()
		}
	}
}

func (r *runner) initProbes(ctx context.Context) {
	for _, pc := range r.cfg.Probes {
		if !pc.Enabled {
			continue
		}
		impl, err := probe.New(pc.Name)
		if err != nil {
			r.log.Error("probe unavailable", logx.String("probe", pc.Name), logx.Err(err))
			continue
		}
		if w, ok := impl.(probe.ConfigWatcher); ok && len(pc.Settings) > 0 {
			if err := w.ApplySettings(pc.Settings); err != nil {
				r.log.Error("probe settings rejected", logx.String("probe", pc.Name), logx.Err(err))
				continue
			}
		}
		deps := probe.Deps{
			Log:    r.log.With(logx.String("probe", pc.Name)),
			Bus:    r.bus,
			Alerts: r.alerts,
			Store:  r.store,
		}
		if err := impl.Init(ctx, deps); err != nil {
			r.log.Error("probe init failed", logx.String("probe", pc.Name), logx.Err(err))
			if r.alerts != nil {
				r.alerts.Notify(alert.Message{
					Source:   r.source(pc.Name),
					Severity: alert.SevWarn,
					Title:    fmt.Sprintf("probe %s failed to initialize", pc.Name),
					Text:     err.Error(),
				})
			}
			continue
		}
		r.probes = append(r.probes, &probeState{
			cfg:     pc,
			impl:    impl,
			breaker: NewBreaker(r.cfg.Breaker),
			lastOK:  true,
		})
	}
}

func (r *runner) stopProbes() {
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, ps := range r.probes {
		if err := ps.impl.Stop(stopCtx); err != nil {
			r.log.Warn("probe stop failed", logx.String("probe", ps.cfg.Name), logx.Err(err))
		}
	}
}

func (r *runner) step() {
	r.ticks++
	for _, ps := range r.probes {
		res := ps.timer.TickWhen(intervalMS(ps.cfg.Interval), pace.When(ps.breaker.Ready))
		if !res.Valid() && !ps.sawFirstTick && ps.cfg.RunAtStart {
			ps.pendingForce = true
			res.Force()
		}
		ps.sawFirstTick = true
	}
}

// bindAction builds the closure bound to the probe's timer site. The
// site binds once; per-run context comes through r.stepCtx instead of
// the closure's captures.
func (r *runner) bindAction(ps *probeState) func(dt uint32) runOutcome {
	return func(dt uint32) runOutcome {
		return r.runProbe(ps, dt)
	}
}

func (r *runner) runProbe(ps *probeState, dt uint32) runOutcome {
	forced := ps.pendingForce
	ps.pendingForce = false

	timeout := ps.cfg.Interval
	if timeout < minStepTimeout {
		timeout = minStepTimeout
	}
	ctx, cancel := context.WithTimeout(r.stepCtx, timeout)
	start := time.Now()
	err := ps.impl.Step(ctx, dt)
	cancel()
	dur := time.Since(start)

	id := uuid.NewString()
	ps.runs++
	ps.lastRun = start
	if forced {
		ps.forced++
	}

	tripped := ps.breaker.Record(err)
	r.noteOutcome(ps, err, tripped)

	rec := storage.RunRecord{
		ID:         id,
		Loop:       r.cfg.Name,
		Probe:      ps.cfg.Name,
		At:         start.UTC(),
		OK:         err == nil,
		DurationMS: dur.Milliseconds(),
		ElapsedMS:  dt,
		Forced:     forced,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if serr := r.store.AppendRun(r.stepCtx, rec); serr != nil {
		r.log.Debug("run record not persisted", logx.Err(serr))
	}

	r.bus.Publish(eventbus.Event{Type: eventbus.TypeProbeRun, Data: ProbeRunData{
		Loop:       r.cfg.Name,
		Probe:      ps.cfg.Name,
		RunID:      id,
		OK:         err == nil,
		Forced:     forced,
		DurationMS: dur.Milliseconds(),
	}})

	if err != nil {
		r.log.Warn("probe run failed",
			logx.String("probe", ps.cfg.Name),
			logx.String("run_id", id),
			logx.Duration("took", dur),
			logx.Err(err),
		)
	} else {
		r.log.Debug("probe run",
			logx.String("probe", ps.cfg.Name),
			logx.String("run_id", id),
			logx.Uint32("elapsed_ms", dt),
			logx.Duration("took", dur),
			logx.Bool("forced", forced),
		)
	}

	return runOutcome{id: id, err: err, durMS: dur.Milliseconds(), forced: forced}
}

// noteOutcome updates ok/fail state and emits transition alerts and
// breaker events. Steady state stays quiet.
func (r *runner) noteOutcome(ps *probeState, err error, tripped bool) {
	ok := err == nil
	wasOK := ps.lastOK
	hadRun := ps.hasRun
	ps.hasRun = true
	ps.lastOK = ok
	if ok {
		ps.lastErr = ""
	} else {
		ps.failures++
		ps.lastErr = err.Error()
	}

	if tripped {
		r.bus.Publish(eventbus.Event{Type: eventbus.TypeBreakerOpen, Data: r.source(ps.cfg.Name)})
		snap := ps.breaker.Snapshot()
		r.log.Warn("circuit breaker opened",
			logx.String("probe", ps.cfg.Name),
			logx.Int("failures", snap.Failures),
			logx.Any("open_until", snap.OpenUntil),
		)
		if r.alerts != nil {
			r.alerts.Notify(alert.Message{
				Source:   r.source(ps.cfg.Name),
				Severity: alert.SevWarn,
				Title:    fmt.Sprintf("probe %s circuit opened", ps.cfg.Name),
				Text:     ps.lastErr,
				DedupKey: "breaker:" + r.cfg.Name + ":" + ps.cfg.Name,
			})
		}
	}

	if !hadRun || ok == wasOK || r.alerts == nil {
		if ok != wasOK && hadRun {
			r.bus.Publish(eventbus.Event{Type: eventbus.TypeProbeState, Data: r.source(ps.cfg.Name)})
		}
		return
	}
	r.bus.Publish(eventbus.Event{Type: eventbus.TypeProbeState, Data: r.source(ps.cfg.Name)})
	if ok {
		r.alerts.Notify(alert.Message{
			Source:   r.source(ps.cfg.Name),
			Severity: alert.SevInfo,
			Title:    fmt.Sprintf("probe %s recovered", ps.cfg.Name),
		})
	} else {
		r.alerts.Notify(alert.Message{
			Source:   r.source(ps.cfg.Name),
			Severity: alert.SevWarn,
			Title:    fmt.Sprintf("probe %s failing", ps.cfg.Name),
			Text:     ps.lastErr,
		})
	}
}

func (r *runner) source(probeName string) string {
	return "loop/" + r.cfg.Name + "/probe/" + probeName
}

// forceRun schedules one immediate run on the loop goroutine, bypassing
// interval and breaker. The rebase it causes counts for later natural
// scheduling, exactly like a gated run would.
func (r *runner) forceRun(probeName string) error {
	errc := make(chan error, 1)
	ok := r.enqueue(func() {
		for _, ps := range r.probes {
			if ps.cfg.Name != probeName {
				continue
			}
			ps.pendingForce = true
			res := pace.Empty(ps.timer)
			res.Force()
			r.bus.Publish(eventbus.Event{Type: eventbus.TypeProbeForced, Data: r.source(probeName)})
			errc <- nil
			return
		}
		errc <- fmt.Errorf("loop %s: no probe %q", r.cfg.Name, probeName)
	})
	if !ok {
		return fmt.Errorf("loop %s: not running", r.cfg.Name)
	}
	return r.await(errc)
}

// applySettings forwards a live settings update to a running probe.
func (r *runner) applySettings(probeName string, raw []byte) error {
	errc := make(chan error, 1)
	ok := r.enqueue(func() {
		for _, ps := range r.probes {
			if ps.cfg.Name != probeName {
				continue
			}
			w, isWatcher := ps.impl.(probe.ConfigWatcher)
			if !isWatcher {
				errc <- fmt.Errorf("probe %q does not accept live settings", probeName)
				return
			}
			if err := w.ApplySettings(raw); err != nil {
				errc <- err
				return
			}
			ps.cfg.Settings = raw
			r.log.Info("probe settings updated", logx.String("probe", probeName))
			errc <- nil
			return
		}
		errc <- fmt.Errorf("loop %s: no probe %q", r.cfg.Name, probeName)
	})
	if !ok {
		return fmt.Errorf("loop %s: not running", r.cfg.Name)
	}
	return r.await(errc)
}

// await reads the command's reply, bailing out if the loop exits before
// the queued command ever runs.
func (r *runner) await(errc <-chan error) error {
	select {
	case err := <-errc:
		return err
	case <-r.done:
		select {
		case err := <-errc:
			return err
		default:
			return fmt.Errorf("loop %s: stopped before command ran", r.cfg.Name)
		}
	}
}

func (r *runner) snapshot() (Snapshot, bool) {
	snapc := make(chan Snapshot, 1)
	ok := r.enqueue(func() {
		snap := Snapshot{Name: r.cfg.Name, Running: true, Ticks: r.ticks}
		for _, ps := range r.probes {
			snap.Probes = append(snap.Probes, ProbeSnapshot{
				Name:       ps.cfg.Name,
				Enabled:    ps.cfg.Enabled,
				IntervalMS: intervalMS(ps.cfg.Interval),
				Runs:       ps.runs,
				Failures:   ps.failures,
				Forced:     ps.forced,
				LastOK:     ps.lastOK,
				LastError:  ps.lastErr,
				LastRun:    ps.lastRun,
				Breaker:    ps.breaker.Snapshot(),
			})
		}
		snapc <- snap
	})
	if !ok {
		return Snapshot{Name: r.cfg.Name}, false
	}
	select {
	case snap := <-snapc:
		return snap, true
	case <-r.done:
		return Snapshot{Name: r.cfg.Name}, false
	}
}

func intervalMS(d time.Duration) uint32 {
	ms := d.Milliseconds()
	if ms <= 0 {
		return 1
	}
	if ms > int64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(ms)
}
