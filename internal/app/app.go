// Package app wires the configuration, logging, storage, alerting, loop
// and diagnostics components into one runnable process and owns the
// reload and shutdown sequences.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"paced/internal/alert"
	"paced/internal/alert/telegram"
	"paced/internal/config"
	"paced/internal/eventbus"
	"paced/internal/jobs"
	"paced/internal/loop"
	"paced/internal/metrics"
	"paced/internal/observability/diag"
	"paced/internal/runtime/supervisor"
	"paced/internal/storage"
	"paced/internal/watchdog"
	logx "paced/pkg/logx"
)

const stopStepTimeout = 10 * time.Second

type App struct {
	version string

	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger
	bus    eventbus.Bus
	store  storage.Store
	alerts *alert.Service
	loops  *loop.Service
	jobs   *jobs.Service
	wd     *watchdog.Service
	mets   *metrics.Metrics
	diag   *diag.Service

	sup *supervisor.Supervisor

	mu     sync.Mutex
	cur    *config.Config
	reason StopReason
}

// New loads and validates the config at path and constructs every
// component, started or not. Run starts them.
func New(path, version string) (*App, error) {
	mgr := config.NewManager(path)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logSvc, log := logx.New(mapLogging(cfg.Logging), nil)
	mgr.SetLogger(log.With(logx.String("component", "config")))
	mgr.SetValidator(func(_ context.Context, c *config.Config) error {
		return validateConfig(c)
	})

	bus := eventbus.New()

	store, err := storage.Open(mustStorage(cfg.Storage))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("storage: %w", err)
	}

	var sink alert.Sink
	if cfg.Telegram != nil {
		tg, err := telegram.New(telegram.Config{
			Token:    cfg.Telegram.Token,
			ChatID:   cfg.Telegram.ChatID,
			ThreadID: cfg.Telegram.ThreadID,
		})
		if err != nil {
			_ = store.Close()
			_ = logSvc.Close()
			return nil, fmt.Errorf("telegram: %w", err)
		}
		sink = tg
		// Error-level log lines ride the same chat.
		logSvc.SetNotifier(tg)
	}

	alertCfg, _ := mapAlerts(cfg.Alerts)
	alerts := alert.New(log, bus, store, sink, alertCfg)
	loops := loop.NewService(log, bus, alerts, store)

	jobsSvc, err := jobs.NewService(log, cfg.Jobs.Timezone)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, fmt.Errorf("jobs: %w", err)
	}

	wdCfg, _ := mapWatchdog(cfg.Watchdog)
	wd := watchdog.New(log, wdCfg)

	mets := metrics.New(loops.Snapshots)

	a := &App{
		version: version,
		cfgMgr:  mgr,
		logSvc:  logSvc,
		log:     log,
		bus:     bus,
		store:   store,
		alerts:  alerts,
		loops:   loops,
		jobs:    jobsSvc,
		wd:      wd,
		mets:    mets,
		cur:     cfg,
	}
	a.diag = diag.New(log, mets.Registry(), diag.Sources{
		Version:    version,
		Loops:      func() any { return loops.Snapshots() },
		Alerts:     func() any { return alerts.Snapshot() },
		Goroutines: func() any { return a.supervisorSnapshot() },
	})
	return a, nil
}

// mustStorage re-maps a config section that validateConfig already
// accepted, so the error cannot recur.
func mustStorage(c *config.StorageConfig) storage.Config {
	sc, _ := mapStorage(c)
	return sc
}

func (a *App) supervisorSnapshot() any {
	a.mu.Lock()
	sup := a.sup
	a.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.SnapshotNow()
}

// Run starts every component and blocks until ctx is cancelled, then
// shuts down in reverse order. It is single-shot.
func (a *App) Run(ctx context.Context) error {
	cfg := a.currentConfig()

	sup := supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true),
	)
	a.mu.Lock()
	a.sup = sup
	a.mu.Unlock()

	a.log.Info("starting",
		logx.String("version", a.version),
		logx.Int("loops", len(cfg.Loops)))

	a.alerts.Start(sup.Context())

	loopCfgs, err := mapLoops(cfg.Loops)
	if err != nil {
		// validateConfig passed at New; a failure here means the config
		// mutated underneath us.
		return fmt.Errorf("loops: %w", err)
	}
	a.loops.Start(sup.Context(), loopCfgs)

	if cfg.Jobs.Enabled {
		a.applyJobs(cfg.Jobs)
		a.jobs.Start()
	}

	sup.Go0("metrics-watch", func(ctx context.Context) {
		a.mets.Watch(ctx, a.bus)
	})

	diagCfg, _ := mapDiag(cfg.Diag)
	if err := a.diag.Start(diagCfg); err != nil {
		a.log.Error("diag start failed", logx.Err(err))
	}

	sup.Go("config-watch", a.cfgMgr.Watch)
	sup.Go0("config-reload", func(ctx context.Context) {
		a.reloadLoop(ctx, a.cfgMgr.Updates())
	})

	a.wd.Start(sup)

	select {
	case <-ctx.Done():
		a.setReason(StopSignal)
	case <-sup.Context().Done():
		// A supervised goroutine failed hard (WithCancelOnError).
		a.setReason(StopFatal)
	}
	shutErr := a.shutdown()
	if err := sup.Err(); err != nil {
		return err
	}
	return shutErr
}

func (a *App) currentConfig() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cur
}

func (a *App) setReason(r StopReason) {
	a.mu.Lock()
	if a.reason == StopUnknown {
		a.reason = r
	}
	a.mu.Unlock()
}

// reloadLoop consumes validated configs from the watcher. The manager's
// update channel already coalesces bursts down to the newest config.
func (a *App) reloadLoop(ctx context.Context, ch <-chan *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg := <-ch:
			a.applyConfig(cfg)
		}
	}
}

func (a *App) applyConfig(cfg *config.Config) {
	a.mu.Lock()
	prev := a.cur
	a.cur = cfg
	a.mu.Unlock()

	summary := config.SummarizeConfigChange(prev, cfg)
	a.log.Info("applying config reload", logx.String("changes", summary))

	a.logSvc.Apply(mapLogging(cfg.Logging))

	// The watcher validated cfg before publishing, so the mappers
	// cannot fail here.
	alertCfg, _ := mapAlerts(cfg.Alerts)
	a.alerts.Apply(alertCfg)

	loopCfgs, err := mapLoops(cfg.Loops)
	if err == nil {
		a.loops.Apply(loopCfgs)
	} else {
		a.log.Error("loop config rejected on reload", logx.Err(err))
	}

	if cfg.Jobs.Enabled {
		a.applyJobs(cfg.Jobs)
	} else {
		for _, name := range a.jobs.Names() {
			a.jobs.Remove(name)
		}
	}

	diagCfg, _ := mapDiag(cfg.Diag)
	ctx, cancel := context.WithTimeout(context.Background(), stopStepTimeout)
	if err := a.diag.Reconfigure(ctx, diagCfg); err != nil {
		a.log.Error("diag reconfigure failed", logx.Err(err))
	}
	cancel()

	a.bus.Publish(eventbus.Event{
		Type: eventbus.TypeConfigReload,
		Data: summary,
	})
}

// applyJobs (re)schedules the maintenance jobs. An empty spec removes
// the job inside Upsert.
func (a *App) applyJobs(jc config.JobsConfig) {
	if err := a.jobs.Upsert("dedup-prune", jc.DedupPrune, a.runDedupPrune); err != nil {
		a.log.Error("schedule dedup-prune failed", logx.Err(err))
	}
	if err := a.jobs.Upsert("daily-summary", jc.DailySummary, a.runDailySummary); err != nil {
		a.log.Error("schedule daily-summary failed", logx.Err(err))
	}
}

func (a *App) runDedupPrune() {
	ctx, cancel := context.WithTimeout(context.Background(), stopStepTimeout)
	defer cancel()
	n, err := a.store.PruneDedup(ctx, time.Now())
	if err != nil {
		a.log.Error("dedup prune failed", logx.Err(err))
		return
	}
	if n > 0 {
		a.log.Info("dedup entries pruned", logx.Int("count", n))
	}
}

func (a *App) runDailySummary() {
	snaps := a.loops.Snapshots()
	var loopsRunning, probes int
	var runs, failures uint64
	for _, s := range snaps {
		if s.Running {
			loopsRunning++
		}
		for _, p := range s.Probes {
			probes++
			runs += p.Runs
			failures += p.Failures
		}
	}
	st := a.alerts.Snapshot()
	a.alerts.Notify(alert.Message{
		Source:   "summary",
		Severity: alert.SevInfo,
		Title:    "daily summary",
		Text: fmt.Sprintf("loops running: %d, probes: %d, runs: %d, failures: %d, alerts sent: %d, dropped: %d",
			loopsRunning, probes, runs, failures, st.Sent, st.Dropped),
		DedupKey: "summary:daily",
	})
}

// shutdown stops components in reverse start order, each under its own
// timeout so a stuck one cannot wedge the rest.
func (a *App) shutdown() error {
	a.mu.Lock()
	reason := a.reason
	sup := a.sup
	a.mu.Unlock()

	a.log.Info("stopping", logx.String("reason", reason.String()))
	a.wd.NotifyStopping()

	step := func(name string, fn func(ctx context.Context) error) {
		ctx, cancel := context.WithTimeout(context.Background(), stopStepTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			a.log.Warn("stop step failed", logx.String("step", name), logx.Err(err))
		}
	}

	step("diag", a.diag.Stop)
	step("jobs", a.jobs.Stop)
	step("loops", a.loops.Stop)
	step("alerts", a.alerts.Stop)

	if sup != nil {
		sup.Cancel()
		step("supervisor", sup.Wait)
	}

	step("storage", func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logSvc.Close()
}
