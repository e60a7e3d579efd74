package app

import (
	"fmt"
	"sort"
	"time"

	"paced/internal/alert"
	"paced/internal/config"
	"paced/internal/loop"
	"paced/internal/observability/diag"
	"paced/internal/storage"
	"paced/internal/watchdog"
	logx "paced/pkg/logx"
)

// The mappers translate the raw config schema into each component's own
// config type, applying defaults and parsing durations. validateConfig
// runs them all, so a reload is rejected before anything is applied.

func mapLogging(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File: logx.FileConfig{
			Enabled: c.File.Enabled,
			Path:    c.File.Path,
		},
		Notify: logx.NotifyConfig{
			Enabled:    c.Notify.Enabled,
			MinLevel:   c.Notify.MinLevel,
			RatePerSec: c.Notify.RatePerSec,
		},
	}
}

func mapAlerts(c *config.AlertsConfig) (alert.Config, error) {
	if c == nil {
		// Omitted section: pipeline on with defaults.
		return alert.Config{Enabled: true}, nil
	}
	retryBase, err := config.ParseDurationField("alerts.retry_base", c.RetryBase)
	if err != nil {
		return alert.Config{}, err
	}
	retryMax, err := config.ParseDurationField("alerts.retry_max_delay", c.RetryMaxDelay)
	if err != nil {
		return alert.Config{}, err
	}
	dedup, err := config.ParseDurationField("alerts.dedup_window", c.DedupWindow)
	if err != nil {
		return alert.Config{}, err
	}
	if c.MinSeverity < 0 || c.MinSeverity > int(alert.SevCrit) {
		return alert.Config{}, fmt.Errorf("alerts.min_severity: %d out of range", c.MinSeverity)
	}
	return alert.Config{
		Enabled:         c.Enabled,
		Workers:         c.Workers,
		QueueSize:       c.QueueSize,
		RatePerSec:      c.RatePerSec,
		RetryMax:        c.RetryMax,
		RetryBase:       retryBase,
		RetryMaxDelay:   retryMax,
		DedupWindow:     dedup,
		DedupMaxEntries: c.DedupMaxEntries,
		PersistDedup:    c.PersistDedup,
		MinSeverity:     alert.Severity(c.MinSeverity),
	}, nil
}

func mapStorage(c *config.StorageConfig) (storage.Config, error) {
	if c == nil {
		return storage.Config{}, nil
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", c.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: c.Driver, Path: c.Path, BusyTimeout: busy}, nil
}

func mapDiag(c config.DiagConfig) (diag.Config, error) {
	rt, err := config.ParseDurationField("diag.read_timeout", c.ReadTimeout)
	if err != nil {
		return diag.Config{}, err
	}
	wt, err := config.ParseDurationField("diag.write_timeout", c.WriteTimeout)
	if err != nil {
		return diag.Config{}, err
	}
	it, err := config.ParseDurationField("diag.idle_timeout", c.IdleTimeout)
	if err != nil {
		return diag.Config{}, err
	}
	return diag.Config{
		Enabled:              c.Enabled,
		Addr:                 c.Addr,
		Token:                c.Token,
		AllowInsecure:        c.AllowInsecure,
		ReadTimeout:          rt,
		WriteTimeout:         wt,
		IdleTimeout:          it,
		MutexProfileFraction: c.MutexProfileFraction,
		BlockProfileRate:     c.BlockProfileRate,
		MemProfileRate:       c.MemProfileRate,
	}, nil
}

func mapWatchdog(c config.WatchdogConfig) (watchdog.Config, error) {
	iv, err := config.ParseDurationField("watchdog.interval", c.Interval)
	if err != nil {
		return watchdog.Config{}, err
	}
	return watchdog.Config{Enabled: c.Enabled, Interval: iv}, nil
}

func mapLoops(raw map[string]config.LoopConfigRaw) ([]loop.Config, error) {
	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]loop.Config, 0, len(raw))
	for _, name := range names {
		lc, err := mapLoop(name, raw[name])
		if err != nil {
			return nil, err
		}
		out = append(out, lc)
	}
	return out, nil
}

func mapLoop(name string, raw config.LoopConfigRaw) (loop.Config, error) {
	prefix := "loops." + name

	enabled := true
	if raw.Enabled != nil {
		enabled = *raw.Enabled
	}

	tick, err := config.ParseDurationOrDefault(prefix+".tick_period", raw.TickPeriod, 250*time.Millisecond)
	if err != nil {
		return loop.Config{}, err
	}

	var deferred bool
	switch raw.FirstRun {
	case "", "immediate":
	case "deferred":
		deferred = true
	default:
		return loop.Config{}, fmt.Errorf("%s.first_run: %q (want immediate or deferred)", prefix, raw.FirstRun)
	}

	var bc loop.BreakerConfig
	if raw.Breaker != nil {
		bc, err = mapBreaker(prefix+".breaker", *raw.Breaker)
		if err != nil {
			return loop.Config{}, err
		}
	}

	probeNames := make([]string, 0, len(raw.Probes))
	for pn := range raw.Probes {
		probeNames = append(probeNames, pn)
	}
	sort.Strings(probeNames)

	probes := make([]loop.ProbeConfig, 0, len(raw.Probes))
	for _, pn := range probeNames {
		pc := raw.Probes[pn]
		interval, err := config.ParseDurationField(prefix+".probes."+pn+".interval", pc.Interval)
		if err != nil {
			return loop.Config{}, err
		}
		if pc.Enabled && interval <= 0 {
			return loop.Config{}, fmt.Errorf("%s.probes.%s.interval: required", prefix, pn)
		}
		probes = append(probes, loop.ProbeConfig{
			Name:       pn,
			Enabled:    pc.Enabled,
			Interval:   interval,
			RunAtStart: pc.RunAtStart,
			Settings:   pc.Settings,
		})
	}

	return loop.Config{
		Name:       name,
		Enabled:    enabled,
		TickPeriod: tick,
		Deferred:   deferred,
		Breaker:    bc,
		Probes:     probes,
	}, nil
}

func mapBreaker(prefix string, raw config.BreakerConfigRaw) (loop.BreakerConfig, error) {
	base, err := config.ParseDurationField(prefix+".base_delay", raw.BaseDelay)
	if err != nil {
		return loop.BreakerConfig{}, err
	}
	maxDelay, err := config.ParseDurationField(prefix+".max_delay", raw.MaxDelay)
	if err != nil {
		return loop.BreakerConfig{}, err
	}
	reset, err := config.ParseDurationField(prefix+".reset_after", raw.ResetAfter)
	if err != nil {
		return loop.BreakerConfig{}, err
	}
	return loop.BreakerConfig{
		TripFailures: raw.TripFailures,
		BaseDelay:    base,
		MaxDelay:     maxDelay,
		ResetAfter:   reset,
	}, nil
}

// validateConfig runs every mapper and checks cross-section constraints.
// The config watcher uses it as its pre-commit validator.
func validateConfig(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if _, err := mapAlerts(cfg.Alerts); err != nil {
		return err
	}
	if _, err := mapStorage(cfg.Storage); err != nil {
		return err
	}
	if _, err := mapDiag(cfg.Diag); err != nil {
		return err
	}
	if _, err := mapWatchdog(cfg.Watchdog); err != nil {
		return err
	}
	if _, err := mapLoops(cfg.Loops); err != nil {
		return err
	}
	if cfg.Telegram != nil {
		if cfg.Telegram.Token == "" {
			return fmt.Errorf("telegram.token: required when section present")
		}
		if cfg.Telegram.ChatID == 0 {
			return fmt.Errorf("telegram.chat_id: required when section present")
		}
	}
	if cfg.Jobs.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Jobs.Timezone); err != nil {
			return fmt.Errorf("jobs.timezone: %w", err)
		}
	}
	return nil
}
