// Package watchdog integrates with systemd: readiness notification and
// WATCHDOG= petting.
package watchdog

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"paced/internal/runtime/supervisor"
	logx "paced/pkg/logx"
	"paced/pkg/pace"
)

type Config struct {
	Enabled bool
	// Interval overrides WATCHDOG_USEC when set.
	Interval time.Duration
}

type Service struct {
	log      logx.Logger
	cfg      Config
	interval time.Duration
	active   bool
}

func New(log logx.Logger, cfg Config) *Service {
	return &Service{log: log.With(logx.String("component", "watchdog")), cfg: cfg}
}

// Start sends READY=1 and, when a watchdog interval is known, begins
// petting at a third of it. Outside systemd both are no-ops.
func (s *Service) Start(sup *supervisor.Supervisor) {
	if !s.cfg.Enabled {
		return
	}

	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		s.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if sent {
		s.log.Info("notified systemd ready")
	}

	s.interval = s.cfg.Interval
	if s.interval <= 0 {
		wd, err := daemon.SdWatchdogEnabled(false)
		if err != nil {
			s.log.Warn("watchdog detection failed", logx.Err(err))
			return
		}
		s.interval = wd
	}
	if s.interval <= 0 {
		s.log.Debug("systemd watchdog not enabled")
		return
	}

	s.active = true
	sup.Go0("watchdog", s.petLoop)
}

func (s *Service) petLoop(ctx context.Context) {
	pet := s.interval / 3
	if pet < time.Second {
		pet = time.Second
	}
	s.log.Info("watchdog petting", logx.Duration("interval", s.interval), logx.Duration("pet_every", pet))

	// A coarse ticker drives an interval gate, so cadence survives ticks
	// being delayed or coalesced under load.
	timer := pace.NewTimer(pace.Millis(), pace.Effect(func() {
		if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
			s.log.Warn("watchdog pet failed", logx.Err(err))
		}
	}))

	tick := pet / 4
	if tick < 250*time.Millisecond {
		tick = 250 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			timer.Tick(uint32(pet.Milliseconds()))
		}
	}
}

// NotifyStopping tells systemd shutdown has begun, extending the kill
// grace while Stop handlers run.
func (s *Service) NotifyStopping() {
	if !s.cfg.Enabled {
		return
	}
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		s.log.Warn("sd_notify stopping failed", logx.Err(err))
	}
}

// Active reports whether watchdog petting is running.
func (s *Service) Active() bool { return s.active }
