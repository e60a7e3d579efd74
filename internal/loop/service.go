package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"paced/internal/alert"
	"paced/internal/eventbus"
	"paced/internal/runtime/supervisor"
	"paced/internal/storage"
	logx "paced/pkg/logx"
)

// Service owns the set of running loops and reconciles them against
// config: new loops start, removed loops stop, probe settings changes
// apply live, anything structural restarts the affected loop only.
type Service struct {
	log    logx.Logger
	bus    eventbus.Bus
	alerts *alert.Service
	store  storage.Store

	mu      sync.Mutex
	sup     *supervisor.Supervisor
	runners map[string]*runnerHandle
	started bool
}

type runnerHandle struct {
	r      *runner
	cancel context.CancelFunc
	key    string // structural identity; settings changes don't alter it
}

func NewService(log logx.Logger, bus eventbus.Bus, alerts *alert.Service, store storage.Store) *Service {
	if store == nil {
		store = storage.Disabled()
	}
	return &Service{
		log:     log.With(logx.String("component", "loops")),
		bus:     bus,
		alerts:  alerts,
		store:   store,
		runners: map[string]*runnerHandle{},
	}
}

// Start brings up the initial loop set. Later reconfiguration goes
// through Apply.
func (s *Service) Start(ctx context.Context, cfgs []Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	for _, cfg := range cfgs {
		if cfg.Enabled {
			s.startLocked(cfg)
		}
	}
}

func (s *Service) startLocked(cfg Config) {
	rn := newRunner(cfg, s.log, s.bus, s.alerts, s.store)
	rctx, cancel := context.WithCancel(s.sup.Context())
	s.runners[cfg.Name] = &runnerHandle{r: rn, cancel: cancel, key: structuralKey(cfg)}
	s.sup.Go("loop/"+cfg.Name, func(context.Context) error {
		return rn.run(rctx)
	})
}

func (s *Service) stopLocked(name string) {
	h, ok := s.runners[name]
	if !ok {
		return
	}
	delete(s.runners, name)
	h.cancel()
	select {
	case <-h.r.done:
	case <-time.After(10 * time.Second):
		s.log.Warn("loop slow to stop", logx.String("loop", name))
	}
}

// Apply reconciles the running set against cfgs.
func (s *Service) Apply(cfgs []Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}

	want := map[string]Config{}
	for _, cfg := range cfgs {
		if cfg.Enabled {
			want[cfg.Name] = cfg
		}
	}

	for name := range s.runners {
		if _, keep := want[name]; !keep {
			s.log.Info("loop removed from config", logx.String("loop", name))
			s.stopLocked(name)
		}
	}

	for name, cfg := range want {
		h, exists := s.runners[name]
		if !exists {
			s.log.Info("loop added", logx.String("loop", name))
			s.startLocked(cfg)
			continue
		}
		if h.key != structuralKey(cfg) {
			s.log.Info("loop changed; restarting", logx.String("loop", name))
			s.stopLocked(name)
			s.startLocked(cfg)
			continue
		}
		// Same structure: push settings updates into the live probes.
		for _, pc := range cfg.Probes {
			if !pc.Enabled || len(pc.Settings) == 0 {
				continue
			}
			if err := h.r.applySettings(pc.Name, pc.Settings); err != nil {
				s.log.Warn("live settings update failed",
					logx.String("loop", name),
					logx.String("probe", pc.Name),
					logx.Err(err),
				)
			}
		}
	}
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	sup := s.sup
	s.runners = map[string]*runnerHandle{}
	s.mu.Unlock()

	sup.Cancel()
	return sup.Wait(ctx)
}

// ForceRun triggers one immediate probe run, bypassing its interval and
// breaker.
func (s *Service) ForceRun(loopName, probeName string) error {
	s.mu.Lock()
	h, ok := s.runners[loopName]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no running loop %q", loopName)
	}
	return h.r.forceRun(probeName)
}

// Snapshots returns per-loop state, sorted by name.
func (s *Service) Snapshots() []Snapshot {
	s.mu.Lock()
	handles := make([]*runnerHandle, 0, len(s.runners))
	for _, h := range s.runners {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	out := make([]Snapshot, 0, len(handles))
	for _, h := range handles {
		snap, _ := h.r.snapshot()
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// structuralKey identifies a loop config up to probe settings, which are
// the only part that can change without a restart.
func structuralKey(cfg Config) string {
	shadow := cfg
	shadow.Probes = make([]ProbeConfig, len(cfg.Probes))
	copy(shadow.Probes, cfg.Probes)
	sort.Slice(shadow.Probes, func(i, j int) bool { return shadow.Probes[i].Name < shadow.Probes[j].Name })
	for i := range shadow.Probes {
		shadow.Probes[i].Settings = nil
	}
	b, err := json.Marshal(shadow)
	if err != nil {
		return cfg.Name
	}
	return string(b)
}
