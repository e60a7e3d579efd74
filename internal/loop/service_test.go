package loop

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"paced/internal/eventbus"
	"paced/internal/probe"
	"paced/internal/storage"
	logx "paced/pkg/logx"
)

type svcProbe struct{ steps *atomic.Uint64 }

func (p *svcProbe) Name() string                           { return "loop-test-svc" }
func (p *svcProbe) Init(context.Context, probe.Deps) error { return nil }
func (p *svcProbe) Stop(context.Context) error             { return nil }
func (p *svcProbe) Step(context.Context, uint32) error {
	p.steps.Add(1)
	return nil
}

func TestServiceReconciles(t *testing.T) {
	t.Parallel()

	var steps atomic.Uint64
	probe.Register("loop-test-svc", func() probe.Probe { return &svcProbe{steps: &steps} })

	mk := func(name string) Config {
		return Config{
			Name:       name,
			Enabled:    true,
			TickPeriod: 20 * time.Millisecond,
			Probes: []ProbeConfig{
				{Name: "loop-test-svc", Enabled: true, Interval: time.Hour},
			},
		}
	}

	bus := eventbus.New()
	s := NewService(logx.NewConsole("error"), bus, nil, storage.Disabled())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Start(ctx, []Config{mk("alpha"), mk("beta")})
	waitSnapshotLen(t, s, 2)

	// beta goes away, gamma arrives
	s.Apply([]Config{mk("alpha"), mk("gamma")})
	waitSnapshotLen(t, s, 2)
	snaps := s.Snapshots()
	if snaps[0].Name != "alpha" || snaps[1].Name != "gamma" {
		t.Fatalf("loops after apply: %q, %q", snaps[0].Name, snaps[1].Name)
	}

	if err := s.ForceRun("alpha", "loop-test-svc"); err != nil {
		t.Fatalf("ForceRun: %v", err)
	}
	if steps.Load() == 0 {
		t.Fatal("forced run did not reach probe")
	}
	if err := s.ForceRun("beta", "loop-test-svc"); err == nil {
		t.Fatal("ForceRun reached a removed loop")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if len(s.Snapshots()) != 0 {
		t.Fatal("snapshots after stop")
	}
}

func waitSnapshotLen(t *testing.T, s *Service, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snaps := s.Snapshots()
		if len(snaps) == want {
			ok := true
			for _, sn := range snaps {
				if !sn.Running {
					ok = false
				}
			}
			if ok {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("loop set never reached %d running loops", want)
}
