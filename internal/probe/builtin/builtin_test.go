package builtin

import (
	"context"
	"encoding/json"
	"testing"

	"paced/internal/probe"
	logx "paced/pkg/logx"
)

func TestBuiltinsRegistered(t *testing.T) {
	for _, kind := range []string{"heartbeat", "sysinfo", "procwatch", "speedtest"} {
		p, err := probe.New(kind)
		if err != nil {
			t.Fatalf("New(%q): %v", kind, err)
		}
		if p.Name() != kind {
			t.Fatalf("Name() = %q, want %q", p.Name(), kind)
		}
		if _, ok := p.(probe.ConfigWatcher); !ok {
			t.Fatalf("%q does not accept live settings", kind)
		}
	}
}

func TestHeartbeatStep(t *testing.T) {
	t.Parallel()

	p := &heartbeatProbe{}
	deps := probe.Deps{Log: logx.NewConsole("error")}
	if err := p.Init(context.Background(), deps); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := p.ApplySettings(json.RawMessage(`{"message": "tick"}`)); err != nil {
		t.Fatalf("ApplySettings: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := p.Step(context.Background(), 1000); err != nil {
			t.Fatalf("Step: %v", err)
		}
	}
	if p.beats != 3 {
		t.Fatalf("beats = %d", p.beats)
	}
}

func TestSysinfoBreachTransitions(t *testing.T) {
	t.Parallel()

	p := &sysinfoProbe{}
	if err := p.Init(context.Background(), probe.Deps{Log: logx.NewConsole("error")}); err != nil {
		t.Fatalf("Init: %v", err)
	}

	// A 1-goroutine ceiling is always exceeded by a running test binary.
	if err := p.ApplySettings(json.RawMessage(`{"max_goroutines": 1}`)); err != nil {
		t.Fatalf("ApplySettings: %v", err)
	}
	if err := p.Step(context.Background(), 0); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if !p.breached {
		t.Fatal("ceiling of 1 goroutine not reported as breached")
	}

	// Lifting the ceiling clears the breach on the next sample.
	if err := p.ApplySettings(json.RawMessage(`{}`)); err != nil {
		t.Fatalf("ApplySettings: %v", err)
	}
	if err := p.Step(context.Background(), 0); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if p.breached {
		t.Fatal("breach did not clear after thresholds removed")
	}
}

func TestProcwatchNoTargetsIsNoop(t *testing.T) {
	t.Parallel()

	p := &procwatchProbe{}
	if err := p.Init(context.Background(), probe.Deps{Log: logx.NewConsole("error")}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	// No configured processes: Step must not scan or fail.
	if err := p.Step(context.Background(), 0); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if p.init {
		t.Fatal("scan ran with no watch targets")
	}
}

func TestProcwatchRejectsUnknownSettings(t *testing.T) {
	t.Parallel()

	p := &procwatchProbe{}
	if err := p.ApplySettings(json.RawMessage(`{"procesess": ["typo"]}`)); err == nil {
		t.Fatal("unknown settings field accepted")
	}
}
