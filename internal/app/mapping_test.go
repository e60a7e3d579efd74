package app

import (
	"strings"
	"testing"
	"time"

	"paced/internal/alert"
	"paced/internal/config"
)

func TestMapLoopsDefaults(t *testing.T) {
	t.Parallel()

	raw := map[string]config.LoopConfigRaw{
		"main": {
			Probes: map[string]config.ProbeConfigRaw{
				"heartbeat": {Enabled: true, Interval: "30s", RunAtStart: true},
			},
		},
	}
	out, err := mapLoops(raw)
	if err != nil {
		t.Fatalf("mapLoops: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("got %d loops, want 1", len(out))
	}
	lc := out[0]
	if !lc.Enabled {
		t.Error("omitted enabled should default true")
	}
	if lc.TickPeriod != 250*time.Millisecond {
		t.Errorf("tick period = %v, want 250ms default", lc.TickPeriod)
	}
	if lc.Deferred {
		t.Error("omitted first_run should mean immediate")
	}
	if got := lc.Probes[0]; got.Interval != 30*time.Second || !got.RunAtStart {
		t.Errorf("probe config mismatch: %+v", got)
	}
}

func TestMapLoopsRejectsBadInput(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		raw  config.LoopConfigRaw
		want string
	}{
		{
			name: "bad first_run",
			raw: config.LoopConfigRaw{
				FirstRun: "lazy",
				Probes:   map[string]config.ProbeConfigRaw{"p": {Enabled: true, Interval: "1s"}},
			},
			want: "first_run",
		},
		{
			name: "missing interval",
			raw: config.LoopConfigRaw{
				Probes: map[string]config.ProbeConfigRaw{"p": {Enabled: true}},
			},
			want: "interval",
		},
		{
			name: "bad tick period",
			raw: config.LoopConfigRaw{
				TickPeriod: "soon",
				Probes:     map[string]config.ProbeConfigRaw{"p": {Enabled: true, Interval: "1s"}},
			},
			want: "tick_period",
		},
		{
			name: "bad breaker delay",
			raw: config.LoopConfigRaw{
				Breaker: &config.BreakerConfigRaw{BaseDelay: "whenever"},
				Probes:  map[string]config.ProbeConfigRaw{"p": {Enabled: true, Interval: "1s"}},
			},
			want: "base_delay",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := mapLoops(map[string]config.LoopConfigRaw{"x": tc.raw})
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestMapLoopsDisabledProbeSkipsIntervalCheck(t *testing.T) {
	t.Parallel()

	out, err := mapLoops(map[string]config.LoopConfigRaw{
		"x": {Probes: map[string]config.ProbeConfigRaw{"p": {Enabled: false}}},
	})
	if err != nil {
		t.Fatalf("mapLoops: %v", err)
	}
	if out[0].Probes[0].Enabled {
		t.Error("probe should stay disabled")
	}
}

func TestMapAlertsOmittedSection(t *testing.T) {
	t.Parallel()

	cfg, err := mapAlerts(nil)
	if err != nil {
		t.Fatalf("mapAlerts(nil): %v", err)
	}
	if !cfg.Enabled {
		t.Error("omitted alerts section should default enabled")
	}
}

func TestMapAlertsSeverityRange(t *testing.T) {
	t.Parallel()

	if _, err := mapAlerts(&config.AlertsConfig{MinSeverity: 9}); err == nil {
		t.Error("out-of-range min_severity should be rejected")
	}
	cfg, err := mapAlerts(&config.AlertsConfig{Enabled: true, MinSeverity: 1, DedupWindow: "10m"})
	if err != nil {
		t.Fatalf("mapAlerts: %v", err)
	}
	if cfg.MinSeverity != alert.SevWarn {
		t.Errorf("min severity = %v, want warn", cfg.MinSeverity)
	}
	if cfg.DedupWindow != 10*time.Minute {
		t.Errorf("dedup window = %v, want 10m", cfg.DedupWindow)
	}
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()

	good := &config.Config{
		Loops: map[string]config.LoopConfigRaw{
			"main": {Probes: map[string]config.ProbeConfigRaw{
				"heartbeat": {Enabled: true, Interval: "1m"},
			}},
		},
	}
	if err := validateConfig(good); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	bad := &config.Config{Telegram: &config.TelegramConfig{Token: "t"}}
	if err := validateConfig(bad); err == nil {
		t.Error("telegram section without chat_id should be rejected")
	}

	tz := &config.Config{}
	tz.Jobs.Timezone = "Mars/Olympus"
	if err := validateConfig(tz); err == nil {
		t.Error("unknown timezone should be rejected")
	}

	if err := validateConfig(nil); err == nil {
		t.Error("nil config should be rejected")
	}
}
