package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sync"

	"paced/internal/alert"
	"paced/internal/probe"
	logx "paced/pkg/logx"
)

func init() {
	probe.Register("sysinfo", func() probe.Probe { return &sysinfoProbe{} })
}

type sysinfoSettings struct {
	// MaxGoroutines and MaxHeapMB raise an alert while exceeded.
	// Zero disables the respective check.
	MaxGoroutines int `json:"max_goroutines,omitempty"`
	MaxHeapMB     int `json:"max_heap_mb,omitempty"`
}

// sysinfoProbe samples process runtime stats and alerts when they cross
// configured ceilings. Alerts fire on the crossing, not on every sample.
type sysinfoProbe struct {
	mu  sync.Mutex
	cfg sysinfoSettings

	log    logx.Logger
	alerts *alert.Service

	breached bool
}

func (p *sysinfoProbe) Name() string { return "sysinfo" }

func (p *sysinfoProbe) Init(_ context.Context, deps probe.Deps) error {
	p.log = deps.Log
	p.alerts = deps.Alerts
	return nil
}

func (p *sysinfoProbe) Step(_ context.Context, _ uint32) error {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	goroutines := runtime.NumGoroutine()
	heapMB := int(ms.HeapAlloc / (1 << 20))

	p.log.Debug("runtime sample",
		logx.Int("goroutines", goroutines),
		logx.Int("heap_mb", heapMB),
		logx.Any("gc_cycles", ms.NumGC),
	)

	p.mu.Lock()
	cfg := p.cfg
	wasBreached := p.breached
	var reason string
	if cfg.MaxGoroutines > 0 && goroutines > cfg.MaxGoroutines {
		reason = fmt.Sprintf("goroutines %d > %d", goroutines, cfg.MaxGoroutines)
	} else if cfg.MaxHeapMB > 0 && heapMB > cfg.MaxHeapMB {
		reason = fmt.Sprintf("heap %d MiB > %d MiB", heapMB, cfg.MaxHeapMB)
	}
	p.breached = reason != ""
	nowBreached := p.breached
	p.mu.Unlock()

	if p.alerts == nil {
		return nil
	}
	switch {
	case nowBreached && !wasBreached:
		p.alerts.Notify(alert.Message{
			Source:   "probe/sysinfo",
			Severity: alert.SevWarn,
			Title:    "runtime threshold exceeded",
			Text:     reason,
		})
	case !nowBreached && wasBreached:
		p.alerts.Notify(alert.Message{
			Source:   "probe/sysinfo",
			Severity: alert.SevInfo,
			Title:    "runtime back under thresholds",
		})
	}
	return nil
}

func (p *sysinfoProbe) Stop(context.Context) error { return nil }

func (p *sysinfoProbe) ApplySettings(raw json.RawMessage) error {
	var cfg sysinfoSettings
	if err := probe.DecodeSettings(raw, &cfg); err != nil {
		return err
	}
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
	return nil
}
