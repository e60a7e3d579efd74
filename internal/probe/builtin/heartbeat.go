package builtin

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"paced/internal/probe"
	logx "paced/pkg/logx"
)

func init() {
	probe.Register("heartbeat", func() probe.Probe { return &heartbeatProbe{} })
}

type heartbeatSettings struct {
	Message string `json:"message,omitempty"`
}

// heartbeatProbe emits a periodic liveness log line. It is the cheapest
// way to confirm a loop is ticking.
type heartbeatProbe struct {
	mu      sync.Mutex
	cfg     heartbeatSettings
	log     logx.Logger
	started time.Time
	beats   uint64
}

func (p *heartbeatProbe) Name() string { return "heartbeat" }

func (p *heartbeatProbe) Init(_ context.Context, deps probe.Deps) error {
	p.log = deps.Log
	p.started = time.Now()
	return nil
}

func (p *heartbeatProbe) Step(_ context.Context, elapsedMS uint32) error {
	p.mu.Lock()
	p.beats++
	beats := p.beats
	msg := p.cfg.Message
	p.mu.Unlock()

	if msg == "" {
		msg = "heartbeat"
	}
	p.log.Info(msg,
		logx.Uint32("since_last_ms", elapsedMS),
		logx.Any("beat", beats),
		logx.Duration("uptime", time.Since(p.started).Round(time.Second)),
	)
	return nil
}

func (p *heartbeatProbe) Stop(context.Context) error { return nil }

func (p *heartbeatProbe) ApplySettings(raw json.RawMessage) error {
	var cfg heartbeatSettings
	if err := probe.DecodeSettings(raw, &cfg); err != nil {
		return err
	}
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
	return nil
}
