package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	st "github.com/showwin/speedtest-go/speedtest"

	"paced/internal/alert"
	"paced/internal/probe"
	logx "paced/pkg/logx"
)

func init() {
	probe.Register("speedtest", func() probe.Probe { return &speedtestProbe{} })
}

type speedtestSettings struct {
	// ServerCount bounds how many nearby servers are pinged; the lowest-
	// latency one runs the full test.
	ServerCount int    `json:"server_count,omitempty"`
	Timeout     string `json:"timeout,omitempty"` // Go duration, default 2m

	// MinDownloadMbps alerts when the measured download rate drops
	// below it. Zero disables the check.
	MinDownloadMbps float64 `json:"min_download_mbps,omitempty"`

	SavingMode     bool `json:"saving_mode,omitempty"`
	MaxConnections int  `json:"max_connections,omitempty"`
}

type speedtestProbe struct {
	mu  sync.Mutex
	cfg speedtestSettings

	log    logx.Logger
	alerts *alert.Service

	slow bool
}

func (p *speedtestProbe) Name() string { return "speedtest" }

func (p *speedtestProbe) Init(_ context.Context, deps probe.Deps) error {
	p.log = deps.Log
	p.alerts = deps.Alerts
	return nil
}

func (p *speedtestProbe) Step(ctx context.Context, _ uint32) error {
	p.mu.Lock()
	cfg := p.cfg
	p.mu.Unlock()

	timeout := 2 * time.Minute
	if cfg.Timeout != "" {
		if d, err := time.ParseDuration(cfg.Timeout); err == nil && d > 0 {
			timeout = d
		}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	dl, ul, ping, server, err := runSpeedtest(ctx, cfg)
	if err != nil {
		return fmt.Errorf("speedtest: %w", err)
	}

	p.log.Info("speedtest result",
		logx.Float64("download_mbps", dl),
		logx.Float64("upload_mbps", ul),
		logx.Duration("ping", ping),
		logx.String("server", server),
		logx.Duration("took", time.Since(start).Round(time.Second)),
	)

	p.mu.Lock()
	wasSlow := p.slow
	p.slow = cfg.MinDownloadMbps > 0 && dl < cfg.MinDownloadMbps
	nowSlow := p.slow
	p.mu.Unlock()

	if p.alerts == nil {
		return nil
	}
	switch {
	case nowSlow && !wasSlow:
		p.alerts.Notify(alert.Message{
			Source:   "probe/speedtest",
			Severity: alert.SevWarn,
			Title:    "download speed degraded",
			Text:     fmt.Sprintf("%.1f Mbps < %.1f Mbps floor (server %s)", dl, cfg.MinDownloadMbps, server),
			DedupKey: "speedtest:slow",
		})
	case !nowSlow && wasSlow:
		p.alerts.Notify(alert.Message{
			Source:   "probe/speedtest",
			Severity: alert.SevInfo,
			Title:    "download speed recovered",
			Text:     fmt.Sprintf("%.1f Mbps", dl),
			DedupKey: "speedtest:recovered",
		})
	}
	return nil
}

func (p *speedtestProbe) Stop(context.Context) error { return nil }

func (p *speedtestProbe) ApplySettings(raw json.RawMessage) error {
	var cfg speedtestSettings
	if err := probe.DecodeSettings(raw, &cfg); err != nil {
		return err
	}
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
	return nil
}

// runSpeedtest pings the nearest servers and runs a full test on the
// lowest-latency one. A fresh client per run avoids package-level state
// in speedtest-go surviving across runs.
func runSpeedtest(ctx context.Context, cfg speedtestSettings) (dlMbps, ulMbps float64, ping time.Duration, server string, err error) {
	candidates := cfg.ServerCount
	if candidates <= 0 {
		candidates = 5
	}
	maxConn := cfg.MaxConnections
	if maxConn <= 0 {
		maxConn = 4
	}

	stc := st.New(st.WithUserConfig(&st.UserConfig{
		SavingMode:     cfg.SavingMode,
		MaxConnections: maxConn,
	}))
	defer func() {
		stc.Snapshots().Clean()
		stc.Reset()
	}()

	if _, err = stc.FetchUserInfoContext(ctx); err != nil {
		return 0, 0, 0, "", fmt.Errorf("fetch user info: %w", err)
	}
	servers, err := stc.FetchServerListContext(ctx)
	if err != nil {
		return 0, 0, 0, "", fmt.Errorf("fetch server list: %w", err)
	}
	if a := servers.Available(); a != nil {
		servers = *a
	}
	if len(servers) == 0 {
		return 0, 0, 0, "", fmt.Errorf("no servers available")
	}

	sort.Slice(servers, func(i, j int) bool { return servers[i].Distance < servers[j].Distance })
	if candidates > len(servers) {
		candidates = len(servers)
	}

	var best *st.Server
	for _, s := range servers[:candidates] {
		if err := ctx.Err(); err != nil {
			return 0, 0, 0, "", err
		}
		if err := s.PingTestContext(ctx, nil); err != nil || s.Latency <= 0 {
			continue
		}
		if best == nil || s.Latency < best.Latency {
			best = s
		}
	}
	if best == nil {
		return 0, 0, 0, "", fmt.Errorf("all latency tests failed")
	}

	if err = best.DownloadTestContext(ctx); err != nil {
		return 0, 0, 0, "", fmt.Errorf("download test: %w", err)
	}
	if err = best.UploadTestContext(ctx); err != nil {
		return 0, 0, 0, "", fmt.Errorf("upload test: %w", err)
	}
	return best.DLSpeed.Mbps(), best.ULSpeed.Mbps(), best.Latency, best.Sponsor, nil
}
