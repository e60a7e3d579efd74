package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	ps "github.com/mitchellh/go-ps"

	"paced/internal/alert"
	"paced/internal/probe"
	logx "paced/pkg/logx"
)

func init() {
	probe.Register("procwatch", func() probe.Probe { return &procwatchProbe{} })
}

type procwatchSettings struct {
	// Processes lists executable names that must be running
	// (matched case-insensitively against the process table).
	Processes []string `json:"processes"`
}

// procwatchProbe scans the OS process table and alerts when a watched
// executable disappears or comes back. Only transitions alert; a process
// that stays down is reported once.
type procwatchProbe struct {
	mu  sync.Mutex
	cfg procwatchSettings

	log    logx.Logger
	alerts *alert.Service

	// seen maps lowercase executable name -> was present at last scan.
	// Entries are created on the first scan so startup absence alerts too.
	seen map[string]bool
	init bool
}

func (p *procwatchProbe) Name() string { return "procwatch" }

func (p *procwatchProbe) Init(_ context.Context, deps probe.Deps) error {
	p.log = deps.Log
	p.alerts = deps.Alerts
	p.seen = make(map[string]bool)
	return nil
}

func (p *procwatchProbe) Step(ctx context.Context, _ uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	watched := make([]string, len(p.cfg.Processes))
	copy(watched, p.cfg.Processes)
	p.mu.Unlock()
	if len(watched) == 0 {
		return nil
	}

	procs, err := ps.Processes()
	if err != nil {
		return fmt.Errorf("procwatch: list processes: %w", err)
	}
	running := make(map[string]bool, len(procs))
	for _, pr := range procs {
		running[strings.ToLower(pr.Executable())] = true
	}

	p.mu.Lock()
	type transition struct {
		name string
		up   bool
	}
	var changes []transition
	firstScan := !p.init
	p.init = true
	for _, name := range watched {
		key := strings.ToLower(name)
		now := running[key]
		was, known := p.seen[key]
		p.seen[key] = now
		if !known {
			// First observation: only absence is report-worthy.
			if !now {
				changes = append(changes, transition{name: name, up: false})
			}
			continue
		}
		if was != now {
			changes = append(changes, transition{name: name, up: now})
		}
	}
	p.mu.Unlock()

	if firstScan {
		sort.Strings(watched)
		p.log.Info("watching processes", logx.String("names", strings.Join(watched, ",")))
	}

	for _, c := range changes {
		if c.up {
			p.log.Info("process recovered", logx.String("name", c.name))
			if p.alerts != nil {
				p.alerts.Notify(alert.Message{
					Source:   "probe/procwatch",
					Severity: alert.SevInfo,
					Title:    fmt.Sprintf("process %s recovered", c.name),
					DedupKey: "procwatch:up:" + strings.ToLower(c.name),
				})
			}
			continue
		}
		p.log.Warn("process down", logx.String("name", c.name))
		if p.alerts != nil {
			p.alerts.Notify(alert.Message{
				Source:   "probe/procwatch",
				Severity: alert.SevCrit,
				Title:    fmt.Sprintf("process %s not running", c.name),
				DedupKey: "procwatch:down:" + strings.ToLower(c.name),
			})
		}
	}
	return nil
}

func (p *procwatchProbe) Stop(context.Context) error { return nil }

func (p *procwatchProbe) ApplySettings(raw json.RawMessage) error {
	var cfg procwatchSettings
	if err := probe.DecodeSettings(raw, &cfg); err != nil {
		return err
	}
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
	return nil
}
