// Package metrics exposes Prometheus counters fed from the event bus,
// so instrumented components stay unaware of the metrics pipeline.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"paced/internal/eventbus"
	"paced/internal/loop"
)

type Metrics struct {
	reg *prometheus.Registry

	probeRuns    *prometheus.CounterVec
	probeForced  prometheus.Counter
	breakerOpens prometheus.Counter
	alertEvents  *prometheus.CounterVec
	reloads      prometheus.Counter
	runDuration  *prometheus.HistogramVec
}

// New builds the registry. snapshots, when non-nil, backs a gauge with
// the number of currently running loops.
func New(snapshots func() []loop.Snapshot) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		probeRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "paced",
			Name:      "probe_runs_total",
			Help:      "Probe executions by loop, probe and outcome.",
		}, []string{"loop", "probe", "outcome"}),
		probeForced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "paced",
			Name:      "probe_forced_total",
			Help:      "Probe runs triggered by force, bypassing the interval gate.",
		}),
		breakerOpens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "paced",
			Name:      "breaker_opens_total",
			Help:      "Circuit breaker open transitions.",
		}),
		alertEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "paced",
			Name:      "alert_events_total",
			Help:      "Alert pipeline events by result.",
		}, []string{"result"}),
		reloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "paced",
			Name:      "config_reloads_total",
			Help:      "Applied configuration reloads.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "paced",
			Name:      "probe_run_duration_seconds",
			Help:      "Probe execution duration.",
			Buckets:   []float64{.005, .025, .1, .5, 1, 5, 15, 60, 180},
		}, []string{"loop", "probe"}),
	}

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.probeRuns,
		m.probeForced,
		m.breakerOpens,
		m.alertEvents,
		m.reloads,
		m.runDuration,
	)
	if snapshots != nil {
		m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "paced",
			Name:      "loops_running",
			Help:      "Loops currently running.",
		}, func() float64 {
			n := 0
			for _, s := range snapshots() {
				if s.Running {
					n++
				}
			}
			return float64(n)
		}))
	}
	return m
}

// Registry returns the private registry for /metrics handlers.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Watch consumes bus events until ctx is canceled. Run it under the
// application supervisor.
func (m *Metrics) Watch(ctx context.Context, bus eventbus.Bus) {
	events, unsubscribe := bus.Subscribe(256)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-events:
			m.observe(e)
		}
	}
}

func (m *Metrics) observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.TypeProbeRun:
		data, ok := e.Data.(loop.ProbeRunData)
		if !ok {
			return
		}
		outcome := "ok"
		if !data.OK {
			outcome = "error"
		}
		m.probeRuns.WithLabelValues(data.Loop, data.Probe, outcome).Inc()
		m.runDuration.WithLabelValues(data.Loop, data.Probe).Observe(float64(data.DurationMS) / 1000)
		if data.Forced {
			m.probeForced.Inc()
		}
	case eventbus.TypeProbeForced:
		// Covered through probe.run's forced flag; the explicit event is
		// for subscribers that want the trigger, not the run.
	case eventbus.TypeBreakerOpen:
		m.breakerOpens.Inc()
	case eventbus.TypeAlertQueued:
		m.alertEvents.WithLabelValues("queued").Inc()
	case eventbus.TypeAlertSent:
		m.alertEvents.WithLabelValues("sent").Inc()
	case eventbus.TypeAlertFailed:
		m.alertEvents.WithLabelValues("failed").Inc()
	case eventbus.TypeAlertDropped:
		m.alertEvents.WithLabelValues("dropped").Inc()
	case eventbus.TypeAlertDeduped:
		m.alertEvents.WithLabelValues("deduped").Inc()
	case eventbus.TypeConfigReload:
		m.reloads.Inc()
	}
}
