// Package metrics exposes Prometheus collectors for CLI runs and the event
// stream.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mtzanidakis/jarvis/internal/events"
)

const namespace = "jarvis"

type Metrics struct {
	runs        *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	runCost     *prometheus.CounterVec
	events      *prometheus.CounterVec
	ingested    prometheus.Counter
}

// New registers the collectors with reg. active, when non-nil, reports the
// number of running CLI processes at scrape time.
func New(reg prometheus.Registerer, active func() int) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "CLI runs by agent and outcome.",
			},
			[]string{"agent", "outcome"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Wall-clock duration of CLI runs.",
				Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
			},
			[]string{"agent"},
		),
		runCost: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "run_cost_usd_total",
				Help:      "Reported cost of successful CLI runs in USD.",
			},
			[]string{"agent"},
		),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Events published on the bus by kind and agent.",
			},
			[]string{"kind", "agent"},
		),
		ingested: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ingested_events_total",
				Help:      "Events received from other processes over HTTP.",
			},
		),
	}

	reg.MustRegister(m.runs, m.runDuration, m.runCost, m.events, m.ingested)
	if active != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_processes",
				Help:      "CLI processes currently running.",
			},
			func() float64 { return float64(active()) },
		))
	}
	return m
}

// ObserveRun records a finished run. outcome is "success" or an error kind.
func (m *Metrics) ObserveRun(agent, outcome string, d time.Duration, costUSD float64) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(agent, outcome).Inc()
	m.runDuration.WithLabelValues(agent).Observe(d.Seconds())
	if costUSD > 0 {
		m.runCost.WithLabelValues(agent).Add(costUSD)
	}
}

// Handle is an eventbus.Handler counting published events.
func (m *Metrics) Handle(ev events.Event) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(string(ev.Kind), ev.AgentName).Inc()
}

func (m *Metrics) IncIngested() {
	if m == nil {
		return
	}
	m.ingested.Inc()
}
