// Package metrics exposes Prometheus collectors for the control loop.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rds_scheduler"

// Metrics holds the collectors recorded by the engine. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	runs           *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
	branches       *prometheus.CounterVec
	branchDuration *prometheus.HistogramVec
	commands       *prometheus.CounterVec
	polls          *prometheus.CounterVec
	notifications  *prometheus.CounterVec
	inFlight       prometheus.Gauge
}

// New creates collectors registered on a fresh registry, together with the
// Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Control loop invocations by mode and final state.",
		}, []string{"mode", "state"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of a control loop invocation.",
			Buckets:   []float64{1, 10, 60, 300, 600, 1200, 1800, 3600, 7200},
		}, []string{"mode"}),
		branches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "branches_total",
			Help:      "Resource branches by kind and outcome.",
		}, []string{"kind", "outcome"}),
		branchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "branch_duration_seconds",
			Help:      "Time from first probe to terminal state of a branch.",
			Buckets:   []float64{1, 60, 300, 600, 900, 1200, 1800, 3600},
		}, []string{"kind", "mode"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Start and stop commands issued.",
		}, []string{"kind", "mode", "result"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Convergence probes made after the first probe of a branch.",
		}, []string{"kind"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Convergence notifications by result.",
		}, []string{"result"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "branches_in_flight",
			Help:      "Resource branches currently executing.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.runs,
		m.runDuration,
		m.branches,
		m.branchDuration,
		m.commands,
		m.polls,
		m.notifications,
		m.inFlight,
	)

	return m
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RunCompleted records a finished run.
func (m *Metrics) RunCompleted(mode, state string, seconds float64) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(mode, state).Inc()
	m.runDuration.WithLabelValues(mode).Observe(seconds)
}

// BranchStarted increments the in-flight gauge.
func (m *Metrics) BranchStarted() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

// BranchFinished decrements the in-flight gauge. Pair it with BranchStarted.
func (m *Metrics) BranchFinished() {
	if m == nil {
		return
	}
	m.inFlight.Dec()
}

// BranchCompleted records a branch reaching a terminal state. It does not
// touch the in-flight gauge, so branches that never ran can be counted too.
func (m *Metrics) BranchCompleted(kind, mode, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.branches.WithLabelValues(kind, outcome).Inc()
	m.branchDuration.WithLabelValues(kind, mode).Observe(seconds)
}

// CommandIssued records a start or stop call.
func (m *Metrics) CommandIssued(kind, mode string, err error) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(kind, mode, result(err)).Inc()
}

// Polled records one convergence probe.
func (m *Metrics) Polled(kind string) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(kind).Inc()
}

// Notified records a notification attempt.
func (m *Metrics) Notified(err error) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(result(err)).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
