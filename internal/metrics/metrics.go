// Package metrics exposes router activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ShayCichocki/switchyard/internal/breaker"
	"github.com/ShayCichocki/switchyard/internal/queue"
	"github.com/ShayCichocki/switchyard/pkg/models"
)

// Metrics holds every router metric. A nil *Metrics is a no-op observer.
type Metrics struct {
	registry *prometheus.Registry

	Selections  *prometheus.CounterVec
	Attempts    *prometheus.CounterVec
	AttemptTime *prometheus.HistogramVec
	Fallbacks   *prometheus.CounterVec
	Circuit     *prometheus.GaugeVec
	Transitions *prometheus.CounterVec
	PlanSteps   *prometheus.CounterVec
	StepTime    *prometheus.HistogramVec
	QueueDepth  *prometheus.GaugeVec
	DeadLetters prometheus.Gauge
	Ticks       *prometheus.CounterVec
}

// New creates the metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Selections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchyard_selections_total",
				Help: "Backend selections by rule",
			},
			[]string{"backend", "rule"},
		),
		Attempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchyard_attempts_total",
				Help: "Backend attempts by outcome",
			},
			[]string{"backend", "outcome"},
		),
		AttemptTime: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "switchyard_attempt_duration_seconds",
				Help:    "Backend attempt duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900},
			},
			[]string{"backend"},
		),
		Fallbacks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchyard_fallbacks_total",
				Help: "Fallback substitutions",
			},
			[]string{"from", "to"},
		),
		Circuit: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "switchyard_circuit_state",
				Help: "Circuit state per backend (0 closed, 1 half-open, 2 open)",
			},
			[]string{"backend"},
		),
		Transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchyard_circuit_transitions_total",
				Help: "Circuit state transitions",
			},
			[]string{"backend", "to"},
		),
		PlanSteps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchyard_plan_steps_total",
				Help: "Resolved plan steps by status",
			},
			[]string{"status"},
		),
		StepTime: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "switchyard_plan_step_duration_seconds",
				Help:    "Plan step duration in seconds",
				Buckets: []float64{0.1, 1, 5, 30, 60, 300, 900, 1800},
			},
			[]string{"status"},
		),
		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "switchyard_queue_depth",
				Help: "Queued items by priority",
			},
			[]string{"priority"},
		),
		DeadLetters: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "switchyard_dead_letters",
				Help: "Items in the dead letter list",
			},
		),
		Ticks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchyard_scheduler_ticks_total",
				Help: "Drip scheduler ticks by result",
			},
			[]string{"result"},
		),
	}
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveSelection counts a selector decision.
func (m *Metrics) ObserveSelection(b models.Backend, rule string) {
	if m == nil {
		return
	}
	m.Selections.WithLabelValues(string(b), rule).Inc()
}

// ObserveAttempt counts one dispatcher attempt.
func (m *Metrics) ObserveAttempt(b models.Backend, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.Attempts.WithLabelValues(string(b), outcome).Inc()
	if duration > 0 {
		m.AttemptTime.WithLabelValues(string(b)).Observe(duration.Seconds())
	}
}

// ObserveFallback counts a substitution.
func (m *Metrics) ObserveFallback(from, to models.Backend) {
	if m == nil {
		return
	}
	m.Fallbacks.WithLabelValues(string(from), string(to)).Inc()
}

// ObserveStep counts a resolved plan step.
func (m *Metrics) ObserveStep(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.PlanSteps.WithLabelValues(status).Inc()
	m.StepTime.WithLabelValues(status).Observe(duration.Seconds())
}

// ObserveCircuit records a breaker transition. It matches breaker.OnChange.
func (m *Metrics) ObserveCircuit(b models.Backend, _ breaker.State, to breaker.State) {
	if m == nil {
		return
	}
	m.Circuit.WithLabelValues(string(b)).Set(circuitValue(to))
	m.Transitions.WithLabelValues(string(b), string(to)).Inc()
}

// ObserveQueue replaces the queue gauges with stats.
func (m *Metrics) ObserveQueue(stats queue.Stats) {
	if m == nil {
		return
	}
	m.QueueDepth.Reset()
	for p, n := range stats.ByPriority {
		m.QueueDepth.WithLabelValues(string(p)).Set(float64(n))
	}
	m.DeadLetters.Set(float64(stats.DeadLetters))
}

// ObserveTick counts a scheduler tick.
func (m *Metrics) ObserveTick(result queue.TickResult) {
	if m == nil {
		return
	}
	m.Ticks.WithLabelValues(string(result)).Inc()
}

func circuitValue(s breaker.State) float64 {
	switch s {
	case breaker.HalfOpen:
		return 1
	case breaker.Open:
		return 2
	default:
		return 0
	}
}
