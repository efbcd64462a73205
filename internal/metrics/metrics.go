// Package metrics exposes prometheus collectors for the tracking services.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "counter_tracking"

// Metrics holds every collector the services update
type Metrics struct {
	registry *prometheus.Registry

	resetsTotal       *prometheus.CounterVec // By reason and result (confirmed/published/unconfirmed/unavailable/error)
	batchesStarted    *prometheus.CounterVec // By reset_requested
	batchesStopped    *prometheus.CounterVec // By reason
	calculationsTotal *prometheus.CounterVec // By method (diff/direct/none)
	implicitResets    prometheus.Counter
	dailyResetsFired  prometheus.Counter
	dailyResetsMissed prometheus.Counter
	reconciliations   *prometheus.CounterVec // By outcome
	mqttConnected     prometheus.Gauge
}

// New creates and registers all collectors on a fresh registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		resetsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reset",
			Name:      "commands_total",
			Help:      "Reset commands issued, by reason and result",
		}, []string{"reason", "result"}),

		batchesStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "started_total",
			Help:      "Batches started",
		}, []string{"reset_requested"}),

		batchesStopped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "stopped_total",
			Help:      "Batches closed, by reason",
		}, []string{"reason"}),

		calculationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "production",
			Name:      "calculations_total",
			Help:      "Period production calculations, by method",
		}, []string{"method"}),

		implicitResets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "production",
			Name:      "implicit_resets_total",
			Help:      "Counter decreases observed without a logged reset",
		}),

		dailyResetsFired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "daily_resets_fired_total",
			Help:      "Daily resets triggered by the scheduler",
		}),

		dailyResetsMissed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "daily_resets_missed_total",
			Help:      "Daily reset windows that passed without a successful reset",
		}),

		reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "start_reconciliations_total",
			Help:      "Optimistic batch start values reconciled, by outcome",
		}, []string{"outcome"}),

		mqttConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "connected",
			Help:      "1 while the command bus connection is up",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.resetsTotal,
		m.batchesStarted,
		m.batchesStopped,
		m.calculationsTotal,
		m.implicitResets,
		m.dailyResetsFired,
		m.dailyResetsMissed,
		m.reconciliations,
		m.mqttConnected,
	)
	return m
}

// Registry returns the underlying registry, mainly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ResetIssued(reason, result string) {
	if m == nil {
		return
	}
	m.resetsTotal.WithLabelValues(reason, result).Inc()
}

func (m *Metrics) BatchStarted(resetRequested bool) {
	if m == nil {
		return
	}
	label := "false"
	if resetRequested {
		label = "true"
	}
	m.batchesStarted.WithLabelValues(label).Inc()
}

func (m *Metrics) BatchStopped(reason string) {
	if m == nil {
		return
	}
	m.batchesStopped.WithLabelValues(reason).Inc()
}

func (m *Metrics) Calculation(method string) {
	if m == nil {
		return
	}
	m.calculationsTotal.WithLabelValues(method).Inc()
}

func (m *Metrics) ImplicitResets(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.implicitResets.Add(float64(n))
}

func (m *Metrics) DailyResetFired() {
	if m == nil {
		return
	}
	m.dailyResetsFired.Inc()
}

func (m *Metrics) DailyResetMissed() {
	if m == nil {
		return
	}
	m.dailyResetsMissed.Inc()
}

func (m *Metrics) Reconciled(outcome string) {
	if m == nil {
		return
	}
	m.reconciliations.WithLabelValues(outcome).Inc()
}

// SetMQTTConnected mirrors the transport connection state
func (m *Metrics) SetMQTTConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.mqttConnected.Set(1)
		return
	}
	m.mqttConnected.Set(0)
}
