// Package metrics holds the prometheus collectors shared by the event store,
// the projection router and the provisioning orchestrator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "orgforge"

	LabelAppended   = "appended"
	LabelDuplicate  = "duplicate"
	LabelConflict   = "conflict"
	LabelHandlerErr = "handler_error"
	LabelInvalid    = "invalid"
)

// Metrics groups the counters and histograms of the backend.
type Metrics struct {
	Appends               *prometheus.CounterVec
	UnhandledEvents       *prometheus.CounterVec
	HandlerFailures       *prometheus.CounterVec
	ProjectionDiagnostics *prometheus.CounterVec
	SagaSteps             *prometheus.CounterVec
	SagaTerminal          *prometheus.CounterVec
	Compensations         *prometheus.CounterVec
	StepDuration          *prometheus.HistogramVec
}

// New builds an unregistered set of collectors. Register them with
// prometheus.MustRegister(m.PrometheusCollectors()...).
func New() *Metrics {
	return &Metrics{
		Appends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventstore",
			Name:      "appends_total",
			Help:      "Count of append attempts by stream type and result",
		}, []string{"stream_type", "result"}),

		UnhandledEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventstore",
			Name:      "unhandled_events_total",
			Help:      "Count of appended events no router case matched",
		}, []string{"stream_type", "event_type"}),

		HandlerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "projection",
			Name:      "handler_failures_total",
			Help:      "Count of handler errors that rolled back an append",
		}, []string{"event_type"}),

		ProjectionDiagnostics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "projection",
			Name:      "diagnostics_total",
			Help:      "Count of non-fatal projection diagnostics such as missing target rows",
		}, []string{"event_type", "kind"}),

		SagaSteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provisioning",
			Name:      "steps_total",
			Help:      "Count of saga step executions by step and result",
		}, []string{"step", "result"}),

		SagaTerminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provisioning",
			Name:      "sagas_finished_total",
			Help:      "Count of sagas reaching a terminal status",
		}, []string{"status"}),

		Compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provisioning",
			Name:      "compensations_total",
			Help:      "Count of compensation actions by action and outcome",
		}, []string{"action", "result"}),

		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "provisioning",
			Name:      "step_duration_seconds",
			Help:      "Histogram of time spent per saga step including retries",
			Buckets:   prometheus.ExponentialBuckets(1e-3, 4, 9),
		}, []string{"step"}),
	}
}

func (m *Metrics) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Appends,
		m.UnhandledEvents,
		m.HandlerFailures,
		m.ProjectionDiagnostics,
		m.SagaSteps,
		m.SagaTerminal,
		m.Compensations,
		m.StepDuration,
	}
}

// OrNew returns m, or a fresh unregistered set when m is nil.
func OrNew(m *Metrics) *Metrics {
	if m == nil {
		return New()
	}
	return m
}
