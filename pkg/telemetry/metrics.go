package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the order lifecycle engine.
type Metrics struct {
	config MetricsConfig

	// Order lifecycle metrics
	ordersActive     *prometheus.GaugeVec
	orderTransitions *prometheus.CounterVec
	ordersActivated  *prometheus.CounterVec
	ordersRemoved    prometheus.Counter

	// Processor metrics
	processorPasses *prometheus.CounterVec
	processorErrors *prometheus.CounterVec

	// Cloud connector metrics
	connectorCalls    *prometheus.CounterVec
	connectorDuration *prometheus.HistogramVec

	// Federation metrics
	remoteEventsSent      *prometheus.CounterVec
	remoteEventsReceived  *prometheus.CounterVec
	remoteEventsDiscarded prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if !cfg.Enabled {
		// No-op metrics instance.
		return &Metrics{config: cfg}
	}

	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		ordersActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "orders_active",
				Help:      "Active orders per lifecycle state",
			},
			[]string{"state"},
		),
		orderTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "order_transitions_total",
				Help:      "Total order state transitions",
			},
			[]string{"from", "to"},
		),
		ordersActivated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orders_activated_total",
				Help:      "Total orders activated",
			},
			[]string{"type", "locality"},
		),
		ordersRemoved: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orders_removed_total",
				Help:      "Total orders removed from the registry",
			},
		),

		processorPasses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "processor_passes_total",
				Help:      "Total full passes over a state queue",
			},
			[]string{"processor"},
		),
		processorErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "processor_errors_total",
				Help:      "Total per-order processing errors swallowed by processor loops",
			},
			[]string{"processor"},
		),

		connectorCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connector_calls_total",
				Help:      "Total cloud connector calls",
			},
			[]string{"operation", "locality", "outcome"},
		),
		connectorDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "connector_call_duration_seconds",
				Help:      "Duration of cloud connector calls in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation", "locality"},
		),

		remoteEventsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remote_events_sent_total",
				Help:      "Total order events pushed to requesting members",
			},
			[]string{"kind", "outcome"},
		),
		remoteEventsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remote_events_received_total",
				Help:      "Total order events received from providing members",
			},
			[]string{"kind"},
		),
		remoteEventsDiscarded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remote_events_discarded_total",
				Help:      "Total stale or duplicate order events discarded",
			},
		),
	}

	registry.MustRegister(
		m.ordersActive,
		m.orderTransitions,
		m.ordersActivated,
		m.ordersRemoved,
		m.processorPasses,
		m.processorErrors,
		m.connectorCalls,
		m.connectorDuration,
		m.remoteEventsSent,
		m.remoteEventsReceived,
		m.remoteEventsDiscarded,
	)

	return m
}

// Enabled reports whether this instance records anything.
func (m *Metrics) Enabled() bool { return m.registry != nil }

// Handler returns the HTTP handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordTransition records a state transition and adjusts the per-state
// gauges.
func (m *Metrics) RecordTransition(from, to string) {
	if m.registry == nil {
		return
	}
	m.orderTransitions.WithLabelValues(from, to).Inc()
	if from != "" {
		m.ordersActive.WithLabelValues(from).Dec()
	}
	m.ordersActive.WithLabelValues(to).Inc()
}

// RecordActivation records a new order entering the registry.
func (m *Metrics) RecordActivation(orderType, locality string) {
	if m.registry == nil {
		return
	}
	m.ordersActivated.WithLabelValues(orderType, locality).Inc()
}

// RecordRemoval records an order leaving the registry from the given state.
func (m *Metrics) RecordRemoval(state string) {
	if m.registry == nil {
		return
	}
	m.ordersRemoved.Inc()
	m.ordersActive.WithLabelValues(state).Dec()
}

// RecordProcessorPass counts one full pass over a processor's queue.
func (m *Metrics) RecordProcessorPass(processor string) {
	if m.registry == nil {
		return
	}
	m.processorPasses.WithLabelValues(processor).Inc()
}

// RecordProcessorError counts a swallowed per-order processing error.
func (m *Metrics) RecordProcessorError(processor string) {
	if m.registry == nil {
		return
	}
	m.processorErrors.WithLabelValues(processor).Inc()
}

// RecordConnectorCall records one cloud connector call.
func (m *Metrics) RecordConnectorCall(operation, locality string, err error, elapsed time.Duration) {
	if m.registry == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.connectorCalls.WithLabelValues(operation, locality, outcome).Inc()
	m.connectorDuration.WithLabelValues(operation, locality).Observe(elapsed.Seconds())
}

// RecordEventSent counts an order event push attempt to a requester.
func (m *Metrics) RecordEventSent(kind string, err error) {
	if m.registry == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.remoteEventsSent.WithLabelValues(kind, outcome).Inc()
}

// RecordEventReceived counts an order event received from a provider.
func (m *Metrics) RecordEventReceived(kind string) {
	if m.registry == nil {
		return
	}
	m.remoteEventsReceived.WithLabelValues(kind).Inc()
}

// RecordEventDiscarded counts a stale or duplicate event no-op.
func (m *Metrics) RecordEventDiscarded() {
	if m.registry == nil {
		return
	}
	m.remoteEventsDiscarded.Inc()
}
