package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

// Metrics implements gosubs.Metrics using Prometheus.
type Metrics struct {
	eventsAppliedTotal      *prometheus.CounterVec
	eventProcessingDuration *prometheus.HistogramVec
	webhookErrorsTotal      *prometheus.CounterVec
	planChangesTotal        *prometheus.CounterVec
	gatewayCallsTotal       *prometheus.CounterVec
	gatewayCallDuration     *prometheus.HistogramVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		eventsAppliedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "events_applied_total",
			Help:      "Total number of billing events reconciled.",
		}, []string{"event_type", "status"}),

		eventProcessingDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "event_processing_duration_seconds",
			Help:      "Duration of billing event reconciliation in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),

		webhookErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "webhook_errors_total",
			Help:      "Total number of webhook ingestion errors.",
		}, []string{"error_type"}),

		planChangesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "plan_changes_total",
			Help:      "Total number of plan transitions on subscription records.",
		}, []string{"from_plan", "to_plan"}),

		gatewayCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "gateway_calls_total",
			Help:      "Total number of outbound payment gateway calls.",
		}, []string{"operation", "status"}),

		gatewayCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "gateway_call_duration_seconds",
			Help:      "Duration of outbound payment gateway calls in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
	}
}

func (m *Metrics) RecordEventApplied(eventType, status string) {
	m.eventsAppliedTotal.WithLabelValues(eventType, status).Inc()
}

func (m *Metrics) RecordEventProcessingDuration(eventType string, duration time.Duration) {
	m.eventProcessingDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

func (m *Metrics) RecordWebhookError(errorType string) {
	m.webhookErrorsTotal.WithLabelValues(errorType).Inc()
}

func (m *Metrics) RecordPlanChange(fromPlan, toPlan string) {
	m.planChangesTotal.WithLabelValues(fromPlan, toPlan).Inc()
}

func (m *Metrics) RecordGatewayCall(operation, status string) {
	m.gatewayCallsTotal.WithLabelValues(operation, status).Inc()
}

func (m *Metrics) RecordGatewayCallDuration(operation string, duration time.Duration) {
	m.gatewayCallDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) gosubs.Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
