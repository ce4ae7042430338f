package gosubs

import "time"

// Metrics defines the interface for tracking billing operations.
// All methods are optional - components should gracefully handle nil metrics
// by substituting NoopMetrics.
type Metrics interface {
	// RecordEventApplied records a reconciled billing event.
	// status: "applied", "duplicate" or "error"
	RecordEventApplied(eventType, status string)

	// RecordEventProcessingDuration records how long reconciliation of
	// one event took.
	RecordEventProcessingDuration(eventType string, duration time.Duration)

	// RecordWebhookError records a webhook ingestion error.
	// errorType: "auth_failed", "invalid_payload", "processing_error", ...
	RecordWebhookError(errorType string)

	// RecordPlanChange records a plan transition on a subscription record.
	RecordPlanChange(fromPlan, toPlan string)

	// RecordGatewayCall records an outbound call to the payment gateway.
	// status: "success" or "error"
	RecordGatewayCall(operation, status string)

	// RecordGatewayCallDuration records how long a gateway call took.
	RecordGatewayCallDuration(operation string, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordEventApplied(_, _ string)                             {}
func (n *NoopMetrics) RecordEventProcessingDuration(_ string, _ time.Duration)    {}
func (n *NoopMetrics) RecordWebhookError(_ string)                                {}
func (n *NoopMetrics) RecordPlanChange(_, _ string)                               {}
func (n *NoopMetrics) RecordGatewayCall(_, _ string)                              {}
func (n *NoopMetrics) RecordGatewayCallDuration(_ string, _ time.Duration)        {}
