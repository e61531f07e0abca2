// Package billing holds the provider-agnostic pieces of the billing
// integration: error taxonomy, operational metrics, and the processed-event
// cache used to suppress duplicate webhook deliveries.
package billing

import "time"

// Metrics defines the interface for tracking billing operations.
// All methods are optional - a nil Metrics is replaced with NoopMetrics.
type Metrics interface {
	// RecordWebhookEvent records a webhook event received from the provider.
	// status: "success", "error", "skipped" (duplicate) or "ignored" (unknown type).
	RecordWebhookEvent(provider, eventType, status string)

	// RecordWebhookProcessingDuration records how long webhook processing took.
	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)

	// RecordWebhookError records a webhook processing error.
	// errorType: e.g. "auth_failed", "invalid_payload", "processing_error".
	RecordWebhookError(provider, errorType string)

	// RecordAPICall records an outbound API call to the billing provider.
	RecordAPICall(provider, endpoint, status string)

	// RecordAPICallDuration records how long an API call took.
	RecordAPICallDuration(provider, endpoint string, duration time.Duration)

	// RecordSquadCreated records creation of a squad billing entity.
	RecordSquadCreated(provider, planType string)

	// RecordCascade records a squad status cascade to member rows.
	RecordCascade(provider, status string)

	// RecordSync records a reconciliation sync of one subscription.
	RecordSync(provider, status string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string)                                 {}
func (n *NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration)           {}
func (n *NoopMetrics) RecordSquadCreated(_, _ string)                               {}
func (n *NoopMetrics) RecordCascade(_, _ string)                                    {}
func (n *NoopMetrics) RecordSync(_, _ string)                                       {}
