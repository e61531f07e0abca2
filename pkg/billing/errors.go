package billing

import "errors"

var (
	// ErrProviderNotConfigured is returned when a provider is missing required
	// configuration (store, API key).
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidSignature is returned when webhook signature validation fails.
	// Rejected outright; the sender is malicious or misconfigured, no retry
	// is wanted.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrInvalidEvent is returned when an event payload is malformed or is
	// missing a required field (e.g. client_reference_id). Surfaced as a 4xx
	// so the provider does not retry a permanently broken event.
	ErrInvalidEvent = errors.New("invalid webhook event")

	// ErrProviderAPI is returned when an outbound provider API call fails.
	// Surfaced as a 5xx so the provider redelivers.
	ErrProviderAPI = errors.New("billing provider API error")
)
