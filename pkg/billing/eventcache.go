package billing

import "context"

// EventCache remembers which webhook event ids have already been fully
// processed, so duplicate deliveries (the provider's at-least-once guarantee)
// can be acknowledged without re-running a handler.
//
// The cache is strictly best effort: handlers are idempotent on their own, an
// event id is marked only after successful processing, and cache failures
// must never fail webhook processing.
type EventCache interface {
	// Seen reports whether eventID was already processed.
	Seen(ctx context.Context, eventID string) (bool, error)

	// MarkProcessed records eventID as processed.
	MarkProcessed(ctx context.Context, eventID string) error
}
