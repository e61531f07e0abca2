package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/chartvoice/chartbill/pkg/billing"
	"github.com/chartvoice/chartbill/pkg/billing/internal"
	"github.com/chartvoice/chartbill/pkg/entitlement"
)

// webhookAck is the success body Stripe expects so it stops redelivering.
type webhookAck struct {
	Received bool `json:"received"`
}

// handleWebhook receives Stripe webhook events, verifies authenticity and
// dispatches by event type. Every successfully handled event - including
// unknown types and duplicates - is acknowledged with 200 {"received":true};
// any processing error is a 500 so Stripe redelivers, which is safe because
// every handler is idempotent.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := internal.ReadBodyStrict(w, r, maxWebhookBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	event, err := p.parseEvent(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, billing.ErrInvalidSignature) {
			http.Error(w, "webhook signature verification failed", http.StatusBadRequest)
			p.metrics.RecordWebhookError(providerName, "auth_failed")
		} else {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	eventType := string(event.Type)
	if eventType == "" {
		eventType = "UNKNOWN"
	}

	p.logger.Debug("received stripe event",
		entitlement.Field{Key: "event_id", Value: event.ID},
		entitlement.Field{Key: "event_type", Value: eventType})

	if p.alreadyProcessed(r.Context(), event.ID) {
		_ = internal.WriteJSON(w, http.StatusOK, webhookAck{Received: true})
		p.metrics.RecordWebhookEvent(providerName, eventType, "skipped")
		return
	}

	handled, err := p.processWebhookEvent(r.Context(), &event)
	if err != nil {
		status := http.StatusInternalServerError
		errType := "processing_error"
		if errors.Is(err, billing.ErrInvalidEvent) {
			// Permanently broken event; a retry cannot fix it.
			status = http.StatusBadRequest
			errType = "invalid_event"
		}
		p.logger.Error("webhook processing failed",
			entitlement.Field{Key: "event_id", Value: event.ID},
			entitlement.Field{Key: "event_type", Value: eventType},
			entitlement.Field{Key: "error", Value: err.Error()})
		http.Error(w, "failed to process webhook", status)
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.metrics.RecordWebhookError(providerName, errType)
		p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
		return
	}

	p.markProcessed(r.Context(), event.ID)

	_ = internal.WriteJSON(w, http.StatusOK, webhookAck{Received: true})

	status := "success"
	if !handled {
		status = "ignored"
	}
	p.metrics.RecordWebhookEvent(providerName, eventType, status)
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
}

// parseEvent verifies the Stripe-Signature header and decodes the event,
// wrapping billing.ErrInvalidSignature on a failed check. Without a configured
// secret the event is parsed unverified; that path exists for local testing.
func (p *Provider) parseEvent(body []byte, sig string) (stripe.Event, error) {
	if len(p.webhookSecret) > 0 {
		event, err := stripe.ConstructEvent(body, sig, string(p.webhookSecret))
		if err != nil {
			return stripe.Event{}, fmt.Errorf("%w: %v", billing.ErrInvalidSignature, err)
		}
		return event, nil
	}

	p.logger.Warn("no webhook secret configured, skipping signature verification")
	var event stripe.Event
	if err := json.Unmarshal(body, &event); err != nil {
		return stripe.Event{}, fmt.Errorf("failed to parse webhook payload: %w", err)
	}
	return event, nil
}

// processWebhookEvent dispatches strictly by the declared event type.
// Unrecognized types are acknowledged with no side effect so new provider
// event types never break delivery. Returns handled=false for those.
func (p *Provider) processWebhookEvent(ctx context.Context, event *stripe.Event) (bool, error) {
	switch event.Type {
	case "checkout.session.completed":
		return true, p.handleCheckoutSessionCompleted(ctx, event)
	case "customer.subscription.updated":
		return true, p.handleSubscriptionUpdated(ctx, event)
	case "customer.subscription.created":
		return true, p.handleSubscriptionCreated(ctx, event)
	case "customer.subscription.deleted":
		return true, p.handleSubscriptionDeleted(ctx, event)
	case "invoice.paid":
		return true, p.handleInvoicePaid(ctx, event)
	default:
		return false, nil
	}
}

// alreadyProcessed consults the optional event cache. Cache errors degrade to
// normal processing; handlers are idempotent anyway.
func (p *Provider) alreadyProcessed(ctx context.Context, eventID string) bool {
	if p.eventCache == nil || eventID == "" {
		return false
	}
	seen, err := p.eventCache.Seen(ctx, eventID)
	if err != nil {
		p.logger.Warn("event cache lookup failed",
			entitlement.Field{Key: "event_id", Value: eventID},
			entitlement.Field{Key: "error", Value: err.Error()})
		return false
	}
	return seen
}

// markProcessed records the event id after successful processing, best effort.
func (p *Provider) markProcessed(ctx context.Context, eventID string) {
	if p.eventCache == nil || eventID == "" {
		return
	}
	if err := p.eventCache.MarkProcessed(ctx, eventID); err != nil {
		p.logger.Warn("event cache mark failed",
			entitlement.Field{Key: "event_id", Value: eventID},
			entitlement.Field{Key: "error", Value: err.Error()})
	}
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
