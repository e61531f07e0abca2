package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/chartvoice/chartbill/pkg/billing"
	"github.com/chartvoice/chartbill/pkg/entitlement"
)

// The reconciliation handlers apply one state transition per event type.
// Each re-derives the target state from the event payload (never increments),
// so replaying the same delivery is safe. A handler that cannot find its
// target row returns the store's not-found error; the router turns that into
// a 500 so Stripe redelivers, which heals event-ordering races such as
// subscription.updated arriving before checkout.session.completed has
// created the row.

// handleCheckoutSessionCompleted processes checkout.session.completed events:
// the first activation after payment. The session's client_reference_id is
// the internal user id; the full subscription is fetched to get period dates
// and line items, then classified as squad or individual.
func (p *Provider) handleCheckoutSessionCompleted(ctx context.Context, event *stripe.Event) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("%w: failed to unmarshal checkout session: %v", billing.ErrInvalidEvent, err)
	}

	userID := session.ClientReferenceID
	if userID == "" {
		return fmt.Errorf("%w: missing client_reference_id on session %s", billing.ErrInvalidEvent, session.ID)
	}

	customerID := ""
	if session.Customer != nil {
		customerID = session.Customer.ID
	}
	subscriptionID := ""
	if session.Subscription != nil {
		subscriptionID = session.Subscription.ID
	}

	if subscriptionID == "" {
		// One-time payment: activate the individual record with an open period.
		now := time.Now().UTC()
		return p.store.UpsertUserSubscription(ctx, &entitlement.UserSubscription{
			UserID:             userID,
			Status:             entitlement.StatusActive,
			StripeCustomerID:   customerID,
			CurrentPeriodStart: &now,
			AllowedSquads:      []string{entitlement.AllSquads},
		})
	}

	sub, err := p.retrieveSubscription(ctx, subscriptionID, true)
	if err != nil {
		return fmt.Errorf("%w: failed to fetch subscription %s: %v", billing.ErrProviderAPI, subscriptionID, err)
	}

	periodStart, periodEnd := periodFromSubscription(sub)
	c := classifyItems(p.catalog, sub)

	if squadPlan, ok := p.catalog.Lookup(c.FlatPriceID); ok {
		return p.activateSquad(ctx, activateSquadParams{
			userID:         userID,
			customerID:     customerID,
			subscriptionID: subscriptionID,
			planType:       squadPlan.Type,
			includedCharts: squadPlan.IncludedCharts,
			meteredItemID:  c.MeteredItemID,
			periodStart:    periodStart,
			periodEnd:      periodEnd,
		})
	}

	// Individual flow: one row per user, ALL squads allowed.
	p.logger.Info("activating individual subscription",
		entitlement.Field{Key: "user_id", Value: userID},
		entitlement.Field{Key: "subscription_id", Value: subscriptionID})

	return p.store.UpsertUserSubscription(ctx, &entitlement.UserSubscription{
		UserID:               userID,
		Status:               entitlement.StatusActive,
		StripeCustomerID:     customerID,
		StripeSubscriptionID: subscriptionID,
		CurrentPeriodStart:   &periodStart,
		CurrentPeriodEnd:     periodEnd,
		AllowedSquads:        []string{entitlement.AllSquads},
	})
}

type activateSquadParams struct {
	userID         string
	customerID     string
	subscriptionID string
	planType       string
	includedCharts int
	meteredItemID  string
	periodStart    time.Time
	periodEnd      *time.Time
}

// activateSquad creates the squad row and links the purchasing admin to it.
// Replays are absorbed by the squad-by-subscription lookup plus the store's
// unique subscription constraint: a second delivery relinks the admin to the
// existing squad instead of creating another one.
func (p *Provider) activateSquad(ctx context.Context, params activateSquadParams) error {
	squad, err := p.store.GetSquadBySubscription(ctx, params.subscriptionID)
	switch {
	case err == nil:
		// Replayed delivery; squad already exists.
	case errors.Is(err, entitlement.ErrSquadNotFound):
		squad, err = p.createSquad(ctx, params)
		if err != nil {
			return err
		}
	default:
		return err
	}

	return p.store.UpsertUserSubscription(ctx, &entitlement.UserSubscription{
		UserID:               params.userID,
		Status:               entitlement.StatusActive,
		StripeCustomerID:     params.customerID,
		StripeSubscriptionID: params.subscriptionID,
		CurrentPeriodStart:   &params.periodStart,
		CurrentPeriodEnd:     params.periodEnd,
		AllowedSquads:        []string{squad.ID},
		SquadID:              squad.ID,
	})
}

// createSquad inserts the squad, regenerating the join code on collision. A
// concurrent replay that wins the subscription-id uniqueness race resolves to
// the existing squad.
func (p *Provider) createSquad(ctx context.Context, params activateSquadParams) (*entitlement.Squad, error) {
	for attempt := 0; attempt < squadCodeAttempts; attempt++ {
		code, err := entitlement.GenerateSquadCode()
		if err != nil {
			return nil, err
		}

		squad := &entitlement.Squad{
			SquadCode:            code,
			Name:                 "My Squad",
			AdminUserID:          params.userID,
			StripeCustomerID:     params.customerID,
			StripeSubscriptionID: params.subscriptionID,
			Status:               entitlement.StatusActive,
			CurrentPeriodStart:   &params.periodStart,
			CurrentPeriodEnd:     params.periodEnd,
			PlanType:             params.planType,
			IncludedCharts:       params.includedCharts,
			ChartsUsed:           0,
			MeteredItemID:        params.meteredItemID,
		}

		err = p.store.CreateSquad(ctx, squad)
		switch {
		case err == nil:
			p.logger.Info("created squad",
				entitlement.Field{Key: "squad_id", Value: squad.ID},
				entitlement.Field{Key: "squad_code", Value: code},
				entitlement.Field{Key: "plan_type", Value: params.planType},
				entitlement.Field{Key: "included_charts", Value: params.includedCharts})
			p.metrics.RecordSquadCreated(providerName, params.planType)
			return squad, nil
		case errors.Is(err, entitlement.ErrSquadCodeTaken):
			continue
		case errors.Is(err, entitlement.ErrSquadExists):
			return p.store.GetSquadBySubscription(ctx, params.subscriptionID)
		default:
			return nil, err
		}
	}
	return nil, fmt.Errorf("failed to generate unique squad code after %d attempts", squadCodeAttempts)
}

// handleSubscriptionUpdated processes customer.subscription.updated events:
// immediate cancellation, scheduled cancellation, and reactivation. The squad
// lookup by subscription id discriminates squad from individual before
// branching; squads cascade status to every member row.
func (p *Provider) handleSubscriptionUpdated(ctx context.Context, event *stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("%w: failed to unmarshal subscription: %v", billing.ErrInvalidEvent, err)
	}

	isSquad, err := p.isSquadSubscription(ctx, sub.ID)
	if err != nil {
		return err
	}

	canceledAt := time.Now().UTC()
	if sub.CanceledAt > 0 {
		canceledAt = time.Unix(sub.CanceledAt, 0).UTC()
	}

	switch {
	case sub.Status == stripe.SubscriptionStatusCanceled:
		// Immediate cancellation.
		status := entitlement.StatusCanceled
		if isSquad {
			p.metrics.RecordCascade(providerName, string(status))
			return p.store.CascadeSquadStatus(ctx, sub.ID,
				entitlement.SquadUpdate{Status: &status, CanceledAt: &canceledAt},
				entitlement.StatusCanceled)
		}
		return p.store.UpdateUserBySubscription(ctx, sub.ID,
			entitlement.UserUpdate{Status: &status, CanceledAt: &canceledAt})

	case sub.CancelAtPeriodEnd || sub.CancelAt > 0:
		// Pending cancellation: access continues until the period ends. When
		// Stripe reports a concrete cancellation timestamp, narrow the period
		// end to it.
		var periodEnd *time.Time
		if sub.CancelAt > 0 {
			t := time.Unix(sub.CancelAt, 0).UTC()
			periodEnd = &t
		}
		p.logger.Info("recording pending cancellation",
			entitlement.Field{Key: "subscription_id", Value: sub.ID},
			entitlement.Field{Key: "is_squad", Value: isSquad})
		if isSquad {
			return p.store.UpdateSquadBySubscription(ctx, sub.ID,
				entitlement.SquadUpdate{CanceledAt: &canceledAt, CurrentPeriodEnd: periodEnd})
		}
		return p.store.UpdateUserBySubscription(ctx, sub.ID,
			entitlement.UserUpdate{CanceledAt: &canceledAt, CurrentPeriodEnd: periodEnd})

	case sub.Status == stripe.SubscriptionStatusActive:
		// Active with no cancellation markers: a prior pending cancellation
		// was undone.
		status := entitlement.StatusActive
		if isSquad {
			p.metrics.RecordCascade(providerName, string(status))
			return p.store.CascadeSquadStatus(ctx, sub.ID,
				entitlement.SquadUpdate{Status: &status, ClearCanceledAt: true},
				entitlement.StatusActive)
		}
		return p.store.UpdateUserBySubscription(ctx, sub.ID,
			entitlement.UserUpdate{ClearCanceledAt: true})
	}

	// Other statuses (incomplete, past_due without cancel markers) carry no
	// transition here; invoice.paid or a later update settles them.
	return nil
}

// handleSubscriptionCreated processes customer.subscription.created events.
// This is the reactivation-via-billing-portal path, not fresh checkout: the
// row is matched by customer id, which exists from the earlier subscription.
func (p *Provider) handleSubscriptionCreated(ctx context.Context, event *stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("%w: failed to unmarshal subscription: %v", billing.ErrInvalidEvent, err)
	}
	if sub.Customer == nil || sub.Customer.ID == "" {
		return fmt.Errorf("%w: missing customer on subscription %s", billing.ErrInvalidEvent, sub.ID)
	}

	periodStart, periodEnd := periodFromRaw(event.Data.Raw)
	status := statusFromStripe(sub.Status)

	p.logger.Info("subscription created",
		entitlement.Field{Key: "subscription_id", Value: sub.ID},
		entitlement.Field{Key: "customer_id", Value: sub.Customer.ID},
		entitlement.Field{Key: "status", Value: string(status)})

	return p.store.UpdateUserByCustomer(ctx, sub.Customer.ID, entitlement.UserUpdate{
		Status:               &status,
		StripeSubscriptionID: &sub.ID,
		CurrentPeriodStart:   &periodStart,
		CurrentPeriodEnd:     periodEnd,
		ClearCanceledAt:      true,
	})
}

// handleSubscriptionDeleted processes customer.subscription.deleted events:
// the subscription has actually ended. Terminal; no period-end nuance.
func (p *Provider) handleSubscriptionDeleted(ctx context.Context, event *stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("%w: failed to unmarshal subscription: %v", billing.ErrInvalidEvent, err)
	}

	isSquad, err := p.isSquadSubscription(ctx, sub.ID)
	if err != nil {
		return err
	}

	status := entitlement.StatusCanceled
	if isSquad {
		p.logger.Info("squad subscription deleted",
			entitlement.Field{Key: "subscription_id", Value: sub.ID})
		p.metrics.RecordCascade(providerName, string(status))
		return p.store.CascadeSquadStatus(ctx, sub.ID,
			entitlement.SquadUpdate{Status: &status},
			entitlement.StatusCanceled)
	}

	p.logger.Info("individual subscription deleted",
		entitlement.Field{Key: "subscription_id", Value: sub.ID})
	return p.store.UpdateUserBySubscription(ctx, sub.ID,
		entitlement.UserUpdate{Status: &status})
}

// handleInvoicePaid processes invoice.paid events: renewal or recovery after
// past_due. The subscription is re-fetched for fresh period bounds, and
// payment success always wins over any pending-cancellation state.
func (p *Provider) handleInvoicePaid(ctx context.Context, event *stripe.Event) error {
	subscriptionID := invoiceSubscriptionID(event.Data.Raw)
	if subscriptionID == "" {
		// Not a subscription invoice.
		return nil
	}

	isSquad, err := p.isSquadSubscription(ctx, subscriptionID)
	if err != nil {
		return err
	}

	sub, err := p.retrieveSubscription(ctx, subscriptionID, false)
	if err != nil {
		return fmt.Errorf("%w: failed to fetch subscription %s: %v", billing.ErrProviderAPI, subscriptionID, err)
	}

	periodStart, periodEnd := periodFromSubscription(sub)
	status := entitlement.StatusActive

	p.logger.Info("invoice paid, refreshing period",
		entitlement.Field{Key: "subscription_id", Value: subscriptionID},
		entitlement.Field{Key: "is_squad", Value: isSquad},
		entitlement.Field{Key: "period_end", Value: periodEnd})

	if isSquad {
		p.metrics.RecordCascade(providerName, string(status))
		return p.store.CascadeSquadStatus(ctx, subscriptionID,
			entitlement.SquadUpdate{
				Status:             &status,
				CurrentPeriodStart: &periodStart,
				CurrentPeriodEnd:   periodEnd,
				ClearCanceledAt:    true,
			},
			entitlement.StatusActive)
	}

	return p.store.UpdateUserBySubscription(ctx, subscriptionID, entitlement.UserUpdate{
		Status:             &status,
		CurrentPeriodStart: &periodStart,
		CurrentPeriodEnd:   periodEnd,
		ClearCanceledAt:    true,
	})
}

// isSquadSubscription is the single squad/individual discriminator: does a
// squad row reference this subscription id.
func (p *Provider) isSquadSubscription(ctx context.Context, subscriptionID string) (bool, error) {
	_, err := p.store.GetSquadBySubscription(ctx, subscriptionID)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, entitlement.ErrSquadNotFound) {
		return false, nil
	}
	return false, err
}

// retrieveSubscription fetches the full subscription, optionally expanding
// line-item prices for classification.
func (p *Provider) retrieveSubscription(ctx context.Context, id string, expandPrices bool) (*stripe.Subscription, error) {
	startTime := time.Now()
	var params *stripe.SubscriptionRetrieveParams
	if expandPrices {
		params = &stripe.SubscriptionRetrieveParams{}
		params.AddExpand("items.data.price")
	}
	sub, err := p.subscriptions.Retrieve(ctx, id, params)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/v1/subscriptions", "error")
		p.metrics.RecordAPICallDuration(providerName, "/v1/subscriptions", time.Since(startTime))
		return nil, err
	}
	p.metrics.RecordAPICall(providerName, "/v1/subscriptions", "success")
	p.metrics.RecordAPICallDuration(providerName, "/v1/subscriptions", time.Since(startTime))
	return sub, nil
}

// invoiceSubscriptionID extracts the subscription id from a raw invoice
// payload. The field is a plain id string or an expanded object depending on
// the API version.
func invoiceSubscriptionID(raw json.RawMessage) string {
	var rawData map[string]interface{}
	if err := json.Unmarshal(raw, &rawData); err != nil {
		return ""
	}
	switch v := rawData["subscription"].(type) {
	case string:
		return v
	case map[string]interface{}:
		if id, ok := v["id"].(string); ok {
			return id
		}
	}
	return ""
}
