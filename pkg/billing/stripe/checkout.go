package stripe

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/chartvoice/chartbill/pkg/billing"
	"github.com/chartvoice/chartbill/pkg/plan"
)

const trialPeriodDays = 7

// CreateCheckoutSession creates a Stripe Checkout Session for the given plan
// type and returns its URL and id. The session's client_reference_id carries
// the internal user id - the linkage the webhook reconciliation depends on.
//
// Squad plans produce two line items: the flat annual fee plus the metered
// overage price (no quantity; Stripe meters it). The individual plan is a
// single priced item.
func (p *Provider) CreateCheckoutSession(
	ctx context.Context, userID, email, planType, successURL, cancelURL string,
) (url, sessionID string, err error) {
	startTime := time.Now()

	var lineItems []*stripe.CheckoutSessionCreateLineItemParams
	includedCharts := 0

	if squadPlan, ok := p.catalog.ByType(planType); ok {
		// The default catalog ships without overage price ids; hosts supply
		// them per environment. Catching the gap here beats a rejected Stripe
		// call with an empty price.
		if squadPlan.OveragePriceID == "" {
			return "", "", fmt.Errorf("%w: no overage price id for plan %s",
				billing.ErrProviderNotConfigured, planType)
		}
		lineItems = []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(squadPlan.FlatPriceID),
				Quantity: stripe.Int64(1),
			},
			{
				Price: stripe.String(squadPlan.OveragePriceID),
			},
		}
		includedCharts = squadPlan.IncludedCharts
	} else if planType == plan.Individual && p.catalog.IndividualPriceID() != "" {
		lineItems = []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(p.catalog.IndividualPriceID()),
				Quantity: stripe.Int64(1),
			},
		}
	} else {
		return "", "", fmt.Errorf("%w: %s", plan.ErrUnknownPlan, planType)
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems:         lineItems,
		SuccessURL:        stripe.String(successURL),
		CancelURL:         stripe.String(cancelURL),
		ClientReferenceID: stripe.String(userID),
		CustomerEmail:     stripe.String(email),
	}

	params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{
		TrialPeriodDays: stripe.Int64(trialPeriodDays),
	}
	params.SubscriptionData.AddMetadata("user_id", userID)
	params.SubscriptionData.AddMetadata("plan_type", planType)
	params.SubscriptionData.AddMetadata("included_charts", strconv.Itoa(includedCharts))

	session, err := p.checkouts.Create(ctx, params)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/v1/checkout/sessions", "error")
		p.metrics.RecordAPICallDuration(providerName, "/v1/checkout/sessions", time.Since(startTime))
		return "", "", fmt.Errorf("failed to create checkout session: %w", err)
	}

	p.metrics.RecordAPICall(providerName, "/v1/checkout/sessions", "success")
	p.metrics.RecordAPICallDuration(providerName, "/v1/checkout/sessions", time.Since(startTime))

	return session.URL, session.ID, nil
}
