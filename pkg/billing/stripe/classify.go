package stripe

import (
	"encoding/json"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/chartvoice/chartbill/pkg/entitlement"
	"github.com/chartvoice/chartbill/pkg/plan"
)

// classification is the tagged result of inspecting a subscription's line
// items, decided once per subscription fetch and consumed by every handler
// that needs it.
//
// Squad subscriptions carry two items: a flat annual fee plus a metered
// overage price. Individual subscriptions carry a single priced item.
type classification struct {
	// FlatPriceID is the flat (or only) price on the subscription.
	FlatPriceID string

	// MeteredItemID is the subscription item id of the metered overage price,
	// empty for flat-only subscriptions. It is stored on the squad so usage
	// above the included quota can be reported back to Stripe.
	MeteredItemID string
}

// IsSquad reports whether the flat price matches a known squad tier.
func (c classification) IsSquad(catalog *plan.Catalog) bool {
	return catalog.IsSquadFlatPrice(c.FlatPriceID)
}

// classifyItems inspects subscription line items. A price matching a squad
// flat price wins the flat slot outright; a metered recurring price fills the
// metered slot; any other price only takes the flat slot if it is still empty
// (the individual, single-item case).
func classifyItems(catalog *plan.Catalog, sub *stripe.Subscription) classification {
	var c classification
	if sub == nil || sub.Items == nil {
		return c
	}
	for _, item := range sub.Items.Data {
		if item == nil || item.Price == nil {
			continue
		}
		switch {
		case catalog.IsSquadFlatPrice(item.Price.ID):
			c.FlatPriceID = item.Price.ID
		case item.Price.Recurring != nil && item.Price.Recurring.UsageType == stripe.PriceRecurringUsageTypeMetered:
			c.MeteredItemID = item.ID
		case c.FlatPriceID == "":
			c.FlatPriceID = item.Price.ID
		}
	}
	return c
}

// subscriptionPeriodJSON mirrors the period fields of the event payload.
// Depending on the Stripe API version the boundaries live at the top level or
// inside the first subscription item.
type subscriptionPeriodJSON struct {
	CurrentPeriodStart int64 `json:"current_period_start"`
	CurrentPeriodEnd   int64 `json:"current_period_end"`
	StartDate          int64 `json:"start_date"`
	Items              struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

// periodFromRaw resolves the current period bounds from an event payload,
// tolerating schema variation: top level first, then the first subscription
// item, then start_date, finally "now" with no end.
func periodFromRaw(raw json.RawMessage) (time.Time, *time.Time) {
	var pj subscriptionPeriodJSON
	if err := json.Unmarshal(raw, &pj); err != nil {
		return time.Now().UTC(), nil
	}

	start := pj.CurrentPeriodStart
	end := pj.CurrentPeriodEnd
	if (start == 0 || end == 0) && len(pj.Items.Data) > 0 {
		if start == 0 {
			start = pj.Items.Data[0].CurrentPeriodStart
		}
		if end == 0 {
			end = pj.Items.Data[0].CurrentPeriodEnd
		}
	}
	if start == 0 {
		start = pj.StartDate
	}

	startTime := time.Now().UTC()
	if start > 0 {
		startTime = time.Unix(start, 0).UTC()
	}
	var endTime *time.Time
	if end > 0 {
		t := time.Unix(end, 0).UTC()
		endTime = &t
	}
	return startTime, endTime
}

// periodFromSubscription resolves period bounds from a fetched subscription,
// where the boundaries live on the subscription items.
func periodFromSubscription(sub *stripe.Subscription) (time.Time, *time.Time) {
	var start, end int64
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0] != nil {
		start = sub.Items.Data[0].CurrentPeriodStart
		end = sub.Items.Data[0].CurrentPeriodEnd
	}
	if start == 0 {
		start = sub.StartDate
	}

	startTime := time.Now().UTC()
	if start > 0 {
		startTime = time.Unix(start, 0).UTC()
	}
	var endTime *time.Time
	if end > 0 {
		t := time.Unix(end, 0).UTC()
		endTime = &t
	}
	return startTime, endTime
}

// statusFromStripe maps a provider subscription status onto the entitlement
// state machine. Trialing counts as active: trial users have access.
func statusFromStripe(s stripe.SubscriptionStatus) entitlement.Status {
	switch s {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		return entitlement.StatusActive
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid:
		return entitlement.StatusPastDue
	case stripe.SubscriptionStatusCanceled:
		return entitlement.StatusCanceled
	default:
		return entitlement.StatusNone
	}
}
