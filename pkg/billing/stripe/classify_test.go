package stripe

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/chartvoice/chartbill/pkg/entitlement"
)

func TestClassifyItems(t *testing.T) {
	catalog := testCatalog()

	t.Run("squad with metered overage", func(t *testing.T) {
		sub := squadSubscription(testSubscriptionID, stripe.SubscriptionStatusActive, 0, 0)
		c := classifyItems(catalog, sub)
		if c.FlatPriceID != testPilotFlatPrice {
			t.Errorf("Flat price = %q, want %q", c.FlatPriceID, testPilotFlatPrice)
		}
		if c.MeteredItemID != "si_metered" {
			t.Errorf("Metered item = %q, want si_metered", c.MeteredItemID)
		}
		if !c.IsSquad(catalog) {
			t.Errorf("Expected squad classification")
		}
	})

	t.Run("metered item listed first", func(t *testing.T) {
		sub := squadSubscription(testSubscriptionID, stripe.SubscriptionStatusActive, 0, 0)
		sub.Items.Data[0], sub.Items.Data[1] = sub.Items.Data[1], sub.Items.Data[0]
		c := classifyItems(catalog, sub)
		if c.FlatPriceID != testPilotFlatPrice {
			t.Errorf("Item order changed classification: flat = %q", c.FlatPriceID)
		}
		if c.MeteredItemID != "si_metered" {
			t.Errorf("Item order changed classification: metered = %q", c.MeteredItemID)
		}
	})

	t.Run("individual single item", func(t *testing.T) {
		sub := individualSubscription(testSubscriptionID, stripe.SubscriptionStatusActive, 0, 0)
		c := classifyItems(catalog, sub)
		if c.FlatPriceID != testIndividualPrice {
			t.Errorf("Flat price = %q, want %q", c.FlatPriceID, testIndividualPrice)
		}
		if c.MeteredItemID != "" {
			t.Errorf("Individual subscription has no metered item, got %q", c.MeteredItemID)
		}
		if c.IsSquad(catalog) {
			t.Errorf("Individual price classified as squad")
		}
	})

	t.Run("nil items", func(t *testing.T) {
		c := classifyItems(catalog, &stripe.Subscription{ID: testSubscriptionID})
		if c.FlatPriceID != "" || c.MeteredItemID != "" {
			t.Errorf("Expected empty classification, got %+v", c)
		}
	})
}

func TestPeriodFromRaw(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Unix()
	end := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC).Unix()

	t.Run("top level fields", func(t *testing.T) {
		raw := mustJSON(t, map[string]interface{}{
			"current_period_start": start,
			"current_period_end":   end,
		})
		gotStart, gotEnd := periodFromRaw(raw)
		if gotStart.Unix() != start {
			t.Errorf("Start = %v, want %d", gotStart.Unix(), start)
		}
		if gotEnd == nil || gotEnd.Unix() != end {
			t.Errorf("End = %v, want %d", gotEnd, end)
		}
	})

	t.Run("item level fields", func(t *testing.T) {
		raw := mustJSON(t, map[string]interface{}{
			"items": map[string]interface{}{
				"data": []map[string]interface{}{
					{"current_period_start": start, "current_period_end": end},
				},
			},
		})
		gotStart, gotEnd := periodFromRaw(raw)
		if gotStart.Unix() != start {
			t.Errorf("Start = %v, want %d", gotStart.Unix(), start)
		}
		if gotEnd == nil || gotEnd.Unix() != end {
			t.Errorf("End = %v, want %d", gotEnd, end)
		}
	})

	t.Run("start date fallback", func(t *testing.T) {
		raw := mustJSON(t, map[string]interface{}{"start_date": start})
		gotStart, gotEnd := periodFromRaw(raw)
		if gotStart.Unix() != start {
			t.Errorf("Start = %v, want %d", gotStart.Unix(), start)
		}
		if gotEnd != nil {
			t.Errorf("Expected open period, got end %v", gotEnd)
		}
	})

	t.Run("no period data", func(t *testing.T) {
		before := time.Now().Add(-time.Second)
		gotStart, gotEnd := periodFromRaw(mustJSON(t, map[string]interface{}{}))
		if gotStart.Before(before) {
			t.Errorf("Expected start near now, got %v", gotStart)
		}
		if gotEnd != nil {
			t.Errorf("Expected open period, got end %v", gotEnd)
		}
	})
}

func TestStatusFromStripe(t *testing.T) {
	cases := []struct {
		in   stripe.SubscriptionStatus
		want entitlement.Status
	}{
		{stripe.SubscriptionStatusActive, entitlement.StatusActive},
		{stripe.SubscriptionStatusTrialing, entitlement.StatusActive},
		{stripe.SubscriptionStatusPastDue, entitlement.StatusPastDue},
		{stripe.SubscriptionStatusUnpaid, entitlement.StatusPastDue},
		{stripe.SubscriptionStatusCanceled, entitlement.StatusCanceled},
		{stripe.SubscriptionStatusIncomplete, entitlement.StatusNone},
	}
	for _, tc := range cases {
		if got := statusFromStripe(tc.in); got != tc.want {
			t.Errorf("statusFromStripe(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestInvoiceSubscriptionID(t *testing.T) {
	if got := invoiceSubscriptionID(mustJSON(t, map[string]interface{}{"subscription": "sub_1"})); got != "sub_1" {
		t.Errorf("String form = %q, want sub_1", got)
	}
	if got := invoiceSubscriptionID(mustJSON(t, map[string]interface{}{
		"subscription": map[string]interface{}{"id": "sub_2"},
	})); got != "sub_2" {
		t.Errorf("Object form = %q, want sub_2", got)
	}
	if got := invoiceSubscriptionID(mustJSON(t, map[string]interface{}{"id": "in_1"})); got != "" {
		t.Errorf("Missing field = %q, want empty", got)
	}
}

func mustJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}
	return raw
}
