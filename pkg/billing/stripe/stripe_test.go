package stripe

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stripe/stripe-go/v83"

	"github.com/chartvoice/chartbill/pkg/entitlement"
	"github.com/chartvoice/chartbill/pkg/plan"
	"github.com/chartvoice/chartbill/storage/memory"
)

const (
	testUserID         = "user_123"
	testCustomerID     = "cus_123"
	testSubscriptionID = "sub_123"
	testAPIKey         = "sk_test_123"
	testWebhookSecret  = "whsec_test_secret"

	testPilotFlatPrice    = "price_pilot_flat"
	testPilotOveragePrice = "price_pilot_overage"
	testSmallFlatPrice    = "price_small_flat"
	testIndividualPrice   = "price_individual_monthly"
)

func testCatalog() *plan.Catalog {
	return plan.NewCatalog(testIndividualPrice, []plan.SquadPlan{
		{Type: plan.Pilot, IncludedCharts: 500, FlatPriceID: testPilotFlatPrice, OveragePriceID: testPilotOveragePrice},
		{Type: plan.SmallSquad, IncludedCharts: 2000, FlatPriceID: testSmallFlatPrice, OveragePriceID: "price_small_overage"},
	})
}

// fakeSubscriptions serves canned subscriptions in place of the Stripe API.
type fakeSubscriptions struct {
	subs map[string]*stripe.Subscription
	err  error
}

func (f *fakeSubscriptions) Retrieve(ctx context.Context, id string, params *stripe.SubscriptionRetrieveParams) (*stripe.Subscription, error) {
	if f.err != nil {
		return nil, f.err
	}
	sub, ok := f.subs[id]
	if !ok {
		return nil, &stripe.Error{Code: stripe.ErrorCodeResourceMissing}
	}
	return sub, nil
}

// fakeCheckouts captures checkout session creation parameters.
type fakeCheckouts struct {
	params  *stripe.CheckoutSessionCreateParams
	session *stripe.CheckoutSession
	err     error
}

func (f *fakeCheckouts) Create(ctx context.Context, params *stripe.CheckoutSessionCreateParams) (*stripe.CheckoutSession, error) {
	f.params = params
	if f.err != nil {
		return nil, f.err
	}
	if f.session != nil {
		return f.session, nil
	}
	return &stripe.CheckoutSession{ID: "cs_test_123", URL: "https://checkout.stripe.com/pay/cs_test_123"}, nil
}

// trackingStore counts write calls so tests can assert side effects, or their
// absence, without poking store internals.
type trackingStore struct {
	entitlement.Store
	mu           sync.Mutex
	squadCreates int
	writes       int
}

func track(inner entitlement.Store) *trackingStore {
	return &trackingStore{Store: inner}
}

func (s *trackingStore) write() {
	s.mu.Lock()
	s.writes++
	s.mu.Unlock()
}

func (s *trackingStore) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func (s *trackingStore) SquadCreates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.squadCreates
}

func (s *trackingStore) UpsertUserSubscription(ctx context.Context, sub *entitlement.UserSubscription) error {
	s.write()
	return s.Store.UpsertUserSubscription(ctx, sub)
}

func (s *trackingStore) UpdateUserByID(ctx context.Context, userID string, upd entitlement.UserUpdate) error {
	s.write()
	return s.Store.UpdateUserByID(ctx, userID, upd)
}

func (s *trackingStore) UpdateUserBySubscription(ctx context.Context, subscriptionID string, upd entitlement.UserUpdate) error {
	s.write()
	return s.Store.UpdateUserBySubscription(ctx, subscriptionID, upd)
}

func (s *trackingStore) UpdateUserByCustomer(ctx context.Context, customerID string, upd entitlement.UserUpdate) error {
	s.write()
	return s.Store.UpdateUserByCustomer(ctx, customerID, upd)
}

func (s *trackingStore) CreateSquad(ctx context.Context, squad *entitlement.Squad) error {
	s.write()
	err := s.Store.CreateSquad(ctx, squad)
	if err == nil {
		s.mu.Lock()
		s.squadCreates++
		s.mu.Unlock()
	}
	return err
}

func (s *trackingStore) UpdateSquadBySubscription(ctx context.Context, subscriptionID string, upd entitlement.SquadUpdate) error {
	s.write()
	return s.Store.UpdateSquadBySubscription(ctx, subscriptionID, upd)
}

func (s *trackingStore) CascadeSquadStatus(ctx context.Context, subscriptionID string, upd entitlement.SquadUpdate, memberStatus entitlement.Status) error {
	s.write()
	return s.Store.CascadeSquadStatus(ctx, subscriptionID, upd, memberStatus)
}

// fakeEventCache records cache interactions for dedup tests.
type fakeEventCache struct {
	seen   map[string]bool
	marked []string
	err    error
}

func newFakeEventCache() *fakeEventCache {
	return &fakeEventCache{seen: make(map[string]bool)}
}

func (c *fakeEventCache) Seen(ctx context.Context, eventID string) (bool, error) {
	if c.err != nil {
		return false, c.err
	}
	return c.seen[eventID], nil
}

func (c *fakeEventCache) MarkProcessed(ctx context.Context, eventID string) error {
	if c.err != nil {
		return c.err
	}
	c.seen[eventID] = true
	c.marked = append(c.marked, eventID)
	return nil
}

func newTestProvider(t *testing.T, store entitlement.Store, subs *fakeSubscriptions) *Provider {
	t.Helper()
	provider, err := NewProvider(Config{
		Store:        store,
		Catalog:      testCatalog(),
		StripeAPIKey: testAPIKey,
	})
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}
	if subs != nil {
		provider.subscriptions = subs
	}
	return provider
}

func newTestStore(t *testing.T) *trackingStore {
	t.Helper()
	return track(memory.New())
}

func makeEvent(t *testing.T, eventType string, payload interface{}) *stripe.Event {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("Failed to marshal event payload: %v", err)
	}
	return &stripe.Event{
		ID:   "evt_" + eventType,
		Type: stripe.EventType(eventType),
		Data: &stripe.EventData{Raw: raw},
	}
}

func squadSubscription(id string, status stripe.SubscriptionStatus, periodStart, periodEnd int64) *stripe.Subscription {
	return &stripe.Subscription{
		ID:       id,
		Status:   status,
		Customer: &stripe.Customer{ID: testCustomerID},
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{
				{
					ID:                 "si_flat",
					CurrentPeriodStart: periodStart,
					CurrentPeriodEnd:   periodEnd,
					Price:              &stripe.Price{ID: testPilotFlatPrice},
				},
				{
					ID:                 "si_metered",
					CurrentPeriodStart: periodStart,
					CurrentPeriodEnd:   periodEnd,
					Price: &stripe.Price{
						ID: testPilotOveragePrice,
						Recurring: &stripe.PriceRecurring{
							UsageType: stripe.PriceRecurringUsageTypeMetered,
						},
					},
				},
			},
		},
	}
}

func individualSubscription(id string, status stripe.SubscriptionStatus, periodStart, periodEnd int64) *stripe.Subscription {
	return &stripe.Subscription{
		ID:       id,
		Status:   status,
		Customer: &stripe.Customer{ID: testCustomerID},
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{
				{
					ID:                 "si_individual",
					CurrentPeriodStart: periodStart,
					CurrentPeriodEnd:   periodEnd,
					Price:              &stripe.Price{ID: testIndividualPrice},
				},
			},
		},
	}
}
