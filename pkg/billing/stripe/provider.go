// Package stripe reconciles Stripe billing events into the entitlement store.
// It owns the webhook endpoint, the per-event-type reconciliation handlers,
// checkout session creation, and the reconciliation sync used by nightly jobs.
package stripe

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/chartvoice/chartbill/pkg/billing"
	"github.com/chartvoice/chartbill/pkg/billing/internal"
	"github.com/chartvoice/chartbill/pkg/entitlement"
	"github.com/chartvoice/chartbill/pkg/plan"
)

const (
	providerName             = "stripe"
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	defaultSyncConcurrency   = 8
	maxWebhookBodyBytes      = 256 * 1024
	squadCodeAttempts        = 5
)

// Config configures the Stripe provider.
type Config struct {
	// Store is the entitlement store all reconciliation writes go through.
	Store entitlement.Store

	// Catalog resolves flat price ids to squad plans. Nil uses plan.DefaultCatalog.
	Catalog *plan.Catalog

	// StripeAPIKey authenticates outbound API calls (subscription re-fetch,
	// checkout session creation).
	StripeAPIKey string

	// StripeWebhookSecret verifies the Stripe-Signature header. When empty the
	// webhook endpoint parses events without verification and logs a warning
	// on every request; intended for local testing only.
	StripeWebhookSecret string

	// EventCache suppresses duplicate webhook deliveries. Optional; handlers
	// are idempotent without it.
	EventCache billing.EventCache

	// Logger receives structured logs. Nil means no logging.
	Logger entitlement.Logger

	// Metrics receives operational metrics. Nil means no metrics.
	Metrics billing.Metrics

	// SyncConcurrency bounds the fan-out of SyncAll. Zero uses the default.
	SyncConcurrency int
}

// subscriptionRetriever is the slice of the Stripe client the reconciliation
// handlers need; tests substitute a fake.
type subscriptionRetriever interface {
	Retrieve(ctx context.Context, id string, params *stripe.SubscriptionRetrieveParams) (*stripe.Subscription, error)
}

// checkoutSessionCreator is the slice of the Stripe client checkout needs.
type checkoutSessionCreator interface {
	Create(ctx context.Context, params *stripe.CheckoutSessionCreateParams) (*stripe.CheckoutSession, error)
}

// Provider reconciles Stripe webhook events into the entitlement store.
type Provider struct {
	store           entitlement.Store
	catalog         *plan.Catalog
	webhookSecret   []byte
	stripeClient    *stripe.Client
	subscriptions   subscriptionRetriever
	checkouts       checkoutSessionCreator
	eventCache      billing.EventCache
	logger          entitlement.Logger
	metrics         billing.Metrics
	rateLimiter     *internal.RateLimiter
	syncConcurrency int
}

// NewProvider creates a new Stripe provider.
func NewProvider(config Config) (*Provider, error) {
	if config.Store == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	apiKey := strings.TrimSpace(config.StripeAPIKey)
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	catalog := config.Catalog
	if catalog == nil {
		catalog = plan.DefaultCatalog()
	}

	logger := config.Logger
	if logger == nil {
		logger = &entitlement.NoopLogger{}
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}

	syncConcurrency := config.SyncConcurrency
	if syncConcurrency <= 0 {
		syncConcurrency = defaultSyncConcurrency
	}

	client := stripe.NewClient(apiKey)

	return &Provider{
		store:           config.Store,
		catalog:         catalog,
		webhookSecret:   []byte(strings.TrimSpace(config.StripeWebhookSecret)),
		stripeClient:    client,
		subscriptions:   client.V1Subscriptions,
		checkouts:       client.V1CheckoutSessions,
		eventCache:      config.EventCache,
		logger:          logger,
		metrics:         metrics,
		rateLimiter:     internal.NewRateLimiter(defaultRateLimitRequests, defaultRateLimitWindow),
		syncConcurrency: syncConcurrency,
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks, wrapped with
// per-IP rate limiting.
func (p *Provider) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
}
