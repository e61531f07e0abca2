package api

import (
	"context"
	"errors"

	"github.com/chartvoice/chartbill/pkg/entitlement"
)

// CheckoutProvider creates provider checkout sessions. Implemented by the
// stripe Provider.
type CheckoutProvider interface {
	CreateCheckoutSession(ctx context.Context, userID, email, planType, successURL, cancelURL string) (url, sessionID string, err error)
}

// Config configures the API handler.
type Config struct {
	// Store is the entitlement store.
	Store entitlement.Store

	// Logger receives structured logs. Nil means no logging.
	Logger entitlement.Logger

	// AuthToken is the bearer token required on the invite-acceptance and
	// checkout endpoints. Empty disables authentication (local testing).
	AuthToken string

	// Checkout enables the checkout-session endpoint when set.
	Checkout CheckoutProvider

	// ResolveUserID maps checkout credentials to the internal user id,
	// creating the account when needed. Required when Checkout is set; user
	// provisioning belongs to the host application.
	ResolveUserID func(ctx context.Context, email, password string) (string, error)

	// SuccessURL and CancelURL are the checkout redirect targets.
	SuccessURL string
	CancelURL  string
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.Checkout != nil && c.ResolveUserID == nil {
		return errors.New("ResolveUserID is required when Checkout is configured")
	}
	return nil
}
