package stripe

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/chartvoice/chartbill/pkg/billing"
	"github.com/chartvoice/chartbill/pkg/entitlement"
)

// SyncSubscription re-fetches one subscription from Stripe and reapplies its
// state to the store, refreshing period bounds the same way invoice.paid
// does. Used by reconciliation jobs to heal rows that missed a delivery.
func (p *Provider) SyncSubscription(ctx context.Context, subscriptionID string) error {
	sub, err := p.retrieveSubscription(ctx, subscriptionID, false)
	if err != nil {
		p.metrics.RecordSync(providerName, "error")
		return fmt.Errorf("%w: failed to fetch subscription %s: %v", billing.ErrProviderAPI, subscriptionID, err)
	}

	isSquad, err := p.isSquadSubscription(ctx, subscriptionID)
	if err != nil {
		p.metrics.RecordSync(providerName, "error")
		return err
	}

	periodStart, periodEnd := periodFromSubscription(sub)
	status := statusFromStripe(sub.Status)

	if isSquad {
		err = p.store.CascadeSquadStatus(ctx, subscriptionID,
			entitlement.SquadUpdate{
				Status:             &status,
				CurrentPeriodStart: &periodStart,
				CurrentPeriodEnd:   periodEnd,
			},
			status)
	} else {
		err = p.store.UpdateUserBySubscription(ctx, subscriptionID, entitlement.UserUpdate{
			Status:             &status,
			CurrentPeriodStart: &periodStart,
			CurrentPeriodEnd:   periodEnd,
		})
	}

	if err != nil {
		p.metrics.RecordSync(providerName, "error")
		return err
	}

	p.metrics.RecordSync(providerName, "success")
	return nil
}

// SyncAll reconciles every non-canceled subscription the store knows about,
// with bounded concurrency. Individual failures are logged and do not stop
// the sweep; the first error is returned after all syncs finish.
func (p *Provider) SyncAll(ctx context.Context) error {
	ids, err := p.store.ListSubscriptionIDs(ctx)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.syncConcurrency)

	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := p.SyncSubscription(ctx, id); err != nil {
				p.logger.Error("subscription sync failed",
					entitlement.Field{Key: "subscription_id", Value: id},
					entitlement.Field{Key: "error", Value: err.Error()})
				return err
			}
			return nil
		})
	}

	return g.Wait()
}
