package entitlement

import "context"

// Store is the entitlement store: the sole owner of user subscription, squad
// and invite records. Handlers are stateless between invocations; concurrency
// correctness rests on the store's per-row upsert/conditional-update atomicity,
// so every method must be safe to call again with the same arguments.
type Store interface {
	// GetUserSubscription returns the row for userID or ErrUserNotFound.
	GetUserSubscription(ctx context.Context, userID string) (*UserSubscription, error)

	// UpsertUserSubscription inserts or replaces the billing fields of the
	// single row keyed by sub.UserID.
	UpsertUserSubscription(ctx context.Context, sub *UserSubscription) error

	// UpdateUserByID applies a partial update to the row keyed by user id.
	// Returns ErrUserNotFound when no row matches.
	UpdateUserByID(ctx context.Context, userID string, upd UserUpdate) error

	// UpdateUserBySubscription applies a partial update to the row matching
	// the provider subscription id. Returns ErrUserNotFound when no row
	// matches, which webhook handlers surface so the provider redelivers.
	UpdateUserBySubscription(ctx context.Context, subscriptionID string, upd UserUpdate) error

	// UpdateUserByCustomer applies a partial update to the row matching the
	// provider customer id. Returns ErrUserNotFound when no row matches.
	UpdateUserByCustomer(ctx context.Context, customerID string, upd UserUpdate) error

	// CreateSquad inserts a new squad. Returns ErrSquadCodeTaken on a join
	// code collision and ErrSquadExists when a squad already references the
	// same subscription id. Assigns squad.ID when empty.
	CreateSquad(ctx context.Context, squad *Squad) error

	// GetSquad returns the squad by id or ErrSquadNotFound.
	GetSquad(ctx context.Context, squadID string) (*Squad, error)

	// GetSquadBySubscription returns the squad referencing the provider
	// subscription id or ErrSquadNotFound. This lookup discriminates squad
	// from individual subscriptions in front of every subscription handler.
	GetSquadBySubscription(ctx context.Context, subscriptionID string) (*Squad, error)

	// UpdateSquadBySubscription applies a partial update to the squad matching
	// the subscription id. Returns ErrSquadNotFound when no row matches.
	UpdateSquadBySubscription(ctx context.Context, subscriptionID string, upd SquadUpdate) error

	// CascadeSquadStatus applies upd to the squad matching the subscription id
	// and sets every member row carrying that squad id to memberStatus.
	// Implementations wrap both writes in a transaction when the backend
	// supports one; otherwise the second write may lag a crash and is healed
	// by the next delivered event for the same subscription.
	CascadeSquadStatus(ctx context.Context, subscriptionID string, upd SquadUpdate, memberStatus Status) error

	// GetInvite returns the invite by id or ErrInviteNotFound.
	GetInvite(ctx context.Context, inviteID string) (*SquadInvite, error)

	// MarkInviteAccepted stamps the invite accepted by userID. Calling it for
	// an already accepted invite is a no-op.
	MarkInviteAccepted(ctx context.Context, inviteID, userID string) error

	// ListSubscriptionIDs returns the provider subscription ids of all squads
	// and individual rows that are not canceled, for reconciliation sweeps.
	ListSubscriptionIDs(ctx context.Context) ([]string, error)
}
