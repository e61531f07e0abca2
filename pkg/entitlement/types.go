// Package entitlement defines the billing records that decide whether a user
// or squad may use the product, and the Store contract that owns them.
package entitlement

import "time"

// Status is the subscription state of a user or squad.
type Status string

const (
	// StatusNone means no subscription has ever been established.
	StatusNone Status = "none"
	// StatusActive means the entity is paid up (or trialing) for the current period.
	StatusActive Status = "active"
	// StatusPastDue means the latest payment failed but the subscription is not yet canceled.
	StatusPastDue Status = "past_due"
	// StatusCanceled means the subscription has ended.
	StatusCanceled Status = "canceled"
)

// AllSquads is the allowed_squads sentinel granting unrestricted squad access.
// Individual subscribers get it; squad members get their single squad id.
const AllSquads = "ALL"

// UserSubscription is one user's entitlement record. There is exactly one row
// per UserID; all writes go through upserts or keyed updates.
type UserSubscription struct {
	UserID               string
	Status               Status
	StripeCustomerID     string
	StripeSubscriptionID string
	CurrentPeriodStart   *time.Time
	CurrentPeriodEnd     *time.Time

	// CanceledAt records a scheduled or effective cancellation independently
	// of Status: a pending cancel keeps Status active until the period ends.
	CanceledAt *time.Time

	// AllowedSquads is either the AllSquads sentinel or an explicit set of
	// squad ids the user may access.
	AllowedSquads []string

	// SquadID is set when the user's entitlement comes from squad membership
	// rather than an individual subscription.
	SquadID string

	UpdatedAt time.Time
}

// Squad is a multi-seat billing entity with a pooled chart quota. Its Status
// is the source of truth for every member row: status transitions cascade.
type Squad struct {
	ID        string
	SquadCode string
	Name      string

	// AdminUserID is the user who completed checkout and owns billing.
	AdminUserID string

	StripeCustomerID     string
	StripeSubscriptionID string
	Status               Status
	CurrentPeriodStart   *time.Time
	CurrentPeriodEnd     *time.Time
	CanceledAt           *time.Time

	PlanType       string
	IncludedCharts int
	ChartsUsed     int

	// MeteredItemID references the metered overage subscription item used to
	// report usage above IncludedCharts back to the billing provider.
	MeteredItemID string

	UpdatedAt time.Time
}

// InviteStatus is the lifecycle state of a squad invite.
type InviteStatus string

const (
	InvitePending  InviteStatus = "pending"
	InviteAccepted InviteStatus = "accepted"
)

// SquadInvite links an invited user to a squad. Created externally, consumed
// once by invite acceptance; re-acceptance is a no-op.
type SquadInvite struct {
	ID               string
	SquadID          string
	Status           InviteStatus
	AcceptedAt       *time.Time
	AcceptedByUserID string
}

// UserUpdate is a partial update of a UserSubscription row. Nil pointer fields
// are left untouched; ClearCanceledAt distinguishes "set canceled_at to null"
// from "leave it alone".
type UserUpdate struct {
	Status               *Status
	StripeCustomerID     *string
	StripeSubscriptionID *string
	CurrentPeriodStart   *time.Time
	CurrentPeriodEnd     *time.Time
	CanceledAt           *time.Time
	ClearCanceledAt      bool
	AllowedSquads        []string
	SquadID              *string
}

// SquadUpdate is a partial update of a Squad row.
type SquadUpdate struct {
	Status             *Status
	Name               *string
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CanceledAt         *time.Time
	ClearCanceledAt    bool
}

// IsEmpty reports whether the update would write nothing.
func (u UserUpdate) IsEmpty() bool {
	return u.Status == nil && u.StripeCustomerID == nil && u.StripeSubscriptionID == nil &&
		u.CurrentPeriodStart == nil && u.CurrentPeriodEnd == nil &&
		u.CanceledAt == nil && !u.ClearCanceledAt &&
		u.AllowedSquads == nil && u.SquadID == nil
}

// IsEmpty reports whether the update would write nothing.
func (u SquadUpdate) IsEmpty() bool {
	return u.Status == nil && u.Name == nil &&
		u.CurrentPeriodStart == nil && u.CurrentPeriodEnd == nil &&
		u.CanceledAt == nil && !u.ClearCanceledAt
}
