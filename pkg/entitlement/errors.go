package entitlement

import "errors"

var (
	// ErrUserNotFound is returned when no user subscription row matches the key.
	ErrUserNotFound = errors.New("user subscription not found")

	// ErrSquadNotFound is returned when no squad matches the key.
	ErrSquadNotFound = errors.New("squad not found")

	// ErrSquadNotActive is returned when an operation requires an active squad.
	ErrSquadNotActive = errors.New("squad subscription is not active")

	// ErrInviteNotFound is returned when no invite matches the id.
	ErrInviteNotFound = errors.New("squad invite not found")

	// ErrSquadCodeTaken is returned by CreateSquad when the generated join code
	// collides with an existing squad. Callers regenerate and retry.
	ErrSquadCodeTaken = errors.New("squad code already in use")

	// ErrSquadExists is returned by CreateSquad when a squad already references
	// the same provider subscription id. Replayed checkout events hit this.
	ErrSquadExists = errors.New("squad already exists for subscription")
)
