// Package memory provides an in-memory implementation of the
// entitlement.Store interface. This implementation is primarily intended for
// testing and development.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chartvoice/chartbill/pkg/entitlement"
)

// Store implements entitlement.Store using in-memory maps.
type Store struct {
	mu      sync.RWMutex
	users   map[string]*entitlement.UserSubscription
	squads  map[string]*entitlement.Squad
	invites map[string]*entitlement.SquadInvite
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		users:   make(map[string]*entitlement.UserSubscription),
		squads:  make(map[string]*entitlement.Squad),
		invites: make(map[string]*entitlement.SquadInvite),
	}
}

// GetUserSubscription implements entitlement.Store.
func (s *Store) GetUserSubscription(ctx context.Context, userID string) (*entitlement.UserSubscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.users[userID]
	if !ok {
		return nil, entitlement.ErrUserNotFound
	}

	// Return a copy to prevent external mutations.
	return copyUser(sub), nil
}

// UpsertUserSubscription implements entitlement.Store.
func (s *Store) UpsertUserSubscription(ctx context.Context, sub *entitlement.UserSubscription) error {
	if sub == nil || sub.UserID == "" {
		return fmt.Errorf("invalid user subscription")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := copyUser(sub)
	stored.UpdatedAt = time.Now()
	s.users[sub.UserID] = stored
	return nil
}

// UpdateUserByID implements entitlement.Store.
func (s *Store) UpdateUserByID(ctx context.Context, userID string, upd entitlement.UserUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.users[userID]
	if !ok {
		return entitlement.ErrUserNotFound
	}
	applyUserUpdate(sub, upd)
	return nil
}

// UpdateUserBySubscription implements entitlement.Store.
func (s *Store) UpdateUserBySubscription(ctx context.Context, subscriptionID string, upd entitlement.UserUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	found := false
	for _, sub := range s.users {
		if sub.StripeSubscriptionID == subscriptionID {
			applyUserUpdate(sub, upd)
			found = true
		}
	}
	if !found {
		return entitlement.ErrUserNotFound
	}
	return nil
}

// UpdateUserByCustomer implements entitlement.Store.
func (s *Store) UpdateUserByCustomer(ctx context.Context, customerID string, upd entitlement.UserUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	found := false
	for _, sub := range s.users {
		if sub.StripeCustomerID == customerID {
			applyUserUpdate(sub, upd)
			found = true
		}
	}
	if !found {
		return entitlement.ErrUserNotFound
	}
	return nil
}

// CreateSquad implements entitlement.Store.
func (s *Store) CreateSquad(ctx context.Context, squad *entitlement.Squad) error {
	if squad == nil || squad.SquadCode == "" {
		return fmt.Errorf("invalid squad")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.squads {
		if existing.SquadCode == squad.SquadCode {
			return entitlement.ErrSquadCodeTaken
		}
		if squad.StripeSubscriptionID != "" && existing.StripeSubscriptionID == squad.StripeSubscriptionID {
			return entitlement.ErrSquadExists
		}
	}

	if squad.ID == "" {
		squad.ID = uuid.NewString()
	}
	stored := copySquad(squad)
	stored.UpdatedAt = time.Now()
	s.squads[squad.ID] = stored
	return nil
}

// GetSquad implements entitlement.Store.
func (s *Store) GetSquad(ctx context.Context, squadID string) (*entitlement.Squad, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	squad, ok := s.squads[squadID]
	if !ok {
		return nil, entitlement.ErrSquadNotFound
	}
	return copySquad(squad), nil
}

// GetSquadBySubscription implements entitlement.Store.
func (s *Store) GetSquadBySubscription(ctx context.Context, subscriptionID string) (*entitlement.Squad, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, squad := range s.squads {
		if squad.StripeSubscriptionID == subscriptionID {
			return copySquad(squad), nil
		}
	}
	return nil, entitlement.ErrSquadNotFound
}

// UpdateSquadBySubscription implements entitlement.Store.
func (s *Store) UpdateSquadBySubscription(ctx context.Context, subscriptionID string, upd entitlement.SquadUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, squad := range s.squads {
		if squad.StripeSubscriptionID == subscriptionID {
			applySquadUpdate(squad, upd)
			return nil
		}
	}
	return entitlement.ErrSquadNotFound
}

// CascadeSquadStatus implements entitlement.Store. Both writes happen under
// one lock, so readers never observe the squad updated but members stale.
func (s *Store) CascadeSquadStatus(ctx context.Context, subscriptionID string, upd entitlement.SquadUpdate, memberStatus entitlement.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var target *entitlement.Squad
	for _, squad := range s.squads {
		if squad.StripeSubscriptionID == subscriptionID {
			target = squad
			break
		}
	}
	if target == nil {
		return entitlement.ErrSquadNotFound
	}

	applySquadUpdate(target, upd)

	for _, sub := range s.users {
		if sub.SquadID == target.ID {
			sub.Status = memberStatus
			sub.UpdatedAt = time.Now()
		}
	}
	return nil
}

// GetInvite implements entitlement.Store.
func (s *Store) GetInvite(ctx context.Context, inviteID string) (*entitlement.SquadInvite, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, ok := s.invites[inviteID]
	if !ok {
		return nil, entitlement.ErrInviteNotFound
	}
	invCopy := *inv
	return &invCopy, nil
}

// MarkInviteAccepted implements entitlement.Store.
func (s *Store) MarkInviteAccepted(ctx context.Context, inviteID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invites[inviteID]
	if !ok {
		return entitlement.ErrInviteNotFound
	}
	if inv.Status == entitlement.InviteAccepted {
		return nil
	}
	now := time.Now()
	inv.Status = entitlement.InviteAccepted
	inv.AcceptedAt = &now
	inv.AcceptedByUserID = userID
	return nil
}

// ListSubscriptionIDs implements entitlement.Store.
func (s *Store) ListSubscriptionIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var ids []string
	for _, squad := range s.squads {
		if squad.Status != entitlement.StatusCanceled && squad.StripeSubscriptionID != "" && !seen[squad.StripeSubscriptionID] {
			seen[squad.StripeSubscriptionID] = true
			ids = append(ids, squad.StripeSubscriptionID)
		}
	}
	for _, sub := range s.users {
		if sub.SquadID != "" {
			continue
		}
		if sub.Status != entitlement.StatusCanceled && sub.StripeSubscriptionID != "" && !seen[sub.StripeSubscriptionID] {
			seen[sub.StripeSubscriptionID] = true
			ids = append(ids, sub.StripeSubscriptionID)
		}
	}
	return ids, nil
}

// CreateInvite stores an invite. Invites are normally provisioned by the host
// application; this helper exists for development and tests.
func (s *Store) CreateInvite(ctx context.Context, inv *entitlement.SquadInvite) error {
	if inv == nil || inv.ID == "" || inv.SquadID == "" {
		return fmt.Errorf("invalid invite")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	invCopy := *inv
	if invCopy.Status == "" {
		invCopy.Status = entitlement.InvitePending
	}
	s.invites[inv.ID] = &invCopy
	return nil
}

func copyUser(sub *entitlement.UserSubscription) *entitlement.UserSubscription {
	c := *sub
	if sub.AllowedSquads != nil {
		c.AllowedSquads = append([]string(nil), sub.AllowedSquads...)
	}
	return &c
}

func copySquad(squad *entitlement.Squad) *entitlement.Squad {
	c := *squad
	return &c
}

func applyUserUpdate(sub *entitlement.UserSubscription, upd entitlement.UserUpdate) {
	if upd.Status != nil {
		sub.Status = *upd.Status
	}
	if upd.StripeCustomerID != nil {
		sub.StripeCustomerID = *upd.StripeCustomerID
	}
	if upd.StripeSubscriptionID != nil {
		sub.StripeSubscriptionID = *upd.StripeSubscriptionID
	}
	if upd.CurrentPeriodStart != nil {
		t := *upd.CurrentPeriodStart
		sub.CurrentPeriodStart = &t
	}
	if upd.CurrentPeriodEnd != nil {
		t := *upd.CurrentPeriodEnd
		sub.CurrentPeriodEnd = &t
	}
	if upd.ClearCanceledAt {
		sub.CanceledAt = nil
	} else if upd.CanceledAt != nil {
		t := *upd.CanceledAt
		sub.CanceledAt = &t
	}
	if upd.AllowedSquads != nil {
		sub.AllowedSquads = append([]string(nil), upd.AllowedSquads...)
	}
	if upd.SquadID != nil {
		sub.SquadID = *upd.SquadID
	}
	sub.UpdatedAt = time.Now()
}

func applySquadUpdate(squad *entitlement.Squad, upd entitlement.SquadUpdate) {
	if upd.Status != nil {
		squad.Status = *upd.Status
	}
	if upd.Name != nil {
		squad.Name = *upd.Name
	}
	if upd.CurrentPeriodStart != nil {
		t := *upd.CurrentPeriodStart
		squad.CurrentPeriodStart = &t
	}
	if upd.CurrentPeriodEnd != nil {
		t := *upd.CurrentPeriodEnd
		squad.CurrentPeriodEnd = &t
	}
	if upd.ClearCanceledAt {
		squad.CanceledAt = nil
	} else if upd.CanceledAt != nil {
		t := *upd.CanceledAt
		squad.CanceledAt = &t
	}
	squad.UpdatedAt = time.Now()
}
