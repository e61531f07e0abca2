// Package api exposes the authenticated client-facing endpoints: squad invite
// acceptance and checkout session creation. Handlers are plain http.Handler
// funcs so any router can mount them; see examples/ for chi, gin and echo
// wiring.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/chartvoice/chartbill/pkg/entitlement"
	"github.com/chartvoice/chartbill/pkg/plan"
)

// Handler provides the HTTP endpoints.
type Handler struct {
	config Config
	logger entitlement.Logger
}

// NewHandler creates a new API handler.
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	logger := config.Logger
	if logger == nil {
		logger = &entitlement.NoopLogger{}
	}
	return &Handler{config: config, logger: logger}, nil
}

// AcceptInvite links an invited user to an active squad, creating their
// entitlement row. Re-acceptance is a no-op success: the endpoint must
// tolerate re-invocation. Invite bookkeeping is best effort - the entitlement
// grant is the operation's contract, a failed invite update is only logged.
func (h *Handler) AcceptInvite(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !h.authorized(r) {
		h.writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req AcceptInviteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.SquadID == "" {
		h.writeError(w, http.StatusBadRequest, "user_id and squad_id are required")
		return
	}

	ctx := r.Context()

	squad, err := h.config.Store.GetSquad(ctx, req.SquadID)
	if err != nil {
		if errors.Is(err, entitlement.ErrSquadNotFound) {
			h.writeError(w, http.StatusNotFound, "squad not found")
			return
		}
		h.logger.Error("failed to load squad",
			entitlement.Field{Key: "squad_id", Value: req.SquadID},
			entitlement.Field{Key: "error", Value: err.Error()})
		h.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if squad.Status != entitlement.StatusActive {
		h.writeError(w, http.StatusForbidden, entitlement.ErrSquadNotActive.Error())
		return
	}

	// Idempotent re-acceptance: already a member of this squad.
	existing, err := h.config.Store.GetUserSubscription(ctx, req.UserID)
	if err != nil && !errors.Is(err, entitlement.ErrUserNotFound) {
		h.logger.Error("failed to load user subscription",
			entitlement.Field{Key: "user_id", Value: req.UserID},
			entitlement.Field{Key: "error", Value: err.Error()})
		h.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if existing != nil && existing.SquadID == squad.ID {
		h.writeJSON(w, http.StatusOK, AcceptInviteResponse{
			Success:   true,
			Message:   "User is already a member of this squad",
			SquadName: squad.Name,
		})
		return
	}

	// Membership grant only: billing columns stay untouched so a member who
	// also holds an individual subscription keeps their Stripe customer and
	// subscription ids, and webhooks for that subscription still find the row.
	if existing != nil {
		active := entitlement.StatusActive
		err = h.config.Store.UpdateUserByID(ctx, req.UserID, entitlement.UserUpdate{
			Status:           &active,
			SquadID:          &squad.ID,
			CurrentPeriodEnd: squad.CurrentPeriodEnd,
			AllowedSquads:    []string{squad.ID},
		})
	} else {
		err = h.config.Store.UpsertUserSubscription(ctx, &entitlement.UserSubscription{
			UserID:           req.UserID,
			Status:           entitlement.StatusActive,
			SquadID:          squad.ID,
			CurrentPeriodEnd: squad.CurrentPeriodEnd,
			AllowedSquads:    []string{squad.ID},
		})
	}
	if err != nil {
		h.logger.Error("failed to create member entitlement",
			entitlement.Field{Key: "user_id", Value: req.UserID},
			entitlement.Field{Key: "squad_id", Value: squad.ID},
			entitlement.Field{Key: "error", Value: err.Error()})
		h.writeError(w, http.StatusInternalServerError, "failed to create subscription")
		return
	}

	if req.InviteID != "" {
		if err := h.config.Store.MarkInviteAccepted(ctx, req.InviteID, req.UserID); err != nil {
			// The entitlement grant succeeded; invite bookkeeping is secondary.
			h.logger.Warn("failed to mark invite accepted",
				entitlement.Field{Key: "invite_id", Value: req.InviteID},
				entitlement.Field{Key: "error", Value: err.Error()})
		}
	}

	h.logger.Info("user joined squad",
		entitlement.Field{Key: "user_id", Value: req.UserID},
		entitlement.Field{Key: "squad_id", Value: squad.ID})

	h.writeJSON(w, http.StatusOK, AcceptInviteResponse{
		Success:   true,
		Message:   "Successfully joined squad",
		SquadName: squad.Name,
	})
}

// CreateCheckoutSession resolves the user from checkout credentials and
// creates a provider checkout session whose client_reference_id is the
// internal user id.
func (h *Handler) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.config.Checkout == nil {
		h.writeError(w, http.StatusNotFound, "checkout not configured")
		return
	}

	var req CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Email == "" || req.Password == "" || req.PlanType == "" {
		h.writeError(w, http.StatusBadRequest, "email, password, and planType are required")
		return
	}

	ctx := r.Context()

	userID, err := h.config.ResolveUserID(ctx, req.Email, req.Password)
	if err != nil {
		h.logger.Error("failed to resolve user for checkout",
			entitlement.Field{Key: "error", Value: err.Error()})
		h.writeError(w, http.StatusInternalServerError, "failed to create account")
		return
	}

	url, sessionID, err := h.config.Checkout.CreateCheckoutSession(
		ctx, userID, req.Email, req.PlanType, h.config.SuccessURL, h.config.CancelURL)
	if err != nil {
		if errors.Is(err, plan.ErrUnknownPlan) {
			h.writeError(w, http.StatusBadRequest, "invalid plan type")
			return
		}
		h.logger.Error("failed to create checkout session",
			entitlement.Field{Key: "user_id", Value: userID},
			entitlement.Field{Key: "error", Value: err.Error()})
		h.writeError(w, http.StatusInternalServerError, "failed to create checkout session")
		return
	}

	h.writeJSON(w, http.StatusOK, CheckoutResponse{URL: url, SessionID: sessionID})
}

// authorized checks bearer-token auth in constant time. An empty configured
// token disables auth.
func (h *Handler) authorized(r *http.Request) bool {
	if h.config.AuthToken == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.config.AuthToken)) == 1
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("failed to encode response",
			entitlement.Field{Key: "error", Value: err.Error()})
	}
}

func (h *Handler) writeError(w http.ResponseWriter, code int, msg string) {
	h.writeJSON(w, code, ErrorResponse{Error: msg})
}
