package api

// AcceptInviteRequest is the body of the invite-acceptance endpoint.
type AcceptInviteRequest struct {
	UserID   string `json:"user_id"`
	SquadID  string `json:"squad_id"`
	InviteID string `json:"invite_id,omitempty"`
}

// AcceptInviteResponse is the success body of the invite-acceptance endpoint.
type AcceptInviteResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	SquadName string `json:"squad_name,omitempty"`
}

// CheckoutRequest is the body of the checkout-session endpoint.
type CheckoutRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	PlanType string `json:"planType"`
}

// CheckoutResponse is the success body of the checkout-session endpoint.
type CheckoutResponse struct {
	URL       string `json:"url"`
	SessionID string `json:"sessionId"`
}

// ErrorResponse is the error body for all endpoints.
type ErrorResponse struct {
	Error string `json:"error"`
}
