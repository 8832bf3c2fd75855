// ABOUTME: Request and response shapes for the SpendSense backend
// ABOUTME: Resource bodies stay raw JSON; auth and consent are typed

package api

import (
	"encoding/json"
	"fmt"

	"github.com/2389/spendsense/internal/events"
)

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// SignupRequest is the body of POST /auth/signup.
type SignupRequest struct {
	UserID          string `json:"user_id"`
	EmailMasked     string `json:"email_masked,omitempty"`
	Password        string `json:"password"`
	PasswordConfirm string `json:"password_confirm"`
}

// AuthResponse is returned by login and signup.
type AuthResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	UserID      string `json:"user_id"`
	Role        string `json:"role"`
}

// ConsentAction is the backend's consent verb.
type ConsentAction string

const (
	ConsentOptIn  ConsentAction = "opt_in"
	ConsentOptOut ConsentAction = "opt_out"
)

// Event maps the verb onto the cache's consent event.
func (a ConsentAction) Event() (events.ConsentAction, error) {
	switch a {
	case ConsentOptIn:
		return events.ConsentGrant, nil
	case ConsentOptOut:
		return events.ConsentRevoke, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidAction, string(a))
	}
}

// ConsentRequest is the body of POST /consent.
type ConsentRequest struct {
	UserID string        `json:"user_id"`
	Action ConsentAction `json:"action"`
	Reason string        `json:"reason,omitempty"`
	By     string        `json:"by,omitempty"`
}

// ConsentResponse acknowledges a consent change.
type ConsentResponse struct {
	Success bool          `json:"success"`
	UserID  string        `json:"user_id"`
	Action  ConsentAction `json:"action"`
	Message string        `json:"message"`
}

// Decision is a Steward's verdict on a queued recommendation.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Valid reports whether d is a known decision.
func (d Decision) Valid() bool {
	return d == DecisionApprove || d == DecisionReject
}

// ReviewRequest is the body of POST /operator/review/{id}.
type ReviewRequest struct {
	Decision Decision `json:"decision"`
	Notes    string   `json:"notes,omitempty"`
}

// Decode unmarshals a raw resource body into T.
func Decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decoding resource: %w", err)
	}
	return v, nil
}
