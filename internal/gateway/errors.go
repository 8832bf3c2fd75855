// ABOUTME: Classified gateway errors and the taxonomy of backend failures
// ABOUTME: Maps HTTP outcomes onto kinds callers can match with errors.Is

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind is the classification of a failed call.
type Kind string

const (
	KindExpired     Kind = "expired"      // 401
	KindForbidden   Kind = "forbidden"    // 403
	KindNotFound    Kind = "not_found"    // 404
	KindServerFault Kind = "server_fault" // 5xx
	KindUnreachable Kind = "unreachable"  // no status received
	KindUnexpected  Kind = "unexpected"   // any other non-2xx
)

// ForbiddenReason subtypes a 403 by what the caller was asking for.
type ForbiddenReason string

const (
	ReasonUnspecified     ForbiddenReason = ""
	ReasonConsentRequired ForbiddenReason = "consent_required"
	ReasonRoleDenied      ForbiddenReason = "role_denied"
)

// Sentinels for errors.Is matching against *Error.
var (
	ErrExpired         = errors.New("session expired")
	ErrForbidden       = errors.New("forbidden")
	ErrConsentRequired = errors.New("consent required")
	ErrRoleDenied      = errors.New("role denied")
	ErrNotFound        = errors.New("not found")
	ErrServerFault     = errors.New("server fault")
	ErrUnreachable     = errors.New("server unreachable")
	ErrUnexpected      = errors.New("unexpected response")
)

// Error is a classified call failure. Body is the raw response body, when any.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Reason  ForbiddenReason
	Body    []byte
	Err     error // transport error for KindUnreachable
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (%d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the kind sentinels, and the reason sentinels for 403s.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrExpired:
		return e.Kind == KindExpired
	case ErrForbidden:
		return e.Kind == KindForbidden
	case ErrConsentRequired:
		return e.Kind == KindForbidden && e.Reason == ReasonConsentRequired
	case ErrRoleDenied:
		return e.Kind == KindForbidden && e.Reason == ReasonRoleDenied
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrServerFault:
		return e.Kind == KindServerFault
	case ErrUnreachable:
		return e.Kind == KindUnreachable
	case ErrUnexpected:
		return e.Kind == KindUnexpected
	}
	return false
}

// KindOf returns the classification of err, or "" if err is not a gateway error.
func KindOf(err error) Kind {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Kind
	}
	return ""
}

// classify maps a non-2xx status to its kind.
func classify(status int) Kind {
	switch {
	case status == 401:
		return KindExpired
	case status == 403:
		return KindForbidden
	case status == 404:
		return KindNotFound
	case status >= 500:
		return KindServerFault
	default:
		return KindUnexpected
	}
}

// errorBody is the backend's error shape: { detail?: string, error?: string }.
type errorBody struct {
	Detail json.RawMessage `json:"detail"`
	Error  string          `json:"error"`
}

// extractMessage reads detail or error from body, else a generated message.
// A non-string detail (such as a validation list) is ignored.
func extractMessage(status int, body []byte) string {
	var eb errorBody
	if len(body) > 0 && json.Unmarshal(body, &eb) == nil {
		var detail string
		if len(eb.Detail) > 0 && json.Unmarshal(eb.Detail, &detail) == nil && detail != "" {
			return detail
		}
		if eb.Error != "" {
			return eb.Error
		}
	}
	return fmt.Sprintf("request failed with status %d", status)
}
