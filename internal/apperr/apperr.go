// Package apperr defines the error taxonomy shared by the proxy pipeline
// and the rate limiter. Every denial carries a machine-readable reason code
// that is also emitted to the audit sink.
package apperr

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Reason codes. These are stable identifiers; audit consumers key on them.
const (
	ReasonValidation       = "VALIDATION"
	ReasonNoEnabledEntry   = "NO_ENABLED_ENTRY"
	ReasonPolicyDenied     = "POLICY_DENIED"
	ReasonRateLimited      = "RATE_LIMITED"
	ReasonStoreError       = "STORE_ERROR"
	ReasonTransformError   = "TRANSFORM_ERROR"
	ReasonUpstreamTimeout  = "UPSTREAM_TIMEOUT"
	ReasonUpstreamTooLarge = "UPSTREAM_TOO_LARGE"
	ReasonUpstreamError    = "UPSTREAM_ERROR"
)

// Error is an error that can be rendered to clients as JSON.
type Error struct {
	Code       int    `json:"code"`
	Reason     string `json:"reason"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	underlying error
}

func (e *Error) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.underlying
}

// WriteJSON renders the error to the response writer.
func (e *Error) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Code)
	json.NewEncoder(w).Encode(e)
}

// Base errors, one per taxonomy entry.
var (
	ErrBadTarget = &Error{
		Code:    http.StatusBadRequest,
		Reason:  ReasonValidation,
		Message: "target URL is missing, unparsable, or uses a disallowed scheme",
	}

	ErrNoEnabledEntry = &Error{
		Code:    http.StatusForbidden,
		Reason:  ReasonNoEnabledEntry,
		Message: "no enabled proxy entry matches this request",
	}

	ErrPolicyDenied = &Error{
		Code:    http.StatusForbidden,
		Reason:  ReasonPolicyDenied,
		Message: "request denied by entry policy",
	}

	ErrRateLimited = &Error{
		Code:    http.StatusTooManyRequests,
		Reason:  ReasonRateLimited,
		Message: "rate limit exceeded",
	}

	ErrRateLimitStore = &Error{
		Code:    http.StatusServiceUnavailable,
		Reason:  ReasonStoreError,
		Message: "rate limit store unavailable",
	}

	ErrUpstreamTimeout = &Error{
		Code:    http.StatusGatewayTimeout,
		Reason:  ReasonUpstreamTimeout,
		Message: "upstream request timed out",
	}

	ErrUpstreamTooLarge = &Error{
		Code:    http.StatusBadGateway,
		Reason:  ReasonUpstreamTooLarge,
		Message: "upstream body exceeds the configured size cap",
	}

	ErrUpstream = &Error{
		Code:    http.StatusBadGateway,
		Reason:  ReasonUpstreamError,
		Message: "upstream request failed",
	}
)

// New creates an Error with the given status, reason, and message.
func New(code int, reason, message string) *Error {
	return &Error{Code: code, Reason: reason, Message: message}
}

// Wrap attaches an underlying error to a copy of e.
func Wrap(e *Error, err error) *Error {
	return &Error{
		Code:       e.Code,
		Reason:     e.Reason,
		Message:    e.Message,
		Details:    e.Details,
		underlying: err,
	}
}

// WithDetails returns a copy of e with details attached.
func (e *Error) WithDetails(details string) *Error {
	return &Error{
		Code:       e.Code,
		Reason:     e.Reason,
		Message:    e.Message,
		Details:    details,
		underlying: e.underlying,
	}
}

// As extracts an *Error from err, if it is one.
func As(err error) (*Error, bool) {
	if ae, ok := err.(*Error); ok {
		return ae, true
	}
	return nil, false
}
