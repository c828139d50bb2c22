package karmachat

import (
	"fmt"

	"github.com/pkg/errors"
)

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// ErrHeartbeatTimeout is surfaced when the reconnect budget is exhausted
	// after consecutive liveness timeouts. It terminates the session.
	ErrHeartbeatTimeout = errors.New("heartbeat timeout: reconnect attempts exhausted")

	// ErrTransportUnavailable is returned when neither the primary nor the
	// fallback transport could be opened.
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrNoToken is returned when no usable session token could be obtained.
	ErrNoToken = errors.New("no session token")

	// ErrNotConnected is returned by socket commands issued without a live transport.
	ErrNotConnected = errors.New("not connected")

	// ErrDestroyed is returned by operations on a destroyed client.
	ErrDestroyed = errors.New("client destroyed")

	// ErrInvalidReaction is returned if a reaction is not exactly one emoji.
	ErrInvalidReaction = errors.New("reaction must be a single emoji")

	// errEventDropped marks an event the normalizer intentionally discarded.
	errEventDropped = errors.New("event dropped")

	// errLivenessTimeout is one missed pong or handshake reply.
	errLivenessTimeout = errors.New("liveness timeout")
)

// ============================================================================
// API errors
// ============================================================================

// Error codes returned by the backend that the client reacts to.
const (
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeAccessDenied = "ACCESS_DENIED"
	ErrCodeRateLimited  = "RATE_LIMITED"
	ErrCodeBadToken     = "BAD_TOKEN"
)

// APIError is a structured error returned by the HTTP API. Callers can use
// errors.As to inspect it:
//
//	var apiErr *karmachat.APIError
//	if errors.As(err, &apiErr) && apiErr.Code == karmachat.ErrCodeNotFound { ... }
type APIError struct {
	Message  string `json:"message"`
	Code     string `json:"code"`
	Endpoint string `json:"-"`
	Method   string `json:"-"`
	Body     any    `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: %s: %s", e.Method, e.Endpoint, e.Code, e.Message)
}

// IsAPIError reports whether err wraps an *APIError with the given code.
func IsAPIError(err error, code string) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}

// isNotFound covers both "gone" and "no access" answers for a dialogue fetch.
func isNotFound(err error) bool {
	return IsAPIError(err, ErrCodeNotFound) || IsAPIError(err, ErrCodeAccessDenied)
}
