package maxapi

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotConnected is returned when an operation requires a live connection.
var ErrNotConnected = errors.New("not connected")

// APIError is a generic error reported by the Max API, either as an HTTP
// error body (Bot API) or a cmd=3 frame (User API).
type APIError struct {
	Code    string
	Message string
	Status  int
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("max api error %s (HTTP %d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("max api error %s: %s", e.Code, e.Message)
}

// AuthError indicates invalid or expired credentials. Never retried.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	return "max auth error: " + e.Message
}

// NotFoundError indicates an unknown chat, message, or endpoint.
type NotFoundError struct {
	What string
}

func (e *NotFoundError) Error() string {
	return "max: not found: " + e.What
}

// RateLimitError carries the server-requested retry delay from HTTP 429.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("max: rate limited, retry after %s", e.RetryAfter)
}
