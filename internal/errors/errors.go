// Package errors provides structured error types for the QQ gateway.
package errors

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// Sentinel errors for common failure modes.
var (
	ErrTimeout        = errors.New("operation timed out")
	ErrAuthExpired    = errors.New("access token expired")
	ErrRateLimited    = errors.New("rate limit exceeded")
	ErrQuotaExhausted = errors.New("passive reply quota exhausted")
	ErrPayloadInvalid = errors.New("content required for proactive message")
	ErrBotOffline     = errors.New("bot offline or sandbox-only")
	ErrBotBanned      = errors.New("bot banned")
	ErrUnavailable    = errors.New("service unavailable")
)

// Platform business code reported with HTTP 4xx when the gateway or API is
// throttling the bot.
const CodeRateLimited = 100001

// APIError represents an error from a platform REST call.
type APIError struct {
	Service    string
	StatusCode int
	Code       int // platform business code from the response body, 0 if absent
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s API error (status %d, code %d): %s: %v", e.Service, e.StatusCode, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s API error (status %d, code %d): %s", e.Service, e.StatusCode, e.Code, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// NewAPIError creates a new API error.
func NewAPIError(service string, statusCode, code int, message string) *APIError {
	return &APIError{Service: service, StatusCode: statusCode, Code: code, Message: message}
}

// InvalidSessionError is raised when the gateway answers an Identify or
// Resume with op-9. Resumable mirrors the frame's `d` payload.
type InvalidSessionError struct {
	Resumable bool
}

func (e *InvalidSessionError) Error() string {
	if e.Resumable {
		return "invalid session (resumable)"
	}
	return "invalid session (not resumable)"
}

// IsRetryable returns true if the error is likely transient and worth retrying.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429, 500, 502, 503, 504:
			return true
		}
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUnavailable)
}

// IsAuthShaped reports whether the error looks like an expired or rejected
// access token. Callers clear the token cache and retry once on these.
func IsAuthShaped(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuthExpired) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == 401 {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "401") ||
		strings.Contains(msg, "access_token") ||
		strings.Contains(msg, "token")
}

// IsRateLimited reports whether the error carries the platform's throttling
// signature ("Too many requests" text or business code 100001).
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == CodeRateLimited {
		return true
	}
	return strings.Contains(err.Error(), "Too many requests")
}
