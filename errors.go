package gate

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/tourmarket/requestgate/security"
)

// Gateway error codes as constants
const (
	ErrorCodeRateLimited        = "rate_limit_exceeded"
	ErrorCodeUsageLimited       = "usage_limit_exceeded"
	ErrorCodeLockedOut          = "too_many_attempts"
	ErrorCodeInvalidSignature   = "invalid_signature"
	ErrorCodeCSRFFailed         = "csrf_failed"
	ErrorCodeForbidden          = "forbidden"
	ErrorCodeChallengeFailed    = "challenge_failed"
	ErrorCodeServiceUnavailable = "service_unavailable"
	ErrorCodeInvalidInput       = "invalid_input"
)

// GateError is the response a rejected request receives.
// Descriptions are deliberately generic; the specific reason is only logged.
type GateError struct {
	Code        string        // Machine-readable error code
	Description string        // Human-readable error description
	Status      int           // HTTP status code
	RetryAfter  time.Duration // Sent as Retry-After when positive
}

// Error implements the error interface
func (e *GateError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewGateError creates a new gateway error
func NewGateError(code, description string, status int) *GateError {
	return &GateError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Common gateway errors
var (
	// ErrRateLimited indicates the route budget of the client is used up
	ErrRateLimited = func(retryAfter time.Duration) *GateError {
		e := NewGateError(ErrorCodeRateLimited, "Too many requests. Please try again later.", http.StatusTooManyRequests)
		e.RetryAfter = retryAfter
		return e
	}

	// ErrUsageLimited indicates the hourly usage budget is used up
	ErrUsageLimited = func(retryAfter time.Duration) *GateError {
		e := NewGateError(ErrorCodeUsageLimited, "Usage limit reached. Please try again later.", http.StatusTooManyRequests)
		e.RetryAfter = retryAfter
		return e
	}

	// ErrLockedOut indicates the client IP is locked after repeated login failures
	ErrLockedOut = func(retryAfter time.Duration) *GateError {
		e := NewGateError(ErrorCodeLockedOut, "Too many failed attempts. Please try again later.", http.StatusTooManyRequests)
		e.RetryAfter = retryAfter
		return e
	}

	// ErrInvalidSignature covers every request signing failure
	ErrInvalidSignature = func() *GateError {
		return NewGateError(ErrorCodeInvalidSignature, "Request could not be authenticated.", http.StatusUnauthorized)
	}

	// ErrCSRFFailed indicates a missing or wrong CSRF token
	ErrCSRFFailed = func() *GateError {
		return NewGateError(ErrorCodeCSRFFailed, "Invalid CSRF token.", http.StatusForbidden)
	}

	// ErrForbidden indicates a blocked request path
	ErrForbidden = func() *GateError {
		return NewGateError(ErrorCodeForbidden, "Forbidden.", http.StatusForbidden)
	}

	// ErrChallengeFailed indicates a failed anti-bot challenge
	ErrChallengeFailed = func() *GateError {
		return NewGateError(ErrorCodeChallengeFailed, "Bot verification failed.", http.StatusForbidden)
	}

	// ErrInvalidInput indicates a request field matched an injection pattern
	ErrInvalidInput = func() *GateError {
		return NewGateError(ErrorCodeInvalidInput, "Request contains invalid input.", http.StatusBadRequest)
	}

	// ErrServiceUnavailable indicates a required check could not run
	ErrServiceUnavailable = func() *GateError {
		return NewGateError(ErrorCodeServiceUnavailable, "Service temporarily unavailable.", http.StatusServiceUnavailable)
	}
)

// WriteError writes e as a JSON error response.
func WriteError(w http.ResponseWriter, e *GateError) {
	security.SetNoStore(w)
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(security.RetryAfterSeconds(e.RetryAfter), 10))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             e.Code,
		"error_description": e.Description,
	})
}
