package security

import (
	"context"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/google/uuid"
)

// requestIDContextKey is the context key for storing request IDs
type requestIDContextKey struct{}

const (
	// RequestIDHeader is the HTTP header for request IDs
	RequestIDHeader = "X-Request-ID"

	// cfRayHeader is set by Cloudflare on every proxied request and is used
	// as the correlation ID when no X-Request-ID is supplied.
	cfRayHeader = "CF-Ray"
)

// requestIDPattern validates request IDs to prevent header injection attacks.
// Allows: alphanumeric, hyphens, underscores (1-128 chars).
var requestIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,128}$`)

// GenerateRequestID returns a random (version 4) UUID string.
func GenerateRequestID() string {
	return uuid.NewString()
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDContextKey{}, requestID)
}

// GetRequestID retrieves the request ID from the context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(requestIDContextKey{}).(string); ok {
		return requestID
	}
	return ""
}

// RequestLogger returns logger annotated with the request ID carried by ctx.
func RequestLogger(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	if requestID := GetRequestID(ctx); requestID != "" {
		return logger.With("request_id", requestID)
	}
	return logger
}

// isValidRequestID reports whether an upstream ID is safe to echo in headers
// and logs (no CRLF, bounded length).
func isValidRequestID(requestID string) bool {
	return requestIDPattern.MatchString(requestID)
}

// upstreamRequestID returns the first valid correlation ID supplied by a proxy.
func upstreamRequestID(r *http.Request) string {
	for _, header := range []string{RequestIDHeader, cfRayHeader} {
		if id := r.Header.Get(header); id != "" && isValidRequestID(id) {
			return id
		}
	}
	return ""
}

// RequestIDMiddleware is HTTP middleware that generates and propagates request IDs.
//
// Security behavior:
//   - Preserves valid request IDs (X-Request-ID, then CF-Ray) from upstream proxies
//   - Validates upstream IDs to prevent header injection attacks (CRLF, DoS)
//   - Generates a new ID if upstream IDs are missing or invalid
//   - Adds request ID to response headers for end-to-end correlation
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := upstreamRequestID(r)
		if requestID == "" {
			requestID = GenerateRequestID()
		}

		w.Header().Set(RequestIDHeader, requestID)
		next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), requestID)))
	})
}
