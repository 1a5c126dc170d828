package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys
//
// SECURITY WARNING: Never put signing secrets, CSRF tokens, nonces or session
// identifiers in traces. Only record metadata such as the matched route,
// the decision and the rejection reason.
const (
	// Gateway attributes
	AttrRoute        = "gate.route"         // Matched policy name
	AttrDecision     = "gate.decision"      // "allowed" or "rejected"
	AttrRejectReason = "gate.reject_reason" // Rejection code
	AttrLimiterType  = "gate.limiter_type"  // "route" or "usage"
	AttrRetryAfter   = "gate.retry_after_s" // Seconds until the client may retry
	AttrRequestID    = "gate.request_id"    // Correlation ID

	// Storage attributes
	AttrStorageName      = "storage.name"
	AttrStorageOperation = "storage.operation"
	AttrStorageResult    = "storage.result"

	// Security attributes
	AttrClientIP       = "security.client_ip"
	AttrAuditEventType = "security.audit.event_type"

	// HTTP attributes (in addition to standard semantic conventions)
	AttrHTTPPath       = "http.path"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError sets an error status on a span (nil-safe)
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddDecisionAttributes records the gateway decision on a span (nil-safe).
// reason is ignored when empty.
func AddDecisionAttributes(span trace.Span, route, decision, reason string) {
	SetSpanAttributes(span,
		attribute.String(AttrRoute, route),
		attribute.String(AttrDecision, decision),
	)
	if reason != "" {
		SetSpanAttributes(span, attribute.String(AttrRejectReason, reason))
	}
}

// AddStorageAttributes adds store operation attributes to a span (nil-safe)
func AddStorageAttributes(span trace.Span, name, operation string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageName, name),
		attribute.String(AttrStorageOperation, operation),
	)
}

// AddHTTPAttributes adds HTTP request attributes to a span (nil-safe)
func AddHTTPAttributes(span trace.Span, method, path string, statusCode int) {
	SetSpanAttributes(span,
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPPath, path),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
}

// AddSecurityAttributes adds the client IP to a span (nil-safe)
//
// PRIVACY NOTE: Client IP addresses may be considered personal data.
// Check ShouldLogClientIPs() before calling this function.
func AddSecurityAttributes(span trace.Span, clientIP string) {
	if clientIP != "" {
		SetSpanAttributes(span, attribute.String(AttrClientIP, clientIP))
	}
}
