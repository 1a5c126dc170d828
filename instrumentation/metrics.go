package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the gateway
type Metrics struct {
	// HTTP Layer Metrics
	RequestsTotal   metric.Int64Counter
	RequestDuration metric.Float64Histogram

	// Security Metrics
	RateLimitExceeded metric.Int64Counter
	LoginFailures     metric.Int64Counter
	LockoutsTriggered metric.Int64Counter
	SignatureRejected metric.Int64Counter
	CSRFRejected      metric.Int64Counter
	AntiBotRejected   metric.Int64Counter
	PathsBlocked      metric.Int64Counter
	InputRejected     metric.Int64Counter

	// Storage Metrics
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StoreEntries             metric.Int64ObservableGauge

	// Audit Metrics
	AuditEventsTotal metric.Int64Counter
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	httpMeter := inst.Meter("http")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")

	var err error
	m.RequestsTotal, err = httpMeter.Int64Counter(
		"gate.requests.total",
		metric.WithDescription("Total number of requests evaluated by the gateway"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create requests.total counter: %w", err)
	}

	m.RequestDuration, err = httpMeter.Float64Histogram(
		"gate.request.duration",
		metric.WithDescription("Request duration in milliseconds; allowed requests include the wrapped handler"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request.duration histogram: %w", err)
	}

	m.RateLimitExceeded, err = securityMeter.Int64Counter(
		"gate.rate_limit.exceeded",
		metric.WithDescription("Number of requests denied by a rate or usage limit"),
		metric.WithUnit("{violation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate_limit.exceeded counter: %w", err)
	}

	m.LoginFailures, err = securityMeter.Int64Counter(
		"gate.login.failures",
		metric.WithDescription("Number of failed login attempts recorded"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create login.failures counter: %w", err)
	}

	m.LockoutsTriggered, err = securityMeter.Int64Counter(
		"gate.lockouts.triggered",
		metric.WithDescription("Number of brute-force lockouts started"),
		metric.WithUnit("{lockout}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create lockouts.triggered counter: %w", err)
	}

	m.SignatureRejected, err = securityMeter.Int64Counter(
		"gate.signature.rejected",
		metric.WithDescription("Number of requests rejected by signature verification"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create signature.rejected counter: %w", err)
	}

	m.CSRFRejected, err = securityMeter.Int64Counter(
		"gate.csrf.rejected",
		metric.WithDescription("Number of requests rejected by CSRF verification"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create csrf.rejected counter: %w", err)
	}

	m.AntiBotRejected, err = securityMeter.Int64Counter(
		"gate.antibot.rejected",
		metric.WithDescription("Number of requests rejected by the anti-bot challenge"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create antibot.rejected counter: %w", err)
	}

	m.PathsBlocked, err = securityMeter.Int64Counter(
		"gate.paths.blocked",
		metric.WithDescription("Number of requests to known exploit paths"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create paths.blocked counter: %w", err)
	}

	m.InputRejected, err = securityMeter.Int64Counter(
		"gate.input.rejected",
		metric.WithDescription("Number of request fields rejected by injection patterns"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create input.rejected counter: %w", err)
	}

	m.StorageOperationTotal, err = storageMeter.Int64Counter(
		"gate.store.operation.total",
		metric.WithDescription("Total number of store operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create store.operation.total counter: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"gate.store.operation.duration",
		metric.WithDescription("Store operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create store.operation.duration histogram: %w", err)
	}

	m.StoreEntries, err = storageMeter.Int64ObservableGauge(
		"gate.store.entries",
		metric.WithDescription("Current number of entries per store"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create store.entries gauge: %w", err)
	}

	m.AuditEventsTotal, err = securityMeter.Int64Counter(
		"gate.audit.events.total",
		metric.WithDescription("Total number of security audit events"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit.events.total counter: %w", err)
	}

	return m, nil
}

// Helper methods for common metric recording patterns

// RecordRequest records a request evaluated by the gateway.
// outcome is "allowed" or the rejection code.
func (m *Metrics) RecordRequest(ctx context.Context, route, outcome string, statusCode int, durationMs float64) {
	m.RequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("route", route),
		attribute.String("outcome", outcome),
		attribute.Int("status", statusCode),
	))
	m.RequestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("route", route)))
}

// RecordRateLimitExceeded records a rate limit violation.
// limiterType is "route" or "usage".
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType, route string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("limiter_type", limiterType),
		attribute.String("route", route),
	))
}

// RecordLoginFailure records a failed login attempt
func (m *Metrics) RecordLoginFailure(ctx context.Context) {
	m.LoginFailures.Add(ctx, 1)
}

// RecordLockout records the start of a brute-force lockout
func (m *Metrics) RecordLockout(ctx context.Context) {
	m.LockoutsTriggered.Add(ctx, 1)
}

// RecordSignatureRejected records a signature verification failure by reason
func (m *Metrics) RecordSignatureRejected(ctx context.Context, reason string) {
	m.SignatureRejected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// RecordCSRFRejected records a CSRF verification failure
func (m *Metrics) RecordCSRFRejected(ctx context.Context) {
	m.CSRFRejected.Add(ctx, 1)
}

// RecordAntiBotRejected records an anti-bot challenge failure
func (m *Metrics) RecordAntiBotRejected(ctx context.Context, reason string) {
	m.AntiBotRejected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// RecordPathBlocked records a request to a blocked exploit path
func (m *Metrics) RecordPathBlocked(ctx context.Context) {
	m.PathsBlocked.Add(ctx, 1)
}

// RecordInputRejected records a rejected request field.
// category is "sql_injection" or "xss".
func (m *Metrics) RecordInputRejected(ctx context.Context, category string) {
	m.InputRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("category", category)))
}

// RecordStorageOperation records a store operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, store, operation, result string, durationMs float64) {
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("store", store),
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("store", store),
		attribute.String("operation", operation),
	))
}

// RecordAuditEvent records an audit event
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType, severity string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("severity", severity),
	))
}
