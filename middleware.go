package gate

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tourmarket/requestgate/instrumentation"
	"github.com/tourmarket/requestgate/security"
)

type identityContextKey struct{}

type userIDContextKey struct{}

// IdentityFromContext returns the client identity resolved by the middleware.
func IdentityFromContext(ctx context.Context) (security.ClientIdentity, bool) {
	id, ok := ctx.Value(identityContextKey{}).(security.ClientIdentity)
	return id, ok
}

// WithUserID attaches the authenticated user to ctx. An authentication layer
// running before the gateway middleware uses it so usage is charged per user.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey{}, userID)
}

// UserIDFromContext returns the user attached with WithUserID, or "".
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDContextKey{}).(string); ok {
		return v
	}
	return ""
}

// Handler runs the gateway checks in front of an http.Handler.
type Handler struct {
	gw      *Gateway
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *instrumentation.Metrics
}

func newHandler(gw *Gateway) *Handler {
	return &Handler{
		gw:      gw,
		logger:  gw.logger,
		tracer:  gw.inst.Tracer("http"),
		metrics: gw.inst.Metrics(),
	}
}

// rejection is a failed check: the response to send and the reason to log.
type rejection struct {
	err    *GateError
	reason string
}

// Middleware wraps next with, in order: request ID, security headers,
// exploit-path blocking, identity resolution, route rate limiting, request
// signature, login lockout, CSRF, anti-bot challenge and usage limiting.
// Any failing check answers the request itself; store failures answer 503.
func (h *Handler) Middleware(next http.Handler) http.Handler {
	guarded := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := h.gw.config.Clock()
		ctx, span := h.tracer.Start(r.Context(), "gate.request")
		defer span.End()

		policy := h.gw.policies.Match(r.Method, r.URL.Path)
		route := DefaultPolicyName
		if policy != nil {
			route = policy.Name
		}
		instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrRequestID, security.GetRequestID(ctx)))

		r = r.WithContext(ctx)
		r, rej := h.evaluate(r, policy, route)

		if rej != nil {
			security.RequestLogger(ctx, h.logger).Warn("Request rejected",
				"route", route,
				"method", r.Method,
				"path", r.URL.Path,
				"status", rej.err.Status,
				"reason", rej.reason)
			instrumentation.AddDecisionAttributes(span, route, "rejected", rej.reason)
			instrumentation.AddHTTPAttributes(span, r.Method, r.URL.Path, rej.err.Status)
			instrumentation.SetSpanError(span, rej.reason)
			h.metrics.RecordRequest(ctx, route, "rejected", rej.err.Status, h.elapsedMs(start))
			WriteError(w, rej.err)
			return
		}

		instrumentation.AddDecisionAttributes(span, route, "allowed", "")
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		instrumentation.AddHTTPAttributes(span, r.Method, r.URL.Path, rec.status)
		h.metrics.RecordRequest(r.Context(), route, "allowed", rec.status, h.elapsedMs(start))
	})

	return security.RequestIDMiddleware(
		security.SecurityHeadersMiddleware(h.gw.config.HSTS)(guarded))
}

// elapsedMs is the time since start on the gateway clock. For allowed
// requests it is taken after the wrapped handler returns.
func (h *Handler) elapsedMs(start time.Time) float64 {
	return float64(h.gw.config.Clock().Sub(start).Microseconds()) / 1000.0
}

// evaluate runs every check that applies to r and returns the request to pass
// on, which carries the resolved identity in its context.
func (h *Handler) evaluate(r *http.Request, policy *RoutePolicy, route string) (*http.Request, *rejection) {
	ctx := r.Context()

	if pattern, blocked := h.gw.blocker.Blocked(r.URL.Path); blocked {
		ip := h.gw.resolver.ClientIP(r)
		h.gw.auditor.LogPathBlocked(ctx, ip, r.URL.Path)
		h.metrics.RecordPathBlocked(ctx)
		return r, &rejection{err: ErrForbidden(), reason: "blocked_path:" + pattern}
	}

	identity := h.gw.resolver.Resolve(r)
	ctx = context.WithValue(ctx, identityContextKey{}, identity)
	r = r.WithContext(ctx)
	if h.gw.inst.ShouldLogClientIPs() {
		instrumentation.AddSecurityAttributes(trace.SpanFromContext(ctx), identity.IP)
	}

	checks := []func(*http.Request, *RoutePolicy, string, security.ClientIdentity) *rejection{
		h.checkRateLimit,
		h.checkSignature,
	}
	if policy != nil {
		checks = append(checks, h.checkLockout, h.checkCSRF, h.checkAntiBot, h.checkUsage)
	}
	for _, check := range checks {
		if rej := check(r, policy, route, identity); rej != nil {
			return r, rej
		}
	}
	return r, nil
}

func (h *Handler) storeFailure(ctx context.Context, ip, component string, err error) *rejection {
	h.logger.Error("Gateway check failed, rejecting request",
		"component", component,
		"error", err)
	h.gw.auditor.LogStoreUnavailable(ctx, ip, component, err)
	return &rejection{err: ErrServiceUnavailable(), reason: component + "_unavailable"}
}

func (h *Handler) checkRateLimit(r *http.Request, policy *RoutePolicy, route string, id security.ClientIdentity) *rejection {
	if policy == nil || policy.RateLimit.IsZero() || h.gw.config.RateLimit.Disabled {
		return nil
	}
	ctx := r.Context()
	d, err := h.gw.rateLimiter.Check(ctx, route, id.Key(), policy.RateLimit)
	if err != nil {
		return h.storeFailure(ctx, id.IP, "rate_limiter", err)
	}
	if !d.Allowed {
		h.gw.auditor.LogRateLimitExceeded(ctx, id.IP, h.gw.config.UserID(r), route, "route")
		h.metrics.RecordRateLimitExceeded(ctx, "route", route)
		return &rejection{err: ErrRateLimited(d.RetryAfter), reason: "rate_limited"}
	}
	return nil
}

func (h *Handler) checkSignature(r *http.Request, _ *RoutePolicy, _ string, id security.ClientIdentity) *rejection {
	err := h.gw.signatures.VerifyHTTP(r)
	if err == nil {
		return nil
	}
	ctx := r.Context()
	reason := security.SignatureRejectReason(err)
	if reason == "internal_error" {
		return h.storeFailure(ctx, id.IP, "signature_verifier", err)
	}
	h.gw.auditor.LogSignatureRejected(ctx, id.IP, r.Method, r.URL.Path, reason)
	h.metrics.RecordSignatureRejected(ctx, reason)
	return &rejection{err: ErrInvalidSignature(), reason: reason}
}

func (h *Handler) checkLockout(r *http.Request, policy *RoutePolicy, _ string, id security.ClientIdentity) *rejection {
	if !policy.BruteForce {
		return nil
	}
	ctx := r.Context()
	err := h.gw.guard.Check(ctx, id.IP)
	if err == nil {
		return nil
	}
	var locked *security.LockedOutError
	if errors.As(err, &locked) {
		h.metrics.RecordRateLimitExceeded(ctx, "lockout", policy.Name)
		return &rejection{err: ErrLockedOut(locked.RetryAfter), reason: "locked_out"}
	}
	return h.storeFailure(ctx, id.IP, "brute_force_guard", err)
}

func (h *Handler) checkCSRF(r *http.Request, policy *RoutePolicy, _ string, id security.ClientIdentity) *rejection {
	if !policy.CSRF || !security.RequiresCSRF(r.Method) {
		return nil
	}
	ctx := r.Context()
	sessionID := h.gw.config.SessionID(r)
	valid, err := h.gw.csrf.VerifyRequest(r, sessionID)
	if err != nil {
		return h.storeFailure(ctx, id.IP, "csrf", err)
	}
	if !valid {
		h.gw.auditor.LogCSRFRejected(ctx, id.IP, sessionID, r.URL.Path)
		h.metrics.RecordCSRFRejected(ctx)
		return &rejection{err: ErrCSRFFailed(), reason: "csrf_invalid"}
	}
	return nil
}

func (h *Handler) checkAntiBot(r *http.Request, policy *RoutePolicy, _ string, id security.ClientIdentity) *rejection {
	if !policy.AntiBot {
		return nil
	}
	ctx := r.Context()
	err := h.gw.antiBot.Verify(ctx, r.Header.Get(security.TurnstileHeader), id.IP)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, security.ErrAntiBotFailed):
		h.metrics.RecordAntiBotRejected(ctx, "failed")
		return &rejection{err: ErrChallengeFailed(), reason: "turnstile_failed"}
	default:
		h.metrics.RecordAntiBotRejected(ctx, "unavailable")
		h.logger.Error("Turnstile unavailable, rejecting request", "error", err)
		return &rejection{err: ErrServiceUnavailable(), reason: "turnstile_unavailable"}
	}
}

func (h *Handler) checkUsage(r *http.Request, policy *RoutePolicy, route string, id security.ClientIdentity) *rejection {
	if !policy.Usage {
		return nil
	}
	ctx := r.Context()
	userID := h.gw.config.UserID(r)
	d, err := h.gw.CheckUsage(ctx, userID, id.IP)
	if err != nil {
		return h.storeFailure(ctx, id.IP, "usage_limiter", err)
	}
	if !d.Allowed {
		h.gw.auditor.LogRateLimitExceeded(ctx, id.IP, userID, route, "usage")
		h.metrics.RecordRateLimitExceeded(ctx, "usage", route)
		return &rejection{err: ErrUsageLimited(d.RetryAfter), reason: "usage_limited"}
	}
	return nil
}

// statusRecorder captures the status code written by the wrapped handler.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wroteHeader {
		s.status = code
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}
