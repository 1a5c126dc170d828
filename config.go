package gate

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tourmarket/requestgate/security"
	"github.com/tourmarket/requestgate/storage"
)

// Store backends accepted by StoreConfig.Backend.
const (
	StoreBackendMemory = "memory"
	StoreBackendValkey = "valkey"
	StoreBackendRedis  = "redis"
)

const (
	// DefaultSessionCookie carries the session CSRF tokens are bound to.
	DefaultSessionCookie = "session_id"

	// DefaultSessionHeader names the session for clients without cookies.
	// It is ignored when the cookie is present.
	DefaultSessionHeader = "X-Session-ID"
)

// Config holds the gateway configuration.
// Structured using composition; every sub-config has secure defaults.
type Config struct {
	// Proxy controls which peers may supply forwarding headers.
	Proxy ProxyConfig

	// RateLimit overrides per-route budgets of the policy table.
	RateLimit RateLimitConfig

	// BruteForce configures the login lockout.
	BruteForce BruteForceConfig

	// Signing configures HMAC request signing.
	Signing SigningConfig

	// CSRF configures session-bound CSRF tokens.
	CSRF CSRFConfig

	// Usage configures the per-user budget on expensive routes.
	Usage UsageConfig

	// AntiBot configures Cloudflare Turnstile verification.
	AntiBot AntiBotConfig

	// Store selects the state backend.
	Store StoreConfig

	// Audit configures security event logging.
	Audit AuditConfig

	// Instrumentation configures OpenTelemetry metrics and traces.
	Instrumentation InstrumentationConfig

	// Policies is the route policy table. Nil selects DefaultPolicies().
	Policies []RoutePolicy

	// Input configures the injection pattern check of ValidateInput.
	Input InputConfig

	// BlockedPaths are exploit-probe patterns. Nil selects
	// security.DefaultBlockedPathPatterns; an empty slice disables blocking.
	BlockedPaths []string

	// HSTS adds Strict-Transport-Security to every response.
	HSTS bool

	// UserID extracts the authenticated user from a request.
	// Default: the value stored with WithUserID, if any.
	UserID func(r *http.Request) string

	// SessionID extracts the session a CSRF token is bound to.
	// Default: the session_id cookie; the X-Session-ID header only when there
	// is no cookie. A header naming another session than the cookie yields "".
	SessionID func(r *http.Request) string

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// ProxyConfig holds client IP resolution settings
type ProxyConfig struct {
	// TrustedProxies lists CIDR prefixes whose forwarding headers are believed.
	// Nil selects security.DefaultTrustedProxies; an empty slice trusts no one.
	TrustedProxies []string
}

// RateLimitConfig holds route rate limiting settings
type RateLimitConfig struct {
	// Disabled turns off route rate limiting entirely.
	// WARNING: Leaves every route open to request floods.
	Disabled bool

	// Overrides replaces the budget of the named policies.
	Overrides map[string]security.Budget
}

// BruteForceConfig holds login lockout settings
type BruteForceConfig struct {
	// Threshold is the number of failures that locks an IP (default: 5).
	Threshold int

	// LockoutDuration is how long a lockout lasts (default: 15 minutes).
	LockoutDuration time.Duration

	// CounterTTL is how long failures are remembered (default: 1 hour).
	CounterTTL time.Duration
}

// SigningConfig holds request signing settings
type SigningConfig struct {
	// Secret is the shared HMAC key.
	// WARNING: Empty disables signature, timestamp and nonce checks.
	Secret string

	// Tolerance is the accepted clock skew (default: 60 seconds).
	Tolerance time.Duration

	// NonceTTL is how long consumed nonces are remembered (default: 120 seconds).
	NonceTTL time.Duration

	// ExemptPaths and ExemptReadPrefixes default to the security package lists.
	ExemptPaths        []string
	ExemptReadPrefixes []string

	// MaxBodyBytes bounds the body hashed for a signature (default: 10 MiB).
	MaxBodyBytes int64
}

// CSRFConfig holds CSRF token settings
type CSRFConfig struct {
	// TokenTTL is the lifetime of an issued token (default: 1 hour).
	TokenTTL time.Duration
}

// UsageConfig holds per-user budgets for expensive routes
type UsageConfig struct {
	// Authenticated applies to requests with a user ID (default: 100/hour).
	Authenticated security.Budget

	// Anonymous applies per IP to requests without one (default: 20/hour).
	Anonymous security.Budget
}

// AntiBotConfig holds Cloudflare Turnstile settings
type AntiBotConfig struct {
	// TurnstileSecret is the Turnstile secret key.
	// WARNING: Empty disables the challenge on login.
	TurnstileSecret string

	// VerifyURL overrides the siteverify endpoint.
	VerifyURL string

	// FailOpen admits requests when Turnstile cannot be reached.
	// WARNING: An outage of the provider disables bot protection.
	FailOpen bool

	// HTTPClient is used for siteverify calls (default: 10 second timeout).
	HTTPClient *http.Client
}

// InputConfig holds the injection pattern lists
type InputConfig struct {
	// SQLInjection and XSS are case-insensitive regular expressions.
	// Nil selects the security package defaults; an empty slice disables the category.
	SQLInjection []string
	XSS          []string
}

// StoreConfig holds state backend settings
type StoreConfig struct {
	// Backend is "memory" (default), "valkey" or "redis".
	Backend string

	// Address, Password, DB and KeyPrefix configure shared backends.
	Address   string
	Password  string
	DB        int
	KeyPrefix string

	// FailOpen serves from per-process memory while a shared backend fails.
	// WARNING: Lockouts, nonces and limits stop being shared while degraded.
	// When false, store failures reject requests with 503.
	FailOpen bool

	// Open builds each named store itself and takes precedence over Backend.
	// Mostly useful in tests.
	Open func(name string, defaultTTL time.Duration) (storage.Store, error)
}

// AuditConfig holds security audit settings
type AuditConfig struct {
	// Disabled turns off audit logging.
	Disabled bool

	// MaskIPs masks client addresses in audit records.
	MaskIPs bool

	// Reporter receives critical events, e.g. an error tracker.
	Reporter security.Reporter
}

// InstrumentationConfig holds OpenTelemetry settings
type InstrumentationConfig struct {
	// Enabled activates metrics and traces. When false, no-op providers are used.
	Enabled bool

	ServiceName    string
	ServiceVersion string

	// MetricsExporter selects the exporter ("prometheus" or empty).
	MetricsExporter string

	// PrometheusRegisterer receives the exporter's collector.
	// Defaults to prometheus.DefaultRegisterer, which promhttp.Handler() serves.
	PrometheusRegisterer prometheus.Registerer

	// LogClientIPs adds client addresses to spans.
	LogClientIPs bool
}

// applyDefaults fills zero values with secure defaults and logs warnings for
// settings that weaken protection.
func (c *Config) applyDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Policies == nil {
		c.Policies = DefaultPolicies()
	}
	if c.UserID == nil {
		c.UserID = func(r *http.Request) string { return UserIDFromContext(r.Context()) }
	}
	if c.SessionID == nil {
		c.SessionID = defaultSessionID
	}

	if c.BruteForce.Threshold == 0 {
		c.BruteForce.Threshold = security.DefaultLockoutThreshold
	}
	if c.BruteForce.LockoutDuration == 0 {
		c.BruteForce.LockoutDuration = security.DefaultLockoutDuration
	}
	if c.BruteForce.CounterTTL == 0 {
		c.BruteForce.CounterTTL = security.DefaultFailureCounterTTL
	}
	if c.Signing.Tolerance == 0 {
		c.Signing.Tolerance = security.DefaultTimestampTolerance
	}
	if c.Signing.NonceTTL == 0 {
		c.Signing.NonceTTL = security.DefaultNonceTTL
	}
	if c.CSRF.TokenTTL == 0 {
		c.CSRF.TokenTTL = security.DefaultCSRFTokenTTL
	}
	if c.Usage.Authenticated.IsZero() {
		c.Usage.Authenticated = security.DefaultAuthenticatedUsage
	}
	if c.Usage.Anonymous.IsZero() {
		c.Usage.Anonymous = security.DefaultAnonymousUsage
	}
	if c.Store.Backend == "" {
		c.Store.Backend = StoreBackendMemory
	}

	for i := range c.Policies {
		if b, ok := c.RateLimit.Overrides[c.Policies[i].Name]; ok {
			c.Policies[i].RateLimit = b
		}
	}

	c.logSecurityWarnings()
}

// logSecurityWarnings logs warnings for configuration that weakens protection
func (c *Config) logSecurityWarnings() {
	if c.Signing.Secret == "" {
		c.Logger.Warn("⚠️  SECURITY WARNING: Request signing is DISABLED",
			"risk", "Replayed and forged mutating requests are accepted",
			"recommendation", "Set Signing.Secret (GATE_SIGNING_SECRET)")
	}
	if c.AntiBot.TurnstileSecret == "" {
		c.Logger.Warn("⚠️  SECURITY WARNING: Turnstile verification is DISABLED",
			"risk", "Automated credential stuffing is only slowed by the lockout",
			"recommendation", "Set AntiBot.TurnstileSecret (GATE_TURNSTILE_SECRET)")
	}
	if c.AntiBot.FailOpen {
		c.Logger.Warn("⚠️  SECURITY NOTICE: Turnstile fails OPEN",
			"risk", "A Turnstile outage disables bot protection")
	}
	if c.Store.FailOpen && c.Store.Backend != StoreBackendMemory {
		c.Logger.Warn("⚠️  SECURITY NOTICE: Shared store fails OPEN",
			"risk", "Lockouts and nonces become per-process while the store is down")
	}
	if c.RateLimit.Disabled {
		c.Logger.Warn("⚠️  SECURITY WARNING: Route rate limiting is DISABLED",
			"risk", "Request floods reach handlers unthrottled")
	}
	if c.Proxy.TrustedProxies == nil {
		c.Logger.Info("Using default trusted proxy ranges (private networks, Cloudflare, Vercel)")
	}
}

// Validate reports configuration errors that would make the gateway unsafe
// or unable to start.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Backend {
	case "", StoreBackendMemory:
	case StoreBackendValkey, StoreBackendRedis:
		if c.Store.Address == "" && c.Store.Open == nil {
			errs = append(errs, fmt.Errorf("store: %s backend requires an address", c.Store.Backend))
		}
	default:
		errs = append(errs, fmt.Errorf("store: unknown backend %q", c.Store.Backend))
	}

	if c.BruteForce.Threshold < 0 {
		errs = append(errs, errors.New("brute force: threshold must not be negative"))
	}
	if c.BruteForce.LockoutDuration < 0 || c.BruteForce.CounterTTL < 0 {
		errs = append(errs, errors.New("brute force: durations must not be negative"))
	}
	if c.Signing.Tolerance < 0 || c.Signing.NonceTTL < 0 {
		errs = append(errs, errors.New("signing: durations must not be negative"))
	}
	if c.Signing.Secret != "" && c.Signing.NonceTTL > 0 && c.Signing.NonceTTL < 2*c.Signing.Tolerance {
		errs = append(errs, fmt.Errorf("signing: nonce TTL %v must cover twice the timestamp tolerance %v",
			c.Signing.NonceTTL, c.Signing.Tolerance))
	}
	if c.CSRF.TokenTTL < 0 {
		errs = append(errs, errors.New("csrf: token TTL must not be negative"))
	}

	for _, b := range []security.Budget{c.Usage.Authenticated, c.Usage.Anonymous} {
		if !b.IsZero() && (b.Limit <= 0 || b.Window <= 0) {
			errs = append(errs, fmt.Errorf("usage: invalid budget %v", b))
		}
	}

	names := make(map[string]bool, len(c.Policies))
	for _, p := range c.Policies {
		if err := p.validate(); err != nil {
			errs = append(errs, err)
		}
		if names[p.Name] {
			errs = append(errs, fmt.Errorf("policy %q: duplicate name", p.Name))
		}
		names[p.Name] = true
	}
	for name := range c.RateLimit.Overrides {
		if c.Policies != nil && !names[name] {
			errs = append(errs, fmt.Errorf("rate limit override for unknown policy %q", name))
		}
	}

	return errors.Join(errs...)
}

// defaultSessionID returns the session the request is authenticated with.
// A token is only ever checked against that session, never one the client
// names separately.
func defaultSessionID(r *http.Request) string {
	header := r.Header.Get(DefaultSessionHeader)
	c, err := r.Cookie(DefaultSessionCookie)
	if err != nil || c.Value == "" {
		return header
	}
	if header != "" && header != c.Value {
		return ""
	}
	return c.Value
}
