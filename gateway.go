package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/tourmarket/requestgate/instrumentation"
	"github.com/tourmarket/requestgate/security"
	"github.com/tourmarket/requestgate/storage"
	"github.com/tourmarket/requestgate/storage/fallback"
	"github.com/tourmarket/requestgate/storage/memory"
	"github.com/tourmarket/requestgate/storage/redis"
	"github.com/tourmarket/requestgate/storage/valkey"
)

// Named stores and their in-process capacity and default TTL.
const (
	storeFailedLogins = "failed_logins"
	storeLockouts     = "lockouts"
	storeNonces       = "nonces"
	storeCSRFTokens   = "csrf_tokens"
	storeUsage        = "usage"
	storeRateWindows  = "rate_windows"
)

type storeSpec struct {
	name       string
	maxEntries int
	ttl        time.Duration
}

// Gateway owns the state stores and the checks built on them. Create it with
// New and release it with Stop.
type Gateway struct {
	config *Config
	logger *slog.Logger

	resolver    *security.Resolver
	policies    *PolicyTable
	blocker     *security.PathBlocker
	rateLimiter *security.RateLimiter
	guard       *security.BruteForceGuard
	signatures  *security.SignatureVerifier
	csrf        *security.CSRFManager
	usage       *security.UsageLimiter
	antiBot     *security.TurnstileVerifier
	inputs      *security.InputValidator
	auditor     *security.Auditor
	inst        *instrumentation.Instrumentation

	stores   []storage.Store
	closers  []func()
	stopOnce sync.Once
}

// New validates cfg, opens the configured stores and builds every check.
func New(cfg Config) (*Gateway, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid gateway config: %w", err)
	}

	g := &Gateway{
		config:   &cfg,
		logger:   cfg.Logger,
		policies: NewPolicyTable(cfg.Policies),
		blocker:  security.NewPathBlocker(cfg.BlockedPaths),
	}

	ok := false
	defer func() {
		if !ok {
			g.Stop()
		}
	}()

	inst, err := instrumentation.New(instrumentation.Config{
		Enabled:              cfg.Instrumentation.Enabled,
		ServiceName:          cfg.Instrumentation.ServiceName,
		ServiceVersion:       cfg.Instrumentation.ServiceVersion,
		MetricsExporter:      cfg.Instrumentation.MetricsExporter,
		PrometheusRegisterer: cfg.Instrumentation.PrometheusRegisterer,
		LogClientIPs:         cfg.Instrumentation.LogClientIPs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create instrumentation: %w", err)
	}
	g.inst = inst
	g.closers = append(g.closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := inst.Shutdown(ctx); err != nil {
			g.logger.Warn("Instrumentation shutdown failed", "error", err)
		}
	})

	g.auditor = security.NewAuditorWithConfig(security.AuditorConfig{
		Logger:   cfg.Logger,
		Enabled:  !cfg.Audit.Disabled,
		MaskIPs:  cfg.Audit.MaskIPs,
		Reporter: cfg.Audit.Reporter,
		Metrics:  inst.Metrics(),
	})

	if g.resolver, err = security.NewResolver(cfg.Proxy.TrustedProxies); err != nil {
		return nil, fmt.Errorf("invalid trusted proxies: %w", err)
	}
	if g.inputs, err = security.NewInputValidator(cfg.Input.SQLInjection, cfg.Input.XSS); err != nil {
		return nil, fmt.Errorf("invalid input patterns: %w", err)
	}

	open, err := g.storeOpener()
	if err != nil {
		return nil, err
	}
	stores := make(map[string]storage.Store)
	for _, spec := range []storeSpec{
		{storeFailedLogins, 10000, cfg.BruteForce.CounterTTL},
		{storeLockouts, 1000, cfg.BruteForce.LockoutDuration},
		{storeNonces, 50000, cfg.Signing.NonceTTL},
		{storeCSRFTokens, 10000, cfg.CSRF.TokenTTL},
		{storeUsage, 10000, time.Hour},
		{storeRateWindows, 50000, time.Hour},
	} {
		s, err := open(spec)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s store: %w", spec.name, err)
		}
		g.stores = append(g.stores, s)
		g.registerStoreSize(spec.name, s)
		stores[spec.name] = storage.Instrument(s, spec.name, g.instrumentedOrNil())
	}

	g.rateLimiter = security.NewRateLimiter(stores[storeRateWindows], cfg.Logger)
	g.usage = security.NewUsageLimiter(stores[storeUsage], cfg.Logger)
	g.csrf = security.NewCSRFManager(stores[storeCSRFTokens], cfg.CSRF.TokenTTL, cfg.Logger)

	g.guard, err = security.NewBruteForceGuard(security.BruteForceConfig{
		Counters:        stores[storeFailedLogins],
		Lockouts:        stores[storeLockouts],
		Threshold:       cfg.BruteForce.Threshold,
		LockoutDuration: cfg.BruteForce.LockoutDuration,
		CounterTTL:      cfg.BruteForce.CounterTTL,
		Auditor:         g.auditor,
		Clock:           cfg.Clock,
		Logger:          cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	g.signatures, err = security.NewSignatureVerifier(security.SignatureConfig{
		Secret:             cfg.Signing.Secret,
		Nonces:             stores[storeNonces],
		Tolerance:          cfg.Signing.Tolerance,
		NonceTTL:           cfg.Signing.NonceTTL,
		ExemptPaths:        cfg.Signing.ExemptPaths,
		ExemptReadPrefixes: cfg.Signing.ExemptReadPrefixes,
		MaxBodyBytes:       cfg.Signing.MaxBodyBytes,
		Clock:              cfg.Clock,
		Logger:             cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	g.antiBot = security.NewTurnstileVerifier(security.TurnstileConfig{
		Secret:     cfg.AntiBot.TurnstileSecret,
		VerifyURL:  cfg.AntiBot.VerifyURL,
		HTTPClient: cfg.AntiBot.HTTPClient,
		FailOpen:   cfg.AntiBot.FailOpen,
		Auditor:    g.auditor,
		Logger:     cfg.Logger,
	})

	g.logger.Info("Request gateway started",
		"store_backend", cfg.Store.Backend,
		"policies", len(cfg.Policies),
		"signing_enabled", g.signatures.Enabled(),
		"turnstile_enabled", g.antiBot.Enabled())

	ok = true
	return g, nil
}

func (g *Gateway) instrumentedOrNil() *instrumentation.Instrumentation {
	if !g.config.Instrumentation.Enabled {
		return nil
	}
	return g.inst
}

// storeOpener returns the function that builds one named store for the
// configured backend.
func (g *Gateway) storeOpener() (func(storeSpec) (storage.Store, error), error) {
	cfg := g.config

	local := func(spec storeSpec) *memory.Store {
		return memory.New(memory.Options{
			Name:       spec.name,
			MaxEntries: spec.maxEntries,
			DefaultTTL: spec.ttl,
			Clock:      cfg.Clock,
			Logger:     cfg.Logger,
		})
	}

	if cfg.Store.Open != nil {
		return func(spec storeSpec) (storage.Store, error) {
			return cfg.Store.Open(spec.name, spec.ttl)
		}, nil
	}

	type namespacer interface {
		fallback.Pinger
		namespace(name string, ttl time.Duration) storage.Store
	}
	var shared namespacer

	switch cfg.Store.Backend {
	case StoreBackendMemory:
		return func(spec storeSpec) (storage.Store, error) { return local(spec), nil }, nil

	case StoreBackendValkey:
		client, err := valkey.New(valkey.Config{
			Address:   cfg.Store.Address,
			Password:  cfg.Store.Password,
			DB:        cfg.Store.DB,
			KeyPrefix: cfg.Store.KeyPrefix,
			Logger:    cfg.Logger,
		})
		if err != nil {
			return nil, err
		}
		g.closers = append(g.closers, client.Close)
		shared = valkeyNamespacer{client}

	case StoreBackendRedis:
		client, err := redis.New(redis.Config{
			Address:   cfg.Store.Address,
			Password:  cfg.Store.Password,
			DB:        cfg.Store.DB,
			KeyPrefix: cfg.Store.KeyPrefix,
			Logger:    cfg.Logger,
		})
		if err != nil {
			return nil, err
		}
		g.closers = append(g.closers, client.Close)
		shared = redisNamespacer{client}

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	return func(spec storeSpec) (storage.Store, error) {
		fc := fallback.Config{
			Name:     spec.name,
			Primary:  shared.namespace(spec.name, spec.ttl),
			FailOpen: cfg.Store.FailOpen,
			Pinger:   shared,
			Logger:   cfg.Logger,
		}
		if cfg.Store.FailOpen {
			fc.Local = local(spec)
		}
		return fallback.New(fc)
	}, nil
}

type valkeyNamespacer struct{ *valkey.Client }

func (n valkeyNamespacer) namespace(name string, ttl time.Duration) storage.Store {
	return n.Namespace(name, ttl)
}

type redisNamespacer struct{ *redis.Client }

func (n redisNamespacer) namespace(name string, ttl time.Duration) storage.Store {
	return n.Namespace(name, ttl)
}

// registerStoreSize reports the entry count of s when it can be measured cheaply.
func (g *Gateway) registerStoreSize(name string, s storage.Store) {
	sizer, ok := s.(storage.Sizer)
	if !ok {
		return
	}
	if err := g.inst.RegisterStoreSizeCallback(name, func() int64 { return int64(sizer.Len()) }); err != nil {
		g.logger.Warn("Failed to register store size gauge", "store", name, "error", err)
	}
}

// Stop releases stores, connections and instrumentation. Safe to call more than once.
func (g *Gateway) Stop() {
	g.stopOnce.Do(func() {
		for _, s := range g.stores {
			if stopper, ok := s.(storage.Stopper); ok {
				stopper.Stop()
			}
		}
		for i := len(g.closers) - 1; i >= 0; i-- {
			g.closers[i]()
		}
		g.logger.Info("Request gateway stopped")
	})
}

// Handler returns the HTTP middleware of g.
func (g *Gateway) Handler() *Handler {
	return newHandler(g)
}

// Policies returns the route policy table.
func (g *Gateway) Policies() *PolicyTable {
	return g.policies
}

// Auditor returns the security auditor.
func (g *Gateway) Auditor() *security.Auditor {
	return g.auditor
}

// Instrumentation returns the OpenTelemetry instrumentation of g.
func (g *Gateway) Instrumentation() *instrumentation.Instrumentation {
	return g.inst
}

// ResolveIdentity derives the client identity of r.
func (g *Gateway) ResolveIdentity(r *http.Request) security.ClientIdentity {
	return g.resolver.Resolve(r)
}

// CheckRateLimit charges one request of identity against the budget of the
// named policy. Policies without a budget always allow.
func (g *Gateway) CheckRateLimit(ctx context.Context, policyName string, identity security.ClientIdentity) (security.Decision, error) {
	policy, ok := g.policies.Lookup(policyName)
	if !ok {
		return security.Decision{}, fmt.Errorf("unknown policy %q", policyName)
	}
	if g.config.RateLimit.Disabled || policy.RateLimit.IsZero() {
		return security.Decision{Allowed: true}, nil
	}
	return g.rateLimiter.Check(ctx, policy.Name, identity.Key(), policy.RateLimit)
}

// CheckLogin returns a *security.LockedOutError while ip is locked out.
// Call it before comparing credentials.
func (g *Gateway) CheckLogin(ctx context.Context, ip string) error {
	return g.guard.Check(ctx, ip)
}

// LoginFailed records a failed login from ip.
func (g *Gateway) LoginFailed(ctx context.Context, ip string) (security.GuardState, error) {
	state, err := g.guard.RecordFailure(ctx, ip)
	if err == nil {
		g.inst.Metrics().RecordLoginFailure(ctx)
		if state == security.GuardLocked {
			g.inst.Metrics().RecordLockout(ctx)
		}
	}
	return state, err
}

// LoginSucceeded clears the failure history of ip.
func (g *Gateway) LoginSucceeded(ctx context.Context, ip string) error {
	return g.guard.RecordSuccess(ctx, ip)
}

// LoginState reports the brute-force state of ip.
func (g *Gateway) LoginState(ctx context.Context, ip string) (security.GuardState, int, error) {
	return g.guard.State(ctx, ip)
}

// CheckUsage charges one use of an expensive endpoint. Authenticated users
// are counted by user ID, anonymous clients by IP with a smaller budget.
func (g *Gateway) CheckUsage(ctx context.Context, userID, ip string) (security.Decision, error) {
	budget := g.config.Usage.Authenticated
	if userID == "" {
		budget = g.config.Usage.Anonymous
	}
	return g.usage.Check(ctx, security.UsageKey(userID, ip), budget)
}

// Usage returns how many uses are on record for the user or anonymous IP.
func (g *Gateway) Usage(ctx context.Context, userID, ip string) (int64, error) {
	return g.usage.Usage(ctx, security.UsageKey(userID, ip))
}

// IssueCSRF mints the CSRF token of sessionID, replacing any previous one.
func (g *Gateway) IssueCSRF(ctx context.Context, sessionID string) (string, error) {
	token, err := g.csrf.Issue(ctx, sessionID)
	if err == nil {
		g.auditor.LogEvent(ctx, security.Event{
			Type:     security.EventCSRFTokenIssued,
			Severity: security.SeverityInfo,
		})
	}
	return token, err
}

// VerifyCSRF reports whether token is the live token of sessionID.
func (g *Gateway) VerifyCSRF(ctx context.Context, sessionID, token string) (bool, error) {
	return g.csrf.Verify(ctx, sessionID, token)
}

// RevokeCSRF deletes the CSRF token of sessionID, e.g. on logout.
func (g *Gateway) RevokeCSRF(ctx context.Context, sessionID string) error {
	return g.csrf.Revoke(ctx, sessionID)
}

// VerifySignature checks the request signature of r.
func (g *Gateway) VerifySignature(r *http.Request) error {
	return g.signatures.VerifyHTTP(r)
}

// ValidateInput checks data, e.g. a decoded JSON body or a single field, for
// injection patterns. A rejection is audited and returned as a
// *security.InputRejectedError; answer it with WriteError(w, ErrInvalidInput()).
func (g *Gateway) ValidateInput(r *http.Request, field string, data any) error {
	err := g.inputs.Validate(field, data)
	var rejected *security.InputRejectedError
	if errors.As(err, &rejected) {
		ctx := r.Context()
		ip := g.resolver.ClientIP(r)
		if id, ok := IdentityFromContext(ctx); ok {
			ip = id.IP
		}
		g.auditor.LogInputRejected(ctx, ip, r.URL.Path, rejected.Field, rejected.Category)
		g.inst.Metrics().RecordInputRejected(ctx, rejected.Category)
	}
	return err
}

// VerifyAntiBot checks a Turnstile token for ip.
func (g *Gateway) VerifyAntiBot(ctx context.Context, token, ip string) error {
	return g.antiBot.Verify(ctx, token, ip)
}
