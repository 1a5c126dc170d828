// Package envconfig loads the gateway configuration from a .env file and the
// process environment. Environment variables override the file.
package envconfig

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	gate "github.com/tourmarket/requestgate"
	"github.com/tourmarket/requestgate/security"
)

// Recognized variables.
const (
	EnvSigningSecret      = "GATE_SIGNING_SECRET"
	EnvTrustedProxies     = "GATE_TRUSTED_PROXIES"
	EnvRateLimits         = "GATE_RATE_LIMITS"
	EnvLockoutThreshold   = "GATE_LOCKOUT_THRESHOLD"
	EnvLockoutDuration    = "GATE_LOCKOUT_DURATION"
	EnvTimestampTolerance = "GATE_TIMESTAMP_TOLERANCE"
	EnvNonceTTL           = "GATE_NONCE_TTL"
	EnvUsageAuthenticated = "GATE_USAGE_AUTHENTICATED"
	EnvUsageAnonymous     = "GATE_USAGE_ANONYMOUS"
	EnvTurnstileSecret    = "GATE_TURNSTILE_SECRET"
	EnvTurnstileFailOpen  = "GATE_TURNSTILE_FAIL_OPEN"
	EnvStoreBackend       = "GATE_STORE_BACKEND"
	EnvStoreAddress       = "GATE_STORE_ADDRESS"
	EnvStorePassword      = "GATE_STORE_PASSWORD"
	EnvStoreDB            = "GATE_STORE_DB"
	EnvStoreFailOpen      = "GATE_STORE_FAIL_OPEN"
	EnvMaskIPs            = "GATE_MASK_IPS"
	EnvMetricsExporter    = "GATE_METRICS_EXPORTER"
	EnvEnvironment        = "GATE_ENVIRONMENT"
	EnvSentryDSN          = "GATE_SENTRY_DSN"
	EnvListenAddr         = "GATE_LISTEN_ADDR"
	EnvServiceVersion     = "GATE_SERVICE_VERSION"
)

const (
	envPrefix = "GATE_"

	// DefaultListenAddr is used when GATE_LISTEN_ADDR is unset.
	DefaultListenAddr = ":8080"

	// EnvironmentProduction enables HSTS and IP masking by default.
	EnvironmentProduction = "production"

	// noProxies disables forwarding headers entirely.
	noProxies = "none"
)

// Settings is everything the gateway binary reads from its environment.
type Settings struct {
	Gate gate.Config

	ListenAddr  string
	Environment string
	SentryDSN   string
}

// Production reports whether the service runs in production.
func (s *Settings) Production() bool {
	return s.Environment == EnvironmentProduction
}

// Load reads envPath (skipped when it does not exist) and then the process
// environment.
func Load(envPath string) (*Settings, error) {
	k := koanf.New(".")

	if envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			if err := k.Load(file.Provider(envPath), dotenv.Parser()); err != nil {
				return nil, fmt.Errorf("load %s: %w", envPath, err)
			}
		}
	}
	if err := k.Load(env.Provider(envPrefix, ".", nil), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	return FromKoanf(k)
}

// FromKoanf builds Settings from already loaded values. Every malformed value
// is reported; unset values keep the gateway defaults.
func FromKoanf(k *koanf.Koanf) (*Settings, error) {
	p := parser{k: k}

	s := &Settings{
		ListenAddr:  k.String(EnvListenAddr),
		Environment: strings.ToLower(k.String(EnvEnvironment)),
		SentryDSN:   k.String(EnvSentryDSN),
	}
	if s.ListenAddr == "" {
		s.ListenAddr = DefaultListenAddr
	}

	cfg := &s.Gate
	cfg.Signing.Secret = k.String(EnvSigningSecret)
	cfg.Signing.Tolerance = p.duration(EnvTimestampTolerance)
	cfg.Signing.NonceTTL = p.duration(EnvNonceTTL)

	switch proxies := strings.TrimSpace(k.String(EnvTrustedProxies)); {
	case proxies == "":
	case strings.EqualFold(proxies, noProxies):
		cfg.Proxy.TrustedProxies = []string{}
	default:
		cfg.Proxy.TrustedProxies = splitList(proxies, ",")
	}

	cfg.RateLimit.Overrides = p.rateLimits(EnvRateLimits)

	cfg.BruteForce.Threshold = p.integer(EnvLockoutThreshold)
	cfg.BruteForce.LockoutDuration = p.duration(EnvLockoutDuration)

	cfg.Usage.Authenticated = p.budget(EnvUsageAuthenticated)
	cfg.Usage.Anonymous = p.budget(EnvUsageAnonymous)

	cfg.AntiBot.TurnstileSecret = k.String(EnvTurnstileSecret)
	cfg.AntiBot.FailOpen = p.boolean(EnvTurnstileFailOpen, false)

	cfg.Store.Backend = strings.ToLower(k.String(EnvStoreBackend))
	cfg.Store.Address = k.String(EnvStoreAddress)
	cfg.Store.Password = k.String(EnvStorePassword)
	cfg.Store.DB = p.integer(EnvStoreDB)
	cfg.Store.FailOpen = p.boolean(EnvStoreFailOpen, false)

	cfg.Audit.MaskIPs = p.boolean(EnvMaskIPs, s.Production())
	cfg.HSTS = s.Production()

	if exporter := k.String(EnvMetricsExporter); exporter != "" {
		cfg.Instrumentation.Enabled = true
		cfg.Instrumentation.MetricsExporter = strings.ToLower(exporter)
	}
	cfg.Instrumentation.ServiceVersion = k.String(EnvServiceVersion)

	if err := errors.Join(p.errs...); err != nil {
		return nil, err
	}
	return s, nil
}

// parser converts raw values and collects every conversion error.
type parser struct {
	k    *koanf.Koanf
	errs []error
}

func (p *parser) fail(key, value string, err error) {
	p.errs = append(p.errs, fmt.Errorf("%s=%q: %w", key, value, err))
}

func (p *parser) raw(key string) string {
	return strings.TrimSpace(p.k.String(key))
}

func (p *parser) duration(key string) time.Duration {
	v := p.raw(key)
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		// Bare integers are seconds.
		secs, intErr := strconv.Atoi(v)
		if intErr != nil {
			p.fail(key, v, err)
			return 0
		}
		d = time.Duration(secs) * time.Second
	}
	if d <= 0 {
		p.fail(key, v, errors.New("must be positive"))
		return 0
	}
	return d
}

func (p *parser) integer(key string) int {
	v := p.raw(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, v, err)
		return 0
	}
	if n < 0 {
		p.fail(key, v, errors.New("must not be negative"))
		return 0
	}
	return n
}

func (p *parser) boolean(key string, def bool) bool {
	v := p.raw(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return b
}

func (p *parser) budget(key string) security.Budget {
	v := p.raw(key)
	if v == "" {
		return security.Budget{}
	}
	b, err := security.ParseBudget(v)
	if err != nil {
		p.fail(key, v, err)
	}
	return b
}

// rateLimits parses "login=10/minute;chat=100/hour".
func (p *parser) rateLimits(key string) map[string]security.Budget {
	v := p.raw(key)
	if v == "" {
		return nil
	}
	out := make(map[string]security.Budget)
	for _, item := range splitList(v, ";") {
		name, spec, ok := strings.Cut(item, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			p.fail(key, item, errors.New("expected name=limit/window"))
			continue
		}
		b, err := security.ParseBudget(spec)
		if err != nil {
			p.fail(key, item, err)
			continue
		}
		out[name] = b
	}
	return out
}

func splitList(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
