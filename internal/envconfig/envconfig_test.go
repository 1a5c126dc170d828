package envconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tourmarket/requestgate/security"
)

func writeEnvFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if s.ListenAddr != DefaultListenAddr {
		t.Errorf("ListenAddr = %q, want %q", s.ListenAddr, DefaultListenAddr)
	}
	if s.Gate.Proxy.TrustedProxies != nil {
		t.Error("TrustedProxies should stay nil so the gateway defaults apply")
	}
	if s.Gate.Instrumentation.Enabled {
		t.Error("instrumentation should be off without an exporter")
	}
	if s.Production() {
		t.Error("default environment should not be production")
	}
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	path := writeEnvFile(t, strings.Join([]string{
		"GATE_SIGNING_SECRET=from-file",
		"GATE_TRUSTED_PROXIES=10.0.0.0/8, 192.168.0.0/16",
		"GATE_RATE_LIMITS=login=3/minute; chat=50/hour",
		"GATE_LOCKOUT_THRESHOLD=7",
		"GATE_LOCKOUT_DURATION=30m",
		"GATE_TIMESTAMP_TOLERANCE=30",
		"GATE_USAGE_ANONYMOUS=5/hour",
		"GATE_STORE_BACKEND=Valkey",
		"GATE_STORE_ADDRESS=localhost:6379",
		"GATE_METRICS_EXPORTER=prometheus",
		"GATE_ENVIRONMENT=production",
	}, "\n"))
	t.Setenv(EnvSigningSecret, "from-env")
	t.Setenv(EnvListenAddr, ":9090")

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	cfg := s.Gate

	if cfg.Signing.Secret != "from-env" {
		t.Errorf("Secret = %q, want the environment to override the file", cfg.Signing.Secret)
	}
	if s.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want %q", s.ListenAddr, ":9090")
	}
	if got := cfg.Proxy.TrustedProxies; len(got) != 2 || got[1] != "192.168.0.0/16" {
		t.Errorf("TrustedProxies = %v", got)
	}
	if got := cfg.RateLimit.Overrides["login"]; got != (security.Budget{Limit: 3, Window: time.Minute}) {
		t.Errorf("login override = %v", got)
	}
	if got := cfg.RateLimit.Overrides["chat"]; got != (security.Budget{Limit: 50, Window: time.Hour}) {
		t.Errorf("chat override = %v", got)
	}
	if cfg.BruteForce.Threshold != 7 || cfg.BruteForce.LockoutDuration != 30*time.Minute {
		t.Errorf("BruteForce = %+v", cfg.BruteForce)
	}
	if cfg.Signing.Tolerance != 30*time.Second {
		t.Errorf("Tolerance = %v, want bare integers to be seconds", cfg.Signing.Tolerance)
	}
	if cfg.Usage.Anonymous != (security.Budget{Limit: 5, Window: time.Hour}) {
		t.Errorf("Usage.Anonymous = %v", cfg.Usage.Anonymous)
	}
	if cfg.Store.Backend != "valkey" || cfg.Store.Address != "localhost:6379" {
		t.Errorf("Store = %+v", cfg.Store)
	}
	if !cfg.Instrumentation.Enabled || cfg.Instrumentation.MetricsExporter != "prometheus" {
		t.Errorf("Instrumentation = %+v", cfg.Instrumentation)
	}
	if !s.Production() || !cfg.HSTS || !cfg.Audit.MaskIPs {
		t.Error("production should enable HSTS and IP masking")
	}
}

func TestLoad_NoTrustedProxies(t *testing.T) {
	t.Setenv(EnvTrustedProxies, "none")

	s, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if s.Gate.Proxy.TrustedProxies == nil || len(s.Gate.Proxy.TrustedProxies) != 0 {
		t.Errorf("TrustedProxies = %#v, want an empty non-nil slice", s.Gate.Proxy.TrustedProxies)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	t.Setenv(EnvLockoutThreshold, "five")
	t.Setenv(EnvNonceTTL, "-1s")
	t.Setenv(EnvRateLimits, "login")
	t.Setenv(EnvStoreFailOpen, "maybe")
	t.Setenv(EnvUsageAuthenticated, "0/hour")

	_, err := Load("")
	if err == nil {
		t.Fatal("Load() should fail")
	}
	for _, key := range []string{EnvLockoutThreshold, EnvNonceTTL, EnvRateLimits, EnvStoreFailOpen, EnvUsageAuthenticated} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error should mention %s: %v", key, err)
		}
	}
}
