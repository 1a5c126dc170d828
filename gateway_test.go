package gate

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tourmarket/requestgate/security"
	"github.com/tourmarket/requestgate/storage"
	"github.com/tourmarket/requestgate/storage/mock"
)

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown backend", func(c *Config) { c.Store.Backend = "etcd" }, "unknown backend"},
		{"valkey without address", func(c *Config) { c.Store.Backend = StoreBackendValkey }, "requires an address"},
		{"bad proxy", func(c *Config) { c.Proxy.TrustedProxies = []string{"not-a-cidr"} }, "trusted proxies"},
		{"override for unknown policy", func(c *Config) {
			c.RateLimit.Overrides = map[string]security.Budget{"nope": {Limit: 1, Window: time.Minute}}
		}, "unknown policy"},
		{"nonce ttl shorter than window", func(c *Config) {
			c.Signing.Secret = testSecret
			c.Signing.Tolerance = time.Minute
			c.Signing.NonceTTL = time.Minute
		}, "nonce TTL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{Logger: discardLogger()}
			tt.mutate(&cfg)
			_, err := New(cfg)
			if err == nil {
				t.Fatal("New() should fail")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("New() error = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestNew_StoreOpenError(t *testing.T) {
	wantErr := errors.New("no capacity")
	_, err := New(Config{
		Logger: discardLogger(),
		Store: StoreConfig{Open: func(string, time.Duration) (storage.Store, error) {
			return nil, wantErr
		}},
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("New() error = %v, want %v", err, wantErr)
	}
}

func TestGateway_LoginLifecycle(t *testing.T) {
	gw, clock := newTestGateway(t, nil)
	ctx := context.Background()
	ip := "203.0.113.7"

	for i := 1; i < security.DefaultLockoutThreshold; i++ {
		state, err := gw.LoginFailed(ctx, ip)
		if err != nil {
			t.Fatalf("LoginFailed() error = %v", err)
		}
		if state != security.GuardAccumulating {
			t.Fatalf("after %d failures state = %v, want accumulating", i, state)
		}
		if err := gw.CheckLogin(ctx, ip); err != nil {
			t.Fatalf("CheckLogin() after %d failures = %v, want nil", i, err)
		}
	}

	state, err := gw.LoginFailed(ctx, ip)
	if err != nil || state != security.GuardLocked {
		t.Fatalf("fifth failure = (%v, %v), want locked", state, err)
	}

	var locked *security.LockedOutError
	if err := gw.CheckLogin(ctx, ip); !errors.As(err, &locked) {
		t.Fatalf("CheckLogin() = %v, want *LockedOutError", err)
	}
	if locked.RetryAfter != security.DefaultLockoutDuration {
		t.Errorf("RetryAfter = %v, want %v", locked.RetryAfter, security.DefaultLockoutDuration)
	}

	if err := gw.CheckLogin(ctx, "198.51.100.1"); err != nil {
		t.Errorf("other IPs should not be locked: %v", err)
	}

	clock.Advance(security.DefaultLockoutDuration)
	if err := gw.CheckLogin(ctx, ip); err != nil {
		t.Fatalf("CheckLogin() after lockout = %v, want nil", err)
	}
	state, failures, err := gw.LoginState(ctx, ip)
	if err != nil || state != security.GuardClear || failures != 0 {
		t.Errorf("LoginState() = (%v, %d, %v), want (clear, 0, nil)", state, failures, err)
	}
}

func TestGateway_LoginSucceededResets(t *testing.T) {
	gw, _ := newTestGateway(t, nil)
	ctx := context.Background()

	for range 3 {
		if _, err := gw.LoginFailed(ctx, "203.0.113.8"); err != nil {
			t.Fatal(err)
		}
	}
	if err := gw.LoginSucceeded(ctx, "203.0.113.8"); err != nil {
		t.Fatalf("LoginSucceeded() error = %v", err)
	}
	_, failures, _ := gw.LoginState(ctx, "203.0.113.8")
	if failures != 0 {
		t.Errorf("failures after success = %d, want 0", failures)
	}
}

func TestGateway_CheckRateLimit(t *testing.T) {
	gw, clock := newTestGateway(t, func(c *Config) {
		c.RateLimit.Overrides = map[string]security.Budget{"login": {Limit: 3, Window: time.Minute}}
	})
	ctx := context.Background()
	id := security.ClientIdentity{IP: "203.0.113.9", Fingerprint: strings.Repeat("a", 64)}

	for i := range 3 {
		d, err := gw.CheckRateLimit(ctx, "login", id)
		if err != nil || !d.Allowed {
			t.Fatalf("request %d = (%+v, %v), want allowed", i+1, d, err)
		}
	}
	d, err := gw.CheckRateLimit(ctx, "login", id)
	if err != nil || d.Allowed {
		t.Fatalf("request 4 = (%+v, %v), want denied", d, err)
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Minute {
		t.Errorf("RetryAfter = %v, want within the window", d.RetryAfter)
	}

	clock.Advance(time.Minute)
	if d, _ := gw.CheckRateLimit(ctx, "login", id); !d.Allowed {
		t.Error("next window should allow again")
	}

	if d, err := gw.CheckRateLimit(ctx, "operator", id); err != nil || !d.Allowed {
		t.Errorf("policy without budget = (%+v, %v), want allowed", d, err)
	}
	if _, err := gw.CheckRateLimit(ctx, "missing", id); err == nil {
		t.Error("unknown policy should be an error")
	}
}

func TestGateway_CheckUsage(t *testing.T) {
	gw, _ := newTestGateway(t, func(c *Config) {
		c.Usage.Authenticated = security.Budget{Limit: 3, Window: time.Hour}
		c.Usage.Anonymous = security.Budget{Limit: 1, Window: time.Hour}
	})
	ctx := context.Background()

	if d, _ := gw.CheckUsage(ctx, "", "203.0.113.10"); !d.Allowed {
		t.Fatal("first anonymous use should be allowed")
	}
	if d, _ := gw.CheckUsage(ctx, "", "203.0.113.10"); d.Allowed {
		t.Error("second anonymous use should exceed the anonymous budget")
	}

	for i := range 3 {
		if d, _ := gw.CheckUsage(ctx, "user-1", "203.0.113.10"); !d.Allowed {
			t.Fatalf("authenticated use %d should be allowed", i+1)
		}
	}
	if d, _ := gw.CheckUsage(ctx, "user-1", "203.0.113.10"); d.Allowed {
		t.Error("fourth authenticated use should be denied")
	}

	used, err := gw.Usage(ctx, "user-1", "")
	if err != nil || used != 3 {
		t.Errorf("Usage() = (%d, %v), want (3, nil)", used, err)
	}
}

func TestGateway_CSRFRoundTrip(t *testing.T) {
	gw, clock := newTestGateway(t, nil)
	ctx := context.Background()

	first, err := gw.IssueCSRF(ctx, "session-1")
	if err != nil {
		t.Fatalf("IssueCSRF() error = %v", err)
	}
	if ok, _ := gw.VerifyCSRF(ctx, "session-1", first); !ok {
		t.Error("issued token should verify")
	}
	if ok, _ := gw.VerifyCSRF(ctx, "session-2", first); ok {
		t.Error("token must be bound to its session")
	}

	second, _ := gw.IssueCSRF(ctx, "session-1")
	if ok, _ := gw.VerifyCSRF(ctx, "session-1", first); ok {
		t.Error("reissue should replace the previous token")
	}

	if err := gw.RevokeCSRF(ctx, "session-1"); err != nil {
		t.Fatalf("RevokeCSRF() error = %v", err)
	}
	if ok, _ := gw.VerifyCSRF(ctx, "session-1", second); ok {
		t.Error("revoked token should not verify")
	}

	third, _ := gw.IssueCSRF(ctx, "session-1")
	clock.Advance(security.DefaultCSRFTokenTTL)
	if ok, _ := gw.VerifyCSRF(ctx, "session-1", third); ok {
		t.Error("expired token should not verify")
	}
}

func TestGateway_NonceAcceptedOnce(t *testing.T) {
	gw, clock := newTestGateway(t, nil)

	template := httptest.NewRequest(http.MethodPost, "/api/bookings", strings.NewReader(`{"tour":1}`))
	if err := security.SignRequest(template, testSecret, clock.Now(), "nonce-1"); err != nil {
		t.Fatal(err)
	}

	var accepted atomic.Int32
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := httptest.NewRequest(http.MethodPost, "/api/bookings", bytes.NewReader([]byte(`{"tour":1}`)))
			r.Header = template.Header.Clone()
			if gw.VerifySignature(r) == nil {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := accepted.Load(); got != 1 {
		t.Errorf("accepted %d requests with one nonce, want 1", got)
	}
}

func TestGateway_StopIsIdempotent(t *testing.T) {
	stores := 0
	gw, err := New(Config{
		Logger: discardLogger(),
		Store: StoreConfig{Open: func(string, time.Duration) (storage.Store, error) {
			stores++
			return mock.New(), nil
		}},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if stores != 6 {
		t.Errorf("opened %d stores, want 6", stores)
	}
	gw.Stop()
	gw.Stop()
}

func TestGateway_ValidateInput(t *testing.T) {
	var buf bytes.Buffer
	gw, _ := newTestGateway(t, func(c *Config) {
		c.Logger = slog.New(slog.NewTextHandler(&buf, nil))
	})
	r := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)

	if err := gw.ValidateInput(r, "email", "guest@tourmarket.example"); err != nil {
		t.Errorf("ValidateInput() clean value error = %v", err)
	}

	err := gw.ValidateInput(r, "email", "guest@tourmarket.example' --")
	if !errors.Is(err, security.ErrInvalidInput) {
		t.Fatalf("ValidateInput() error = %v, want %v", err, security.ErrInvalidInput)
	}
	out := buf.String()
	if !strings.Contains(out, security.EventInputRejected) {
		t.Errorf("audit log missing %q:\n%s", security.EventInputRejected, out)
	}
	if strings.Contains(out, "guest@tourmarket.example'") {
		t.Error("audit log should not contain the rejected value")
	}
}

func TestNew_InvalidInputPattern(t *testing.T) {
	_, err := New(Config{
		Logger: discardLogger(),
		Input:  InputConfig{XSS: []string{"<script("}},
	})
	if err == nil || !strings.Contains(err.Error(), "input patterns") {
		t.Errorf("New() error = %v, want an input patterns error", err)
	}
}
