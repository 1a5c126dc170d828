package security

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tourmarket/requestgate/internal/testutil"
	"github.com/tourmarket/requestgate/storage/mock"
)

const testSecret = "testsecret"

func newTestVerifier(t *testing.T, secret string) (*SignatureVerifier, *testutil.MockTime) {
	t.Helper()
	clock := testutil.NewMockTime(time.Unix(1700000000, 0))
	v, err := NewSignatureVerifier(SignatureConfig{
		Secret: secret,
		Nonces: newTestStore(t, clock, DefaultNonceTTL),
		Clock:  clock.Now,
	})
	if err != nil {
		t.Fatalf("NewSignatureVerifier() error = %v", err)
	}
	return v, clock
}

func signedRequest(method, path, timestamp, nonce string, body []byte) SignedRequest {
	return SignedRequest{
		Method:    method,
		Path:      path,
		Timestamp: timestamp,
		Nonce:     nonce,
		Signature: ComputeSignature(testSecret, method, path, timestamp, nonce, BodyHash(body)),
		Body:      body,
	}
}

func TestComputeSignature_KnownVectors(t *testing.T) {
	emptyHash := "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if got := BodyHash(nil); got != emptyHash {
		t.Fatalf("BodyHash(nil) = %q, want %q", got, emptyHash)
	}
	if got := BodyHash([]byte{}); got != emptyHash {
		t.Fatalf("BodyHash(empty) = %q, want %q", got, emptyHash)
	}

	canonical := CanonicalString("POST", "/api/tours", "1700000000", "abc123", emptyHash)
	if want := "POST:/api/tours:1700000000:abc123:" + emptyHash; canonical != want {
		t.Errorf("CanonicalString() = %q, want %q", canonical, want)
	}

	tests := []struct {
		name   string
		method string
		path   string
		nonce  string
		body   []byte
		want   string
	}{
		{
			name:   "empty body",
			method: "POST",
			path:   "/api/tours",
			nonce:  "abc123",
			want:   "9a72ca8120824f1bf86b81fd192a29243ab67527e2a644b9db06e626e802c9f3",
		},
		{
			name:   "json body",
			method: "PUT",
			path:   "/api/bookings/42",
			nonce:  "n-1",
			body:   []byte(`{"title":"Cappadocia"}`),
			want:   "f013533bd88aa29273c9c0bf50fbd52329a801fbc4eaa832ce4eed8082d66586",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeSignature(testSecret, tt.method, tt.path, "1700000000", tt.nonce, BodyHash(tt.body))
			if got != tt.want {
				t.Errorf("ComputeSignature() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewSignatureVerifier(t *testing.T) {
	if _, err := NewSignatureVerifier(SignatureConfig{Secret: "s"}); err == nil {
		t.Error("NewSignatureVerifier() with secret but no nonce store should fail")
	}

	var buf bytes.Buffer
	v, err := NewSignatureVerifier(SignatureConfig{Logger: slog.New(slog.NewTextHandler(&buf, nil))})
	if err != nil {
		t.Fatalf("NewSignatureVerifier() error = %v", err)
	}
	if v.Enabled() {
		t.Error("verifier without secret should be disabled")
	}
	if !strings.Contains(buf.String(), "DISABLED") {
		t.Errorf("disabled verifier should warn at construction: %s", buf.String())
	}
	if v.tolerance != DefaultTimestampTolerance || v.nonceTTL != DefaultNonceTTL || v.maxBodyBytes != DefaultMaxBodyBytes {
		t.Error("defaults not applied")
	}
}

func TestSignatureVerifier_Verify(t *testing.T) {
	now := "1700000000"

	tests := []struct {
		name    string
		mutate  func(r *SignedRequest)
		wantErr error
	}{
		{name: "valid", mutate: func(r *SignedRequest) {}},
		{name: "missing timestamp", mutate: func(r *SignedRequest) { r.Timestamp = "" }, wantErr: ErrMissingSignatureHeaders},
		{name: "missing nonce", mutate: func(r *SignedRequest) { r.Nonce = "" }, wantErr: ErrMissingSignatureHeaders},
		{name: "missing signature", mutate: func(r *SignedRequest) { r.Signature = "" }, wantErr: ErrMissingSignatureHeaders},
		{name: "oversized nonce", mutate: func(r *SignedRequest) { r.Nonce = strings.Repeat("n", 129) }, wantErr: ErrMissingSignatureHeaders},
		{name: "non-integer timestamp", mutate: func(r *SignedRequest) { r.Timestamp = "soon" }, wantErr: ErrMalformedTimestamp},
		{name: "float timestamp", mutate: func(r *SignedRequest) { r.Timestamp = "1700000000.0" }, wantErr: ErrMalformedTimestamp},
		{name: "60s in the past", mutate: func(r *SignedRequest) { *r = signedRequest("POST", "/api/chat", "1699999940", "n", nil) }},
		{name: "61s in the past", mutate: func(r *SignedRequest) { *r = signedRequest("POST", "/api/chat", "1699999939", "n", nil) }, wantErr: ErrExpiredTimestamp},
		{name: "60s in the future", mutate: func(r *SignedRequest) { *r = signedRequest("POST", "/api/chat", "1700000060", "n", nil) }},
		{name: "61s in the future", mutate: func(r *SignedRequest) { *r = signedRequest("POST", "/api/chat", "1700000061", "n", nil) }, wantErr: ErrExpiredTimestamp},
		{name: "wrong secret", mutate: func(r *SignedRequest) {
			r.Signature = ComputeSignature("other", r.Method, r.Path, r.Timestamp, r.Nonce, BodyHash(r.Body))
		}, wantErr: ErrBadSignature},
		{name: "tampered body", mutate: func(r *SignedRequest) { r.Body = []byte(`{"x":2}`) }, wantErr: ErrBadSignature},
		{name: "tampered path", mutate: func(r *SignedRequest) { r.Path = "/api/compare" }, wantErr: ErrBadSignature},
		{name: "uppercase hex", mutate: func(r *SignedRequest) { r.Signature = strings.ToUpper(r.Signature) }, wantErr: ErrBadSignature},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, _ := newTestVerifier(t, testSecret)
			req := signedRequest("POST", "/api/chat", now, "nonce-1", []byte(`{"x":1}`))
			tt.mutate(&req)

			err := v.Verify(context.Background(), req)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Verify() error = %v, want nil", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("Verify() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSignatureVerifier_Replay(t *testing.T) {
	v, clock := newTestVerifier(t, testSecret)
	ctx := context.Background()
	req := signedRequest("DELETE", "/api/favorites/7", "1700000000", "once", nil)

	if err := v.Verify(ctx, req); err != nil {
		t.Fatalf("first Verify() error = %v", err)
	}
	if err := v.Verify(ctx, req); !errors.Is(err, ErrReplayedNonce) {
		t.Fatalf("second Verify() error = %v, want ErrReplayedNonce", err)
	}

	// The nonce is consumed even when the signature is wrong.
	bad := signedRequest("DELETE", "/api/favorites/7", "1700000000", "burned", nil)
	bad.Signature = strings.Repeat("0", 64)
	if err := v.Verify(ctx, bad); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("Verify() error = %v, want ErrBadSignature", err)
	}
	good := signedRequest("DELETE", "/api/favorites/7", "1700000000", "burned", nil)
	if err := v.Verify(ctx, good); !errors.Is(err, ErrReplayedNonce) {
		t.Errorf("Verify() after burned nonce = %v, want ErrReplayedNonce", err)
	}

	// A replay after the nonce TTL carries an expired timestamp.
	clock.Advance(DefaultNonceTTL)
	if err := v.Verify(ctx, req); !errors.Is(err, ErrExpiredTimestamp) {
		t.Errorf("Verify() after nonce TTL = %v, want ErrExpiredTimestamp", err)
	}
}

func TestSignatureVerifier_ConcurrentNonce(t *testing.T) {
	v, _ := newTestVerifier(t, testSecret)
	req := signedRequest("POST", "/api/chat", "1700000000", "racing-nonce", []byte("hi"))

	var accepted, replayed atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			switch err := v.Verify(context.Background(), req); {
			case err == nil:
				accepted.Add(1)
			case errors.Is(err, ErrReplayedNonce):
				replayed.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if accepted.Load() != 1 {
		t.Errorf("accepted = %d, want exactly 1", accepted.Load())
	}
	if replayed.Load() != 63 {
		t.Errorf("replayed = %d, want 63", replayed.Load())
	}
}

func TestSignatureVerifier_IsExempt(t *testing.T) {
	v, _ := newTestVerifier(t, testSecret)

	tests := []struct {
		method string
		path   string
		want   bool
	}{
		{http.MethodOptions, "/api/anything", true},
		{http.MethodPost, "/api/auth/login", true},
		{http.MethodPost, "/api/auth/register", true},
		{http.MethodGet, "/health", true},
		{http.MethodGet, "/docs", true},
		{http.MethodGet, "/api/tours", true},
		{http.MethodGet, "/api/tours/15", true},
		{http.MethodHead, "/api/agencies/3", true},
		{http.MethodPost, "/api/tours", false},
		{http.MethodDelete, "/api/tours/15", false},
		{http.MethodGet, "/api/admin/users", false},
		{http.MethodPost, "/api/auth/login/extra", false},
		{http.MethodPost, "/api/chat", false},
	}
	for _, tt := range tests {
		if got := v.IsExempt(tt.method, tt.path); got != tt.want {
			t.Errorf("IsExempt(%s %s) = %v, want %v", tt.method, tt.path, got, tt.want)
		}
	}
}

func TestSignatureVerifier_Disabled(t *testing.T) {
	var buf bytes.Buffer
	v, err := NewSignatureVerifier(SignatureConfig{Logger: slog.New(slog.NewTextHandler(&buf, nil))})
	if err != nil {
		t.Fatalf("NewSignatureVerifier() error = %v", err)
	}
	buf.Reset()

	for i := 0; i < 5; i++ {
		if err := v.Verify(context.Background(), SignedRequest{Method: "POST", Path: "/api/chat"}); err != nil {
			t.Fatalf("disabled Verify() error = %v, want nil", err)
		}
	}
	if n := strings.Count(buf.String(), EventSigningDisabled); n != 1 {
		t.Errorf("disabled warnings = %d, want 1 (throttled)", n)
	}
}

func TestSignatureVerifier_VerifyHTTP(t *testing.T) {
	v, clock := newTestVerifier(t, testSecret)
	body := `{"message":"Which tour fits a family?"}`

	req := httptest.NewRequest(http.MethodPost, "/api/chat?lang=en", strings.NewReader(body))
	if err := SignRequest(req, testSecret, clock.Now(), "http-nonce"); err != nil {
		t.Fatalf("SignRequest() error = %v", err)
	}
	if got := req.Header.Get(HeaderTimestamp); got != strconv.FormatInt(clock.Now().Unix(), 10) {
		t.Errorf("X-Timestamp = %q", got)
	}

	if err := v.VerifyHTTP(req); err != nil {
		t.Fatalf("VerifyHTTP() error = %v", err)
	}

	// The body is still readable downstream.
	got, _ := io.ReadAll(req.Body)
	if string(got) != body {
		t.Errorf("body after VerifyHTTP = %q, want %q", got, body)
	}

	// Missing headers are reported before the body is read.
	bare := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(body))
	if err := v.VerifyHTTP(bare); !errors.Is(err, ErrMissingSignatureHeaders) {
		t.Errorf("VerifyHTTP() without headers = %v, want ErrMissingSignatureHeaders", err)
	}

	exempt := httptest.NewRequest(http.MethodGet, "/api/tours/1", nil)
	if err := v.VerifyHTTP(exempt); err != nil {
		t.Errorf("VerifyHTTP() on exempt route = %v, want nil", err)
	}
}

func TestSignatureVerifier_BodyTooLarge(t *testing.T) {
	clock := testutil.NewMockTime(time.Unix(1700000000, 0))
	v, _ := NewSignatureVerifier(SignatureConfig{
		Secret:       testSecret,
		Nonces:       mock.New(),
		MaxBodyBytes: 16,
		Clock:        clock.Now,
	})

	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(strings.Repeat("x", 17)))
	_ = SignRequest(req, testSecret, clock.Now(), "big")
	if err := v.VerifyHTTP(req); !errors.Is(err, ErrBodyTooLarge) {
		t.Errorf("VerifyHTTP() = %v, want ErrBodyTooLarge", err)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(strings.Repeat("x", 16)))
	_ = SignRequest(req, testSecret, clock.Now(), "fits")
	if err := v.VerifyHTTP(req); err != nil {
		t.Errorf("VerifyHTTP() at the limit = %v, want nil", err)
	}
}

func TestSignatureVerifier_NonceStoreError(t *testing.T) {
	storeErr := errors.New("ledger offline")
	v, _ := NewSignatureVerifier(SignatureConfig{
		Secret: testSecret,
		Nonces: mock.NewFailing(storeErr),
		Clock:  func() time.Time { return time.Unix(1700000000, 0) },
	})

	err := v.Verify(context.Background(), signedRequest("POST", "/api/chat", "1700000000", "n", nil))
	if !errors.Is(err, storeErr) {
		t.Errorf("Verify() error = %v, want store error", err)
	}
	if SignatureRejectReason(err) != "internal_error" {
		t.Errorf("SignatureRejectReason() = %q, want internal_error", SignatureRejectReason(err))
	}
}

func TestSignatureRejectReason(t *testing.T) {
	tests := map[error]string{
		ErrMissingSignatureHeaders: "missing_headers",
		ErrMalformedTimestamp:      "malformed_timestamp",
		ErrExpiredTimestamp:        "expired_timestamp",
		ErrReplayedNonce:           "replayed_nonce",
		ErrBadSignature:            "bad_signature",
		ErrBodyTooLarge:            "body_too_large",
	}
	for err, want := range tests {
		if got := SignatureRejectReason(err); got != want {
			t.Errorf("SignatureRejectReason(%v) = %q, want %q", err, got, want)
		}
	}
}
