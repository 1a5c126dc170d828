package security

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/tourmarket/requestgate/storage"
)

// Signed request headers.
const (
	HeaderTimestamp = "X-Timestamp"
	HeaderNonce     = "X-Nonce"
	HeaderSignature = "X-Signature"
)

const (
	// DefaultMaxBodyBytes bounds the body read for hashing.
	DefaultMaxBodyBytes int64 = 10 << 20

	// maxNonceLength bounds what a client can make the nonce ledger store.
	maxNonceLength = 128
)

// Signature verification failures. The gateway answers all of them with the
// same generic 401; the distinction is for server-side logs and metrics only.
var (
	ErrMissingSignatureHeaders = errors.New("missing or malformed signature headers")
	ErrMalformedTimestamp      = errors.New("malformed request timestamp")
	ErrExpiredTimestamp        = errors.New("request timestamp outside tolerance")
	ErrReplayedNonce           = errors.New("nonce already used")
	ErrBadSignature            = errors.New("signature mismatch")
	ErrBodyTooLarge            = errors.New("request body too large to verify")
)

// DefaultSignatureExemptPaths skip verification for every method: the
// pre-authentication endpoints plus docs and health.
var DefaultSignatureExemptPaths = []string{
	"/api/auth/login",
	"/api/auth/register",
	"/api/auth/google",
	"/api/auth/sync-session",
	"/api/auth/reset-password",
	"/api/auth/verify-otp",
	"/docs",
	"/openapi.json",
	"/health",
}

// DefaultSignatureExemptReadPrefixes skip verification for GET and HEAD only.
var DefaultSignatureExemptReadPrefixes = []string{
	"/api/tours",
	"/api/agencies",
}

// BodyHash returns the hex SHA-256 of body. An empty body hashes the empty string.
func BodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// CanonicalString builds "METHOD:PATH:TIMESTAMP:NONCE:BODYHASH".
func CanonicalString(method, path, timestamp, nonce, bodyHash string) string {
	return method + ":" + path + ":" + timestamp + ":" + nonce + ":" + bodyHash
}

// ComputeSignature returns hex(HMAC-SHA256(secret, canonical string)).
// Clients must reproduce this byte for byte.
func ComputeSignature(secret, method, path, timestamp, nonce, bodyHash string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(CanonicalString(method, path, timestamp, nonce, bodyHash)))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignRequest sets the signature headers on r for the given time and nonce.
// The body is read and restored.
func SignRequest(r *http.Request, secret string, now time.Time, nonce string) error {
	body, err := readAndRestoreBody(r, -1)
	if err != nil {
		return err
	}
	timestamp := strconv.FormatInt(now.Unix(), 10)
	r.Header.Set(HeaderTimestamp, timestamp)
	r.Header.Set(HeaderNonce, nonce)
	r.Header.Set(HeaderSignature, ComputeSignature(secret, r.Method, r.URL.Path, timestamp, nonce, BodyHash(body)))
	return nil
}

// SignedRequest is the transport-independent input to Verify.
type SignedRequest struct {
	Method    string
	Path      string
	Timestamp string
	Nonce     string
	Signature string
	Body      []byte
}

// SignatureConfig configures a SignatureVerifier.
type SignatureConfig struct {
	// Secret is the shared HMAC key. Empty disables verification, loudly.
	Secret string

	// Nonces is the replay ledger. Required when Secret is set.
	Nonces storage.Store

	// Tolerance is the accepted clock skew in either direction (default: 60s).
	Tolerance time.Duration

	// NonceTTL is how long a consumed nonce is remembered (default: 120s).
	NonceTTL time.Duration

	// ExemptPaths bypass verification for every method.
	// Nil selects DefaultSignatureExemptPaths.
	ExemptPaths []string

	// ExemptReadPrefixes bypass verification for GET and HEAD.
	// Nil selects DefaultSignatureExemptReadPrefixes.
	ExemptReadPrefixes []string

	// MaxBodyBytes bounds the body read by VerifyHTTP (default: 10 MiB).
	MaxBodyBytes int64

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time

	// Logger for structured logging (default: slog.Default())
	Logger *slog.Logger
}

// SignatureVerifier checks the HMAC signature, timestamp and nonce carried by
// mutating requests.
type SignatureVerifier struct {
	secret             string
	nonces             storage.Store
	tolerance          time.Duration
	nonceTTL           time.Duration
	exemptPaths        map[string]struct{}
	exemptReadPrefixes []string
	maxBodyBytes       int64
	now                func() time.Time
	logger             *slog.Logger

	disabledWarning rate.Sometimes
}

// NewSignatureVerifier creates a verifier from cfg, applying defaults.
func NewSignatureVerifier(cfg SignatureConfig) (*SignatureVerifier, error) {
	if cfg.Secret != "" && cfg.Nonces == nil {
		return nil, fmt.Errorf("signature verifier requires a nonce store")
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = DefaultTimestampTolerance
	}
	if cfg.NonceTTL <= 0 {
		cfg.NonceTTL = DefaultNonceTTL
	}
	if cfg.ExemptPaths == nil {
		cfg.ExemptPaths = DefaultSignatureExemptPaths
	}
	if cfg.ExemptReadPrefixes == nil {
		cfg.ExemptReadPrefixes = DefaultSignatureExemptReadPrefixes
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	exempt := make(map[string]struct{}, len(cfg.ExemptPaths))
	for _, p := range cfg.ExemptPaths {
		exempt[p] = struct{}{}
	}

	v := &SignatureVerifier{
		secret:             cfg.Secret,
		nonces:             cfg.Nonces,
		tolerance:          cfg.Tolerance,
		nonceTTL:           cfg.NonceTTL,
		exemptPaths:        exempt,
		exemptReadPrefixes: cfg.ExemptReadPrefixes,
		maxBodyBytes:       cfg.MaxBodyBytes,
		now:                cfg.Clock,
		logger:             cfg.Logger,
		disabledWarning:    rate.Sometimes{First: 1, Interval: time.Minute},
	}

	if !v.Enabled() {
		v.logger.Warn("Request signing is DISABLED: no signing secret configured. " +
			"Mutating requests are accepted without signature, timestamp or nonce checks.")
	}
	return v, nil
}

// Enabled reports whether a signing secret is configured.
func (v *SignatureVerifier) Enabled() bool {
	return v.secret != ""
}

// IsExempt reports whether method and path bypass verification.
func (v *SignatureVerifier) IsExempt(method, path string) bool {
	if method == http.MethodOptions {
		return true
	}
	if _, ok := v.exemptPaths[path]; ok {
		return true
	}
	if method == http.MethodGet || method == http.MethodHead {
		for _, prefix := range v.exemptReadPrefixes {
			if strings.HasPrefix(path, prefix) {
				return true
			}
		}
	}
	return false
}

// Verify checks req in order: exemption, headers, timestamp, nonce, signature.
// The nonce is consumed before the signature is compared so that concurrent
// duplicates cannot both pass.
func (v *SignatureVerifier) Verify(ctx context.Context, req SignedRequest) error {
	if v.IsExempt(req.Method, req.Path) {
		return nil
	}
	if !v.Enabled() {
		v.warnDisabled(req.Method, req.Path)
		return nil
	}
	return v.verify(ctx, req)
}

// VerifyHTTP verifies r. The body is read up to MaxBodyBytes and restored so
// the next handler can read it again.
func (v *SignatureVerifier) VerifyHTTP(r *http.Request) error {
	if v.IsExempt(r.Method, r.URL.Path) {
		return nil
	}
	if !v.Enabled() {
		v.warnDisabled(r.Method, r.URL.Path)
		return nil
	}

	req := SignedRequest{
		Method:    r.Method,
		Path:      r.URL.Path,
		Timestamp: r.Header.Get(HeaderTimestamp),
		Nonce:     r.Header.Get(HeaderNonce),
		Signature: r.Header.Get(HeaderSignature),
	}
	if req.Timestamp == "" || req.Nonce == "" || req.Signature == "" {
		return ErrMissingSignatureHeaders
	}

	body, err := readAndRestoreBody(r, v.maxBodyBytes)
	if err != nil {
		return err
	}
	req.Body = body
	return v.verify(r.Context(), req)
}

func (v *SignatureVerifier) verify(ctx context.Context, req SignedRequest) error {
	if req.Timestamp == "" || req.Nonce == "" || req.Signature == "" || len(req.Nonce) > maxNonceLength {
		return ErrMissingSignatureHeaders
	}

	ts, err := ParseUnixTimestamp(req.Timestamp)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedTimestamp, err)
	}
	if !WithinTolerance(ts, v.now(), v.tolerance) {
		return ErrExpiredTimestamp
	}

	inserted, err := v.nonces.PutIfAbsent(ctx, "nonce:"+req.Nonce, req.Timestamp, v.nonceTTL)
	if err != nil {
		return fmt.Errorf("nonce ledger: %w", err)
	}
	if !inserted {
		return ErrReplayedNonce
	}

	expected := ComputeSignature(v.secret, req.Method, req.Path, req.Timestamp, req.Nonce, BodyHash(req.Body))
	if !hmac.Equal([]byte(req.Signature), []byte(expected)) {
		return ErrBadSignature
	}
	return nil
}

func (v *SignatureVerifier) warnDisabled(method, path string) {
	v.disabledWarning.Do(func() {
		v.logger.Warn("Accepting unsigned request: request signing is disabled",
			"event_type", EventSigningDisabled,
			"method", method,
			"path", path)
	})
}

// SignatureRejectReason maps a verification error to a stable metric label.
func SignatureRejectReason(err error) string {
	switch {
	case errors.Is(err, ErrMissingSignatureHeaders):
		return "missing_headers"
	case errors.Is(err, ErrMalformedTimestamp):
		return "malformed_timestamp"
	case errors.Is(err, ErrExpiredTimestamp):
		return "expired_timestamp"
	case errors.Is(err, ErrReplayedNonce):
		return "replayed_nonce"
	case errors.Is(err, ErrBadSignature):
		return "bad_signature"
	case errors.Is(err, ErrBodyTooLarge):
		return "body_too_large"
	default:
		return "internal_error"
	}
}

// readAndRestoreBody reads r.Body (at most limit bytes when limit >= 0) and
// replaces it with an in-memory copy.
func readAndRestoreBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	original := r.Body
	defer func() { _ = original.Close() }()

	reader := io.Reader(original)
	if limit >= 0 {
		reader = io.LimitReader(original, limit+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if limit >= 0 && int64(len(body)) > limit {
		return nil, ErrBodyTooLarge
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
