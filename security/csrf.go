package security

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tourmarket/requestgate/storage"
)

const (
	// CSRFHeader carries the token on state-changing requests.
	CSRFHeader = "X-CSRF-Token"

	// DefaultCSRFTokenTTL is the lifetime of an issued token.
	DefaultCSRFTokenTTL = time.Hour

	// csrfTokenBytes is the token entropy before encoding.
	csrfTokenBytes = 32
)

// CSRFManager issues one token per session and validates it on
// state-changing requests.
//
// Only the SHA-256 digest of a token is stored, so a leaked store does not
// reveal usable tokens. Issuing a new token for a session overwrites the old
// one, which stops validating immediately.
type CSRFManager struct {
	store  storage.Store
	ttl    time.Duration
	logger *slog.Logger
}

// NewCSRFManager creates a manager over store. ttl <= 0 selects DefaultCSRFTokenTTL.
func NewCSRFManager(store storage.Store, ttl time.Duration, logger *slog.Logger) *CSRFManager {
	if ttl <= 0 {
		ttl = DefaultCSRFTokenTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CSRFManager{
		store:  store,
		ttl:    ttl,
		logger: logger,
	}
}

// GenerateCSRFToken returns 32 random bytes encoded as unpadded base64url.
func GenerateCSRFToken() (string, error) {
	b := make([]byte, csrfTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate csrf token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Issue mints a token for sessionID, replacing any previous one, and returns
// it. The caller hands it to the client once, e.g. in the login response.
func (m *CSRFManager) Issue(ctx context.Context, sessionID string) (string, error) {
	if sessionID == "" {
		return "", fmt.Errorf("issue csrf token: empty session id")
	}
	token, err := GenerateCSRFToken()
	if err != nil {
		return "", err
	}
	if err := m.store.Put(ctx, csrfKey(sessionID), digestToken(token), m.ttl); err != nil {
		return "", fmt.Errorf("store csrf token: %w", err)
	}
	m.logger.Debug("CSRF token issued", "session_hash", hashForLogging(sessionID))
	return token, nil
}

// Verify reports whether token is the live token of sessionID.
// Empty inputs and unknown sessions are simply false.
func (m *CSRFManager) Verify(ctx context.Context, sessionID, token string) (bool, error) {
	if sessionID == "" || token == "" {
		return false, nil
	}
	stored, ok, err := m.store.Get(ctx, csrfKey(sessionID))
	if err != nil {
		return false, fmt.Errorf("load csrf token: %w", err)
	}
	if !ok {
		return false, nil
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(digestToken(token))) == 1, nil
}

// VerifyRequest validates the CSRFHeader of r against sessionID.
func (m *CSRFManager) VerifyRequest(r *http.Request, sessionID string) (bool, error) {
	return m.Verify(r.Context(), sessionID, r.Header.Get(CSRFHeader))
}

// Revoke removes the token of sessionID, e.g. on logout.
func (m *CSRFManager) Revoke(ctx context.Context, sessionID string) error {
	if err := m.store.Delete(ctx, csrfKey(sessionID)); err != nil {
		return fmt.Errorf("revoke csrf token: %w", err)
	}
	return nil
}

// RequiresCSRF reports whether method changes state.
func RequiresCSRF(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

func csrfKey(sessionID string) string { return "csrf:" + sessionID }

func digestToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
