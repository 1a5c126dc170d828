package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	gate "github.com/tourmarket/requestgate"
	"github.com/tourmarket/requestgate/security"
)

const (
	demoEmail     = "demo@tourmarket.example"
	sessionMaxAge = 24 * time.Hour
	maxLoginBody  = 4 << 10
)

// sessionStore maps session IDs to user IDs. Sessions live in memory only.
type sessionStore struct {
	mu       sync.RWMutex
	sessions map[string]string
}

func newSessionStore() *sessionStore {
	return &sessionStore{sessions: make(map[string]string)}
}

func (s *sessionStore) create(userID string) string {
	sid := uuid.NewString()
	s.mu.Lock()
	s.sessions[sid] = userID
	s.mu.Unlock()
	return sid
}

func (s *sessionStore) user(sid string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	userID, ok := s.sessions[sid]
	return userID, ok
}

func (s *sessionStore) delete(sid string) {
	s.mu.Lock()
	delete(s.sessions, sid)
	s.mu.Unlock()
}

// middleware attaches the user of a valid session cookie to the request so
// the gateway charges usage per user.
func (s *sessionStore) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie(gate.DefaultSessionCookie); err == nil {
			if userID, ok := s.user(c.Value); ok {
				r = r.WithContext(gate.WithUserID(r.Context(), userID))
			}
		}
		next.ServeHTTP(w, r)
	})
}

type user struct {
	ID           string
	PasswordHash []byte
}

// api is the demo marketplace. Business data is static.
type api struct {
	gw       *gate.Gateway
	logger   *slog.Logger
	sessions *sessionStore
	users    map[string]user

	// dummyHash is compared for unknown e-mails so every login costs one
	// bcrypt comparison.
	dummyHash []byte
	compare   func(hash, password []byte) error
}

func newAPI(gw *gate.Gateway, logger *slog.Logger, demoPassword string) (*api, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(demoPassword), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash demo password: %w", err)
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte(uuid.NewString()), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash dummy password: %w", err)
	}
	return &api{
		gw:       gw,
		logger:   logger,
		sessions: newSessionStore(),
		users: map[string]user{
			demoEmail: {ID: uuid.NewString(), PasswordHash: hash},
		},
		dummyHash: dummy,
		compare:   bcrypt.CompareHashAndPassword,
	}, nil
}

func (a *api) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/auth/login", a.login)
	mux.HandleFunc("POST /api/auth/logout", a.logout)
	mux.HandleFunc("GET /api/tours", a.listTours)
	mux.HandleFunc("POST /api/chat", a.chat)
	mux.HandleFunc("POST /api/compare", a.compareTours)
	mux.HandleFunc("GET /api/health", a.health)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// login runs after the gateway has refused locked-out IPs, so the password
// hash is only compared for IPs that may still try.
func (a *api) login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, _ := gate.IdentityFromContext(ctx)
	logger := security.RequestLogger(ctx, a.logger)

	var req loginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxLoginBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}

	if err := a.gw.ValidateInput(r, "email", req.Email); err != nil {
		gate.WriteError(w, gate.ErrInvalidInput())
		return
	}

	u, ok := a.users[strings.ToLower(strings.TrimSpace(req.Email))]
	hash := u.PasswordHash
	if !ok {
		hash = a.dummyHash
	}
	if err := a.compare(hash, []byte(req.Password)); !ok || err != nil {
		state, err := a.gw.LoginFailed(ctx, id.IP)
		if err != nil {
			logger.Error("Failed to record login failure", "error", err)
		}
		if state == security.GuardLocked {
			var locked *security.LockedOutError
			if errors.As(a.gw.CheckLogin(ctx, id.IP), &locked) {
				gate.WriteError(w, gate.ErrLockedOut(locked.RetryAfter))
				return
			}
		}
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_credentials"})
		return
	}

	if err := a.gw.LoginSucceeded(ctx, id.IP); err != nil {
		logger.Error("Failed to reset login failures", "error", err)
	}

	sid := a.sessions.create(u.ID)
	token, err := a.gw.IssueCSRF(ctx, sid)
	if err != nil {
		a.sessions.delete(sid)
		gate.WriteError(w, gate.ErrServiceUnavailable())
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     gate.DefaultSessionCookie,
		Value:    sid,
		Path:     "/",
		MaxAge:   int(sessionMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]string{
		"user_id":    u.ID,
		"csrf_token": token,
	})
}

func (a *api) logout(w http.ResponseWriter, r *http.Request) {
	c, err := r.Cookie(gate.DefaultSessionCookie)
	if err == nil {
		a.sessions.delete(c.Value)
		if err := a.gw.RevokeCSRF(r.Context(), c.Value); err != nil {
			a.logger.Warn("Failed to revoke CSRF token", "error", err)
		}
	}
	http.SetCookie(w, &http.Cookie{Name: gate.DefaultSessionCookie, Path: "/", MaxAge: -1})
	w.WriteHeader(http.StatusNoContent)
}

var demoTours = []map[string]any{
	{"id": 1, "title": "Cappadocia Balloon Sunrise", "price": 220},
	{"id": 2, "title": "Bosphorus Dinner Cruise", "price": 85},
	{"id": 3, "title": "Ephesus Day Trip", "price": 140},
}

func (a *api) listTours(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tours": demoTours})
}

func (a *api) usage(r *http.Request) int64 {
	ctx := r.Context()
	id, _ := gate.IdentityFromContext(ctx)
	used, err := a.gw.Usage(ctx, gate.UserIDFromContext(ctx), id.IP)
	if err != nil {
		a.logger.Warn("Failed to read usage", "error", err)
	}
	return used
}

func (a *api) chat(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"reply": "Our most popular tour this week is the Cappadocia Balloon Sunrise.",
		"usage": a.usage(r),
	})
}

func (a *api) compareTours(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TourIDs []int `json:"tour_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.TourIDs) < 2 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "at least two tour_ids are required"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"summary": fmt.Sprintf("Compared %d tours.", len(req.TourIDs)),
		"usage":   a.usage(r),
	})
}

func (a *api) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
