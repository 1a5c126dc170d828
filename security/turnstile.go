package security

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultTurnstileVerifyURL is Cloudflare's siteverify endpoint.
	DefaultTurnstileVerifyURL = "https://challenges.cloudflare.com/turnstile/v0/siteverify"

	// TurnstileHeader carries the challenge token on protected requests.
	TurnstileHeader = "X-Turnstile-Token"

	defaultTurnstileTimeout = 10 * time.Second
	maxTurnstileResponse    = 64 << 10
)

var (
	// ErrAntiBotFailed means the challenge token was missing or rejected.
	ErrAntiBotFailed = errors.New("anti-bot challenge failed")

	// ErrAntiBotUnavailable means the challenge provider could not be asked.
	// Only returned when FailOpen is false.
	ErrAntiBotUnavailable = errors.New("anti-bot challenge provider unavailable")
)

// TurnstileConfig configures a TurnstileVerifier.
type TurnstileConfig struct {
	// Secret is the Turnstile secret key. Empty disables verification, loudly.
	Secret string

	// VerifyURL defaults to DefaultTurnstileVerifyURL.
	VerifyURL string

	// HTTPClient defaults to a client with a 10 second timeout.
	HTTPClient *http.Client

	// FailOpen accepts requests when the provider cannot be reached.
	// This trades the anti-bot guarantee for availability; every such
	// acceptance is logged at error level.
	FailOpen bool

	// Auditor receives turnstile_failed and turnstile_error events. Optional.
	Auditor *Auditor

	// Logger for structured logging (default: slog.Default())
	Logger *slog.Logger
}

// TurnstileVerifier checks Cloudflare Turnstile tokens.
type TurnstileVerifier struct {
	secret    string
	verifyURL string
	client    *http.Client
	failOpen  bool
	auditor   *Auditor
	logger    *slog.Logger

	disabledWarning rate.Sometimes
}

type turnstileResponse struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"error-codes"`
	Hostname   string   `json:"hostname"`
}

// NewTurnstileVerifier creates a verifier from cfg.
func NewTurnstileVerifier(cfg TurnstileConfig) *TurnstileVerifier {
	if cfg.VerifyURL == "" {
		cfg.VerifyURL = DefaultTurnstileVerifyURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultTurnstileTimeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	v := &TurnstileVerifier{
		secret:          cfg.Secret,
		verifyURL:       cfg.VerifyURL,
		client:          cfg.HTTPClient,
		failOpen:        cfg.FailOpen,
		auditor:         cfg.Auditor,
		logger:          cfg.Logger,
		disabledWarning: rate.Sometimes{First: 1, Interval: time.Minute},
	}

	switch {
	case !v.Enabled():
		v.logger.Warn("Turnstile verification is DISABLED: no secret configured")
	case v.failOpen:
		v.logger.Warn("Turnstile verification fails OPEN: provider errors will admit requests")
	}
	return v
}

// Enabled reports whether a secret is configured.
func (v *TurnstileVerifier) Enabled() bool {
	return v.secret != ""
}

// Verify checks token for the client at ip. It returns ErrAntiBotFailed for
// a missing or rejected token and ErrAntiBotUnavailable when the provider
// cannot answer (unless FailOpen is set).
func (v *TurnstileVerifier) Verify(ctx context.Context, token, ip string) error {
	if !v.Enabled() {
		v.disabledWarning.Do(func() {
			v.logger.Warn("Accepting request without anti-bot challenge: Turnstile is disabled")
		})
		return nil
	}
	if token == "" {
		return fmt.Errorf("%w: missing token", ErrAntiBotFailed)
	}

	result, err := v.siteverify(ctx, token, ip)
	if err != nil {
		v.auditor.LogEvent(ctx, Event{
			Type:      EventAntiBotError,
			Severity:  SeverityError,
			IPAddress: ip,
			Details:   map[string]any{"error": err.Error(), "fail_open": v.failOpen},
		})
		if v.failOpen {
			v.logger.Error("Turnstile unavailable, admitting request because fail-open is configured",
				"error", err)
			return nil
		}
		return fmt.Errorf("%w: %v", ErrAntiBotUnavailable, err)
	}

	if !result.Success {
		v.auditor.LogEvent(ctx, Event{
			Type:      EventAntiBotFailed,
			Severity:  SeverityWarn,
			IPAddress: ip,
			Details:   map[string]any{"error_codes": strings.Join(result.ErrorCodes, ",")},
		})
		return fmt.Errorf("%w: %s", ErrAntiBotFailed, strings.Join(result.ErrorCodes, ","))
	}
	return nil
}

func (v *TurnstileVerifier) siteverify(ctx context.Context, token, ip string) (*turnstileResponse, error) {
	form := url.Values{
		"secret":   {v.secret},
		"response": {token},
	}
	if ip != "" {
		form.Set("remoteip", ip)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.verifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build siteverify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("siteverify request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("siteverify returned status %d", resp.StatusCode)
	}

	var result turnstileResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxTurnstileResponse)).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode siteverify response: %w", err)
	}
	return &result, nil
}
