package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/tourmarket/requestgate/instrumentation"
	"github.com/tourmarket/requestgate/internal/util"
)

// Severity grades audit events. Critical events are also sent to the Reporter.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarn     Severity = "WARN"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

func (s Severity) level() slog.Level {
	switch s {
	case SeverityWarn:
		return slog.LevelWarn
	case SeverityError, SeverityCritical:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Reporter receives critical audit events, e.g. to page on-call through an
// error tracker. Events are already masked when they reach the Reporter.
type Reporter interface {
	Report(ctx context.Context, event Event)
}

// AuditorConfig configures an Auditor.
type AuditorConfig struct {
	Logger *slog.Logger

	// Enabled turns audit logging on. A disabled auditor drops every event.
	Enabled bool

	// MaskIPs replaces the host part of logged addresses (192.168.***.***).
	MaskIPs bool

	// Reporter is optional and only sees SeverityCritical events.
	Reporter Reporter

	// Metrics counts events by type and severity when set.
	Metrics *instrumentation.Metrics
}

// Auditor handles security event logging with PII protection.
type Auditor struct {
	logger   *slog.Logger
	enabled  bool
	maskIPs  bool
	reporter Reporter
	metrics  *instrumentation.Metrics
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	return NewAuditorWithConfig(AuditorConfig{Logger: logger, Enabled: enabled})
}

// NewAuditorWithConfig creates an auditor with masking, metrics and a reporter.
func NewAuditorWithConfig(cfg AuditorConfig) *Auditor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Auditor{
		logger:   cfg.Logger,
		enabled:  cfg.Enabled,
		maskIPs:  cfg.MaskIPs,
		reporter: cfg.Reporter,
		metrics:  cfg.Metrics,
	}
}

// Event represents a security audit event
type Event struct {
	Type      string
	Severity  Severity
	UserID    string
	Email     string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed user IDs and masked details.
// A nil Auditor is a no-op so components can run without one.
func (a *Auditor) LogEvent(ctx context.Context, event Event) {
	if a == nil || !a.enabled {
		return
	}

	if event.Severity == "" {
		event.Severity = SeverityInfo
	}
	event.Timestamp = time.Now()
	event.Details = MaskDetails(event.Details)
	if event.Email != "" {
		event.Email = MaskEmail(event.Email)
	}

	ipClass := util.ClassifyIP(event.IPAddress).String()
	if a.maskIPs && event.IPAddress != "" {
		event.IPAddress = MaskIP(event.IPAddress)
	}

	attrs := []any{
		"event_type", event.Type,
		"severity", string(event.Severity),
		"user_id_hash", hashForLogging(event.UserID),
		"ip_address", event.IPAddress,
		"ip_class", ipClass,
		"details", event.Details,
		"timestamp", event.Timestamp,
	}
	if event.Email != "" {
		attrs = append(attrs, "email", event.Email)
	}
	if requestID := GetRequestID(ctx); requestID != "" {
		attrs = append(attrs, "request_id", requestID)
	}

	a.logger.Log(ctx, event.Severity.level(), "security_audit", attrs...)

	if a.metrics != nil {
		a.metrics.RecordAuditEvent(ctx, event.Type, string(event.Severity))
	}
	if a.reporter != nil && event.Severity == SeverityCritical {
		a.reporter.Report(ctx, event)
	}
}

// LogLoginFailure logs a failed login recorded against ip
func (a *Auditor) LogLoginFailure(ctx context.Context, ip string, failures int64) {
	a.LogEvent(ctx, Event{
		Type:      EventLoginFailed,
		Severity:  SeverityWarn,
		IPAddress: ip,
		Details: map[string]any{
			"failures": failures,
		},
	})
}

// LogBruteForceDetected logs the transition of ip into the locked state
func (a *Auditor) LogBruteForceDetected(ctx context.Context, ip string, attempts int64, unlockAt time.Time) {
	a.LogEvent(ctx, Event{
		Type:      EventBruteForceDetected,
		Severity:  SeverityCritical,
		IPAddress: ip,
		Details: map[string]any{
			"attempts":  attempts,
			"unlock_at": unlockAt.UTC().Format(time.RFC3339),
		},
	})
}

// LogLockoutRejected logs a login attempt refused during a lockout
func (a *Auditor) LogLockoutRejected(ctx context.Context, ip string, retryAfter time.Duration) {
	a.LogEvent(ctx, Event{
		Type:      EventLockoutRejected,
		Severity:  SeverityWarn,
		IPAddress: ip,
		Details: map[string]any{
			"retry_after_s": int64(retryAfter.Seconds()),
		},
	})
}

// LogRateLimitExceeded logs a rate limit violation
func (a *Auditor) LogRateLimitExceeded(ctx context.Context, ip, userID, route, limiterType string) {
	eventType := EventRateLimitExceeded
	if limiterType == "usage" {
		eventType = EventUsageLimitExceeded
	}
	a.LogEvent(ctx, Event{
		Type:      eventType,
		Severity:  SeverityWarn,
		UserID:    userID,
		IPAddress: ip,
		Details: map[string]any{
			"route": route,
		},
	})
}

// LogSignatureRejected logs why a request signature was refused.
// The reason never reaches the client.
func (a *Auditor) LogSignatureRejected(ctx context.Context, ip, method, path, reason string) {
	a.LogEvent(ctx, Event{
		Type:      EventSignatureRejected,
		Severity:  SeverityWarn,
		IPAddress: ip,
		Details: map[string]any{
			"method": method,
			"path":   path,
			"reason": reason,
		},
	})
}

// LogCSRFRejected logs a failed CSRF check for a session
func (a *Auditor) LogCSRFRejected(ctx context.Context, ip, sessionID, path string) {
	a.LogEvent(ctx, Event{
		Type:      EventCSRFRejected,
		Severity:  SeverityWarn,
		UserID:    sessionID,
		IPAddress: ip,
		Details: map[string]any{
			"path": path,
		},
	})
}

// LogPathBlocked logs a request to a known exploit path
func (a *Auditor) LogPathBlocked(ctx context.Context, ip, path string) {
	a.LogEvent(ctx, Event{
		Type:      EventWAFBlock,
		Severity:  SeverityWarn,
		IPAddress: ip,
		Details: map[string]any{
			"path": util.TruncateRunes(path, 200),
		},
	})
}

// LogInputRejected logs a field that matched an injection pattern.
// The value itself is never logged.
func (a *Auditor) LogInputRejected(ctx context.Context, ip, path, field, category string) {
	a.LogEvent(ctx, Event{
		Type:      EventInputRejected,
		Severity:  SeverityWarn,
		IPAddress: ip,
		Details: map[string]any{
			"path":     util.TruncateRunes(path, 200),
			"field":    util.TruncateRunes(field, 64),
			"category": category,
		},
	})
}

// LogStoreUnavailable logs a request refused because state could not be read
func (a *Auditor) LogStoreUnavailable(ctx context.Context, ip, component string, err error) {
	a.LogEvent(ctx, Event{
		Type:      EventStoreUnavailable,
		Severity:  SeverityError,
		IPAddress: ip,
		Details: map[string]any{
			"component": component,
			"error":     err.Error(),
		},
	})
}

// MaskIP hides the host part of an address: 192.168.1.100 becomes
// 192.168.***.*** and 2001:db8::1 becomes 2001:db8:***. Anything that does
// not parse is replaced entirely.
func MaskIP(ip string) string {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return "***"
	}
	addr = addr.Unmap()
	if addr.Is4() {
		b := addr.As4()
		return strconv.Itoa(int(b[0])) + "." + strconv.Itoa(int(b[1])) + ".***.***"
	}
	b := addr.As16()
	return hextet(b[0], b[1]) + ":" + hextet(b[2], b[3]) + ":***"
}

func hextet(hi, lo byte) string {
	return strconv.FormatUint(uint64(hi)<<8|uint64(lo), 16)
}

// MaskEmail keeps the first character of the local part and of the domain:
// user@example.com becomes u***@e***.com.
func MaskEmail(email string) string {
	local, domain, ok := strings.Cut(email, "@")
	if !ok || email == "" {
		return "***"
	}

	maskedLocal := "***"
	if local != "" {
		maskedLocal = local[:1] + "***"
	}

	host, tld, _ := strings.Cut(domain, ".")
	maskedDomain := "***"
	if host != "" {
		maskedDomain = host[:1] + "***"
	}
	if tld == "" {
		return maskedLocal + "@" + maskedDomain
	}
	return maskedLocal + "@" + maskedDomain + "." + tld
}

// sensitiveDetailKeys are redacted wherever they appear in a detail key.
var sensitiveDetailKeys = []string{"token", "password", "secret", "authorization", "signature", "nonce"}

// MaskDetails returns a copy of details with e-mail and IP values masked and
// credential-like values redacted.
func MaskDetails(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}
	masked := make(map[string]any, len(details))
	for k, v := range details {
		key := strings.ToLower(k)
		switch {
		case strings.Contains(key, "email"):
			s, _ := v.(string)
			masked[k] = MaskEmail(s)
		case key == "ip" || strings.HasSuffix(key, "_ip"):
			s, _ := v.(string)
			masked[k] = MaskIP(s)
		case containsAny(key, sensitiveDetailKeys):
			masked[k] = "***REDACTED***"
		default:
			masked[k] = v
		}
	}
	return masked
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
