// Package observability connects the gateway binary to Sentry.
package observability

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/tourmarket/requestgate/security"
)

// InitSentry configures the global Sentry client. An empty dsn is a no-op.
func InitSentry(dsn, environment, release string) error {
	if dsn == "" {
		return nil
	}

	return sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		Release:          release,
		AttachStacktrace: true,
	})
}

// FlushSentry waits for buffered events to be sent.
func FlushSentry() {
	sentry.Flush(2 * time.Second)
}

// capturer is the part of *sentry.Hub the reporter needs.
type capturer interface {
	CaptureEvent(event *sentry.Event) *sentry.EventID
}

// SentryReporter forwards critical audit events to Sentry. It implements
// security.Reporter.
type SentryReporter struct {
	hub capturer
}

// NewSentryReporter reports through hub, or the current hub when nil.
func NewSentryReporter(hub *sentry.Hub) *SentryReporter {
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	return &SentryReporter{hub: hub}
}

// Report sends event. User identifiers are never sent and addresses are masked.
func (r *SentryReporter) Report(ctx context.Context, event security.Event) {
	r.hub.CaptureEvent(toSentryEvent(ctx, event))
}

func toSentryEvent(ctx context.Context, event security.Event) *sentry.Event {
	ev := sentry.NewEvent()
	ev.Level = sentryLevel(event.Severity)
	ev.Logger = "security_audit"
	ev.Message = "security event: " + event.Type
	ev.Timestamp = event.Timestamp
	ev.Tags["event_type"] = event.Type
	ev.Tags["severity"] = string(event.Severity)
	if requestID := security.GetRequestID(ctx); requestID != "" {
		ev.Tags["request_id"] = requestID
	}
	if event.IPAddress != "" {
		ev.Extra["ip_address"] = security.MaskIP(event.IPAddress)
	}
	for k, v := range security.MaskDetails(event.Details) {
		ev.Extra[k] = v
	}
	return ev
}

func sentryLevel(s security.Severity) sentry.Level {
	switch s {
	case security.SeverityCritical:
		return sentry.LevelFatal
	case security.SeverityError:
		return sentry.LevelError
	case security.SeverityWarn:
		return sentry.LevelWarning
	default:
		return sentry.LevelInfo
	}
}
