package security

// Event type constants for security audit logging.
// These constants ensure consistency across the codebase and prevent typos
// when logging security-relevant events.
const (
	// Login events

	// EventLoginFailed is logged when a failed login is recorded for an IP
	EventLoginFailed = "login_failed"

	// EventBruteForceDetected is logged when an IP reaches the failure threshold and is locked out
	EventBruteForceDetected = "brute_force_detected"

	// EventLockoutRejected is logged when a login attempt arrives during an active lockout
	EventLockoutRejected = "lockout_rejected"

	// EventLockoutExpired is logged when an elapsed lockout is cleared on the next check
	EventLockoutExpired = "lockout_expired"

	// Request limiting events

	// EventRateLimitExceeded is logged when a route budget is exhausted
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventUsageLimitExceeded is logged when the per-user usage budget is exhausted
	EventUsageLimitExceeded = "usage_limit_exceeded"

	// Request integrity events

	// EventSignatureRejected is logged when a request signature fails verification
	EventSignatureRejected = "signature_rejected"

	// EventSigningDisabled is logged when signed routes are served without a signing secret
	EventSigningDisabled = "signing_disabled"

	// EventCSRFRejected is logged when a state-changing request carries a missing or wrong CSRF token
	EventCSRFRejected = "csrf_rejected"

	// EventCSRFTokenIssued is logged when a CSRF token is minted for a session
	EventCSRFTokenIssued = "csrf_token_issued" //nolint:gosec // G101: False positive - this is an event type name, not a credential

	// Bot and exploit events

	// EventAntiBotFailed is logged when the challenge provider rejects a token
	EventAntiBotFailed = "turnstile_failed"

	// EventAntiBotError is logged when the challenge provider cannot be reached
	EventAntiBotError = "turnstile_error"

	// EventWAFBlock is logged when a request targets a known exploit path
	EventWAFBlock = "waf_block"

	// EventInputRejected is logged when a request field matches an injection pattern
	EventInputRejected = "input_rejected"

	// Operational events

	// EventStoreUnavailable is logged when a state store fails and the request is refused
	EventStoreUnavailable = "store_unavailable"
)
