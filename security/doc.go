// Package security implements the checks a request passes before it reaches
// a tour marketplace handler.
//
// # Client identity
//
// Resolver derives the client IP. Forwarding headers (X-Real-IP, then the
// first X-Forwarded-For entry, then CF-Connecting-IP) are honored only when
// the TCP peer belongs to a trusted proxy prefix. ClientIdentity combines
// that IP with a fingerprint of User-Agent and Accept-Language; its Key is
// what per-client limits are counted against.
//
// # Limits
//
// RateLimiter is a fixed-window counter per route and client. UsageLimiter
// applies a second, per-user hourly budget to expensive endpoints. Both keep
// their state in a storage.Store, so they share one code path for in-process
// and shared backends.
//
//	limiter := security.NewRateLimiter(store, logger)
//	d, err := limiter.Check(ctx, "login", identity.Key(), security.Budget{Limit: 10, Window: time.Minute})
//	if err != nil {
//	    // store unavailable: fail closed
//	}
//	if !d.Allowed {
//	    w.Header().Set("Retry-After", strconv.FormatInt(security.RetryAfterSeconds(d.RetryAfter), 10))
//	}
//
// # Brute force
//
// BruteForceGuard counts failed logins per IP. The fifth failure within the
// counter TTL locks the IP for the lockout duration. Unlocking is lazy: the
// next Check after expiry clears both records.
//
// # Request signing
//
// SignatureVerifier checks HMAC-SHA256 signatures over
// METHOD:PATH:TIMESTAMP:NONCE:SHA256(body). Timestamps must be within the
// tolerance (60s by default, inclusive) and each nonce is accepted once.
// SignRequest produces the matching headers for clients and tests.
//
// # CSRF, anti-bot and blocked paths
//
// CSRFManager binds one token per session and stores only its digest.
// TurnstileVerifier checks Cloudflare Turnstile tokens and fails closed
// unless FailOpen is set. PathBlocker rejects well-known exploit probes.
// InputValidator rejects field values matching a fixed list of SQL injection
// and script patterns.
//
// # Audit
//
// Auditor writes security events through slog with IPs and e-mail addresses
// optionally masked and user identifiers hashed. Critical events are also
// handed to a Reporter when one is configured.
package security
