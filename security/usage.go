package security

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/tourmarket/requestgate/storage"
)

// Default usage budgets for expensive routes.
var (
	DefaultAuthenticatedUsage = Budget{Limit: 100, Window: time.Hour}
	DefaultAnonymousUsage     = Budget{Limit: 20, Window: time.Hour}
)

// UsageKey identifies a caller for usage accounting: the user ID when
// authenticated, "anon:<ip>" otherwise.
func UsageKey(userID, ip string) string {
	if userID != "" {
		return userID
	}
	return "anon:" + ip
}

// UsageLimiter is an increment-with-ceiling counter per caller, evaluated in
// addition to the route rate limiter on expensive routes.
//
// Each accepted increment pushes the counter's expiry a full window ahead,
// so the count only drops to zero after a quiet window.
type UsageLimiter struct {
	store  storage.Store
	logger *slog.Logger
}

// NewUsageLimiter creates a usage limiter over store.
func NewUsageLimiter(store storage.Store, logger *slog.Logger) *UsageLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &UsageLimiter{
		store:  store,
		logger: logger,
	}
}

// Check counts one use for identityKey. Once the count reaches budget.Limit
// further uses are refused and the count stays at the ceiling.
func (u *UsageLimiter) Check(ctx context.Context, identityKey string, budget Budget) (Decision, error) {
	if budget.Limit <= 0 || budget.Window <= 0 {
		return Decision{}, fmt.Errorf("usage limit: invalid budget %v", budget)
	}

	counter, err := u.store.Increment(ctx, usageKey(identityKey), storage.IncrementOptions{
		Limit:      int64(budget.Limit),
		TTL:        budget.Window,
		RefreshTTL: true,
	})
	if err != nil {
		return Decision{}, fmt.Errorf("usage limit: %w", err)
	}

	d := Decision{
		Allowed:   counter.Allowed,
		Limit:     budget.Limit,
		Remaining: max(budget.Limit-int(counter.Value), 0),
	}
	if !counter.Allowed {
		d.RetryAfter = counter.ExpiresIn
		if d.RetryAfter <= 0 {
			d.RetryAfter = budget.Window
		}
		u.logger.Debug("Usage limit reached",
			"caller_hash", hashForLogging(identityKey),
			"limit", budget.Limit)
	}
	return d, nil
}

// Usage returns the current count for identityKey.
func (u *UsageLimiter) Usage(ctx context.Context, identityKey string) (int64, error) {
	v, ok, err := u.store.Get(ctx, usageKey(identityKey))
	if err != nil {
		return 0, fmt.Errorf("usage lookup: %w", err)
	}
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("usage lookup: %w", err)
	}
	return n, nil
}

func usageKey(identityKey string) string { return "rate:" + identityKey }
