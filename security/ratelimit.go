package security

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/tourmarket/requestgate/storage"
)

// ErrRateLimited is the sentinel matched by errors.Is for every budget denial,
// whether from the route limiter, the usage limiter or the lockout guard.
var ErrRateLimited = errors.New("too many requests")

// Budget is a request allowance per fixed time window, e.g. 10 per hour.
type Budget struct {
	Limit  int
	Window time.Duration
}

// String renders the budget in the form accepted by ParseBudget.
func (b Budget) String() string {
	for _, u := range budgetUnits {
		if b.Window == u.window {
			return strconv.Itoa(b.Limit) + "/" + u.name
		}
	}
	return strconv.Itoa(b.Limit) + "/" + b.Window.String()
}

// IsZero reports whether the budget is unset.
func (b Budget) IsZero() bool {
	return b.Limit == 0 && b.Window == 0
}

var budgetUnits = []struct {
	name   string
	window time.Duration
}{
	{"second", time.Second},
	{"minute", time.Minute},
	{"hour", time.Hour},
	{"day", 24 * time.Hour},
}

// ParseBudget parses "<limit>/<unit>" where unit is second, minute, hour or
// day (an optional trailing "s" is accepted), or any time.ParseDuration value
// such as "10/30m".
func ParseBudget(s string) (Budget, error) {
	limitStr, unit, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		return Budget{}, fmt.Errorf("invalid budget %q: expected <limit>/<window>", s)
	}

	limit, err := strconv.Atoi(strings.TrimSpace(limitStr))
	if err != nil || limit <= 0 {
		return Budget{}, fmt.Errorf("invalid budget %q: limit must be a positive integer", s)
	}

	unit = strings.ToLower(strings.TrimSpace(unit))
	for _, u := range budgetUnits {
		if unit == u.name || unit == u.name+"s" {
			return Budget{Limit: limit, Window: u.window}, nil
		}
	}

	window, err := time.ParseDuration(unit)
	if err != nil || window <= 0 {
		return Budget{}, fmt.Errorf("invalid budget %q: unknown window %q", s, unit)
	}
	return Budget{Limit: limit, Window: window}, nil
}

// Decision is the outcome of a budget check.
type Decision struct {
	Allowed bool

	// Limit and Remaining describe the budget after this request.
	Limit     int
	Remaining int

	// RetryAfter is how long until the current window ends. Set on denials.
	RetryAfter time.Duration
}

// RateLimiter enforces a fixed-window budget per (route, identity) pair.
//
// The first request in a window creates a counter whose TTL is the window
// length; later requests increment it until the budget is used up. Because
// windows are fixed, a client can be admitted up to twice the budget across
// a window boundary.
type RateLimiter struct {
	store  storage.Store
	logger *slog.Logger
}

// NewRateLimiter creates a rate limiter over store. The store should be a
// dedicated namespace; keys are "rl:<route>:<identity>".
func NewRateLimiter(store storage.Store, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		store:  store,
		logger: logger,
	}
}

// Check counts one request for identityKey on routeKey against budget.
// A denied request is reported through Decision, not through err; err is
// only set when the store fails.
func (rl *RateLimiter) Check(ctx context.Context, routeKey, identityKey string, budget Budget) (Decision, error) {
	if budget.Limit <= 0 || budget.Window <= 0 {
		return Decision{}, fmt.Errorf("rate limit for %q: invalid budget %v", routeKey, budget)
	}

	counter, err := rl.store.Increment(ctx, rateLimitKey(routeKey, identityKey), storage.IncrementOptions{
		Limit: int64(budget.Limit),
		TTL:   budget.Window,
	})
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit for %q: %w", routeKey, err)
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
		rl.logger.Debug("Rate limit exceeded",
			"route", routeKey,
			"limit", budget.Limit,
			"window", budget.Window,
			"retry_after", d.RetryAfter)
	}
	return d, nil
}

func rateLimitKey(routeKey, identityKey string) string {
	return "rl:" + routeKey + ":" + identityKey
}
