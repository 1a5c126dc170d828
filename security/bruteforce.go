package security

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/tourmarket/requestgate/storage"
)

const (
	// DefaultLockoutThreshold is the number of consecutive failures that locks an IP.
	DefaultLockoutThreshold = 5

	// DefaultLockoutDuration is how long a locked IP is refused.
	DefaultLockoutDuration = 15 * time.Minute

	// DefaultFailureCounterTTL bounds how long failures are remembered.
	DefaultFailureCounterTTL = time.Hour
)

// ErrLockedOut is matched by errors.Is for a *LockedOutError.
var ErrLockedOut = errors.New("login temporarily locked")

// LockedOutError is returned by BruteForceGuard.Check while an IP is locked.
type LockedOutError struct {
	UnlockAt   time.Time
	RetryAfter time.Duration
}

func (e *LockedOutError) Error() string {
	return fmt.Sprintf("login temporarily locked, retry after %ds", RetryAfterSeconds(e.RetryAfter))
}

// Is makes a lockout match both ErrLockedOut and ErrRateLimited.
func (e *LockedOutError) Is(target error) bool {
	return target == ErrLockedOut || target == ErrRateLimited
}

// GuardState is the brute-force state of one IP.
type GuardState int

const (
	// GuardClear means no failures are on record.
	GuardClear GuardState = iota
	// GuardAccumulating means 1..threshold-1 failures are on record.
	GuardAccumulating
	// GuardLocked means the IP is refused until its unlock time.
	GuardLocked
)

func (s GuardState) String() string {
	switch s {
	case GuardClear:
		return "clear"
	case GuardAccumulating:
		return "accumulating"
	case GuardLocked:
		return "locked"
	default:
		return "unknown"
	}
}

// BruteForceConfig configures a BruteForceGuard.
type BruteForceConfig struct {
	// Counters holds failed-login counters. Required.
	Counters storage.Store

	// Lockouts holds lockout records (value: unlock time in Unix milliseconds). Required.
	Lockouts storage.Store

	// Threshold is the failure count that triggers a lockout (default: 5).
	Threshold int

	// LockoutDuration is how long a lockout lasts (default: 15 minutes).
	LockoutDuration time.Duration

	// CounterTTL is the lifetime of a failure counter, refreshed on every
	// failure (default: 1 hour).
	CounterTTL time.Duration

	// Auditor receives login_failed and brute_force_detected events. Optional.
	Auditor *Auditor

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time

	// Logger for structured logging (default: slog.Default())
	Logger *slog.Logger
}

// BruteForceGuard tracks failed logins per IP and locks an IP out after too
// many consecutive failures.
//
// States: Clear → Accumulating(1..threshold-1) → Locked. A lockout ends
// lazily: the first Check after the unlock time deletes the lockout record
// and resets the counter. No timer is involved.
//
// Callers must run Check before comparing credentials so a locked IP never
// reaches the password hash.
type BruteForceGuard struct {
	counters        storage.Store
	lockouts        storage.Store
	threshold       int
	lockoutDuration time.Duration
	counterTTL      time.Duration
	auditor         *Auditor
	now             func() time.Time
	logger          *slog.Logger
}

// NewBruteForceGuard creates a guard from cfg, applying defaults.
func NewBruteForceGuard(cfg BruteForceConfig) (*BruteForceGuard, error) {
	if cfg.Counters == nil || cfg.Lockouts == nil {
		return nil, fmt.Errorf("brute-force guard requires counter and lockout stores")
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultLockoutThreshold
	}
	if cfg.LockoutDuration <= 0 {
		cfg.LockoutDuration = DefaultLockoutDuration
	}
	if cfg.CounterTTL <= 0 {
		cfg.CounterTTL = DefaultFailureCounterTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &BruteForceGuard{
		counters:        cfg.Counters,
		lockouts:        cfg.Lockouts,
		threshold:       cfg.Threshold,
		lockoutDuration: cfg.LockoutDuration,
		counterTTL:      cfg.CounterTTL,
		auditor:         cfg.Auditor,
		now:             cfg.Clock,
		logger:          cfg.Logger,
	}, nil
}

func failureKey(ip string) string { return "fail:" + ip }
func lockoutKey(ip string) string { return "lock:" + ip }

// Check returns a *LockedOutError while ip is locked. An elapsed lockout is
// cleared here together with its failure counter.
func (g *BruteForceGuard) Check(ctx context.Context, ip string) error {
	unlockAt, locked, err := g.lockRecord(ctx, ip)
	if err != nil {
		return err
	}

	now := g.now()
	if locked {
		if now.Before(unlockAt) {
			retryAfter := unlockAt.Sub(now)
			g.auditor.LogLockoutRejected(ctx, ip, retryAfter)
			return &LockedOutError{UnlockAt: unlockAt, RetryAfter: retryAfter}
		}
		return g.unlock(ctx, ip)
	}

	// A counter at the threshold without a live lockout record means the
	// record expired or was evicted. Treat it as the unlock transition.
	failures, err := g.failures(ctx, ip)
	if err != nil {
		return err
	}
	if failures >= int64(g.threshold) {
		return g.unlock(ctx, ip)
	}
	return nil
}

// RecordFailure counts a failed login for ip and locks it when the threshold
// is reached. It returns the resulting state.
func (g *BruteForceGuard) RecordFailure(ctx context.Context, ip string) (GuardState, error) {
	counter, err := g.counters.Increment(ctx, failureKey(ip), storage.IncrementOptions{
		TTL:        g.counterTTL,
		RefreshTTL: true,
	})
	if err != nil {
		return GuardClear, fmt.Errorf("record failed login: %w", err)
	}

	if counter.Value < int64(g.threshold) {
		g.auditor.LogLoginFailure(ctx, ip, counter.Value)
		return GuardAccumulating, nil
	}

	unlockAt := g.now().Add(g.lockoutDuration)
	inserted, err := g.lockouts.PutIfAbsent(ctx, lockoutKey(ip),
		strconv.FormatInt(unlockAt.UnixMilli(), 10), g.lockoutDuration)
	if err != nil {
		return GuardAccumulating, fmt.Errorf("record lockout: %w", err)
	}
	if inserted {
		g.logger.Warn("IP locked after repeated login failures",
			"failures", counter.Value,
			"lockout", g.lockoutDuration)
		g.auditor.LogBruteForceDetected(ctx, ip, counter.Value, unlockAt)
	}
	return GuardLocked, nil
}

// RecordSuccess resets the failure counter for ip.
func (g *BruteForceGuard) RecordSuccess(ctx context.Context, ip string) error {
	if err := g.counters.Delete(ctx, failureKey(ip)); err != nil {
		return fmt.Errorf("reset failed logins: %w", err)
	}
	return nil
}

// State reports the current state and failure count of ip without changing it.
func (g *BruteForceGuard) State(ctx context.Context, ip string) (GuardState, int, error) {
	unlockAt, locked, err := g.lockRecord(ctx, ip)
	if err != nil {
		return GuardClear, 0, err
	}
	failures, err := g.failures(ctx, ip)
	if err != nil {
		return GuardClear, 0, err
	}

	switch {
	case locked && g.now().Before(unlockAt):
		return GuardLocked, int(failures), nil
	case failures >= int64(g.threshold), failures == 0:
		// Logically reset; the next Check removes the leftovers.
		return GuardClear, 0, nil
	default:
		return GuardAccumulating, int(failures), nil
	}
}

func (g *BruteForceGuard) unlock(ctx context.Context, ip string) error {
	if err := g.lockouts.Delete(ctx, lockoutKey(ip)); err != nil {
		return fmt.Errorf("clear lockout: %w", err)
	}
	if err := g.counters.Delete(ctx, failureKey(ip)); err != nil {
		return fmt.Errorf("reset failed logins: %w", err)
	}
	g.auditor.LogEvent(ctx, Event{Type: EventLockoutExpired, IPAddress: ip})
	return nil
}

func (g *BruteForceGuard) lockRecord(ctx context.Context, ip string) (time.Time, bool, error) {
	v, ok, err := g.lockouts.Get(ctx, lockoutKey(ip))
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read lockout: %w", err)
	}
	if !ok {
		return time.Time{}, false, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		// An unreadable record cannot prove the IP is locked; drop it.
		g.logger.Warn("Discarding malformed lockout record", "error", err)
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (g *BruteForceGuard) failures(ctx context.Context, ip string) (int64, error) {
	v, ok, err := g.counters.Get(ctx, failureKey(ip))
	if err != nil {
		return 0, fmt.Errorf("read failed logins: %w", err)
	}
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, nil
	}
	return n, nil
}
