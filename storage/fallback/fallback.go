// Package fallback wraps a shared storage backend with an explicit policy for
// what happens when that backend is unreachable.
//
// By default errors from the primary are returned, and the gateway turns them
// into 503 responses (fail closed). With FailOpen enabled, calls are served
// from a process-local store instead. Guards keep working, but their state is
// no longer shared between instances, and the degradation is logged.
package fallback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/tourmarket/requestgate/storage"
)

const (
	// DefaultHealthCheckInterval is how often a degraded primary is probed
	DefaultHealthCheckInterval = 10 * time.Second

	// degradedLogInterval throttles the per-call degradation error log
	degradedLogInterval = 10 * time.Second

	healthCheckTimeout = 2 * time.Second
)

// Pinger is implemented by shared backends that can report their health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config configures a fallback Store.
type Config struct {
	// Name identifies the wrapped store in logs.
	Name string

	// Primary is the shared backend (required).
	Primary storage.Store

	// Local serves calls while the primary is failing. Required when FailOpen is set.
	Local storage.Store

	// FailOpen enables serving from Local on primary errors.
	// WARNING: Lockouts, nonces and counters become per-process while degraded.
	FailOpen bool

	// Pinger probes the primary while degraded. When nil, every call retries
	// the primary first.
	Pinger Pinger

	// HealthCheckInterval is how often a degraded primary is probed.
	HealthCheckInterval time.Duration

	// Logger for structured logging (default: slog.Default())
	Logger *slog.Logger
}

// Store implements storage.Store over a primary and a local fallback.
type Store struct {
	name     string
	primary  storage.Store
	local    storage.Store
	failOpen bool
	pinger   Pinger
	logger   *slog.Logger

	degraded   atomic.Bool
	degradeLog rate.Sometimes

	interval    time.Duration
	stopHealth  chan struct{}
	stopOnce    sync.Once
	healthStart sync.Once
}

// Compile-time interface checks
var (
	_ storage.Store   = (*Store)(nil)
	_ storage.Stopper = (*Store)(nil)
)

// New creates a fallback store.
func New(cfg Config) (*Store, error) {
	if cfg.Primary == nil {
		return nil, fmt.Errorf("primary store is required")
	}
	if cfg.FailOpen && cfg.Local == nil {
		return nil, fmt.Errorf("local store is required when fail-open is enabled")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}

	return &Store{
		name:       cfg.Name,
		primary:    cfg.Primary,
		local:      cfg.Local,
		failOpen:   cfg.FailOpen,
		pinger:     cfg.Pinger,
		logger:     logger.With("store", cfg.Name),
		degradeLog: rate.Sometimes{Interval: degradedLogInterval},
		interval:   cfg.HealthCheckInterval,
		stopHealth: make(chan struct{}),
	}, nil
}

// Degraded reports whether calls are currently served from the local store.
func (s *Store) Degraded() bool {
	return s.degraded.Load()
}

// Stop stops the health checker and the local store. The primary is owned
// by its client and is not closed here.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopHealth)
		if stopper, ok := s.local.(storage.Stopper); ok {
			stopper.Stop()
		}
	})
}

// run executes op against the primary and applies the fallback policy.
// A call whose ctx is already done never touches either store. A primary
// error that arrives once the caller's ctx is done is returned without falling
// back or marking the primary degraded.
func run[T any](ctx context.Context, s *Store, opName string, op func(storage.Store) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, fmt.Errorf("%s %s: %w", s.name, opName, err)
	}

	if s.failOpen && s.pinger != nil && s.degraded.Load() {
		return op(s.local)
	}

	result, err := op(s.primary)
	if err == nil {
		return result, nil
	}

	if !s.failOpen || ctx.Err() != nil {
		return result, fmt.Errorf("%s %s: %w", s.name, opName, err)
	}

	s.degradeLog.Do(func() {
		s.logger.Error("Shared store unavailable, serving from process-local state",
			"operation", opName,
			"error", err,
			"impact", "lockouts, nonces and counters are not shared between instances")
	})
	if s.pinger != nil && s.degraded.CompareAndSwap(false, true) {
		s.healthStart.Do(func() { go s.healthLoop() })
	}
	return op(s.local)
}

// healthLoop probes the primary and clears the degraded flag on recovery.
func (s *Store) healthLoop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !s.degraded.Load() {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
			err := s.pinger.Ping(ctx)
			cancel()
			if err == nil {
				s.degraded.Store(false)
				s.logger.Info("Shared store recovered, resuming shared state")
			}
		case <-s.stopHealth:
			return
		}
	}
}

// Get implements storage.Store.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	type pair struct {
		v  string
		ok bool
	}
	p, err := run(ctx, s, "get", func(st storage.Store) (pair, error) {
		v, ok, err := st.Get(ctx, key)
		return pair{v, ok}, err
	})
	return p.v, p.ok, err
}

// Put implements storage.Store.
func (s *Store) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := run(ctx, s, "put", func(st storage.Store) (struct{}, error) {
		return struct{}{}, st.Put(ctx, key, value, ttl)
	})
	return err
}

// PutIfAbsent implements storage.Store.
func (s *Store) PutIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return run(ctx, s, "put_if_absent", func(st storage.Store) (bool, error) {
		return st.PutIfAbsent(ctx, key, value, ttl)
	})
}

// Delete implements storage.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := run(ctx, s, "delete", func(st storage.Store) (struct{}, error) {
		return struct{}{}, st.Delete(ctx, key)
	})
	return err
}

// Contains implements storage.Store.
func (s *Store) Contains(ctx context.Context, key string) (bool, error) {
	return run(ctx, s, "contains", func(st storage.Store) (bool, error) {
		return st.Contains(ctx, key)
	})
}

// Increment implements storage.Store.
func (s *Store) Increment(ctx context.Context, key string, opts storage.IncrementOptions) (storage.Counter, error) {
	return run(ctx, s, "increment", func(st storage.Store) (storage.Counter, error) {
		return st.Increment(ctx, key, opts)
	})
}

// Range implements storage.Store. Entries of the primary are buffered before
// fn sees them, so a scan that fails partway and falls back to the local
// store never hands fn a mix of both.
func (s *Store) Range(ctx context.Context, fn func(key, value string) bool) error {
	type kv struct{ k, v string }
	entries, err := run(ctx, s, "range", func(st storage.Store) ([]kv, error) {
		var out []kv
		err := st.Range(ctx, func(k, v string) bool {
			out = append(out, kv{k, v})
			return true
		})
		if err != nil {
			return nil, err
		}
		return out, nil
	})
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !fn(e.k, e.v) {
			return nil
		}
	}
	return nil
}
