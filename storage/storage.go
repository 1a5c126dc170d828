package storage

import (
	"context"
	"errors"
	"time"
)

// ErrStoreClosed is returned by operations on a store that has been stopped.
var ErrStoreClosed = errors.New("store is closed")

// Store is an expiring key/value map with bounded capacity.
//
// Implementations must treat an entry as absent from the moment its expiry
// instant is reached, regardless of whether it has been physically removed.
// A ttl of zero or less means "use the store's default TTL".
// All methods accept context.Context for tracing and cancellation.
type Store interface {
	// Get returns the value stored under key and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)

	// Put stores value under key, replacing any previous entry and its expiry.
	Put(ctx context.Context, key, value string, ttl time.Duration) error

	// PutIfAbsent stores value only when no live entry exists for key.
	// It reports whether the value was inserted.
	// SECURITY: This operation MUST be atomic. It backs the nonce ledger.
	PutIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Contains reports whether a live entry exists for key.
	Contains(ctx context.Context, key string) (bool, error)

	// Increment atomically increments the integer counter stored under key.
	// See IncrementOptions for ceiling and TTL semantics.
	Increment(ctx context.Context, key string, opts IncrementOptions) (Counter, error)

	// Range calls fn for every live entry until fn returns false.
	// Iteration order is unspecified.
	Range(ctx context.Context, fn func(key, value string) bool) error
}

// IncrementOptions controls Store.Increment.
type IncrementOptions struct {
	// Limit is the ceiling for the counter. When Limit > 0 and the current
	// value is already >= Limit, the increment is refused and nothing is written.
	Limit int64

	// TTL applies when the counter is created. Zero uses the store default.
	TTL time.Duration

	// RefreshTTL re-applies TTL on every accepted increment.
	RefreshTTL bool
}

// Counter is the result of Store.Increment.
type Counter struct {
	// Value is the counter value after the operation. When the increment was
	// refused it is the unchanged current value.
	Value int64

	// Allowed is false when the increment was refused by the ceiling.
	Allowed bool

	// ExpiresIn is the remaining lifetime of the counter (zero if unknown).
	ExpiresIn time.Duration
}

// Sizer is implemented by stores that can report their entry count cheaply.
// It feeds the store size gauges.
type Sizer interface {
	Len() int
}

// Stopper is implemented by stores that own background goroutines or connections.
type Stopper interface {
	Stop()
}
