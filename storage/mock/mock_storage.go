// Package mock provides a mock implementation of storage.Store for testing.
package mock

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/tourmarket/requestgate/storage"
)

// Store is a mock storage.Store. By default it behaves like a simple map
// without expiry. Set Err to make every operation fail, or override a
// single operation through its Func field.
type Store struct {
	mu      sync.Mutex
	entries map[string]string

	// Err, when non-nil, is returned by every operation without a Func override.
	Err error

	GetFunc         func(ctx context.Context, key string) (string, bool, error)
	PutFunc         func(ctx context.Context, key, value string, ttl time.Duration) error
	PutIfAbsentFunc func(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	IncrementFunc   func(ctx context.Context, key string, opts storage.IncrementOptions) (storage.Counter, error)
	RangeFunc       func(ctx context.Context, fn func(key, value string) bool) error

	// CallCounts records how many times each operation was invoked.
	CallCounts map[string]int
}

// Compile-time interface check
var _ storage.Store = (*Store)(nil)

// New creates a new mock store
func New() *Store {
	return &Store{
		entries:    make(map[string]string),
		CallCounts: make(map[string]int),
	}
}

// NewFailing creates a mock store whose every operation returns err.
func NewFailing(err error) *Store {
	s := New()
	s.Err = err
	return s
}

func (s *Store) record(op string) {
	s.mu.Lock()
	s.CallCounts[op]++
	s.mu.Unlock()
}

// Calls returns the number of recorded invocations of op.
func (s *Store) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCounts[op]
}

// Get implements storage.Store
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	s.record("Get")
	if s.GetFunc != nil {
		return s.GetFunc(ctx, key)
	}
	if s.Err != nil {
		return "", false, s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.entries[key]
	return v, ok, nil
}

// Put implements storage.Store
func (s *Store) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	s.record("Put")
	if s.PutFunc != nil {
		return s.PutFunc(ctx, key, value, ttl)
	}
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = value
	return nil
}

// PutIfAbsent implements storage.Store
func (s *Store) PutIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.record("PutIfAbsent")
	if s.PutIfAbsentFunc != nil {
		return s.PutIfAbsentFunc(ctx, key, value, ttl)
	}
	if s.Err != nil {
		return false, s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key]; ok {
		return false, nil
	}
	s.entries[key] = value
	return true, nil
}

// Delete implements storage.Store
func (s *Store) Delete(_ context.Context, key string) error {
	s.record("Delete")
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Contains implements storage.Store
func (s *Store) Contains(_ context.Context, key string) (bool, error) {
	s.record("Contains")
	if s.Err != nil {
		return false, s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	return ok, nil
}

// Increment implements storage.Store
func (s *Store) Increment(ctx context.Context, key string, opts storage.IncrementOptions) (storage.Counter, error) {
	s.record("Increment")
	if s.IncrementFunc != nil {
		return s.IncrementFunc(ctx, key, opts)
	}
	if s.Err != nil {
		return storage.Counter{}, s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, _ := strconv.ParseInt(s.entries[key], 10, 64)
	if opts.Limit > 0 && current >= opts.Limit {
		return storage.Counter{Value: current}, nil
	}
	current++
	s.entries[key] = strconv.FormatInt(current, 10)
	return storage.Counter{Value: current, Allowed: true, ExpiresIn: opts.TTL}, nil
}

// Range implements storage.Store
func (s *Store) Range(ctx context.Context, fn func(key, value string) bool) error {
	s.record("Range")
	if s.RangeFunc != nil {
		return s.RangeFunc(ctx, fn)
	}
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	snapshot := make(map[string]string, len(s.entries))
	for k, v := range s.entries {
		snapshot[k] = v
	}
	s.mu.Unlock()

	for k, v := range snapshot {
		if !fn(k, v) {
			break
		}
	}
	return nil
}
