// Package memory provides a bounded, expiring in-memory implementation of storage.Store.
// It is suitable for development, testing, and single-instance deployments.
package memory

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/tourmarket/requestgate/storage"
)

const (
	// DefaultMaxEntries is used when Options.MaxEntries is zero.
	DefaultMaxEntries = 10000

	// DefaultTTL is used when Options.DefaultTTL is zero.
	DefaultTTL = time.Hour

	// DefaultCleanupInterval is how often expired entries are physically removed.
	DefaultCleanupInterval = time.Minute
)

// Options configures a Store.
type Options struct {
	// Name identifies the store in logs and metrics (e.g. "nonces").
	Name string

	// MaxEntries bounds the number of entries. Inserting past capacity evicts
	// the least recently used entry. Negative means unlimited (not recommended).
	MaxEntries int

	// DefaultTTL applies when an operation passes a ttl <= 0.
	DefaultTTL time.Duration

	// CleanupInterval controls the background sweep. Negative disables the sweep;
	// expiry is still enforced lazily on every read.
	CleanupInterval time.Duration

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time

	// Logger for structured logging (default: slog.Default())
	Logger *slog.Logger
}

// entry is a single cached value
type entry struct {
	key       string
	value     string
	expiresAt time.Time
}

// Store is a bounded LRU map whose entries expire at an absolute instant.
// Every operation is serialized by a single mutex, so read-modify-write
// sequences such as Increment and PutIfAbsent are atomic.
type Store struct {
	name       string
	items      map[string]*list.Element // key -> list element
	lruList    *list.List               // LRU list of *entry, front = most recently used
	mu         sync.Mutex
	maxEntries int
	defaultTTL time.Duration
	now        func() time.Time
	logger     *slog.Logger
	closed     bool

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once

	// Statistics
	totalEvictions   int64
	totalExpirations int64
}

// Compile-time interface checks
var (
	_ storage.Store   = (*Store)(nil)
	_ storage.Sizer   = (*Store)(nil)
	_ storage.Stopper = (*Store)(nil)
)

// New creates a new store and starts its cleanup goroutine.
func New(opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxEntries == 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultTTL
	}
	if opts.CleanupInterval == 0 {
		opts.CleanupInterval = DefaultCleanupInterval
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Name == "" {
		opts.Name = "default"
	}

	s := &Store{
		name:            opts.Name,
		items:           make(map[string]*list.Element),
		lruList:         list.New(),
		maxEntries:      opts.MaxEntries,
		defaultTTL:      opts.DefaultTTL,
		now:             opts.Clock,
		logger:          logger.With("store", opts.Name),
		cleanupInterval: opts.CleanupInterval,
		stopCleanup:     make(chan struct{}),
	}

	if s.cleanupInterval > 0 {
		go s.cleanupLoop()
	}

	return s
}

// Name returns the store name.
func (s *Store) Name() string {
	return s.name
}

// Get implements storage.Store.
func (s *Store) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", false, storage.ErrStoreClosed
	}

	e := s.lookup(key, s.now())
	if e == nil {
		return "", false, nil
	}
	return e.value, true, nil
}

// Put implements storage.Store.
func (s *Store) Put(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrStoreClosed
	}

	now := s.now()
	s.set(key, value, now.Add(s.ttlOrDefault(ttl)), now)
	return nil
}

// PutIfAbsent implements storage.Store.
func (s *Store) PutIfAbsent(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, storage.ErrStoreClosed
	}

	now := s.now()
	if s.lookup(key, now) != nil {
		return false, nil
	}
	s.set(key, value, now.Add(s.ttlOrDefault(ttl)), now)
	return true, nil
}

// Delete implements storage.Store.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrStoreClosed
	}

	if elem, ok := s.items[key]; ok {
		s.removeElement(elem)
	}
	return nil
}

// Contains implements storage.Store.
func (s *Store) Contains(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, storage.ErrStoreClosed
	}

	return s.lookup(key, s.now()) != nil, nil
}

// Increment implements storage.Store.
func (s *Store) Increment(_ context.Context, key string, opts storage.IncrementOptions) (storage.Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.Counter{}, storage.ErrStoreClosed
	}

	now := s.now()
	ttl := s.ttlOrDefault(opts.TTL)

	var current int64
	expiresAt := now.Add(ttl)
	e := s.lookup(key, now)
	if e != nil {
		v, err := strconv.ParseInt(e.value, 10, 64)
		if err != nil {
			return storage.Counter{}, fmt.Errorf("counter %q holds a non-integer value: %w", key, err)
		}
		current = v
		expiresAt = e.expiresAt
	}

	if opts.Limit > 0 && current >= opts.Limit {
		return storage.Counter{
			Value:     current,
			Allowed:   false,
			ExpiresIn: expiresAt.Sub(now),
		}, nil
	}

	if e == nil || opts.RefreshTTL {
		expiresAt = now.Add(ttl)
	}
	current++
	s.set(key, strconv.FormatInt(current, 10), expiresAt, now)

	return storage.Counter{
		Value:     current,
		Allowed:   true,
		ExpiresIn: expiresAt.Sub(now),
	}, nil
}

// Range implements storage.Store. fn is called on a snapshot taken under the
// lock, so it may call back into the store.
func (s *Store) Range(_ context.Context, fn func(key, value string) bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return storage.ErrStoreClosed
	}
	now := s.now()
	snapshot := make([]entry, 0, len(s.items))
	for elem := s.lruList.Front(); elem != nil; elem = elem.Next() {
		e := elem.Value.(*entry)
		if now.Before(e.expiresAt) {
			snapshot = append(snapshot, *e)
		}
	}
	s.mu.Unlock()

	for _, e := range snapshot {
		if !fn(e.key, e.value) {
			break
		}
	}
	return nil
}

// Len returns the number of physically stored entries, including expired
// entries not yet reclaimed by the sweep.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// lookup returns the live entry for key and marks it as recently used.
// An expired entry is removed and reported as absent.
// Must be called with mutex locked.
func (s *Store) lookup(key string, now time.Time) *entry {
	elem, ok := s.items[key]
	if !ok {
		return nil
	}
	e := elem.Value.(*entry)
	if !now.Before(e.expiresAt) {
		s.removeElement(elem)
		s.totalExpirations++
		return nil
	}
	s.lruList.MoveToFront(elem)
	return e
}

// set inserts or replaces key. Must be called with mutex locked.
func (s *Store) set(key, value string, expiresAt, now time.Time) {
	if elem, ok := s.items[key]; ok {
		e := elem.Value.(*entry)
		e.value = value
		e.expiresAt = expiresAt
		s.lruList.MoveToFront(elem)
		return
	}

	if s.maxEntries > 0 && len(s.items) >= s.maxEntries {
		s.evictLRU(now)
	}

	elem := s.lruList.PushFront(&entry{key: key, value: value, expiresAt: expiresAt})
	s.items[key] = elem
}

// evictLRU removes the least recently used entry.
// Must be called with mutex locked.
func (s *Store) evictLRU(now time.Time) {
	elem := s.lruList.Back()
	if elem == nil {
		return
	}
	e := elem.Value.(*entry)
	s.removeElement(elem)

	if !now.Before(e.expiresAt) {
		s.totalExpirations++
		return
	}

	s.totalEvictions++
	s.logger.Debug("Store LRU eviction",
		"total_evictions", s.totalEvictions,
		"current_entries", len(s.items))
}

// removeElement must be called with mutex locked.
func (s *Store) removeElement(elem *list.Element) {
	e := elem.Value.(*entry)
	delete(s.items, e.key)
	s.lruList.Remove(elem)
}

func (s *Store) ttlOrDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return s.defaultTTL
	}
	return ttl
}

// cleanupLoop periodically removes expired entries to reclaim memory
func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

// Cleanup removes every expired entry and returns how many were removed.
func (s *Store) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0

	var next *list.Element
	for elem := s.lruList.Front(); elem != nil; elem = next {
		next = elem.Next()
		if !now.Before(elem.Value.(*entry).expiresAt) {
			s.removeElement(elem)
			removed++
		}
	}

	if removed > 0 {
		s.totalExpirations += int64(removed)
		s.logger.Debug("Store cleanup completed",
			"removed", removed,
			"remaining", len(s.items))
	}
	return removed
}

// Stop stops the cleanup goroutine and releases all entries.
// Safe to call multiple times.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)

		s.mu.Lock()
		s.closed = true
		s.items = make(map[string]*list.Element)
		s.lruList.Init()
		s.mu.Unlock()
	})
}

// Stats holds store statistics for monitoring
type Stats struct {
	Name             string  // Store name
	CurrentEntries   int     // Physically stored entries
	MaxEntries       int     // Capacity (<= 0 = unlimited)
	TotalEvictions   int64   // Live entries evicted to make room
	TotalExpirations int64   // Entries removed after expiry
	MemoryPressure   float64 // Percentage of max capacity used (0-100)
}

// GetStats returns current store statistics for monitoring and alerting.
// Rapidly increasing evictions on the nonce or lockout stores usually mean
// the capacity is too small for the traffic, which weakens their guarantees.
func (s *Store) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{
		Name:             s.name,
		CurrentEntries:   len(s.items),
		MaxEntries:       s.maxEntries,
		TotalEvictions:   s.totalEvictions,
		TotalExpirations: s.totalExpirations,
	}

	if s.maxEntries > 0 {
		stats.MemoryPressure = float64(stats.CurrentEntries) / float64(s.maxEntries) * 100.0
	}

	return stats
}
