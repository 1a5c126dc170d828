// Package testutil provides testing utilities and helpers for the request gateway.
package testutil

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tourmarket/requestgate/storage"
)

// MockTime provides a controllable time source for deterministic testing.
// It is safe for concurrent use.
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value
func (m *MockTime) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// NewMockHTTPServer creates a test HTTP server with the given handler
func NewMockHTTPServer(handler http.HandlerFunc) *httptest.Server {
	return httptest.NewServer(handler)
}

// GenerateRandomString generates a random hex string of the given length
func GenerateRandomString(length int) string {
	b := make([]byte, (length+1)/2)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return hex.EncodeToString(b)[:length]
}

// RunStoreContract exercises the behaviour every storage.Store must share.
// newStore must return an empty store whose default TTL is at least a minute.
// Expiry is checked with short real TTLs so the suite also runs against
// servers that own their clock.
func RunStoreContract(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Helper()

	t.Run("put get delete", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Put(ctx, "k", "v", 0))

		got, ok, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "v", got)

		ok, err = s.Contains(ctx, "k")
		require.NoError(t, err)
		assert.True(t, ok)

		require.NoError(t, s.Delete(ctx, "k"))
		_, ok, err = s.Get(ctx, "k")
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, s.Delete(ctx, "never-existed"))
	})

	t.Run("expiry", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Put(ctx, "short", "v", 150*time.Millisecond))
		time.Sleep(300 * time.Millisecond)

		ok, err := s.Contains(ctx, "short")
		require.NoError(t, err)
		assert.False(t, ok, "expired entry must not be visible")
	})

	t.Run("put if absent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		inserted, err := s.PutIfAbsent(ctx, "nonce", "1", time.Minute)
		require.NoError(t, err)
		assert.True(t, inserted)

		inserted, err = s.PutIfAbsent(ctx, "nonce", "2", time.Minute)
		require.NoError(t, err)
		assert.False(t, inserted)

		got, _, err := s.Get(ctx, "nonce")
		require.NoError(t, err)
		assert.Equal(t, "1", got, "losing insert must not overwrite")
	})

	t.Run("put if absent concurrent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		const goroutines = 20
		var wg sync.WaitGroup
		var mu sync.Mutex
		accepted := 0
		for i := 0; i < goroutines; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.PutIfAbsent(ctx, "race", "1", time.Minute)
				if err == nil && ok {
					mu.Lock()
					accepted++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, accepted)
	})

	t.Run("increment with ceiling", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		opts := storage.IncrementOptions{Limit: 3, TTL: time.Minute}

		for i := int64(1); i <= 3; i++ {
			c, err := s.Increment(ctx, "counter", opts)
			require.NoError(t, err)
			assert.True(t, c.Allowed)
			assert.Equal(t, i, c.Value)
			assert.Greater(t, c.ExpiresIn, time.Duration(0))
		}

		c, err := s.Increment(ctx, "counter", opts)
		require.NoError(t, err)
		assert.False(t, c.Allowed)
		assert.Equal(t, int64(3), c.Value)

		raw, _, err := s.Get(ctx, "counter")
		require.NoError(t, err)
		assert.Equal(t, "3", raw)
	})

	t.Run("increment window expiry", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		opts := storage.IncrementOptions{Limit: 1, TTL: 150 * time.Millisecond}

		c, err := s.Increment(ctx, "window", opts)
		require.NoError(t, err)
		assert.True(t, c.Allowed)

		c, err = s.Increment(ctx, "window", opts)
		require.NoError(t, err)
		assert.False(t, c.Allowed)

		time.Sleep(300 * time.Millisecond)

		c, err = s.Increment(ctx, "window", opts)
		require.NoError(t, err)
		assert.True(t, c.Allowed)
		assert.Equal(t, int64(1), c.Value)
	})

	t.Run("range", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Put(ctx, "rate:alice", "1", 0))
		require.NoError(t, s.Put(ctx, "rate:bob", "2", 0))

		seen := map[string]string{}
		err := s.Range(ctx, func(key, value string) bool {
			seen[key] = value
			return true
		})
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"rate:alice": "1", "rate:bob": "2"}, seen)
	})
}

// AssertStringContains fails the test if s does not contain substr
func AssertStringContains(t *testing.T, s, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Errorf("string %q does not contain %q", s, substr)
	}
}
