package valkey

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tourmarket/requestgate/internal/testutil"
	"github.com/tourmarket/requestgate/storage"
)

// testClient creates a client connected to a local Valkey instance.
// Tests will be skipped if the connection fails.
// Each test gets a unique prefix to ensure test isolation.
func testClient(t *testing.T) *Client {
	t.Helper()

	addr := os.Getenv("VALKEY_TEST_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	prefix := fmt.Sprintf("gatetest:%s:", strings.ReplaceAll(t.Name(), "/", "_"))

	client, err := New(Config{
		Address:   addr,
		KeyPrefix: prefix,
	})
	if err != nil {
		t.Skipf("Skipping test: could not connect to Valkey at %s: %v", addr, err)
	}

	t.Cleanup(func() {
		cleanupTestKeys(t, client)
		client.Close()
	})

	cleanupTestKeys(t, client)
	return client
}

// cleanupTestKeys removes all test keys from Valkey
func cleanupTestKeys(t *testing.T, c *Client) {
	t.Helper()

	ctx := context.Background()
	pattern := c.prefix + "*"

	var cursor uint64
	for {
		result, err := c.client.Do(ctx,
			c.client.B().Scan().Cursor(cursor).Match(pattern).Count(100).Build(),
		).AsScanEntry()
		if err != nil {
			t.Logf("Warning: failed to scan for cleanup: %v", err)
			return
		}

		for _, key := range result.Elements {
			_ = c.client.Do(ctx, c.client.B().Del().Key(key).Build())
		}

		cursor = result.Cursor
		if cursor == 0 {
			break
		}
	}
}

func TestNew_RequiresAddress(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "address is required")
}

func TestCounterFromReply(t *testing.T) {
	tests := []struct {
		name                 string
		value, allowed, pttl int64
		want                 storage.Counter
	}{
		{
			name:  "allowed with ttl",
			value: 3, allowed: 1, pttl: 1500,
			want: storage.Counter{Value: 3, Allowed: true, ExpiresIn: 1500 * time.Millisecond},
		},
		{
			name:  "refused",
			value: 5, allowed: 0, pttl: 200,
			want: storage.Counter{Value: 5, Allowed: false, ExpiresIn: 200 * time.Millisecond},
		},
		{
			name:  "no expiry reported",
			value: 1, allowed: 1, pttl: -1,
			want: storage.Counter{Value: 1, Allowed: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, counterFromReply(tt.value, tt.allowed, tt.pttl))
		})
	}
}

func TestStore_Contract(t *testing.T) {
	testutil.RunStoreContract(t, func(t *testing.T) storage.Store {
		return testClient(t).Namespace("contract", time.Hour)
	})
}

func TestStore_NamespacesAreIsolated(t *testing.T) {
	client := testClient(t)
	ctx := context.Background()

	nonces := client.Namespace("nonces", 2*time.Minute)
	csrf := client.Namespace("csrf_tokens", time.Hour)

	require.NoError(t, nonces.Put(ctx, "shared-key", "nonce", 0))

	_, ok, err := csrf.Get(ctx, "shared-key")
	require.NoError(t, err)
	assert.False(t, ok, "a key written in one namespace must not be visible in another")

	ok, err = nonces.Contains(ctx, "shared-key")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStore_IncrementRefreshTTL(t *testing.T) {
	store := testClient(t).Namespace("usage", time.Hour)
	ctx := context.Background()

	opts := storage.IncrementOptions{Limit: 10, TTL: 400 * time.Millisecond, RefreshTTL: true}

	_, err := store.Increment(ctx, "rate:alice", opts)
	require.NoError(t, err)

	time.Sleep(250 * time.Millisecond)
	c, err := store.Increment(ctx, "rate:alice", opts)
	require.NoError(t, err)
	assert.Greater(t, c.ExpiresIn, 300*time.Millisecond, "accepted increment must refresh the TTL")

	time.Sleep(250 * time.Millisecond)
	c, err = store.Increment(ctx, "rate:alice", opts)
	require.NoError(t, err)
	assert.Equal(t, int64(3), c.Value)
}
