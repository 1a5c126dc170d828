package redis

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tourmarket/requestgate/internal/testutil"
	"github.com/tourmarket/requestgate/storage"
)

// testClient creates a client connected to a local Redis instance.
// Tests will be skipped if the connection fails.
func testClient(t *testing.T) *Client {
	t.Helper()

	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	prefix := fmt.Sprintf("gateredistest:%s:", strings.ReplaceAll(t.Name(), "/", "_"))

	client, err := New(Config{Address: addr, KeyPrefix: prefix})
	if err != nil {
		t.Skipf("Skipping test: could not connect to Redis at %s: %v", addr, err)
	}

	t.Cleanup(func() {
		ctx := context.Background()
		iter := client.rdb.Scan(ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			_ = client.rdb.Del(ctx, iter.Val()).Err()
		}
		client.Close()
	})

	return client
}

func TestNew_RequiresAddress(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestStore_Contract(t *testing.T) {
	testutil.RunStoreContract(t, func(t *testing.T) storage.Store {
		return testClient(t).Namespace("contract", time.Hour)
	})
}
