package security

import (
	"testing"
	"time"

	"github.com/tourmarket/requestgate/internal/testutil"
	"github.com/tourmarket/requestgate/storage/memory"
)

var testEpoch = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

// newTestStore returns a memory store driven by a mock clock.
func newTestStore(t *testing.T, clock *testutil.MockTime, ttl time.Duration) *memory.Store {
	t.Helper()
	s := memory.New(memory.Options{
		Name:            t.Name(),
		MaxEntries:      1000,
		DefaultTTL:      ttl,
		CleanupInterval: -1,
		Clock:           clock.Now,
	})
	t.Cleanup(s.Stop)
	return s
}
