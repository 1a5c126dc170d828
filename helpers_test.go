package gate

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/tourmarket/requestgate/internal/testutil"
)

const testSecret = "testsecret"

var testEpoch = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestGateway builds an in-memory gateway on a mock clock. mutate may
// adjust the config before New.
func newTestGateway(t *testing.T, mutate func(*Config)) (*Gateway, *testutil.MockTime) {
	t.Helper()
	clock := testutil.NewMockTime(testEpoch)
	cfg := Config{
		Signing: SigningConfig{Secret: testSecret},
		Clock:   clock.Now,
		Logger:  discardLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	gw, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(gw.Stop)
	return gw, clock
}
