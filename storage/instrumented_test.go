package storage_test

import (
	"context"
	"errors"
	"testing"

	"github.com/tourmarket/requestgate/instrumentation"
	"github.com/tourmarket/requestgate/storage"
	"github.com/tourmarket/requestgate/storage/mock"
)

func TestInstrument_NilInstrumentation(t *testing.T) {
	base := mock.New()
	if got := storage.Instrument(base, "nonces", nil); got != storage.Store(base) {
		t.Error("Instrument() with nil instrumentation should return the store unchanged")
	}
}

func TestInstrument_PassesThrough(t *testing.T) {
	inst, err := instrumentation.New(instrumentation.Config{Enabled: true})
	if err != nil {
		t.Fatalf("instrumentation.New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	base := mock.New()
	s := storage.Instrument(base, "usage", inst)
	ctx := context.Background()

	if err := s.Put(ctx, "k", "v", 0); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	got, ok, err := s.Get(ctx, "k")
	if err != nil || !ok || got != "v" {
		t.Errorf("Get() = (%q, %v, %v), want (%q, true, nil)", got, ok, err, "v")
	}

	c, err := s.Increment(ctx, "counter", storage.IncrementOptions{Limit: 1})
	if err != nil || !c.Allowed {
		t.Errorf("Increment() = (%+v, %v), want allowed", c, err)
	}

	if base.Calls("Put") != 1 || base.Calls("Get") != 1 || base.Calls("Increment") != 1 {
		t.Errorf("wrapped store calls = %v, want one each", base.CallCounts)
	}
}

func TestInstrument_PropagatesErrors(t *testing.T) {
	inst, _ := instrumentation.New(instrumentation.Config{Enabled: true})
	defer func() { _ = inst.Shutdown(context.Background()) }()

	wantErr := errors.New("down")
	s := storage.Instrument(mock.NewFailing(wantErr), "nonces", inst)

	if _, err := s.PutIfAbsent(context.Background(), "n", "1", 0); !errors.Is(err, wantErr) {
		t.Errorf("PutIfAbsent() error = %v, want %v", err, wantErr)
	}
}
