package storage

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/tourmarket/requestgate/instrumentation"
)

// instrumentedStore records a span and metrics for every operation of the
// wrapped store.
type instrumentedStore struct {
	next   Store
	name   string
	inst   *instrumentation.Instrumentation
	tracer trace.Tracer
}

// Instrument wraps s so every operation is traced and counted under name.
// A nil inst returns s unchanged.
func Instrument(s Store, name string, inst *instrumentation.Instrumentation) Store {
	if inst == nil {
		return s
	}
	return &instrumentedStore{
		next:   s,
		name:   name,
		inst:   inst,
		tracer: inst.Tracer("storage"),
	}
}

func (s *instrumentedStore) start(ctx context.Context, operation string) (context.Context, trace.Span, time.Time) {
	ctx, span := s.tracer.Start(ctx, "storage."+operation)
	instrumentation.AddStorageAttributes(span, s.name, operation)
	return ctx, span, time.Now()
}

func (s *instrumentedStore) finish(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	durationMs := float64(time.Since(startTime).Microseconds()) / 1000.0
	result := "success"
	if err != nil {
		result = "error"
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	s.inst.Metrics().RecordStorageOperation(ctx, s.name, operation, result, durationMs)
	span.End()
}

func (s *instrumentedStore) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, span, startTime := s.start(ctx, "get")
	v, ok, err := s.next.Get(ctx, key)
	s.finish(ctx, span, "get", err, startTime)
	return v, ok, err
}

func (s *instrumentedStore) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, span, startTime := s.start(ctx, "put")
	err := s.next.Put(ctx, key, value, ttl)
	s.finish(ctx, span, "put", err, startTime)
	return err
}

func (s *instrumentedStore) PutIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx, span, startTime := s.start(ctx, "put_if_absent")
	inserted, err := s.next.PutIfAbsent(ctx, key, value, ttl)
	s.finish(ctx, span, "put_if_absent", err, startTime)
	return inserted, err
}

func (s *instrumentedStore) Delete(ctx context.Context, key string) error {
	ctx, span, startTime := s.start(ctx, "delete")
	err := s.next.Delete(ctx, key)
	s.finish(ctx, span, "delete", err, startTime)
	return err
}

func (s *instrumentedStore) Contains(ctx context.Context, key string) (bool, error) {
	ctx, span, startTime := s.start(ctx, "contains")
	ok, err := s.next.Contains(ctx, key)
	s.finish(ctx, span, "contains", err, startTime)
	return ok, err
}

func (s *instrumentedStore) Increment(ctx context.Context, key string, opts IncrementOptions) (Counter, error) {
	ctx, span, startTime := s.start(ctx, "increment")
	c, err := s.next.Increment(ctx, key, opts)
	s.finish(ctx, span, "increment", err, startTime)
	return c, err
}

func (s *instrumentedStore) Range(ctx context.Context, fn func(key, value string) bool) error {
	ctx, span, startTime := s.start(ctx, "range")
	err := s.next.Range(ctx, fn)
	s.finish(ctx, span, "range", err, startTime)
	return err
}
