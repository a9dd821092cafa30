// slidingwindow.go: Window limiter evaluated against the shared counter store
package ratelimit

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/Aidin1998/dreamjournal-api/internal/infrastructure/ratelimit"

// SlidingWindow admits at most config.MaxRequests per window for each identifier.
// It keeps no local state; all counting and expiry happen in the store.
type SlidingWindow struct {
	class  OperationClass
	config LimiterConfig
	store  CounterStore
	tracer trace.Tracer
	now    func() time.Time
}

// NewSlidingWindow creates a limiter bound to one configuration. Spans go to
// the global tracer provider installed at the time of the call.
func NewSlidingWindow(class OperationClass, config LimiterConfig, store CounterStore) *SlidingWindow {
	return &SlidingWindow{
		class:  class,
		config: config,
		store:  store,
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
	}
}

func (l *SlidingWindow) Class() OperationClass { return l.class }

func (l *SlidingWindow) Config() LimiterConfig { return l.config }

// Limit counts one request for identifier and reports whether it is admitted.
// Store failures are returned as errors wrapping ErrStoreUnavailable.
func (l *SlidingWindow) Limit(ctx context.Context, identifier string) (Result, error) {
	ctx, span := l.tracer.Start(ctx, "ratelimit.Limit", trace.WithAttributes(
		attribute.String("ratelimit.class", l.class.String()),
		attribute.String("ratelimit.namespace", l.config.Namespace),
	))
	defer span.End()

	wc, err := l.store.Increment(ctx, l.config.Namespace, identifier, l.config.Window)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "store increment failed")
		return Result{}, err
	}

	res := l.result(wc, l.now())
	span.SetAttributes(
		attribute.Int64("ratelimit.count", wc.Count),
		attribute.Int64("ratelimit.remaining", int64(res.Remaining)),
		attribute.Bool("ratelimit.success", res.Success),
	)
	return res, nil
}

// Status reports the current window for identifier without consuming quota.
func (l *SlidingWindow) Status(ctx context.Context, identifier string) (Result, int64, error) {
	wc, err := l.store.Peek(ctx, l.config.Namespace, identifier)
	if err != nil {
		return Result{}, 0, err
	}
	return l.result(wc, l.now()), wc.Count, nil
}

func (l *SlidingWindow) result(wc WindowCount, now time.Time) Result {
	limit := int64(l.config.MaxRequests)
	remaining := limit - wc.Count
	if remaining < 0 {
		remaining = 0
	}
	ttl := wc.TTL
	if ttl <= 0 {
		ttl = l.config.Window
	}
	return Result{
		Success:   wc.Count <= limit,
		Limit:     l.config.MaxRequests,
		Remaining: uint(remaining),
		Reset:     now.Add(ttl),
	}
}
