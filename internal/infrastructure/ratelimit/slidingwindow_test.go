package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSlidingWindow_RemainingCountsDownToBoundary(t *testing.T) {
	store, _ := setupTestStore(t)
	limiter := NewSlidingWindow(ClassGeneral, LimiterConfig{MaxRequests: 5, Window: time.Minute, Namespace: "rl_general"}, store)
	ctx := context.Background()

	for i, want := range []uint{4, 3, 2, 1, 0} {
		res, err := limiter.Limit(ctx, "user_42")
		require.NoError(t, err)
		assert.True(t, res.Success, "request %d should be admitted", i+1)
		assert.Equal(t, uint(5), res.Limit)
		assert.Equal(t, want, res.Remaining)
		assert.NoError(t, res.Err())
	}

	start := time.Now()
	res, err := limiter.Limit(ctx, "user_42")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, uint(0), res.Remaining)
	assert.ErrorIs(t, res.Err(), ErrLimitExceeded)
	assert.InDelta(t, 60, res.RetryAfter(start), 1)
	assert.WithinDuration(t, start.Add(time.Minute), res.Reset, 2*time.Second)
}

func TestSlidingWindow_IdentifiersAreIndependent(t *testing.T) {
	store, _ := setupTestStore(t)
	limiter := NewSlidingWindow(ClassGeneral, LimiterConfig{MaxRequests: 2, Window: time.Minute, Namespace: "rl_general"}, store)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := limiter.Limit(ctx, "user_1")
		require.NoError(t, err)
	}
	res, err := limiter.Limit(ctx, "user_2")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, uint(1), res.Remaining)
}

func TestSlidingWindow_LimitersShareStoreButNotCounters(t *testing.T) {
	store, _ := setupTestStore(t)
	auth := NewSlidingWindow(ClassAuth, LimiterConfig{MaxRequests: 1, Window: time.Minute, Namespace: "rl_auth"}, store)
	general := NewSlidingWindow(ClassGeneral, LimiterConfig{MaxRequests: 1, Window: time.Minute, Namespace: "rl_general"}, store)
	ctx := context.Background()

	_, err := auth.Limit(ctx, "user_42")
	require.NoError(t, err)
	res, err := auth.Limit(ctx, "user_42")
	require.NoError(t, err)
	assert.False(t, res.Success)

	res, err = general.Limit(ctx, "user_42")
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestSlidingWindow_ResetsAfterStoreExpiry(t *testing.T) {
	store, mr := setupTestStore(t)
	limiter := NewSlidingWindow(ClassGeneral, LimiterConfig{MaxRequests: 2, Window: time.Minute, Namespace: "rl_general"}, store)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := limiter.Limit(ctx, "user_42")
		require.NoError(t, err)
	}
	mr.FastForward(time.Minute)

	res, err := limiter.Limit(ctx, "user_42")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, uint(1), res.Remaining)
}

func TestSlidingWindow_StoreErrorIsNotLimitExceeded(t *testing.T) {
	limiter := NewSlidingWindow(ClassGeneral, LimiterConfig{MaxRequests: 2, Window: time.Minute, Namespace: "rl_general"}, &failingStore{})

	_, err := limiter.Limit(context.Background(), "user_42")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.NotErrorIs(t, err, ErrLimitExceeded)
}

func recordSpans(l *SlidingWindow) *tracetest.SpanRecorder {
	sr := tracetest.NewSpanRecorder()
	l.tracer = sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr)).Tracer(tracerName)
	return sr
}

func spanAttrs(span sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value)
	for _, kv := range span.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestSlidingWindow_LimitRecordsSpan(t *testing.T) {
	store, _ := setupTestStore(t)
	limiter := NewSlidingWindow(ClassAuth, LimiterConfig{MaxRequests: 1, Window: time.Minute, Namespace: "rl_auth"}, store)
	sr := recordSpans(limiter)

	_, err := limiter.Limit(context.Background(), "ip_10.0.0.1_96354")
	require.NoError(t, err)
	_, err = limiter.Limit(context.Background(), "ip_10.0.0.1_96354")
	require.NoError(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "ratelimit.Limit", spans[0].Name())

	first := spanAttrs(spans[0])
	assert.Equal(t, "auth", first["ratelimit.class"].AsString())
	assert.Equal(t, "rl_auth", first["ratelimit.namespace"].AsString())
	assert.Equal(t, int64(1), first["ratelimit.count"].AsInt64())
	assert.True(t, first["ratelimit.success"].AsBool())

	second := spanAttrs(spans[1])
	assert.Equal(t, int64(2), second["ratelimit.count"].AsInt64())
	assert.Equal(t, int64(0), second["ratelimit.remaining"].AsInt64())
	assert.False(t, second["ratelimit.success"].AsBool())
}

func TestSlidingWindow_StoreErrorMarksSpan(t *testing.T) {
	limiter := NewSlidingWindow(ClassGeneral, LimiterConfig{MaxRequests: 2, Window: time.Minute, Namespace: "rl_general"}, &failingStore{})
	sr := recordSpans(limiter)

	_, err := limiter.Limit(context.Background(), "user_42")
	require.Error(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	require.NotEmpty(t, spans[0].Events())
	assert.Equal(t, "exception", spans[0].Events()[0].Name)
}

func TestSlidingWindow_ResetFallsBackToWindow(t *testing.T) {
	limiter := NewSlidingWindow(ClassGeneral, LimiterConfig{MaxRequests: 2, Window: time.Minute, Namespace: "rl_general"}, nil)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	res := limiter.result(WindowCount{Count: 1}, now)
	assert.Equal(t, now.Add(time.Minute), res.Reset)

	res = limiter.result(WindowCount{Count: 9, TTL: 5 * time.Second}, now)
	assert.Equal(t, now.Add(5*time.Second), res.Reset)
	assert.Equal(t, uint(0), res.Remaining)
	assert.Equal(t, int64(5), res.RetryAfter(now))
	assert.Equal(t, int64(0), res.RetryAfter(now.Add(time.Minute)))
}

func TestRegistry_ValidatesTable(t *testing.T) {
	store := newCountingStore()

	_, err := NewRegistry(store, testTable())
	require.NoError(t, err)

	missing := testTable()
	delete(missing, ClassUpload)
	_, err = NewRegistry(store, missing)
	assert.ErrorIs(t, err, ErrConfigurationMissing)

	dup := testTable()
	dup[ClassAuth] = LimiterConfig{MaxRequests: 1, Window: time.Minute, Namespace: "rl_general"}
	_, err = NewRegistry(store, dup)
	assert.ErrorContains(t, err, "share namespace")

	zero := testTable()
	zero[ClassPublic] = LimiterConfig{Window: time.Minute, Namespace: "rl_public"}
	_, err = NewRegistry(store, zero)
	assert.Error(t, err)

	_, err = NewRegistry(nil, testTable())
	assert.ErrorIs(t, err, ErrConfigurationMissing)
}

func TestRegistry_ClearAndStatus(t *testing.T) {
	store, _ := setupTestStore(t)
	registry, err := NewRegistry(store, testTable())
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := registry.Get(ClassGeneral).Limit(ctx, "user_42")
		require.NoError(t, err)
	}
	_, err = registry.Get(ClassAuth).Limit(ctx, "user_42")
	require.NoError(t, err)

	status, err := registry.Status(ctx, "user_42")
	require.NoError(t, err)
	require.Len(t, status, len(AllClasses()))
	assert.Equal(t, "general", status[0].Limiter)
	assert.Equal(t, int64(3), status[0].Count)
	assert.Equal(t, uint(2), status[0].Remaining)
	assert.Equal(t, int64(1), status[1].Count)

	n, err := registry.Clear(ctx, "user_42", ClassAuth)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = registry.Clear(ctx, "user_42")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	res, err := registry.Get(ClassGeneral).Limit(ctx, "user_42")
	require.NoError(t, err)
	assert.Equal(t, uint(4), res.Remaining)
}

func TestOperationClass_Parse(t *testing.T) {
	for _, c := range AllClasses() {
		parsed, err := ParseOperationClass(c.String())
		require.NoError(t, err)
		assert.Equal(t, c, parsed)
	}
	parsed, err := ParseOperationClass(" Premium ")
	require.NoError(t, err)
	assert.Equal(t, ClassPremium, parsed)

	_, err = ParseOperationClass("vip")
	assert.Error(t, err)
	assert.Equal(t, "OperationClass(42)", OperationClass(42).String())
}
