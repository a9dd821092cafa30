package ratelimit

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Aidin1998/dreamjournal-api/testutil"
	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"
)

func setupTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, client := testutil.NewRedis(t)
	return NewRedisStore(client, zap.NewNop(), WithHealthCheckTimeout(200*time.Millisecond)), mr
}

// silentRedis accepts TCP connections and never answers, like a Redis that
// has stalled mid-request.
func silentRedis(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})
	return ln.Addr().String()
}

func setupSilentStore(t *testing.T) *RedisStore {
	t.Helper()
	client, err := NewRedisClient(ClientOptions{
		Address:     silentRedis(t),
		MaxRetries:  -1,
		DialTimeout: time.Second,
		ReadTimeout: 3 * time.Second,
	})
	if err != nil {
		t.Fatalf("new redis client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, zap.NewNop(), WithHealthCheckTimeout(100*time.Millisecond))
}

func testTable() map[OperationClass]LimiterConfig {
	return map[OperationClass]LimiterConfig{
		ClassGeneral: {MaxRequests: 5, Window: time.Minute, Namespace: "rl_general"},
		ClassAuth:    {MaxRequests: 3, Window: 15 * time.Minute, Namespace: "rl_auth"},
		ClassUpload:  {MaxRequests: 2, Window: time.Hour, Namespace: "rl_upload"},
		ClassPublic:  {MaxRequests: 50, Window: time.Hour, Namespace: "rl_public"},
		ClassPremium: {MaxRequests: 100, Window: time.Hour, Namespace: "rl_premium"},
	}
}

// countingStore is an in-memory CounterStore that records every call.
type countingStore struct {
	mu     sync.Mutex
	counts map[string]int64
	calls  atomic.Int64
}

func newCountingStore() *countingStore {
	return &countingStore{counts: make(map[string]int64)}
}

func (s *countingStore) Increment(_ context.Context, namespace, identifier string, window time.Duration) (WindowCount, error) {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	k := Key(namespace, identifier)
	s.counts[k]++
	return WindowCount{Count: s.counts[k], TTL: window}, nil
}

func (s *countingStore) Peek(_ context.Context, namespace, identifier string) (WindowCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return WindowCount{Count: s.counts[Key(namespace, identifier)]}, nil
}

func (s *countingStore) HealthCheck(context.Context) bool { return true }

func (s *countingStore) DeleteKeys(_ context.Context, pattern string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.counts[pattern]; ok {
		delete(s.counts, pattern)
		return 1, nil
	}
	return 0, nil
}

// failingStore fails every operation, optionally after blocking until ctx is done.
type failingStore struct {
	block bool
	calls atomic.Int64
}

var errStoreDown = errors.New("connection refused")

func (s *failingStore) fail(ctx context.Context, op string) error {
	s.calls.Add(1)
	if s.block {
		<-ctx.Done()
		return storeError(op, "", ctx.Err())
	}
	return storeError(op, "", errStoreDown)
}

func (s *failingStore) Increment(ctx context.Context, _, _ string, _ time.Duration) (WindowCount, error) {
	return WindowCount{}, s.fail(ctx, "increment")
}

func (s *failingStore) Peek(ctx context.Context, _, _ string) (WindowCount, error) {
	return WindowCount{}, s.fail(ctx, "peek")
}

func (s *failingStore) HealthCheck(context.Context) bool { return false }

func (s *failingStore) DeleteKeys(ctx context.Context, _ string) (int64, error) {
	return 0, s.fail(ctx, "delete")
}
