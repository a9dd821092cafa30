// redis.go: Redis-backed counter store for distributed window limiting
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultHealthCheckTimeout = 2 * time.Second
	scanBatchSize             = 200
)

// ClientOptions describes how to reach Redis. URL takes precedence over Address.
type ClientOptions struct {
	URL          string
	Address      string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
}

// NewRedisClient creates a go-redis client from a redis:// URL or a plain address.
func NewRedisClient(opts ClientOptions) (*redis.Client, error) {
	var ro *redis.Options
	if opts.URL != "" {
		parsed, err := redis.ParseURL(opts.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		ro = parsed
		if opts.Password != "" && ro.Password == "" {
			ro.Password = opts.Password
		}
	} else {
		if opts.Address == "" {
			return nil, fmt.Errorf("redis address: %w", ErrConfigurationMissing)
		}
		ro = &redis.Options{
			Addr:     opts.Address,
			Password: opts.Password,
			DB:       opts.DB,
		}
	}
	if opts.PoolSize > 0 {
		ro.PoolSize = opts.PoolSize
	}
	if opts.MinIdleConns > 0 {
		ro.MinIdleConns = opts.MinIdleConns
	}
	// -1 disables retries
	if opts.MaxRetries != 0 {
		ro.MaxRetries = opts.MaxRetries
	}
	if opts.DialTimeout > 0 {
		ro.DialTimeout = opts.DialTimeout
	}
	if opts.ReadTimeout > 0 {
		ro.ReadTimeout = opts.ReadTimeout
	}
	// Without this go-redis ignores context deadlines on socket reads and the
	// gate's store timeout degrades to ReadTimeout.
	ro.ContextTimeoutEnabled = true
	return redis.NewClient(ro), nil
}

// incrementScript bumps the counter and arms the expiry on the first hit of a
// window, or when a key somehow lost its TTL. Returns {count, pttl}.
var incrementScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if count == 1 or ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RedisStore implements CounterStore on top of go-redis.
type RedisStore struct {
	client        redis.UniversalClient
	logger        *zap.Logger
	healthTimeout time.Duration
}

// RedisStoreOption customizes a RedisStore.
type RedisStoreOption func(*RedisStore)

// WithHealthCheckTimeout bounds HealthCheck round-trips.
func WithHealthCheckTimeout(d time.Duration) RedisStoreOption {
	return func(s *RedisStore) {
		if d > 0 {
			s.healthTimeout = d
		}
	}
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient, logger *zap.Logger, opts ...RedisStoreOption) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &RedisStore{
		client:        client,
		logger:        logger.Named("ratelimit.store"),
		healthTimeout: defaultHealthCheckTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Key returns the storage key for a namespace/identifier pair.
func Key(namespace, identifier string) string {
	return namespace + ":" + identifier
}

// KeyPattern returns a glob that matches exactly the key for namespace/identifier,
// with glob metacharacters in either part escaped.
func KeyPattern(namespace, identifier string) string {
	return escapeGlob(namespace) + ":" + escapeGlob(identifier)
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globEscaper.Replace(s)
}

// Increment atomically counts one request in the namespace window.
func (s *RedisStore) Increment(ctx context.Context, namespace, identifier string, window time.Duration) (WindowCount, error) {
	start := time.Now()
	defer observeStore("increment", start)

	windowMs := window.Milliseconds()
	if windowMs <= 0 {
		return WindowCount{}, fmt.Errorf("window must be at least 1ms, got %s", window)
	}

	res, err := incrementScript.Run(ctx, s.client, []string{Key(namespace, identifier)}, windowMs).Result()
	if err != nil {
		storeErrorsTotal.WithLabelValues("increment").Inc()
		return WindowCount{}, storeError("increment", namespace, err)
	}
	return s.parseIncrement(namespace, res)
}

func (s *RedisStore) parseIncrement(namespace string, res interface{}) (WindowCount, error) {
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		storeErrorsTotal.WithLabelValues("increment").Inc()
		return WindowCount{}, storeError("increment", namespace, fmt.Errorf("unexpected script result: %v", res))
	}
	count, okCount := vals[0].(int64)
	ttl, okTTL := vals[1].(int64)
	if !okCount || !okTTL {
		storeErrorsTotal.WithLabelValues("increment").Inc()
		return WindowCount{}, storeError("increment", namespace, fmt.Errorf("unexpected script result types: %T, %T", vals[0], vals[1]))
	}
	return WindowCount{Count: count, TTL: time.Duration(ttl) * time.Millisecond}, nil
}

// Peek reads the current count and remaining TTL without incrementing.
func (s *RedisStore) Peek(ctx context.Context, namespace, identifier string) (WindowCount, error) {
	start := time.Now()
	defer observeStore("peek", start)

	key := Key(namespace, identifier)
	pipe := s.client.Pipeline()
	getCmd := pipe.Get(ctx, key)
	ttlCmd := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		storeErrorsTotal.WithLabelValues("peek").Inc()
		return WindowCount{}, storeError("peek", namespace, err)
	}

	count, err := getCmd.Int64()
	if errors.Is(err, redis.Nil) {
		return WindowCount{}, nil
	}
	if err != nil {
		storeErrorsTotal.WithLabelValues("peek").Inc()
		return WindowCount{}, storeError("peek", namespace, err)
	}
	ttl := ttlCmd.Val()
	if ttl < 0 {
		ttl = 0
	}
	return WindowCount{Count: count, TTL: ttl}, nil
}

// HealthCheck pings Redis, bounded by the configured health-check timeout.
func (s *RedisStore) HealthCheck(ctx context.Context) bool {
	start := time.Now()
	defer observeStore("health", start)

	ctx, cancel := context.WithTimeout(ctx, s.healthTimeout)
	defer cancel()

	pong, err := s.client.Ping(ctx).Result()
	if err != nil {
		s.logger.Debug("redis health check failed", zap.Error(err))
		return false
	}
	return pong == "PONG"
}

// DeleteKeys removes every key matching pattern using SCAN, never KEYS.
func (s *RedisStore) DeleteKeys(ctx context.Context, pattern string) (int64, error) {
	start := time.Now()
	defer observeStore("delete", start)

	var (
		cursor  uint64
		deleted int64
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, scanBatchSize).Result()
		if err != nil {
			storeErrorsTotal.WithLabelValues("delete").Inc()
			return deleted, storeError("delete", "", err)
		}
		if len(keys) > 0 {
			n, err := s.client.Del(ctx, keys...).Result()
			if err != nil {
				storeErrorsTotal.WithLabelValues("delete").Inc()
				return deleted, storeError("delete", "", err)
			}
			deleted += n
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return deleted, nil
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
