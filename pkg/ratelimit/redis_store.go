package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrScript increments a window counter and arms its expiry on first use.
// A key that somehow lost its TTL gets it back.
var incrScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 or redis.call('PTTL', KEYS[1]) < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return count
`)

// RedisClientSource yields the current client. The pkg/redis wrapper
// satisfies it and swaps the client on reconnect.
type RedisClientSource interface {
	GetClient() *redis.Client
}

type staticClient struct {
	client *redis.Client
}

func (s staticClient) GetClient() *redis.Client { return s.client }

// StaticRedisClient adapts a plain client to RedisClientSource.
func StaticRedisClient(client *redis.Client) RedisClientSource {
	return staticClient{client: client}
}

// RedisStoreOption configures a RedisStore.
type RedisStoreOption func(*RedisStore)

// WithStoreTimeout bounds calls whose context carries no deadline.
func WithStoreTimeout(d time.Duration) RedisStoreOption {
	return func(s *RedisStore) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// RedisStore is the DistributedStore backed by Redis window counters.
type RedisStore struct {
	source  RedisClientSource
	timeout time.Duration
}

// NewRedisStore creates a store reading its client from source on every call.
func NewRedisStore(source RedisClientSource, opts ...RedisStoreOption) *RedisStore {
	s := &RedisStore{
		source:  source,
		timeout: 50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) client() (*redis.Client, error) {
	if s.source == nil {
		return nil, fmt.Errorf("%w: no redis client configured", ErrBackendUnavailable)
	}
	client := s.source.GetClient()
	if client == nil {
		return nil, fmt.Errorf("%w: redis client not connected", ErrBackendUnavailable)
	}
	return client, nil
}

func (s *RedisStore) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// Incr increments key and returns the new count. The key expires window after
// its first increment.
func (s *RedisStore) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	client, err := s.client()
	if err != nil {
		return 0, err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	count, err := incrScript.Run(ctx, client, []string{key}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: incr %s: %w", ErrBackendUnavailable, key, err)
	}
	return count, nil
}

// Get returns the current count for key, zero when it does not exist.
func (s *RedisStore) Get(ctx context.Context, key string) (int64, error) {
	client, err := s.client()
	if err != nil {
		return 0, err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	count, err := client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: get %s: %w", ErrBackendUnavailable, key, err)
	}
	return count, nil
}

// Ping checks that Redis answers.
func (s *RedisStore) Ping(ctx context.Context) error {
	client, err := s.client()
	if err != nil {
		return err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: ping: %w", ErrBackendUnavailable, err)
	}
	return nil
}
