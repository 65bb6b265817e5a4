package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrementScript performs the atomic increment-or-create: the INCR
// creates the key at 1 when absent, and the expiry is attached exactly
// once, on creation. The post-increment count is the return value and the
// single source of truth for the window.
var incrementScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
    redis.call('PEXPIREAT', KEYS[1], ARGV[1])
end
return count
`)

// RedisCounterStore is the Redis-backed CounterStore shared by all
// proxy workers.
type RedisCounterStore struct {
	client *redis.Client
	prefix string
}

// NewRedisCounterStore creates a Redis counter store. An empty prefix
// defaults to "lg:rl:".
func NewRedisCounterStore(client *redis.Client, prefix string) *RedisCounterStore {
	if prefix == "" {
		prefix = "lg:rl:"
	}
	return &RedisCounterStore{client: client, prefix: prefix}
}

func (s *RedisCounterStore) IncrementOrCreate(ctx context.Context, limiterID, identityKey string, windowStart int64, expiresAt time.Time) (int64, error) {
	key := fmt.Sprintf("%s%s:%s:%d", s.prefix, limiterID, identityKey, windowStart)
	return incrementScript.Run(ctx, s.client, []string{key}, expiresAt.UnixMilli()).Int64()
}

// RedisMetricStore aggregates metric buckets in Redis hashes.
type RedisMetricStore struct {
	client *redis.Client
	prefix string
}

// NewRedisMetricStore creates a Redis metric store. An empty prefix
// defaults to "lg:rlm:".
func NewRedisMetricStore(client *redis.Client, prefix string) *RedisMetricStore {
	if prefix == "" {
		prefix = "lg:rlm:"
	}
	return &RedisMetricStore{client: client, prefix: prefix}
}

func (s *RedisMetricStore) IncrementBucket(ctx context.Context, limiterID string, bucketStart int64, d BucketDelta, expiresAt time.Time) error {
	key := fmt.Sprintf("%s%s:%d", s.prefix, limiterID, bucketStart)

	pipe := s.client.TxPipeline()
	if d.Checked != 0 {
		pipe.HIncrBy(ctx, key, "checked", d.Checked)
	}
	if d.Allowed != 0 {
		pipe.HIncrBy(ctx, key, "allowed", d.Allowed)
	}
	if d.Blocked != 0 {
		pipe.HIncrBy(ctx, key, "blocked", d.Blocked)
	}
	pipe.PExpireAt(ctx, key, expiresAt)
	_, err := pipe.Exec(ctx)
	return err
}
