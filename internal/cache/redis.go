package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Redis-backed Store. Keys are namespaced as
// "<prefix><namespace>:<key>".
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed store. An empty prefix defaults to
// "lg:cache:".
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "lg:cache:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) fullKey(namespace, key string) string {
	return s.prefix + namespace + ":" + key
}

func (s *RedisStore) Get(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	data, err := s.client.Get(ctx, s.fullKey(namespace, key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (s *RedisStore) Set(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return s.client.Set(ctx, s.fullKey(namespace, key), value, ttl).Err()
}

// ListKeys scans the namespace and returns bare keys with the namespace
// prefix removed. SCAN does not touch key TTLs.
func (s *RedisStore) ListKeys(ctx context.Context, namespace string) ([]string, error) {
	nsPrefix := s.prefix + namespace + ":"

	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, nsPrefix+"*", 100).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range batch {
			keys = append(keys, k[len(nsPrefix):])
		}
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}
