package configstore

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
)

type redisEnvelope struct {
	Version int64           `json:"version"`
	Raw     json.RawMessage `json:"raw"`
}

// RedisStore keeps documents as JSON envelopes under
// "<prefix><id>". Version bumps happen on Save.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Redis document store. An empty prefix defaults
// to "lg:doc:".
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "lg:doc:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Document, error) {
	data, err := s.client.Get(ctx, s.prefix+id).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var env redisEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &Document{ID: id, Raw: env.Raw, Version: env.Version}, nil
}

func (s *RedisStore) Save(ctx context.Context, doc *Document) error {
	env := redisEnvelope{Version: doc.Version + 1, Raw: doc.Raw}
	data, err := json.Marshal(&env)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.prefix+doc.ID, data, 0).Err(); err != nil {
		return err
	}
	doc.Version = env.Version
	return nil
}
