// Package entries loads the proxy entry set. Entries are written by an
// external admin surface; the proxy only needs an up-to-date read of the
// full set per request.
package entries

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lanegate/lanegate/internal/logging"
	"github.com/lanegate/lanegate/internal/rules"
)

// Source yields the current proxy entry set.
type Source interface {
	ListAll(ctx context.Context) ([]rules.Entry, error)
}

// RedisSource reads entries from a Redis hash, one JSON document per
// entry keyed by entry ID. The admin surface owns writes.
type RedisSource struct {
	client *redis.Client
	key    string
}

// DefaultKey is the hash the admin surface writes entries to.
const DefaultKey = "lg:entries"

// NewRedisSource creates a source over the given hash key. An empty key
// defaults to DefaultKey.
func NewRedisSource(client *redis.Client, key string) *RedisSource {
	if key == "" {
		key = DefaultKey
	}
	return &RedisSource{client: client, key: key}
}

// ListAll reads every entry in the hash, sorted by ID for deterministic
// iteration. Individual malformed documents are skipped with a warning
// rather than failing the whole read.
func (s *RedisSource) ListAll(ctx context.Context) ([]rules.Entry, error) {
	raw, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("list proxy entries: %w", err)
	}

	out := make([]rules.Entry, 0, len(raw))
	for id, doc := range raw {
		var e rules.Entry
		if err := json.Unmarshal([]byte(doc), &e); err != nil {
			logging.Warn("skipping malformed proxy entry",
				zap.String("entry_id", id), zap.Error(err))
			continue
		}
		if e.ID == "" {
			e.ID = id
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// MemorySource is an in-process Source for tests and static deployments.
type MemorySource struct {
	mu      sync.RWMutex
	entries []rules.Entry

	// FailWith, when set, makes ListAll return this error.
	FailWith error
}

// NewMemorySource creates a source over a fixed entry set.
func NewMemorySource(entries ...rules.Entry) *MemorySource {
	return &MemorySource{entries: entries}
}

func (s *MemorySource) ListAll(_ context.Context) ([]rules.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.FailWith != nil {
		return nil, s.FailWith
	}
	return append([]rules.Entry(nil), s.entries...), nil
}

// Replace swaps the entry set.
func (s *MemorySource) Replace(entries []rules.Entry) {
	s.mu.Lock()
	s.entries = append([]rules.Entry(nil), entries...)
	s.mu.Unlock()
}
