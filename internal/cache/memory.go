package cache

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryStore is a bounded in-memory Store for tests and single-node
// deployments. Each namespace is a separate LRU; expiry is checked on
// read since per-key TTLs vary.
type MemoryStore struct {
	mu     sync.Mutex
	caches map[string]*lru.Cache[string, memoryEntry]
	size   int
	now    func() time.Time
}

// NewMemoryStore creates a memory store with the given per-namespace
// capacity.
func NewMemoryStore(size int) *MemoryStore {
	if size <= 0 {
		size = 1024
	}
	return &MemoryStore{
		caches: make(map[string]*lru.Cache[string, memoryEntry]),
		size:   size,
		now:    time.Now,
	}
}

func (s *MemoryStore) namespace(ns string) *lru.Cache[string, memoryEntry] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.caches[ns]; ok {
		return c
	}
	c, _ := lru.New[string, memoryEntry](s.size)
	s.caches[ns] = c
	return c
}

func (s *MemoryStore) Get(_ context.Context, namespace, key string) ([]byte, bool, error) {
	entry, ok := s.namespace(namespace).Get(key)
	if !ok {
		return nil, false, nil
	}
	if s.now().After(entry.expiresAt) {
		s.namespace(namespace).Remove(key)
		return nil, false, nil
	}
	return entry.value, true, nil
}

func (s *MemoryStore) Set(_ context.Context, namespace, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Minute
	}
	s.namespace(namespace).Add(key, memoryEntry{value: value, expiresAt: s.now().Add(ttl)})
	return nil
}

// ListKeys returns keys without promoting them in the LRU and without
// filtering on expiry, matching the read-only listing contract.
func (s *MemoryStore) ListKeys(_ context.Context, namespace string) ([]string, error) {
	return s.namespace(namespace).Keys(), nil
}
