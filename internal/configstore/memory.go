package configstore

import (
	"context"
	"sync"
)

// MemoryStore is an in-process document store for tests and single-node
// use.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]*Document

	// FailWith, when set, makes every operation return this error. Tests
	// use it to simulate an unreachable store.
	FailWith error
}

// NewMemoryStore creates an empty in-memory document store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]*Document)}
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.FailWith != nil {
		return nil, s.FailWith
	}
	doc, ok := s.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *doc
	cp.Raw = append([]byte(nil), doc.Raw...)
	return &cp, nil
}

func (s *MemoryStore) Save(_ context.Context, doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return s.FailWith
	}
	doc.Version++
	cp := *doc
	cp.Raw = append([]byte(nil), doc.Raw...)
	s.docs[doc.ID] = &cp
	return nil
}
