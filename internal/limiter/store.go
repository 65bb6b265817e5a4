package limiter

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// CounterStore holds the enforcement counters. IncrementOrCreate must be
// a single atomic operation returning the post-increment count; a
// read-then-write implementation loses increments under concurrency and
// is not acceptable.
type CounterStore interface {
	IncrementOrCreate(ctx context.Context, limiterID, identityKey string, windowStart int64, expiresAt time.Time) (int64, error)
}

// BucketDelta is one check's contribution to a metric bucket.
type BucketDelta struct {
	Checked int64
	Allowed int64
	Blocked int64
}

// Bucket is an aggregated metric bucket.
type Bucket struct {
	LimiterID   string `json:"limiterId"`
	BucketStart int64  `json:"bucketStart"`
	Checked     int64  `json:"checked"`
	Allowed     int64  `json:"allowed"`
	Blocked     int64  `json:"blocked"`
}

// MetricStore holds the coarse observability buckets, independent of the
// enforcement counters. Failures here never affect verdicts.
type MetricStore interface {
	IncrementBucket(ctx context.Context, limiterID string, bucketStart int64, d BucketDelta, expiresAt time.Time) error
}

// MemoryCounterStore is a mutex-guarded CounterStore for tests and
// single-node use. The mutex makes increment-or-create atomic.
type MemoryCounterStore struct {
	mu       sync.Mutex
	counters map[string]*memoryCounter

	// FailWith, when set, makes every increment fail. Tests use it to
	// simulate an unreachable store.
	FailWith error
}

type memoryCounter struct {
	count     int64
	expiresAt time.Time
}

// NewMemoryCounterStore creates an empty in-memory counter store.
func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{counters: make(map[string]*memoryCounter)}
}

func counterKey(limiterID, identityKey string, windowStart int64) string {
	return fmt.Sprintf("%s:%s:%d", limiterID, identityKey, windowStart)
}

func (s *MemoryCounterStore) IncrementOrCreate(_ context.Context, limiterID, identityKey string, windowStart int64, expiresAt time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailWith != nil {
		return 0, s.FailWith
	}

	key := counterKey(limiterID, identityKey, windowStart)
	c, ok := s.counters[key]
	if !ok || time.Now().After(c.expiresAt) {
		c = &memoryCounter{expiresAt: expiresAt}
		s.counters[key] = c
	}
	c.count++
	return c.count, nil
}

// MemoryMetricStore is an in-memory MetricStore. It keeps buckets
// addressable for tests and the ops surface.
type MemoryMetricStore struct {
	mu      sync.Mutex
	buckets map[string]*Bucket

	FailWith error
}

// NewMemoryMetricStore creates an empty in-memory metric store.
func NewMemoryMetricStore() *MemoryMetricStore {
	return &MemoryMetricStore{buckets: make(map[string]*Bucket)}
}

func (s *MemoryMetricStore) IncrementBucket(_ context.Context, limiterID string, bucketStart int64, d BucketDelta, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailWith != nil {
		return s.FailWith
	}

	key := fmt.Sprintf("%s:%d", limiterID, bucketStart)
	b, ok := s.buckets[key]
	if !ok {
		b = &Bucket{LimiterID: limiterID, BucketStart: bucketStart}
		s.buckets[key] = b
	}
	b.Checked += d.Checked
	b.Allowed += d.Allowed
	b.Blocked += d.Blocked
	return nil
}

// Bucket returns a copy of the bucket for a limiter and bucket start, if
// present.
func (s *MemoryMetricStore) Bucket(limiterID string, bucketStart int64) (Bucket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[fmt.Sprintf("%s:%d", limiterID, bucketStart)]
	if !ok {
		return Bucket{}, false
	}
	return *b, true
}
