// Package cache derives response-cache fingerprints and adapts the
// external key-value layer for response envelopes.
package cache

import (
	"context"
	"time"
)

// Store is the external cache/key-value layer. Implementations must treat
// namespaces as disjoint keyspaces. ListKeys is read-only and never
// refreshes TTLs as a side effect, so listings may include entries that
// are about to expire.
type Store interface {
	Get(ctx context.Context, namespace, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) error
	ListKeys(ctx context.Context, namespace string) ([]string, error)
}
