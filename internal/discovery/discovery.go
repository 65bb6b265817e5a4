// Package discovery records host/path/URL combinations that reached the
// proxy without matching any enabled entry, so operators can see what
// traffic wants a configuration entry.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/lanegate/lanegate/internal/cache"
	"github.com/lanegate/lanegate/internal/logging"
)

// Namespace is the cache namespace discovery records live in.
const Namespace = "discovery"

// Retention is how long a record survives without being seen again. The
// cache layer owns expiry; the recorder just re-arms the TTL on upsert.
const Retention = 24 * time.Hour

// Record is one unmatched request shape.
type Record struct {
	Key         string    `json:"key"`
	TargetURL   string    `json:"targetUrl"`
	Host        string    `json:"host"`
	Path        string    `json:"path"`
	FirstSeenAt time.Time `json:"firstSeenAt"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
	Count       int64     `json:"count"`
}

// Recorder upserts and lists discovery records through the cache layer.
type Recorder struct {
	store cache.Store

	now func() time.Time
}

// NewRecorder creates a recorder backed by the given cache store.
func NewRecorder(store cache.Store) *Recorder {
	return &Recorder{store: store, now: time.Now}
}

// recordKey hashes the request shape into a stable record key.
func recordKey(host, path, targetURL string) string {
	h := xxhash.New()
	h.WriteString(host)
	h.WriteString("|")
	h.WriteString(path)
	h.WriteString("|")
	h.WriteString(targetURL)
	return fmt.Sprintf("%016x", h.Sum64())
}

// Seen upserts the record for a request shape: first sight creates it,
// every sight bumps count and lastSeenAt and re-arms the retention TTL.
// Failures are logged and swallowed; discovery is best-effort and must
// never affect the response.
func (r *Recorder) Seen(ctx context.Context, host, path, targetURL string) {
	key := recordKey(host, path, targetURL)
	now := r.now()

	rec := Record{
		Key:         key,
		TargetURL:   targetURL,
		Host:        host,
		Path:        path,
		FirstSeenAt: now,
		LastSeenAt:  now,
		Count:       1,
	}

	raw, found, err := r.store.Get(ctx, Namespace, key)
	if err != nil {
		logging.Warn("discovery read failed", zap.String("key", key), zap.Error(err))
	} else if found {
		var prev Record
		if err := json.Unmarshal(raw, &prev); err == nil {
			rec.FirstSeenAt = prev.FirstSeenAt
			rec.Count = prev.Count + 1
		}
	}

	buf, err := json.Marshal(rec)
	if err != nil {
		logging.Warn("discovery encode failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := r.store.Set(ctx, Namespace, key, buf, Retention); err != nil {
		logging.Warn("discovery write failed", zap.String("key", key), zap.Error(err))
	}
}

// List returns all live discovery records, most recently seen first.
func (r *Recorder) List(ctx context.Context) ([]Record, error) {
	keys, err := r.store.ListKeys(ctx, Namespace)
	if err != nil {
		return nil, fmt.Errorf("list discovery keys: %w", err)
	}

	records := make([]Record, 0, len(keys))
	for _, key := range keys {
		raw, found, err := r.store.Get(ctx, Namespace, key)
		if err != nil {
			return nil, fmt.Errorf("read discovery record %s: %w", key, err)
		}
		if !found {
			// Expired between the listing and the read.
			continue
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			logging.Warn("skipping malformed discovery record",
				zap.String("key", key), zap.Error(err))
			continue
		}
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].LastSeenAt.After(records[j].LastSeenAt)
	})
	return records, nil
}
