package limiter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/lanegate/lanegate/internal/configstore"
	"github.com/lanegate/lanegate/internal/logging"
)

// DefaultDocumentID is the ID of the rate-limit configuration document.
const DefaultDocumentID = "rate-limits"

// disabledOverrideJSON is what bootstrap writes for a limiter seen for
// the first time: present in the document, explicitly disabled, ready
// for an operator to flip on.
const disabledOverrideJSON = `{"enabled":false}`

// ConfigResolver loads the configuration document and resolves the
// effective per-limiter configuration as a three-layer merge:
// built-in defaults <- document defaults <- per-limiter override.
//
// It also bootstraps: the document itself is created on first use, and a
// disabled override entry is written for any limiter ID encountered for
// the first time in this process. Bootstrap writes are deduplicated per
// ID and retried in the background when the store is unreachable.
type ConfigResolver struct {
	store configstore.Store
	docID string

	group singleflight.Group

	mu       sync.Mutex
	seen     map[string]bool
	retrying map[string]bool
}

// NewConfigResolver creates a resolver over the given document store. An
// empty docID defaults to DefaultDocumentID.
func NewConfigResolver(store configstore.Store, docID string) *ConfigResolver {
	if docID == "" {
		docID = DefaultDocumentID
	}
	return &ConfigResolver{
		store:    store,
		docID:    docID,
		seen:     make(map[string]bool),
		retrying: make(map[string]bool),
	}
}

// Effective resolves the effective configuration for a limiter. A store
// error is returned so the engine can apply fail-open/fail-closed
// semantics; the caller never sees a partially merged result on error.
func (r *ConfigResolver) Effective(ctx context.Context, limiterID string) (Config, error) {
	cfg := Defaults()

	doc, err := r.store.Get(ctx, r.docID)
	if errors.Is(err, configstore.ErrNotFound) {
		r.ensureOverride(ctx, limiterID)
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("load rate-limit document: %w", err)
	}

	if defaults := gjson.GetBytes(doc.Raw, "defaults"); defaults.Exists() {
		var o Override
		if err := json.Unmarshal([]byte(defaults.Raw), &o); err != nil {
			return cfg, fmt.Errorf("decode rate-limit defaults: %w", err)
		}
		cfg = Merge(cfg, &o)
	}

	override := gjson.GetBytes(doc.Raw, "limiters."+limiterID)
	if !override.Exists() {
		r.ensureOverride(ctx, limiterID)
		return cfg, nil
	}
	r.markSeen(limiterID)

	var o Override
	if err := json.Unmarshal([]byte(override.Raw), &o); err != nil {
		return cfg, fmt.Errorf("decode override for limiter %q: %w", limiterID, err)
	}
	return Merge(cfg, &o), nil
}

func (r *ConfigResolver) markSeen(limiterID string) {
	r.mu.Lock()
	r.seen[limiterID] = true
	r.mu.Unlock()
}

// ensureOverride writes a disabled override for a limiter ID not yet
// present in the document. Concurrent first requests collapse into one
// write via singleflight; a failed write schedules a background retry.
func (r *ConfigResolver) ensureOverride(ctx context.Context, limiterID string) {
	r.mu.Lock()
	done := r.seen[limiterID]
	r.mu.Unlock()
	if done {
		return
	}

	_, err, _ := r.group.Do(limiterID, func() (interface{}, error) {
		return nil, r.writeOverride(ctx, limiterID)
	})
	if err == nil {
		r.markSeen(limiterID)
		return
	}

	logging.Warn("rate-limit bootstrap failed, scheduling retry",
		zap.String("limiter_id", limiterID), zap.Error(err))
	r.retryOverride(limiterID)
}

// retryOverride retries a failed bootstrap in the background with
// exponential backoff, one goroutine per limiter ID at most.
func (r *ConfigResolver) retryOverride(limiterID string) {
	r.mu.Lock()
	if r.retrying[limiterID] {
		r.mu.Unlock()
		return
	}
	r.retrying[limiterID] = true
	r.mu.Unlock()

	go func() {
		defer func() {
			r.mu.Lock()
			delete(r.retrying, limiterID)
			r.mu.Unlock()
		}()

		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = time.Second
		policy.MaxElapsedTime = 5 * time.Minute

		err := backoff.Retry(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return r.writeOverride(ctx, limiterID)
		}, policy)
		if err != nil {
			logging.Warn("rate-limit bootstrap retries exhausted",
				zap.String("limiter_id", limiterID), zap.Error(err))
			return
		}
		r.markSeen(limiterID)
	}()
}

// writeOverride adds limiters.<id> = {"enabled": false} to the document,
// creating the document with built-in defaults when absent. An override
// that appeared meanwhile is left untouched.
func (r *ConfigResolver) writeOverride(ctx context.Context, limiterID string) error {
	doc, err := r.store.Get(ctx, r.docID)
	if errors.Is(err, configstore.ErrNotFound) {
		doc = &configstore.Document{ID: r.docID, Raw: defaultDocumentJSON()}
	} else if err != nil {
		return err
	}

	if gjson.GetBytes(doc.Raw, "limiters."+limiterID).Exists() {
		return nil
	}

	raw, err := sjson.SetRawBytes(doc.Raw, "limiters."+limiterID, []byte(disabledOverrideJSON))
	if err != nil {
		return err
	}
	doc.Raw = raw
	return r.store.Save(ctx, doc)
}

// defaultDocumentJSON is the initial document payload: built-in defaults
// serialized as the defaults layer and an empty limiter map.
func defaultDocumentJSON() []byte {
	defaults, _ := json.Marshal(Defaults())
	raw, _ := sjson.SetRawBytes([]byte(`{"version":1,"limiters":{}}`), "defaults", defaults)
	return raw
}
