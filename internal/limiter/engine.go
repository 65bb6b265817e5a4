package limiter

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/lanegate/lanegate/internal/apperr"
	"github.com/lanegate/lanegate/internal/logging"
)

// counterGrace keeps a counter row alive briefly past its window so late
// readers of the ops surface can still see it.
const counterGrace = time.Minute

// metricRetention is how long metric buckets are kept.
const metricRetention = 24 * time.Hour

// CheckInput is one rate-limit check.
type CheckInput struct {
	LimiterID string
	Identity  Identity
	// IdentityKey, when set by the caller, bypasses identity derivation
	// entirely.
	IdentityKey string
	Headers     http.Header
	// MountPath is descriptive registry metadata only.
	MountPath string
}

// Verdict is the outcome of a check.
type Verdict struct {
	Allowed  bool
	Enforced bool

	Count       int64
	Max         int64
	WindowStart int64
	RetryAfter  time.Duration
	IdentityKey string

	// Reason is empty for ordinary verdicts and STORE_ERROR when the
	// counter or config store failed and fail-open/closed applied.
	Reason string
}

// Engine is the rate limiter. It is stateless per check; all counters
// live in the injected stores, and correctness under concurrency rests
// entirely on the counter store's atomic increment-or-create.
type Engine struct {
	resolver *ConfigResolver
	counters CounterStore
	metrics  MetricStore
	registry *Registry

	now func() time.Time
}

// NewEngine creates a rate limiter engine. The registry may be nil when
// no ops surface needs it.
func NewEngine(resolver *ConfigResolver, counters CounterStore, metrics MetricStore, registry *Registry) *Engine {
	return &Engine{
		resolver: resolver,
		counters: counters,
		metrics:  metrics,
		registry: registry,
		now:      time.Now,
	}
}

// Check runs one rate-limit decision.
//
// Disabled limiters return allowed without touching the counter store.
// In reportOnly mode the externally visible Allowed is always true, but
// the counter still increments and the metric bucket still records the
// would-be block. Store failures follow the limiter's failOpen setting.
func (e *Engine) Check(ctx context.Context, in CheckInput) Verdict {
	if e.registry != nil {
		e.registry.Register(RegistryEntry{ID: in.LimiterID, MountPath: in.MountPath})
	}

	cfg, err := e.resolver.Effective(ctx, in.LimiterID)
	if err != nil {
		logging.Warn("rate-limit config unavailable",
			zap.String("limiter_id", in.LimiterID), zap.Error(err))
		return e.storeErrorVerdict(cfg)
	}

	if !cfg.Enabled || cfg.Mode == ModeDisabled {
		return Verdict{Allowed: true, Enforced: false, Max: cfg.Max}
	}

	identityKey := IdentityKey(cfg.Identity, in.Identity, in.IdentityKey, in.Headers)

	nowMs := e.now().UnixMilli()
	windowStart := (nowMs / cfg.WindowMs) * cfg.WindowMs
	windowEnd := windowStart + cfg.WindowMs
	expiresAt := time.UnixMilli(windowEnd).Add(counterGrace)

	count, err := e.counters.IncrementOrCreate(ctx, in.LimiterID, identityKey, windowStart, expiresAt)
	if err != nil {
		logging.Warn("rate-limit counter store failed",
			zap.String("limiter_id", in.LimiterID),
			zap.Bool("fail_open", cfg.Store.FailOpen),
			zap.Error(err))
		e.recordMetrics(ctx, cfg, in.LimiterID, BucketDelta{Checked: 1})
		v := e.storeErrorVerdict(cfg)
		v.IdentityKey = identityKey
		return v
	}

	withinLimit := cfg.Max <= 0 || count <= cfg.Max
	enforced := cfg.Mode == ModeEnforce

	delta := BucketDelta{Checked: 1}
	if withinLimit {
		delta.Allowed = 1
	} else {
		delta.Blocked = 1
	}
	e.recordMetrics(ctx, cfg, in.LimiterID, delta)

	v := Verdict{
		Allowed:     withinLimit || !enforced,
		Enforced:    enforced,
		Count:       count,
		Max:         cfg.Max,
		WindowStart: windowStart,
		IdentityKey: identityKey,
	}
	if !withinLimit {
		v.RetryAfter = time.UnixMilli(windowEnd).Sub(e.now())
		if v.RetryAfter < time.Second {
			v.RetryAfter = time.Second
		}
	}
	return v
}

// storeErrorVerdict applies failOpen semantics: fail-open permits the
// request without enforcement, fail-closed denies it.
func (e *Engine) storeErrorVerdict(cfg Config) Verdict {
	if cfg.Store.FailOpen {
		return Verdict{Allowed: true, Enforced: false, Max: cfg.Max, Reason: apperr.ReasonStoreError}
	}
	return Verdict{Allowed: false, Enforced: true, Max: cfg.Max, Reason: apperr.ReasonStoreError}
}

// recordMetrics increments the observability bucket; failures are logged
// and swallowed.
func (e *Engine) recordMetrics(ctx context.Context, cfg Config, limiterID string, d BucketDelta) {
	if e.metrics == nil || !cfg.Metrics.Enabled {
		return
	}

	bucketMs := cfg.Metrics.BucketMs
	if bucketMs <= 0 {
		bucketMs = 60_000
	}
	nowMs := e.now().UnixMilli()
	bucketStart := (nowMs / bucketMs) * bucketMs
	expiresAt := time.UnixMilli(bucketStart).Add(metricRetention)

	if err := e.metrics.IncrementBucket(ctx, limiterID, bucketStart, d, expiresAt); err != nil {
		logging.Warn("rate-limit metric bucket write failed",
			zap.String("limiter_id", limiterID), zap.Error(err))
	}
}
