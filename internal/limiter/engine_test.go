package limiter

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/lanegate/lanegate/internal/apperr"
	"github.com/lanegate/lanegate/internal/configstore"
)

// seedDocument writes a rate-limit document with one limiter override.
func seedDocument(t *testing.T, store configstore.Store, limiterID string, o Override) {
	t.Helper()
	limiters := map[string]Override{limiterID: o}
	raw, err := json.Marshal(map[string]interface{}{
		"version":  1,
		"limiters": limiters,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Save(context.Background(), &configstore.Document{
		ID:  DefaultDocumentID,
		Raw: raw,
	}); err != nil {
		t.Fatal(err)
	}
}

func newTestEngine(t *testing.T, docs configstore.Store, counters CounterStore, metrics MetricStore) *Engine {
	t.Helper()
	if docs == nil {
		docs = configstore.NewMemoryStore()
	}
	if counters == nil {
		counters = NewMemoryCounterStore()
	}
	return NewEngine(NewConfigResolver(docs, ""), counters, metrics, NewRegistry())
}

func enforceOverride(max, windowMs int64) Override {
	return Override{
		Enabled:  boolPtr(true),
		Mode:     strPtr(ModeEnforce),
		Max:      int64Ptr(max),
		WindowMs: int64Ptr(windowMs),
	}
}

func TestCheckDisabledLimiterSkipsStore(t *testing.T) {
	counters := NewMemoryCounterStore()
	counters.FailWith = errors.New("must not be touched")

	e := newTestEngine(t, nil, counters, nil)
	v := e.Check(context.Background(), CheckInput{
		LimiterID: "lim",
		Identity:  Identity{IP: "10.0.0.1"},
	})

	if !v.Allowed || v.Enforced {
		t.Errorf("disabled limiter verdict = %+v, want allowed, not enforced", v)
	}
	if v.Reason != "" {
		t.Errorf("reason = %q, want empty (store untouched)", v.Reason)
	}
}

func TestCheckConcurrentCountsAreExact(t *testing.T) {
	docs := configstore.NewMemoryStore()
	seedDocument(t, docs, "lim", enforceOverride(5, 60_000))
	metrics := NewMemoryMetricStore()
	e := newTestEngine(t, docs, nil, metrics)

	const n = 10
	var wg sync.WaitGroup
	verdicts := make([]Verdict, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			verdicts[i] = e.Check(context.Background(), CheckInput{
				LimiterID: "lim",
				Identity:  Identity{UserID: "u1"},
			})
		}(i)
	}
	wg.Wait()

	counts := make([]int, 0, n)
	allowed := 0
	for _, v := range verdicts {
		counts = append(counts, int(v.Count))
		if v.Allowed {
			allowed++
		}
		if !v.Enforced {
			t.Errorf("verdict not enforced: %+v", v)
		}
	}

	// Counts must be exactly 1..10: no duplicates, no gaps.
	sort.Ints(counts)
	for i, c := range counts {
		if c != i+1 {
			t.Fatalf("counts = %v, want 1..%d", counts, n)
		}
	}

	if allowed != 5 {
		t.Errorf("allowed = %d, want exactly 5 with max=5", allowed)
	}
}

func TestCheckReportOnlyAlwaysAllowsButRecordsBlocks(t *testing.T) {
	docs := configstore.NewMemoryStore()
	o := enforceOverride(5, 60_000)
	o.Mode = strPtr(ModeReportOnly)
	seedDocument(t, docs, "lim", o)

	metrics := NewMemoryMetricStore()
	e := newTestEngine(t, docs, nil, metrics)
	now := time.Now()
	e.now = func() time.Time { return now }

	for i := 0; i < 10; i++ {
		v := e.Check(context.Background(), CheckInput{
			LimiterID: "lim",
			Identity:  Identity{UserID: "u1"},
		})
		if !v.Allowed {
			t.Fatalf("check %d: reportOnly must always allow", i)
		}
		if v.Enforced {
			t.Errorf("check %d: reportOnly must not be enforced", i)
		}
	}

	bucketStart := (now.UnixMilli() / 60_000) * 60_000
	b, ok := metrics.Bucket("lim", bucketStart)
	if !ok {
		t.Fatal("metric bucket missing")
	}
	if b.Checked != 10 || b.Allowed != 5 || b.Blocked != 5 {
		t.Errorf("bucket = %+v, want checked=10 allowed=5 blocked=5", b)
	}
}

func TestCheckWindowRollover(t *testing.T) {
	docs := configstore.NewMemoryStore()
	seedDocument(t, docs, "lim", enforceOverride(2, 1000))
	e := newTestEngine(t, docs, nil, nil)

	base := time.UnixMilli(1_700_000_000_000)
	e.now = func() time.Time { return base }

	in := CheckInput{LimiterID: "lim", Identity: Identity{UserID: "u1"}}
	first := e.Check(context.Background(), in)

	// Next window: a new windowStart produces a fresh counter row.
	e.now = func() time.Time { return base.Add(1500 * time.Millisecond) }
	second := e.Check(context.Background(), in)

	if first.WindowStart == second.WindowStart {
		t.Fatal("windows should differ")
	}
	if second.Count != 1 {
		t.Errorf("count in new window = %d, want 1", second.Count)
	}
}

func TestCheckStoreErrorFailOpen(t *testing.T) {
	docs := configstore.NewMemoryStore()
	seedDocument(t, docs, "lim", enforceOverride(5, 60_000)) // failOpen unset -> default true

	counters := NewMemoryCounterStore()
	counters.FailWith = errors.New("redis down")
	e := newTestEngine(t, docs, counters, nil)

	v := e.Check(context.Background(), CheckInput{LimiterID: "lim", Identity: Identity{IP: "1.2.3.4"}})
	if !v.Allowed || v.Enforced {
		t.Errorf("fail-open verdict = %+v, want allowed and not enforced", v)
	}
	if v.Reason != apperr.ReasonStoreError {
		t.Errorf("reason = %q, want STORE_ERROR", v.Reason)
	}
}

func TestCheckStoreErrorFailClosed(t *testing.T) {
	docs := configstore.NewMemoryStore()
	o := enforceOverride(5, 60_000)
	o.Store = &StoreOverride{FailOpen: boolPtr(false)}
	seedDocument(t, docs, "lim", o)

	counters := NewMemoryCounterStore()
	counters.FailWith = errors.New("redis down")
	e := newTestEngine(t, docs, counters, nil)

	v := e.Check(context.Background(), CheckInput{LimiterID: "lim", Identity: Identity{IP: "1.2.3.4"}})
	if v.Allowed || !v.Enforced {
		t.Errorf("fail-closed verdict = %+v, want denied and enforced", v)
	}
	if v.Reason != apperr.ReasonStoreError {
		t.Errorf("reason = %q, want STORE_ERROR", v.Reason)
	}
}

func TestCheckMetricFailureDoesNotAffectVerdict(t *testing.T) {
	docs := configstore.NewMemoryStore()
	seedDocument(t, docs, "lim", enforceOverride(5, 60_000))

	metrics := NewMemoryMetricStore()
	metrics.FailWith = errors.New("metrics down")
	e := newTestEngine(t, docs, nil, metrics)

	v := e.Check(context.Background(), CheckInput{LimiterID: "lim", Identity: Identity{UserID: "u1"}})
	if !v.Allowed || v.Reason != "" {
		t.Errorf("verdict = %+v, metric failures must be swallowed", v)
	}
}

func TestCheckUnlimitedWhenMaxZero(t *testing.T) {
	docs := configstore.NewMemoryStore()
	o := enforceOverride(0, 60_000)
	seedDocument(t, docs, "lim", o)
	e := newTestEngine(t, docs, nil, nil)

	for i := 0; i < 100; i++ {
		if v := e.Check(context.Background(), CheckInput{LimiterID: "lim", Identity: Identity{UserID: "u"}}); !v.Allowed {
			t.Fatalf("max<=0 must always allow, denied at %d", i)
		}
	}
}

func TestCheckRetryAfterOnDenial(t *testing.T) {
	docs := configstore.NewMemoryStore()
	seedDocument(t, docs, "lim", enforceOverride(1, 60_000))
	e := newTestEngine(t, docs, nil, nil)

	in := CheckInput{LimiterID: "lim", Identity: Identity{UserID: "u1"}}
	e.Check(context.Background(), in)
	v := e.Check(context.Background(), in)

	if v.Allowed {
		t.Fatal("second check should be denied")
	}
	if v.RetryAfter < time.Second || v.RetryAfter > time.Minute {
		t.Errorf("RetryAfter = %v, want within (1s, 60s]", v.RetryAfter)
	}
}

func TestCheckRegistersLimiter(t *testing.T) {
	e := newTestEngine(t, nil, nil, nil)
	e.Check(context.Background(), CheckInput{LimiterID: "lim", MountPath: "/v1", Identity: Identity{IP: "1.1.1.1"}})

	snap := e.registry.Snapshot()
	if len(snap) != 1 || snap[0].ID != "lim" || snap[0].MountPath != "/v1" {
		t.Errorf("registry = %+v", snap)
	}
}

func TestCheckSeparateIdentitiesSeparateCounters(t *testing.T) {
	docs := configstore.NewMemoryStore()
	seedDocument(t, docs, "lim", enforceOverride(1, 60_000))
	e := newTestEngine(t, docs, nil, nil)

	a := e.Check(context.Background(), CheckInput{LimiterID: "lim", Identity: Identity{UserID: "alice"}})
	b := e.Check(context.Background(), CheckInput{LimiterID: "lim", Identity: Identity{UserID: "bob"}})

	if !a.Allowed || !b.Allowed {
		t.Error("distinct identities must not share a counter")
	}
}
