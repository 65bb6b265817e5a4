// Package proxy is the request pipeline: entry resolution, policy,
// rate limiting, header filtering, cache, upstream dispatch, response
// transform, and audit.
package proxy

import (
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/lanegate/lanegate/internal/apperr"
	"github.com/lanegate/lanegate/internal/audit"
	"github.com/lanegate/lanegate/internal/cache"
	"github.com/lanegate/lanegate/internal/discovery"
	"github.com/lanegate/lanegate/internal/entries"
	"github.com/lanegate/lanegate/internal/headerpolicy"
	"github.com/lanegate/lanegate/internal/identity"
	"github.com/lanegate/lanegate/internal/limiter"
	"github.com/lanegate/lanegate/internal/metrics"
	"github.com/lanegate/lanegate/internal/rules"
	"github.com/lanegate/lanegate/internal/sandbox"
	"github.com/lanegate/lanegate/internal/upstream"
)

// TargetHeader lets a client name the upstream explicitly. Absent the
// header, the target is reconstructed from the inbound request.
const TargetHeader = "X-Proxy-Target"

// Handler runs the full pipeline for each request.
type Handler struct {
	entries    entries.Source
	limiter    *limiter.Engine
	verifier   *identity.Verifier
	cache      *cache.Adapter
	dispatcher *upstream.Dispatcher
	transforms *sandbox.Runner
	recorder   *discovery.Recorder
	audit      *audit.Sink
	collector  *metrics.Collector

	// group coalesces concurrent cacheable misses with the same
	// fingerprint into a single upstream dispatch.
	group singleflight.Group
}

// Deps are the pipeline's collaborators. All fields are required except
// Collector, which may be nil when metrics are not exported.
type Deps struct {
	Entries    entries.Source
	Limiter    *limiter.Engine
	Verifier   *identity.Verifier
	Cache      *cache.Adapter
	Dispatcher *upstream.Dispatcher
	Transforms *sandbox.Runner
	Recorder   *discovery.Recorder
	Audit      *audit.Sink
	Collector  *metrics.Collector
}

// NewHandler assembles the pipeline.
func NewHandler(d Deps) *Handler {
	return &Handler{
		entries:    d.Entries,
		limiter:    d.Limiter,
		verifier:   d.Verifier,
		cache:      d.Cache,
		dispatcher: d.Dispatcher,
		transforms: d.Transforms,
		recorder:   d.Recorder,
		audit:      d.Audit,
		collector:  d.Collector,
	}
}

// response is the pipeline's internal response shape, shared by the
// cache, dispatch, and transform stages.
type response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	target, err := h.targetOf(r)
	if err != nil {
		h.deny(w, r, "", err)
		return
	}
	rc := rules.RequestContext{
		TargetURL: target.String(),
		Host:      target.Host,
		Path:      target.Path,
	}

	entry, err := h.resolveEntry(r, rc)
	if err != nil {
		h.deny(w, r, "", err)
		return
	}

	if d := rules.EvaluatePolicy(entry, rc); !d.Allowed {
		h.deny(w, r, entry.ID, apperr.ErrPolicyDenied.WithDetails(d.Reason))
		return
	}

	caller := h.verifier.Resolve(r)
	if entry.RateLimit.Enabled && entry.RateLimit.LimiterID != "" {
		verdict := h.limiter.Check(r.Context(), limiter.CheckInput{
			LimiterID: entry.RateLimit.LimiterID,
			Identity: limiter.Identity{
				UserID: caller.UserID,
				OrgID:  caller.OrgID,
				IP:     caller.IP,
			},
			Headers:   r.Header,
			MountPath: entry.Match.Value,
		})
		if !verdict.Allowed {
			if h.collector != nil && verdict.Reason != apperr.ReasonStoreError {
				h.collector.RecordRateLimited(entry.RateLimit.LimiterID)
			}
			w.Header().Set("Retry-After", strconv.Itoa(int(verdict.RetryAfter.Seconds())))
			if verdict.Reason == apperr.ReasonStoreError {
				h.deny(w, r, entry.ID, apperr.ErrRateLimitStore)
			} else {
				h.deny(w, r, entry.ID, apperr.ErrRateLimited)
			}
			return
		}
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.deny(w, r, entry.ID, apperr.Wrap(apperr.ErrBadTarget, err))
		return
	}
	outHeaders := headerpolicy.FilterOutbound(r.Header, entry.Headers)

	resp, fromCache, err := h.fetch(r, entry, rc, body, outHeaders)
	if err != nil {
		h.deny(w, r, entry.ID, err)
		return
	}

	for k, vs := range resp.Headers {
		w.Header()[k] = vs
	}
	if cache.Cacheable(entry.Cache, r.Method) {
		if fromCache {
			w.Header().Set("X-Cache", "HIT")
		} else {
			w.Header().Set("X-Cache", "MISS")
		}
	}
	w.WriteHeader(resp.Status)
	w.Write(resp.Body)

	if h.collector != nil {
		h.collector.RecordRequest(entry.ID, resp.Status, time.Since(started))
	}
}

// targetOf determines the upstream URL: the explicit target header wins,
// otherwise the inbound request's own URL is reconstructed.
func (h *Handler) targetOf(r *http.Request) (*url.URL, error) {
	if t := r.Header.Get(TargetHeader); t != "" {
		return upstream.ValidateTarget(t)
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	u := &url.URL{
		Scheme:   scheme,
		Host:     r.Host,
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
	}
	return upstream.ValidateTarget(u.String())
}

// resolveEntry picks the best-matching enabled entry or records the
// request shape for discovery.
func (h *Handler) resolveEntry(r *http.Request, rc rules.RequestContext) (*rules.Entry, error) {
	all, err := h.entries.ListAll(r.Context())
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrUpstream, err)
	}

	set := make([]*rules.Entry, len(all))
	for i := range all {
		set[i] = &all[i]
	}

	entry := rules.Resolve(rc, set)
	if entry == nil {
		h.recorder.Seen(r.Context(), rc.Host, rc.Path, rc.TargetURL)
		return nil, apperr.ErrNoEnabledEntry
	}
	return entry, nil
}

// fetch serves from cache when possible, otherwise dispatches upstream,
// transforms, and stores. Concurrent cacheable misses with the same key
// collapse into one dispatch.
func (h *Handler) fetch(r *http.Request, entry *rules.Entry, rc rules.RequestContext, body []byte, outHeaders http.Header) (*response, bool, error) {
	if !cache.Cacheable(entry.Cache, r.Method) {
		resp, err := h.dispatch(r, entry, rc, body, outHeaders)
		return resp, false, err
	}

	key := cache.Key(entry.Cache, cache.KeyInput{
		Method:    r.Method,
		TargetURL: rc.TargetURL,
		Query:     r.URL.Query(),
		Body:      body,
		Headers:   r.Header,
	})

	if env, ok := h.cache.Lookup(r.Context(), entry.Cache, key); ok {
		if h.collector != nil {
			h.collector.RecordCacheHit(entry.ID)
		}
		return &response{Status: env.Status, Headers: http.Header(env.Headers), Body: env.Body()}, true, nil
	}
	if h.collector != nil {
		h.collector.RecordCacheMiss(entry.ID)
	}

	v, err, _ := h.group.Do(key, func() (interface{}, error) {
		resp, err := h.dispatch(r, entry, rc, body, outHeaders)
		if err != nil {
			return nil, err
		}
		h.cache.StoreResponse(r.Context(), entry.Cache, key, resp.Status, resp.Headers, resp.Body)
		return resp, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.(*response), false, nil
}

// dispatch issues the upstream call and applies the entry's transform.
func (h *Handler) dispatch(r *http.Request, entry *rules.Entry, rc rules.RequestContext, body []byte, outHeaders http.Header) (*response, error) {
	upResp, err := h.dispatcher.Dispatch(r.Context(), upstream.Request{
		Method:    r.Method,
		TargetURL: rc.TargetURL,
		Headers:   outHeaders,
		Body:      body,
	})
	if err != nil {
		return nil, err
	}

	resp := &response{Status: upResp.Status, Headers: upResp.Headers, Body: upResp.Body}
	h.transform(r, entry, rc, body, resp)
	return resp, nil
}

// transform applies the entry's script to the response. Script errors
// and timeouts leave the response untouched; they are audited, not
// surfaced to the caller.
func (h *Handler) transform(r *http.Request, entry *rules.Entry, rc rules.RequestContext, reqBody []byte, resp *response) {
	if !entry.Transform.Enabled || entry.Transform.Code == "" {
		return
	}

	out, err := h.transforms.Run(r.Context(), entry.Transform.Code,
		time.Duration(entry.Transform.TimeoutMs)*time.Millisecond,
		&sandbox.Input{
			Method:      r.Method,
			TargetURL:   rc.TargetURL,
			ReqHeaders:  r.Header,
			ReqBody:     reqBody,
			Status:      resp.Status,
			RespHeaders: resp.Headers,
			RespBody:    resp.Body,
		})
	if err != nil {
		if h.collector != nil {
			h.collector.RecordTransformError()
		}
		h.audit.Record(audit.Event{
			Action:     audit.ActionProxyRequest,
			Outcome:    audit.OutcomeError,
			TargetType: "entry",
			TargetID:   entry.ID,
			Details: map[string]string{
				"reason": apperr.ReasonTransformError,
				"error":  err.Error(),
			},
		})
		return
	}
	if out == nil {
		return
	}

	if out.Status != 0 {
		resp.Status = out.Status
	}
	if len(out.Headers) > 0 {
		for k, v := range out.Headers {
			resp.Headers.Set(k, v)
		}
		headerpolicy.StripHopByHop(resp.Headers)
	}
	if out.BodySet {
		resp.Body = out.Body
		if out.SetJSON {
			resp.Headers.Set("Content-Type", "application/json")
		}
	}
}

// deny writes the error response and emits audit and metrics for it.
func (h *Handler) deny(w http.ResponseWriter, r *http.Request, entryID string, err error) {
	ae, ok := apperr.As(err)
	if !ok {
		ae = apperr.Wrap(apperr.ErrUpstream, err)
	}

	outcome := audit.OutcomeBlocked
	if ae.Code >= 500 {
		outcome = audit.OutcomeError
	}
	h.audit.Record(audit.Event{
		Action:     audit.ActionProxyRequest,
		Outcome:    outcome,
		TargetType: "entry",
		TargetID:   entryID,
		Details: map[string]string{
			"reason": ae.Reason,
			"host":   r.Host,
			"path":   r.URL.Path,
		},
	})
	if h.collector != nil {
		h.collector.RecordDenial(ae.Reason)
		h.collector.RecordRequest(entryID, ae.Code, 0)
	}
	ae.WriteJSON(w)
}
