// Package upstream issues the outbound HTTP call on behalf of the proxy:
// target validation, time and size bounds, hop-by-hop stripping on the
// response, and a per-host circuit breaker.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/lanegate/lanegate/internal/apperr"
	"github.com/lanegate/lanegate/internal/headerpolicy"
	"github.com/lanegate/lanegate/internal/logging"
)

// Default bounds for one outbound call.
const (
	DefaultTimeout      = 30 * time.Second
	DefaultMaxBodyBytes = 10 << 20
)

// Request is one outbound call. Body is ignored for GET and HEAD.
type Request struct {
	Method    string
	TargetURL string
	Headers   http.Header
	Body      []byte
}

// Response is the upstream's reply with hop-by-hop headers removed.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Dispatcher validates targets and issues bounded outbound calls. One
// circuit breaker per upstream host keeps a failing host from consuming
// the whole timeout budget on every request.
type Dispatcher struct {
	client       *http.Client
	timeout      time.Duration
	maxBodyBytes int64

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[*Response]
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTimeout overrides the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(u *Dispatcher) { u.timeout = d }
}

// WithMaxBodyBytes overrides the request/response body size cap.
func WithMaxBodyBytes(n int64) Option {
	return func(u *Dispatcher) { u.maxBodyBytes = n }
}

// WithClient overrides the underlying HTTP client. Tests use this to
// point the dispatcher at a fake transport.
func WithClient(c *http.Client) Option {
	return func(u *Dispatcher) { u.client = c }
}

// NewDispatcher creates a dispatcher with default bounds.
func NewDispatcher(opts ...Option) *Dispatcher {
	u := &Dispatcher{
		client:       &http.Client{},
		timeout:      DefaultTimeout,
		maxBodyBytes: DefaultMaxBodyBytes,
		breakers:     make(map[string]*gobreaker.CircuitBreaker[*Response]),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// ValidateTarget parses the target URL and rejects anything that is not
// absolute http or https.
func ValidateTarget(target string) (*url.URL, error) {
	parsed, err := url.Parse(target)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrBadTarget, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, apperr.ErrBadTarget.WithDetails("scheme must be http or https")
	}
	if parsed.Host == "" {
		return nil, apperr.ErrBadTarget.WithDetails("target URL has no host")
	}
	return parsed, nil
}

// Dispatch issues the outbound call. Errors are always *apperr.Error:
// bad targets before dispatch, timeouts, size-cap violations, open
// breakers, and transport failures each map to their taxonomy entry.
func (u *Dispatcher) Dispatch(ctx context.Context, req Request) (*Response, error) {
	target, err := ValidateTarget(req.TargetURL)
	if err != nil {
		return nil, err
	}

	if int64(len(req.Body)) > u.maxBodyBytes {
		return nil, apperr.ErrUpstreamTooLarge.WithDetails("request body exceeds the size cap")
	}

	resp, err := u.breaker(target.Host).Execute(func() (*Response, error) {
		return u.do(ctx, req, target)
	})
	if err == nil {
		return resp, nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		logging.Warn("upstream breaker open", zap.String("host", target.Host))
		return nil, apperr.ErrUpstream.WithDetails("upstream circuit breaker open")
	}
	return nil, err
}

func (u *Dispatcher) do(ctx context.Context, req Request, target *url.URL) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	var body io.Reader
	if req.Method != http.MethodGet && req.Method != http.MethodHead && len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	out, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrBadTarget, err)
	}
	for k, vs := range req.Headers {
		out.Header[k] = append([]string(nil), vs...)
	}

	resp, err := u.client.Do(out)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, apperr.Wrap(apperr.ErrUpstreamTimeout, err)
		}
		return nil, apperr.Wrap(apperr.ErrUpstream, err)
	}
	defer resp.Body.Close()

	// Read one byte past the cap so an exactly-capped body still passes.
	buf, err := io.ReadAll(io.LimitReader(resp.Body, u.maxBodyBytes+1))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, apperr.Wrap(apperr.ErrUpstreamTimeout, err)
		}
		return nil, apperr.Wrap(apperr.ErrUpstream, err)
	}
	if int64(len(buf)) > u.maxBodyBytes {
		return nil, apperr.ErrUpstreamTooLarge
	}

	headers := resp.Header.Clone()
	headerpolicy.StripHopByHop(headers)

	return &Response{Status: resp.StatusCode, Headers: headers, Body: buf}, nil
}

// breaker returns the circuit breaker for a host, creating it on first
// use. Transport failures trip it; an upstream 5xx still counts as a
// completed dispatch.
func (u *Dispatcher) breaker(host string) *gobreaker.CircuitBreaker[*Response] {
	u.mu.Lock()
	defer u.mu.Unlock()

	if cb, ok := u.breakers[host]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker[*Response](gobreaker.Settings{
		Name:    host,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	u.breakers[host] = cb
	return cb
}
