package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lanegate/lanegate/internal/apperr"
)

func TestValidateTarget(t *testing.T) {
	tests := []struct {
		name   string
		target string
		ok     bool
	}{
		{"https", "https://api.example.com/v1", true},
		{"http", "http://api.example.com", true},
		{"ftp", "ftp://files.example.com", false},
		{"file", "file:///etc/passwd", false},
		{"relative", "/v1/users", false},
		{"garbage", "://nope", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateTarget(tt.target)
			if tt.ok && err != nil {
				t.Errorf("ValidateTarget(%q) = %v, want ok", tt.target, err)
			}
			if !tt.ok {
				ae, isApp := apperr.As(err)
				if !isApp || ae.Code != http.StatusBadRequest {
					t.Errorf("ValidateTarget(%q) = %v, want 400 validation error", tt.target, err)
				}
			}
		})
	}
}

func TestDispatchRoundTrip(t *testing.T) {
	var gotMethod, gotAuth string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotAuth = r.Header.Get("Authorization")
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		gotBody = buf

		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	u := NewDispatcher()
	headers := http.Header{}
	headers.Set("Authorization", "Bearer tok")

	resp, err := u.Dispatch(context.Background(), Request{
		Method:    http.MethodPost,
		TargetURL: srv.URL + "/v1/widgets",
		Headers:   headers,
		Body:      []byte(`{"name":"w"}`),
	})
	if err != nil {
		t.Fatal(err)
	}

	if gotMethod != http.MethodPost || string(gotBody) != `{"name":"w"}` {
		t.Errorf("upstream saw method=%q body=%q", gotMethod, gotBody)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("authorization not forwarded: %q", gotAuth)
	}
	if resp.Status != http.StatusCreated || string(resp.Body) != `{"ok":true}` {
		t.Errorf("resp = %d %q", resp.Status, resp.Body)
	}
	if resp.Headers.Get("X-Upstream") != "yes" {
		t.Error("upstream headers not passed through")
	}
}

func TestDispatchOmitsBodyForGet(t *testing.T) {
	var gotLength int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotLength = r.ContentLength
	}))
	defer srv.Close()

	u := NewDispatcher()
	_, err := u.Dispatch(context.Background(), Request{
		Method:    http.MethodGet,
		TargetURL: srv.URL,
		Body:      []byte("should be dropped"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if gotLength > 0 {
		t.Errorf("GET carried a body of %d bytes", gotLength)
	}
}

func TestDispatchStripsHopByHopResponseHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Keep-Alive", "timeout=5")
		w.Header().Set("X-Keep", "yes")
	}))
	defer srv.Close()

	u := NewDispatcher()
	resp, err := u.Dispatch(context.Background(), Request{Method: http.MethodGet, TargetURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Headers.Get("Keep-Alive") != "" {
		t.Error("hop-by-hop response header survived")
	}
	if resp.Headers.Get("X-Keep") != "yes" {
		t.Error("ordinary response header was lost")
	}
}

func TestDispatchTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	u := NewDispatcher(WithTimeout(50 * time.Millisecond))
	_, err := u.Dispatch(context.Background(), Request{Method: http.MethodGet, TargetURL: srv.URL})

	ae, ok := apperr.As(err)
	if !ok || ae.Reason != apperr.ReasonUpstreamTimeout {
		t.Errorf("err = %v, want UPSTREAM_TIMEOUT", err)
	}
	if ae != nil && ae.Code != http.StatusGatewayTimeout {
		t.Errorf("code = %d, want 504", ae.Code)
	}
}

func TestDispatchResponseSizeCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 2048)))
	}))
	defer srv.Close()

	u := NewDispatcher(WithMaxBodyBytes(1024))
	_, err := u.Dispatch(context.Background(), Request{Method: http.MethodGet, TargetURL: srv.URL})

	ae, ok := apperr.As(err)
	if !ok || ae.Reason != apperr.ReasonUpstreamTooLarge {
		t.Errorf("err = %v, want UPSTREAM_TOO_LARGE", err)
	}
}

func TestDispatchRequestSizeCap(t *testing.T) {
	u := NewDispatcher(WithMaxBodyBytes(8))
	_, err := u.Dispatch(context.Background(), Request{
		Method:    http.MethodPost,
		TargetURL: "https://api.example.com",
		Body:      []byte("way more than eight bytes"),
	})

	ae, ok := apperr.As(err)
	if !ok || ae.Reason != apperr.ReasonUpstreamTooLarge {
		t.Errorf("err = %v, want UPSTREAM_TOO_LARGE before dispatch", err)
	}
}

func TestDispatchExactCapPasses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 1024)))
	}))
	defer srv.Close()

	u := NewDispatcher(WithMaxBodyBytes(1024))
	resp, err := u.Dispatch(context.Background(), Request{Method: http.MethodGet, TargetURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Body) != 1024 {
		t.Errorf("body = %d bytes, want 1024", len(resp.Body))
	}
}

func TestDispatchBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	// A server that is immediately closed: every dial fails.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	target := srv.URL
	srv.Close()

	u := NewDispatcher(WithTimeout(time.Second))
	for i := 0; i < 5; i++ {
		if _, err := u.Dispatch(context.Background(), Request{Method: http.MethodGet, TargetURL: target}); err == nil {
			t.Fatal("dispatch to a closed server should fail")
		}
	}

	_, err := u.Dispatch(context.Background(), Request{Method: http.MethodGet, TargetURL: target})
	ae, ok := apperr.As(err)
	if !ok || ae.Reason != apperr.ReasonUpstreamError {
		t.Errorf("err = %v, want UPSTREAM_ERROR", err)
	}
	if ae != nil && ae.Details != "upstream circuit breaker open" {
		t.Errorf("breaker should be open after 5 consecutive failures, got %v", err)
	}
}

func TestDispatch5xxDoesNotError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	u := NewDispatcher()
	resp, err := u.Dispatch(context.Background(), Request{Method: http.MethodGet, TargetURL: srv.URL})
	if err != nil {
		t.Fatalf("5xx is a completed dispatch, got error %v", err)
	}
	if resp.Status != http.StatusBadGateway {
		t.Errorf("status = %d", resp.Status)
	}
}
