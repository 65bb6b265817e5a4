package cache

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lanegate/lanegate/internal/logging"
	"github.com/lanegate/lanegate/internal/rules"
)

// defaultMethods are the cacheable methods when an entry lists none.
var defaultMethods = []string{http.MethodGet, http.MethodHead}

// Envelope is the stored shape of a cached response.
type Envelope struct {
	Status     int                 `json:"status"`
	Headers    map[string][]string `json:"headers"`
	BodyBase64 string              `json:"bodyBase64"`
}

// Body decodes the envelope body.
func (e *Envelope) Body() []byte {
	body, err := base64.StdEncoding.DecodeString(e.BodyBase64)
	if err != nil {
		return nil
	}
	return body
}

// Adapter reads and writes response envelopes through a Store. All store
// failures degrade: reads become misses, writes become no-ops. Neither
// ever fails the request.
type Adapter struct {
	store Store
}

// NewAdapter creates a cache adapter over the given store.
func NewAdapter(store Store) *Adapter {
	return &Adapter{store: store}
}

// Cacheable reports whether the entry caches this method.
func Cacheable(spec rules.CacheSpec, method string) bool {
	if !spec.Enabled {
		return false
	}
	methods := spec.Methods
	if len(methods) == 0 {
		methods = defaultMethods
	}
	for _, m := range methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// Lookup fetches a cached envelope. A store error or a corrupt envelope
// is a miss.
func (a *Adapter) Lookup(ctx context.Context, spec rules.CacheSpec, key string) (*Envelope, bool) {
	data, ok, err := a.store.Get(ctx, spec.Namespace, key)
	if err != nil {
		logging.Warn("cache read failed, treating as miss",
			zap.String("namespace", spec.Namespace), zap.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		logging.Warn("cache envelope decode failed, treating as miss",
			zap.String("namespace", spec.Namespace), zap.Error(err))
		return nil, false
	}
	return &env, true
}

// StoreResponse writes an envelope for a successful (2xx) response.
// Non-2xx responses and store failures are not stored.
func (a *Adapter) StoreResponse(ctx context.Context, spec rules.CacheSpec, key string, status int, headers http.Header, body []byte) {
	if status < 200 || status >= 300 {
		return
	}

	env := Envelope{
		Status:     status,
		Headers:    headers,
		BodyBase64: base64.StdEncoding.EncodeToString(body),
	}
	data, err := json.Marshal(&env)
	if err != nil {
		logging.Warn("cache envelope encode failed", zap.Error(err))
		return
	}

	ttl := time.Duration(spec.TTLSeconds) * time.Second
	if err := a.store.Set(ctx, spec.Namespace, key, data, ttl); err != nil {
		logging.Warn("cache write failed, response not stored",
			zap.String("namespace", spec.Namespace), zap.Error(err))
	}
}
