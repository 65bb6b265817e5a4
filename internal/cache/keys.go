package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/lanegate/lanegate/internal/rules"
)

// KeyInput is everything the fingerprint may derive from.
type KeyInput struct {
	Method    string
	TargetURL string
	Query     url.Values
	Body      []byte
	Headers   http.Header
}

// Key computes the cache fingerprint for a request. It is a pure function
// of (method, URL, query, body hash, allow-listed header hash); identical
// inputs always produce the same key. The method is always included; the
// other parts are independently toggleable via the entry's KeyParts.
func Key(spec rules.CacheSpec, in KeyInput) string {
	var b strings.Builder
	b.WriteString(strings.ToUpper(in.Method))

	if rules.On(spec.KeyParts.URL) {
		b.WriteByte('|')
		b.WriteString(in.TargetURL)
	}

	if rules.On(spec.KeyParts.Query) {
		b.WriteByte('|')
		b.WriteString(in.Query.Encode()) // Encode sorts by key
	}

	if rules.On(spec.KeyParts.BodyHash) {
		sum := sha256.Sum256(in.Body)
		b.WriteByte('|')
		b.WriteString(hex.EncodeToString(sum[:]))
	}

	if rules.On(spec.KeyParts.HeadersHash) {
		b.WriteByte('|')
		b.WriteString(headerSubsetHash(in.Headers, spec.KeyHeaderAllowList))
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// headerSubsetHash hashes the allow-listed header subset in sorted order
// so header iteration order never changes the fingerprint.
func headerSubsetHash(h http.Header, allowList []string) string {
	names := make([]string, len(allowList))
	copy(names, allowList)
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		if v := h.Get(name); v != "" {
			b.WriteString(strings.ToLower(name))
			b.WriteByte('=')
			b.WriteString(v)
			b.WriteByte('\n')
		}
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
