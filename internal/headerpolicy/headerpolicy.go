// Package headerpolicy strips hop-by-hop headers and applies per-entry
// allow/deny rules for sensitive request headers.
package headerpolicy

import (
	"net/http"
	"strings"

	"github.com/lanegate/lanegate/internal/rules"
)

// hopByHop headers are meaningful for a single transport leg only and are
// never forwarded in either direction. Host is included because the
// outbound request carries the upstream host, not the inbound one.
var hopByHop = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Host",
}

// StripHopByHop removes hop-by-hop headers in place. It also removes any
// headers named in the Connection header, per RFC 7230 §6.1.
func StripHopByHop(h http.Header) {
	for _, name := range strings.Split(h.Get("Connection"), ",") {
		if name = strings.TrimSpace(name); name != "" {
			h.Del(name)
		}
	}
	for _, name := range hopByHop {
		h.Del(name)
	}
}

// FilterOutbound returns the headers to forward upstream: hop-by-hop
// headers stripped, authorization and cookie dropped unless explicitly
// forwarded, deny-listed names always dropped, and, when an allow list is
// present, only listed names kept. Name comparison is case-insensitive.
func FilterOutbound(h http.Header, spec rules.HeaderSpec) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		out[k] = append([]string(nil), vs...)
	}
	StripHopByHop(out)

	if !spec.ForwardAuthorization {
		out.Del("Authorization")
	}
	if !spec.ForwardCookie {
		out.Del("Cookie")
	}

	for _, name := range spec.DenyList {
		out.Del(name)
	}

	if len(spec.AllowList) > 0 {
		allowed := make(map[string]struct{}, len(spec.AllowList))
		for _, name := range spec.AllowList {
			allowed[http.CanonicalHeaderKey(name)] = struct{}{}
		}
		for k := range out {
			if _, ok := allowed[http.CanonicalHeaderKey(k)]; !ok {
				out.Del(k)
			}
		}
	}

	return out
}
