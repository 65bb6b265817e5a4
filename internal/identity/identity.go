// Package identity derives who is making a request: an optional bearer
// token yields a user and organization, and the client IP is recovered
// from forwarding headers. Verification failures degrade to anonymous
// rather than failing the request; the rate limiter then keys on IP.
package identity

import (
	"net"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/lanegate/lanegate/internal/logging"
)

// Caller is the resolved request identity. Zero-value fields mean
// anonymous.
type Caller struct {
	UserID string
	OrgID  string
	Role   string
	IP     string
}

// Anonymous reports whether no authenticated user was resolved.
func (c Caller) Anonymous() bool {
	return c.UserID == ""
}

// claims is the token payload the proxy understands.
type claims struct {
	OrgID string `json:"orgId,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates HS256 bearer tokens.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a verifier for the given shared secret. An empty
// secret disables verification; every caller is anonymous.
func NewVerifier(secret []byte) *Verifier {
	return &Verifier{secret: secret}
}

// Resolve derives the caller from the request: bearer token first, then
// client IP. Invalid, expired, or absent tokens produce an anonymous
// caller with only the IP set.
func (v *Verifier) Resolve(r *http.Request) Caller {
	caller := Caller{IP: ClientIP(r)}

	token := bearerToken(r)
	if token == "" || len(v.secret) == 0 {
		return caller
	}

	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid {
		logging.Debug("bearer token rejected, treating caller as anonymous", zap.Error(err))
		return caller
	}

	caller.UserID = c.Subject
	caller.OrgID = c.OrgID
	caller.Role = c.Role
	return caller
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return auth[len(prefix):]
	}
	return ""
}

// ClientIP returns the originating client address: the first hop of
// X-Forwarded-For when present, then X-Real-IP, then the connection's
// remote address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
