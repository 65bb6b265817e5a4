package identity

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("test-secret")

func signToken(t *testing.T, secret []byte, c claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(secret)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestResolveValidToken(t *testing.T) {
	token := signToken(t, testSecret, claims{
		OrgID: "org-1",
		Role:  "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	r.RemoteAddr = "198.51.100.7:41000"

	caller := NewVerifier(testSecret).Resolve(r)
	if caller.UserID != "user-1" || caller.OrgID != "org-1" || caller.Role != "admin" {
		t.Errorf("caller = %+v", caller)
	}
	if caller.IP != "198.51.100.7" {
		t.Errorf("ip = %q", caller.IP)
	}
	if caller.Anonymous() {
		t.Error("caller should not be anonymous")
	}
}

func TestResolveDegradesToAnonymous(t *testing.T) {
	expired := signToken(t, testSecret, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	})
	wrongKey := signToken(t, []byte("other-secret"), claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"},
	})

	tests := []struct {
		name string
		auth string
	}{
		{"no header", ""},
		{"not bearer", "Basic dXNlcjpwYXNz"},
		{"garbage token", "Bearer not.a.jwt"},
		{"expired", "Bearer " + expired},
		{"wrong key", "Bearer " + wrongKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			if tt.auth != "" {
				r.Header.Set("Authorization", tt.auth)
			}
			r.RemoteAddr = "198.51.100.7:41000"

			caller := NewVerifier(testSecret).Resolve(r)
			if !caller.Anonymous() {
				t.Errorf("caller = %+v, want anonymous", caller)
			}
			if caller.IP != "198.51.100.7" {
				t.Errorf("ip must survive auth failure: %q", caller.IP)
			}
		})
	}
}

func TestResolveWithoutSecret(t *testing.T) {
	token := signToken(t, testSecret, claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"},
	})
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	if caller := NewVerifier(nil).Resolve(r); !caller.Anonymous() {
		t.Errorf("verification disabled, want anonymous, got %+v", caller)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		xff        string
		realIP     string
		remoteAddr string
		want       string
	}{
		{"xff first hop", "203.0.113.9, 10.0.0.1", "", "10.0.0.2:80", "203.0.113.9"},
		{"xff single", "203.0.113.9", "", "10.0.0.2:80", "203.0.113.9"},
		{"real ip", "", "203.0.113.10", "10.0.0.2:80", "203.0.113.10"},
		{"xff beats real ip", "203.0.113.9", "203.0.113.10", "10.0.0.2:80", "203.0.113.9"},
		{"remote addr", "", "", "198.51.100.7:41000", "198.51.100.7"},
		{"remote addr no port", "", "", "198.51.100.7", "198.51.100.7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.realIP != "" {
				r.Header.Set("X-Real-IP", tt.realIP)
			}
			r.RemoteAddr = tt.remoteAddr

			if got := ClientIP(r); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
