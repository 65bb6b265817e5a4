// Package rules holds the proxy entry model, request matching, entry
// resolution, and policy evaluation.
package rules

// MatchType selects how a match value is compared against a request field.
type MatchType string

const (
	MatchExact    MatchType = "exact"
	MatchContains MatchType = "contains"
	MatchRegexp   MatchType = "regexp"
)

// ApplyTo selects which request field a match is evaluated against.
type ApplyTo string

const (
	ApplyToHost      ApplyTo = "host"
	ApplyToPath      ApplyTo = "path"
	ApplyToTargetURL ApplyTo = "targetUrl"
)

// PolicyMode is the allow/deny strategy of an entry.
type PolicyMode string

const (
	PolicyAllowAll  PolicyMode = "allowAll"
	PolicyDenyAll   PolicyMode = "denyAll"
	PolicyWhitelist PolicyMode = "whitelist"
	PolicyBlacklist PolicyMode = "blacklist"
)

// Match is a single predicate against a request field.
// Flags currently supports "i" for case-insensitive comparison.
type Match struct {
	Type    MatchType `json:"type"`
	Value   string    `json:"value"`
	ApplyTo ApplyTo   `json:"applyTo"`
	Flags   string    `json:"flags,omitempty"`
}

// PolicyRule is a sub-rule inside a whitelist or blacklist policy.
type PolicyRule struct {
	Match
	Enabled bool `json:"enabled"`
}

// Policy is the allow/deny decision config of an entry.
type Policy struct {
	Mode  PolicyMode   `json:"mode"`
	Rules []PolicyRule `json:"rules,omitempty"`
}

// RateLimitRef points an entry at a limiter.
type RateLimitRef struct {
	Enabled   bool   `json:"enabled"`
	LimiterID string `json:"limiterId,omitempty"`
}

// KeyParts toggles the components of the cache key fingerprint.
// Nil pointers mean true (the part is included).
type KeyParts struct {
	URL         *bool `json:"url,omitempty"`
	Query       *bool `json:"query,omitempty"`
	BodyHash    *bool `json:"bodyHash,omitempty"`
	HeadersHash *bool `json:"headersHash,omitempty"`
}

// On reports whether an optional key part toggle is enabled.
func On(b *bool) bool {
	return b == nil || *b
}

// CacheSpec is the per-entry response cache configuration.
type CacheSpec struct {
	Enabled            bool     `json:"enabled"`
	Methods            []string `json:"methods,omitempty"`
	TTLSeconds         int      `json:"ttlSeconds,omitempty"`
	Namespace          string   `json:"namespace,omitempty"`
	KeyParts           KeyParts `json:"keyParts,omitempty"`
	KeyHeaderAllowList []string `json:"keyHeaderAllowList,omitempty"`
}

// HeaderSpec is the per-entry header filtering configuration.
type HeaderSpec struct {
	AllowList            []string `json:"allowList,omitempty"`
	DenyList             []string `json:"denyList,omitempty"`
	ForwardAuthorization bool     `json:"forwardAuthorization"`
	ForwardCookie        bool     `json:"forwardCookie"`
}

// TransformSpec is the per-entry response transform configuration.
type TransformSpec struct {
	Enabled   bool   `json:"enabled"`
	Code      string `json:"code,omitempty"`
	TimeoutMs int    `json:"timeoutMs,omitempty"`
}

// Entry is an admin-authored proxy rule. Entries are read-only at request
// time; the admin surface that writes them is external to this core.
type Entry struct {
	ID        string        `json:"id"`
	Name      string        `json:"name,omitempty"`
	Match     Match         `json:"match"`
	Policy    Policy        `json:"policy"`
	RateLimit RateLimitRef  `json:"rateLimit,omitempty"`
	Cache     CacheSpec     `json:"cache,omitempty"`
	Headers   HeaderSpec    `json:"headers,omitempty"`
	Transform TransformSpec `json:"transform,omitempty"`
	Enabled   bool          `json:"enabled"`
}

// RequestContext is the slice of a request that matching operates on.
type RequestContext struct {
	TargetURL string
	Host      string
	Path      string
}

// Field returns the context field selected by applyTo. Unknown values
// fall back to the target URL.
func (rc RequestContext) Field(a ApplyTo) string {
	switch a {
	case ApplyToHost:
		return rc.Host
	case ApplyToPath:
		return rc.Path
	default:
		return rc.TargetURL
	}
}
