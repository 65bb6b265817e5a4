// Package limiter implements the distributed fixed-window rate limiter:
// layered configuration, identity keys, atomic counters, metric buckets,
// and the in-process limiter registry.
package limiter

// Limiter modes.
const (
	ModeDisabled   = "disabled"
	ModeReportOnly = "reportOnly"
	ModeEnforce    = "enforce"
)

// Identity key strategies.
const (
	IdentityUserID     = "userId"
	IdentityIP         = "ip"
	IdentityOrgID      = "orgId"
	IdentityHeader     = "header"
	IdentityUserIDOrIP = "userIdOrIp"
)

// Config is the fully resolved configuration of one limiter.
type Config struct {
	Enabled  bool   `json:"enabled"`
	Mode     string `json:"mode"`
	Max      int64  `json:"max"`
	WindowMs int64  `json:"windowMs"`

	Identity IdentityConfig `json:"identity"`
	Store    StoreConfig    `json:"store"`
	Metrics  MetricsConfig  `json:"metrics"`
}

// IdentityConfig selects how counter identities are derived.
type IdentityConfig struct {
	Type   string `json:"type"`
	Header string `json:"header,omitempty"`
}

// StoreConfig controls behavior under counter-store failure.
type StoreConfig struct {
	FailOpen bool `json:"failOpen"`
}

// MetricsConfig controls the observability buckets.
type MetricsConfig struct {
	Enabled  bool  `json:"enabled"`
	BucketMs int64 `json:"bucketMs"`
}

// Defaults returns the built-in limiter configuration, the base layer of
// the merge chain.
func Defaults() Config {
	return Config{
		Enabled:  false,
		Mode:     ModeDisabled,
		Max:      60,
		WindowMs: 60_000,
		Identity: IdentityConfig{Type: IdentityUserIDOrIP},
		Store:    StoreConfig{FailOpen: true},
		Metrics:  MetricsConfig{Enabled: true, BucketMs: 60_000},
	}
}

// Override is a partial configuration fragment. Nil fields inherit from
// the layer below; set fields replace it wholesale (scalars and the
// nested leaves alike — only struct nesting is merged recursively).
type Override struct {
	Enabled  *bool   `json:"enabled,omitempty"`
	Mode     *string `json:"mode,omitempty"`
	Max      *int64  `json:"max,omitempty"`
	WindowMs *int64  `json:"windowMs,omitempty"`

	Identity *IdentityOverride `json:"identity,omitempty"`
	Store    *StoreOverride    `json:"store,omitempty"`
	Metrics  *MetricsOverride  `json:"metrics,omitempty"`
}

// IdentityOverride is the identity fragment of an Override.
type IdentityOverride struct {
	Type   *string `json:"type,omitempty"`
	Header *string `json:"header,omitempty"`
}

// StoreOverride is the store fragment of an Override.
type StoreOverride struct {
	FailOpen *bool `json:"failOpen,omitempty"`
}

// MetricsOverride is the metrics fragment of an Override.
type MetricsOverride struct {
	Enabled  *bool  `json:"enabled,omitempty"`
	BucketMs *int64 `json:"bucketMs,omitempty"`
}
