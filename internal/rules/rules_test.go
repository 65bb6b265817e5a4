package rules

import (
	"testing"
)

func ctx(target, host, path string) RequestContext {
	return RequestContext{TargetURL: target, Host: host, Path: path}
}

func TestCompileMatchTypes(t *testing.T) {
	tests := []struct {
		name  string
		match Match
		field string
		want  bool
	}{
		{"exact hit", Match{Type: MatchExact, Value: "/v1/users", ApplyTo: ApplyToPath}, "/v1/users", true},
		{"exact miss", Match{Type: MatchExact, Value: "/v1/users", ApplyTo: ApplyToPath}, "/v1/orders", false},
		{"exact case sensitive", Match{Type: MatchExact, Value: "API.example.com", ApplyTo: ApplyToHost}, "api.example.com", false},
		{"exact case insensitive", Match{Type: MatchExact, Value: "API.example.com", ApplyTo: ApplyToHost, Flags: "i"}, "api.example.com", true},
		{"contains hit", Match{Type: MatchContains, Value: "example.com", ApplyTo: ApplyToHost}, "api.example.com", true},
		{"contains miss", Match{Type: MatchContains, Value: "example.org", ApplyTo: ApplyToHost}, "api.example.com", false},
		{"contains insensitive", Match{Type: MatchContains, Value: "EXAMPLE", ApplyTo: ApplyToHost, Flags: "i"}, "api.example.com", true},
		{"regexp hit", Match{Type: MatchRegexp, Value: `^/v\d+/`, ApplyTo: ApplyToPath}, "/v2/things", true},
		{"regexp miss", Match{Type: MatchRegexp, Value: `^/v\d+/`, ApplyTo: ApplyToPath}, "/health", false},
		{"regexp insensitive", Match{Type: MatchRegexp, Value: `^/API/`, ApplyTo: ApplyToPath, Flags: "i"}, "/api/x", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Compile(tt.match)
			if err != nil {
				t.Fatalf("Compile() error = %v", err)
			}
			rc := RequestContext{TargetURL: tt.field, Host: tt.field, Path: tt.field}
			if got := ev.Matches(rc); got != tt.want {
				t.Errorf("Matches(%q) = %v, want %v", tt.field, got, tt.want)
			}
		})
	}
}

func TestCompileErrors(t *testing.T) {
	if _, err := Compile(Match{Type: MatchRegexp, Value: "([", ApplyTo: ApplyToPath}); err == nil {
		t.Error("expected error for invalid regexp")
	}
	if _, err := Compile(Match{Type: "glob", Value: "*", ApplyTo: ApplyToPath}); err == nil {
		t.Error("expected error for unknown match type")
	}
}

func TestResolveSpecificityTiers(t *testing.T) {
	exact := &Entry{ID: "exact", Enabled: true,
		Match: Match{Type: MatchExact, Value: "api.example.com", ApplyTo: ApplyToHost}}
	contains := &Entry{ID: "contains", Enabled: true,
		Match: Match{Type: MatchContains, Value: "example.com", ApplyTo: ApplyToHost}}
	regex := &Entry{ID: "regexp", Enabled: true,
		Match: Match{Type: MatchRegexp, Value: `.*\.example\.com`, ApplyTo: ApplyToHost}}

	rc := ctx("https://api.example.com/v1", "api.example.com", "/v1")

	// Every permutation must yield the exact entry.
	orders := [][]*Entry{
		{exact, contains, regex},
		{regex, contains, exact},
		{contains, exact, regex},
		{regex, exact, contains},
	}
	for i, entries := range orders {
		if got := Resolve(rc, entries); got == nil || got.ID != "exact" {
			t.Errorf("order %d: Resolve() = %v, want exact", i, got)
		}
	}
}

func TestResolveLongerValueWinsWithinTier(t *testing.T) {
	short := &Entry{ID: "short", Enabled: true,
		Match: Match{Type: MatchContains, Value: "example.com", ApplyTo: ApplyToHost}}
	long := &Entry{ID: "long", Enabled: true,
		Match: Match{Type: MatchContains, Value: "api.example.com", ApplyTo: ApplyToHost}}

	rc := ctx("https://api.example.com/", "api.example.com", "/")

	if got := Resolve(rc, []*Entry{short, long}); got == nil || got.ID != "long" {
		t.Errorf("Resolve() = %v, want long", got)
	}
	if got := Resolve(rc, []*Entry{long, short}); got == nil || got.ID != "long" {
		t.Errorf("Resolve() reversed = %v, want long", got)
	}
}

func TestResolveSkipsDisabledEntries(t *testing.T) {
	disabled := &Entry{ID: "disabled", Enabled: false,
		Match: Match{Type: MatchExact, Value: "api.example.com", ApplyTo: ApplyToHost}}
	fallback := &Entry{ID: "fallback", Enabled: true,
		Match: Match{Type: MatchContains, Value: "example.com", ApplyTo: ApplyToHost}}

	rc := ctx("https://api.example.com/", "api.example.com", "/")

	if got := Resolve(rc, []*Entry{disabled, fallback}); got == nil || got.ID != "fallback" {
		t.Errorf("Resolve() = %v, want fallback", got)
	}
	if got := Resolve(rc, []*Entry{disabled}); got != nil {
		t.Errorf("Resolve() with only disabled entry = %v, want nil", got)
	}
}

func TestResolveNoMatch(t *testing.T) {
	entries := []*Entry{
		{ID: "a", Enabled: true, Match: Match{Type: MatchExact, Value: "other.com", ApplyTo: ApplyToHost}},
	}
	if got := Resolve(ctx("https://api.example.com/", "api.example.com", "/"), entries); got != nil {
		t.Errorf("Resolve() = %v, want nil", got)
	}
}

func TestResolveSkipsInvalidRegexpEntry(t *testing.T) {
	bad := &Entry{ID: "bad", Enabled: true,
		Match: Match{Type: MatchRegexp, Value: "([", ApplyTo: ApplyToHost}}
	good := &Entry{ID: "good", Enabled: true,
		Match: Match{Type: MatchContains, Value: "example", ApplyTo: ApplyToHost}}

	rc := ctx("https://api.example.com/", "api.example.com", "/")
	if got := Resolve(rc, []*Entry{bad, good}); got == nil || got.ID != "good" {
		t.Errorf("Resolve() = %v, want good", got)
	}
}

func TestEvaluatePolicyModes(t *testing.T) {
	rc := ctx("https://api.example.com/v1/users", "api.example.com", "/v1/users")
	usersRule := PolicyRule{
		Match:   Match{Type: MatchExact, Value: "/v1/users", ApplyTo: ApplyToPath},
		Enabled: true,
	}

	tests := []struct {
		name        string
		policy      Policy
		wantAllowed bool
		wantReason  string
	}{
		{"allow all", Policy{Mode: PolicyAllowAll}, true, ReasonAllowAll},
		{"deny all", Policy{Mode: PolicyDenyAll}, false, ReasonDenyAll},
		{"whitelist match", Policy{Mode: PolicyWhitelist, Rules: []PolicyRule{usersRule}}, true, ReasonWhitelistMatch},
		{"whitelist default deny", Policy{Mode: PolicyWhitelist}, false, ReasonWhitelistDefaultDeny},
		{"blacklist match", Policy{Mode: PolicyBlacklist, Rules: []PolicyRule{usersRule}}, false, ReasonBlacklistMatch},
		{"blacklist default allow", Policy{Mode: PolicyBlacklist}, true, ReasonBlacklistDefaultAllow},
		{"unknown mode denies", Policy{Mode: "whatever"}, false, ReasonDenyAll},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := &Entry{ID: "e", Enabled: true, Policy: tt.policy}
			d := EvaluatePolicy(entry, rc)
			if d.Allowed != tt.wantAllowed || d.Reason != tt.wantReason {
				t.Errorf("EvaluatePolicy() = {%v %q}, want {%v %q}",
					d.Allowed, d.Reason, tt.wantAllowed, tt.wantReason)
			}
		})
	}
}

func TestEvaluatePolicySkipsDisabledRules(t *testing.T) {
	rc := ctx("https://api.example.com/v1/users", "api.example.com", "/v1/users")
	entry := &Entry{ID: "e", Enabled: true, Policy: Policy{
		Mode: PolicyWhitelist,
		Rules: []PolicyRule{{
			Match:   Match{Type: MatchExact, Value: "/v1/users", ApplyTo: ApplyToPath},
			Enabled: false,
		}},
	}}

	d := EvaluatePolicy(entry, rc)
	if d.Allowed || d.Reason != ReasonWhitelistDefaultDeny {
		t.Errorf("EvaluatePolicy() = {%v %q}, want default deny", d.Allowed, d.Reason)
	}
}

// End-to-end matching example: whitelist on path with a contains host match.
func TestWhitelistEndToEnd(t *testing.T) {
	entry := &Entry{
		ID:      "api",
		Enabled: true,
		Match:   Match{Type: MatchContains, Value: "api.example.com", ApplyTo: ApplyToHost},
		Policy: Policy{
			Mode: PolicyWhitelist,
			Rules: []PolicyRule{{
				Match:   Match{Type: MatchExact, Value: "/v1/users", ApplyTo: ApplyToPath},
				Enabled: true,
			}},
		},
	}
	entries := []*Entry{entry}

	users := ctx("https://api.example.com/v1/users", "api.example.com", "/v1/users")
	orders := ctx("https://api.example.com/v1/orders", "api.example.com", "/v1/orders")

	if got := Resolve(users, entries); got != entry {
		t.Fatalf("Resolve(users) = %v, want entry", got)
	}
	if d := EvaluatePolicy(entry, users); !d.Allowed || d.Reason != ReasonWhitelistMatch {
		t.Errorf("users decision = {%v %q}, want allow WHITELIST_MATCH", d.Allowed, d.Reason)
	}
	if d := EvaluatePolicy(entry, orders); d.Allowed || d.Reason != ReasonWhitelistDefaultDeny {
		t.Errorf("orders decision = {%v %q}, want deny WHITELIST_DEFAULT_DENY", d.Allowed, d.Reason)
	}
}
