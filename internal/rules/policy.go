package rules

import (
	"go.uber.org/zap"

	"github.com/lanegate/lanegate/internal/logging"
)

// Policy decision reason codes, carried into audit events.
const (
	ReasonAllowAll              = "ALLOW_ALL"
	ReasonDenyAll               = "DENY_ALL"
	ReasonWhitelistMatch        = "WHITELIST_MATCH"
	ReasonWhitelistDefaultDeny  = "WHITELIST_DEFAULT_DENY"
	ReasonBlacklistMatch        = "BLACKLIST_MATCH"
	ReasonBlacklistDefaultAllow = "BLACKLIST_DEFAULT_ALLOW"
)

// Decision is the outcome of evaluating an entry policy.
type Decision struct {
	Allowed bool
	Reason  string
}

// EvaluatePolicy applies the entry's policy mode to the request context.
//
//   - allowAll: always allow.
//   - denyAll: always deny.
//   - whitelist: allow only if an enabled sub-rule matches; default deny.
//   - blacklist: deny if any enabled sub-rule matches; default allow.
//
// Disabled sub-rules are skipped. Unknown modes behave as denyAll.
func EvaluatePolicy(entry *Entry, rc RequestContext) Decision {
	switch entry.Policy.Mode {
	case PolicyAllowAll:
		return Decision{Allowed: true, Reason: ReasonAllowAll}

	case PolicyWhitelist:
		if anyRuleMatches(entry, rc) {
			return Decision{Allowed: true, Reason: ReasonWhitelistMatch}
		}
		return Decision{Allowed: false, Reason: ReasonWhitelistDefaultDeny}

	case PolicyBlacklist:
		if anyRuleMatches(entry, rc) {
			return Decision{Allowed: false, Reason: ReasonBlacklistMatch}
		}
		return Decision{Allowed: true, Reason: ReasonBlacklistDefaultAllow}

	default:
		return Decision{Allowed: false, Reason: ReasonDenyAll}
	}
}

func anyRuleMatches(entry *Entry, rc RequestContext) bool {
	for _, rule := range entry.Policy.Rules {
		if !rule.Enabled {
			continue
		}
		ev, err := Compile(rule.Match)
		if err != nil {
			logging.Warn("skipping policy rule with invalid match",
				zap.String("entry_id", entry.ID), zap.Error(err))
			continue
		}
		if ev.Matches(rc) {
			return true
		}
	}
	return false
}
