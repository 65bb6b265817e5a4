package rules

import (
	"fmt"
	"regexp"
	"strings"
)

// Evaluator is a compiled match predicate. One evaluator exists per match
// type so that matching logic stays in one place instead of string
// switches scattered through the pipeline.
type Evaluator struct {
	tier     int // exact=0, contains=1, regexp=2
	valueLen int
	applyTo  ApplyTo
	test     func(string) bool
}

// Tier returns the specificity tier of the evaluator (lower is more
// specific).
func (e *Evaluator) Tier() int { return e.tier }

// ValueLen returns the length of the original match value, used to break
// ties inside a tier.
func (e *Evaluator) ValueLen() int { return e.valueLen }

// Matches evaluates the predicate against the request context.
func (e *Evaluator) Matches(rc RequestContext) bool {
	return e.test(rc.Field(e.applyTo))
}

// Compile builds an Evaluator from a Match. Regexp values are compiled
// here; an invalid pattern is an error rather than a silent non-match so
// callers can decide how to report it.
func Compile(m Match) (*Evaluator, error) {
	insensitive := strings.Contains(m.Flags, "i")
	e := &Evaluator{valueLen: len(m.Value), applyTo: m.ApplyTo}

	switch m.Type {
	case MatchExact:
		e.tier = 0
		want := m.Value
		if insensitive {
			e.test = func(v string) bool { return strings.EqualFold(v, want) }
		} else {
			e.test = func(v string) bool { return v == want }
		}

	case MatchContains:
		e.tier = 1
		want := m.Value
		if insensitive {
			lower := strings.ToLower(want)
			e.test = func(v string) bool { return strings.Contains(strings.ToLower(v), lower) }
		} else {
			e.test = func(v string) bool { return strings.Contains(v, want) }
		}

	case MatchRegexp:
		e.tier = 2
		pattern := m.Value
		if insensitive {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile match regexp %q: %w", m.Value, err)
		}
		e.test = re.MatchString

	default:
		return nil, fmt.Errorf("unknown match type %q", m.Type)
	}

	return e, nil
}
