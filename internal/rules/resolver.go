package rules

import (
	"sort"

	"go.uber.org/zap"

	"github.com/lanegate/lanegate/internal/logging"
)

// Resolve returns the single best-matching enabled entry for the request
// context, or nil if none matches. Survivors are ordered by specificity:
// exact beats contains beats regexp, and within a tier the longer match
// value wins. The result is independent of entry order in the input.
//
// Disabled entries are excluded from selection entirely, not merely
// deprioritized. Entries with invalid match patterns are skipped with a
// warning.
func Resolve(rc RequestContext, entries []*Entry) *Entry {
	type candidate struct {
		entry *Entry
		eval  *Evaluator
		pos   int
	}

	var matched []candidate
	for i, entry := range entries {
		if !entry.Enabled {
			continue
		}
		ev, err := Compile(entry.Match)
		if err != nil {
			logging.Warn("skipping entry with invalid match",
				zap.String("entry_id", entry.ID), zap.Error(err))
			continue
		}
		if ev.Matches(rc) {
			matched = append(matched, candidate{entry: entry, eval: ev, pos: i})
		}
	}

	if len(matched) == 0 {
		return nil
	}

	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i].eval, matched[j].eval
		if a.Tier() != b.Tier() {
			return a.Tier() < b.Tier()
		}
		if a.ValueLen() != b.ValueLen() {
			return a.ValueLen() > b.ValueLen()
		}
		// Equal specificity: fall back to entry ID so selection stays
		// deterministic regardless of input order.
		return matched[i].entry.ID < matched[j].entry.ID
	})

	return matched[0].entry
}
