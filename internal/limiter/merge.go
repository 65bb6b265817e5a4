package limiter

// Merge applies an override fragment on top of a base configuration and
// returns the result. Precedence is strictly override-over-base: every
// non-nil override field replaces the base value. Nested fragments
// (identity, store, metrics) are merged recursively — a fragment that
// sets only one field leaves the base's other fields intact.
//
// The effective configuration of a limiter is
//
//	Merge(Merge(Defaults(), doc.defaults), doc.limiters[id])
//
// which callers obtain through ConfigResolver.Effective.
func Merge(base Config, o *Override) Config {
	if o == nil {
		return base
	}

	out := base

	if o.Enabled != nil {
		out.Enabled = *o.Enabled
	}
	if o.Mode != nil {
		out.Mode = *o.Mode
	}
	if o.Max != nil {
		out.Max = *o.Max
	}
	if o.WindowMs != nil {
		out.WindowMs = *o.WindowMs
	}

	if o.Identity != nil {
		if o.Identity.Type != nil {
			out.Identity.Type = *o.Identity.Type
		}
		if o.Identity.Header != nil {
			out.Identity.Header = *o.Identity.Header
		}
	}

	if o.Store != nil {
		if o.Store.FailOpen != nil {
			out.Store.FailOpen = *o.Store.FailOpen
		}
	}

	if o.Metrics != nil {
		if o.Metrics.Enabled != nil {
			out.Metrics.Enabled = *o.Metrics.Enabled
		}
		if o.Metrics.BucketMs != nil {
			out.Metrics.BucketMs = *o.Metrics.BucketMs
		}
	}

	return out
}
