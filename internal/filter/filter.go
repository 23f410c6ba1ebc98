// Package filter is the safety net behind the provider's watch-level
// filtering: messages whose labels match none of the configured set are
// dropped before dispatch.
package filter

// Filter matches messages against a configured label set.
type Filter struct {
	labels map[string]struct{}
}

// New builds a filter from provider label ids, e.g. IMPORTANT, STARRED,
// CATEGORY_PERSONAL. An empty list disables filtering.
func New(labels []string) *Filter {
	f := &Filter{labels: make(map[string]struct{}, len(labels))}
	for _, l := range labels {
		if l != "" {
			f.labels[l] = struct{}{}
		}
	}
	return f
}

// Match reports whether a message with the given labels should be
// dispatched. With no configured labels every message passes.
func (f *Filter) Match(labels []string) bool {
	if len(f.labels) == 0 {
		return true
	}
	for _, l := range labels {
		if _, ok := f.labels[l]; ok {
			return true
		}
	}
	return false
}

// Enabled reports whether any labels are configured.
func (f *Filter) Enabled() bool {
	return len(f.labels) > 0
}
