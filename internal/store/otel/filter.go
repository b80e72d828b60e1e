package otel

import (
	"path"
	"slices"
)

// Filter controls which events are exported. Type patterns use path.Match
// syntax. Empty include lists match everything.
type Filter struct {
	IncludeTypes      []string
	ExcludeTypes      []string
	IncludeCategories []string
	ExcludeCategories []string
	// Decisions restricts events that carry a policy decision; events without
	// one always pass.
	Decisions []string
}

// Match reports whether the event should be exported.
func (f *Filter) Match(eventType, category, decision string) bool {
	if f == nil {
		return true
	}
	if len(f.IncludeTypes) > 0 && !matchAny(f.IncludeTypes, eventType) {
		return false
	}
	if len(f.IncludeCategories) > 0 && !slices.Contains(f.IncludeCategories, category) {
		return false
	}
	if matchAny(f.ExcludeTypes, eventType) {
		return false
	}
	if slices.Contains(f.ExcludeCategories, category) {
		return false
	}
	if decision != "" && len(f.Decisions) > 0 && !slices.Contains(f.Decisions, decision) {
		return false
	}
	return true
}

func matchAny(patterns []string, s string) bool {
	for _, p := range patterns {
		if ok, _ := path.Match(p, s); ok {
			return true
		}
	}
	return false
}
