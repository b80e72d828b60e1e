package otel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilterMatch(t *testing.T) {
	tests := []struct {
		name     string
		f        *Filter
		typ      string
		category string
		decision string
		want     bool
	}{
		{"nil filter", nil, "command_checked", "evaluation", "allow", true},
		{"empty filter", &Filter{}, "command_checked", "evaluation", "", true},
		{"include glob", &Filter{IncludeTypes: []string{"command_*"}}, "command_analyzed", "evaluation", "", true},
		{"include miss", &Filter{IncludeTypes: []string{"command_*"}}, "approval_resolved", "approval", "", false},
		{"exclude wins", &Filter{IncludeTypes: []string{"*"}, ExcludeTypes: []string{"allowlist_*"}}, "allowlist_reloaded", "allowlist", "", false},
		{"category include", &Filter{IncludeCategories: []string{"approval"}}, "approval_state", "approval", "", true},
		{"category exclude", &Filter{ExcludeCategories: []string{"evaluation"}}, "command_checked", "evaluation", "deny", false},
		{"decision kept", &Filter{Decisions: []string{"deny", "approve"}}, "command_checked", "evaluation", "deny", true},
		{"decision dropped", &Filter{Decisions: []string{"deny"}}, "command_checked", "evaluation", "allow", false},
		{"no decision passes", &Filter{Decisions: []string{"deny"}}, "allowlist_updated", "allowlist", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.f.Match(tt.typ, tt.category, tt.decision))
		})
	}
}
