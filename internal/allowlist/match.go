package allowlist

import (
	"log/slog"
	"time"

	"github.com/agentsh/execgate/internal/shellcmd"
)

// Entry is one user-approved pattern.
type Entry struct {
	ID               string     `yaml:"id,omitempty" json:"id,omitempty"`
	Pattern          string     `yaml:"pattern" json:"pattern"`
	LastUsedAt       *time.Time `yaml:"last_used_at,omitempty" json:"last_used_at,omitempty"`
	LastUsedCommand  string     `yaml:"last_used_command,omitempty" json:"last_used_command,omitempty"`
	LastResolvedPath string     `yaml:"last_resolved_path,omitempty" json:"last_resolved_path,omitempty"`
}

type compiledEntry struct {
	entry   Entry
	pattern *Pattern
}

// Matcher is an immutable, precompiled allowlist.
type Matcher struct {
	opts    CompileOptions
	entries []compiledEntry
}

// NewMatcher compiles entries. Entries without a path component and entries
// that fail to compile are skipped and logged; they never match.
func NewMatcher(entries []Entry, opts CompileOptions, logger *slog.Logger) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Matcher{opts: opts, entries: make([]compiledEntry, 0, len(entries))}
	for _, e := range entries {
		if !IsPathPattern(e.Pattern) {
			continue
		}
		p, err := Compile(e.Pattern, opts)
		if err != nil {
			logger.Warn("allowlist: skipping invalid pattern", "pattern", e.Pattern, "error", err)
			continue
		}
		m.entries = append(m.entries, compiledEntry{entry: e, pattern: p})
	}
	return m
}

// Len returns the number of usable entries.
func (m *Matcher) Len() int {
	if m == nil {
		return 0
	}
	return len(m.entries)
}

// Match returns the first entry matching the resolution's resolved path. An
// unresolved command never matches.
func (m *Matcher) Match(res *shellcmd.CommandResolution) (Entry, bool) {
	if m == nil || res == nil || res.ResolvedPath == "" {
		return Entry{}, false
	}
	target := normalizeTarget(res.ResolvedPath, m.opts)
	for _, ce := range m.entries {
		if ce.pattern.match(target) {
			return ce.entry, true
		}
	}
	return Entry{}, false
}

// MatchAllowlist is a convenience wrapper compiling entries on each call.
func MatchAllowlist(entries []Entry, res *shellcmd.CommandResolution, opts CompileOptions) (Entry, bool) {
	return NewMatcher(entries, opts, nil).Match(res)
}
