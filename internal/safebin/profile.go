// Package safebin holds per-binary argument profiles for stdin-only "safe bins"
// and validates argv against them.
package safebin

import (
	"fmt"
	"sort"
	"strings"
)

// Unbounded marks a profile without an upper positional limit.
const Unbounded = -1

// minPrefixLen is the shortest long-flag abbreviation considered ("--x").
const minPrefixLen = 3

// Spec is the declarative (config file) form of a profile.
type Spec struct {
	AllowedValueFlags []string `yaml:"allowed_value_flags" json:"allowed_value_flags,omitempty"`
	DeniedFlags       []string `yaml:"denied_flags" json:"denied_flags,omitempty"`
	// LongFlags lists long flags that take no value but are known to the binary.
	// Long flags in AllowedValueFlags and DeniedFlags are known implicitly.
	LongFlags     []string `yaml:"long_flags" json:"long_flags,omitempty"`
	MinPositional int      `yaml:"min_positional" json:"min_positional,omitempty"`
	MaxPositional *int     `yaml:"max_positional" json:"max_positional,omitempty"`
}

// Profile is a compiled argument policy for one binary.
type Profile struct {
	AllowedValueFlags map[string]struct{}
	DeniedFlags       map[string]struct{}
	BooleanLongFlags  []string
	MinPositional     int
	MaxPositional     int

	// index is the cached long-flag metadata. Profiles built by hand leave it
	// nil and the validator derives it per call.
	index *LongFlagIndex
}

// LongFlagIndex is the long-flag metadata derived from a profile.
type LongFlagIndex struct {
	Known    []string
	KnownSet map[string]struct{}
	// Prefixes maps every abbreviation to its canonical flag. An empty value
	// means the abbreviation is shared by two or more flags.
	Prefixes map[string]string
}

// NewProfile builds an uncached profile from a spec.
func NewProfile(s Spec) (*Profile, error) {
	for _, f := range append(append([]string{}, s.AllowedValueFlags...), s.DeniedFlags...) {
		if !strings.HasPrefix(f, "-") || f == "-" || f == "--" {
			return nil, fmt.Errorf("invalid flag %q", f)
		}
	}
	for _, f := range s.LongFlags {
		if !strings.HasPrefix(f, "--") || len(f) <= 2 {
			return nil, fmt.Errorf("invalid long flag %q", f)
		}
	}
	if s.MinPositional < 0 {
		return nil, fmt.Errorf("min_positional must be >= 0")
	}
	max := Unbounded
	if s.MaxPositional != nil {
		max = *s.MaxPositional
		if max < s.MinPositional {
			return nil, fmt.Errorf("max_positional %d < min_positional %d", max, s.MinPositional)
		}
	}
	return &Profile{
		AllowedValueFlags: toSet(s.AllowedValueFlags),
		DeniedFlags:       toSet(s.DeniedFlags),
		BooleanLongFlags:  append([]string(nil), s.LongFlags...),
		MinPositional:     s.MinPositional,
		MaxPositional:     max,
	}, nil
}

// Compile precomputes the long-flag index and returns the profile.
func (p *Profile) Compile() *Profile {
	p.index = BuildLongFlagIndex(p)
	return p
}

// Index returns the cached long-flag index, deriving it when absent.
func (p *Profile) Index() *LongFlagIndex {
	if p.index != nil {
		return p.index
	}
	return BuildLongFlagIndex(p)
}

// Cached reports whether the long-flag index was precomputed.
func (p *Profile) Cached() bool { return p.index != nil }

// Spec converts the profile back to its declarative form.
func (p *Profile) Spec() Spec {
	s := Spec{
		AllowedValueFlags: sortedKeys(p.AllowedValueFlags),
		DeniedFlags:       sortedKeys(p.DeniedFlags),
		LongFlags:         append([]string(nil), p.BooleanLongFlags...),
		MinPositional:     p.MinPositional,
	}
	if p.MaxPositional != Unbounded {
		max := p.MaxPositional
		s.MaxPositional = &max
	}
	return s
}

// BuildLongFlagIndex derives known long flags and the abbreviation map.
func BuildLongFlagIndex(p *Profile) *LongFlagIndex {
	known := map[string]struct{}{}
	add := func(f string) {
		if strings.HasPrefix(f, "--") && len(f) > 2 {
			known[f] = struct{}{}
		}
	}
	for f := range p.AllowedValueFlags {
		add(f)
	}
	for f := range p.DeniedFlags {
		add(f)
	}
	for _, f := range p.BooleanLongFlags {
		add(f)
	}

	list := sortedKeys(known)
	prefixes := map[string]string{}
	for _, flag := range list {
		for n := minPrefixLen; n < len(flag); n++ {
			prefix := flag[:n]
			if prev, ok := prefixes[prefix]; ok && prev != flag {
				prefixes[prefix] = ""
				continue
			}
			prefixes[prefix] = flag
		}
	}
	return &LongFlagIndex{Known: list, KnownSet: known, Prefixes: prefixes}
}

// Resolve maps a long flag (exact or abbreviated) to its canonical name.
// ok is false for unknown or ambiguous flags.
func (ix *LongFlagIndex) Resolve(flag string) (canonical string, ok bool) {
	if _, exact := ix.KnownSet[flag]; exact {
		return flag, true
	}
	c, found := ix.Prefixes[flag]
	if !found || c == "" {
		return "", false
	}
	return c, true
}

func toSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, it := range items {
		out[it] = struct{}{}
	}
	return out
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
