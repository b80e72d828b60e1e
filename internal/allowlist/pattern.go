// Package allowlist matches resolved executable paths against user-approved
// patterns and persists those patterns.
// Pattern forms: "re:..." regex, glob ("*" stays within one path component,
// "**" crosses separators), otherwise literal.
package allowlist

import (
	"fmt"
	"regexp"
	"regexp/syntax"
	"strings"

	"github.com/gobwas/glob"
)

// PatternType indicates the type of pattern.
type PatternType int

const (
	PatternTypeLiteral PatternType = iota
	PatternTypeGlob
	PatternTypeRegex
)

func (t PatternType) String() string {
	switch t {
	case PatternTypeLiteral:
		return "literal"
	case PatternTypeGlob:
		return "glob"
	case PatternTypeRegex:
		return "regex"
	default:
		return "unknown"
	}
}

// Pattern is a compiled allowlist pattern.
type Pattern struct {
	Raw  string
	Type PatternType

	literal string
	glob    glob.Glob
	re      *regexp.Regexp
}

// CompileOptions configures pattern compilation.
type CompileOptions struct {
	// Home replaces a leading "~" in patterns.
	Home string
	// CaseInsensitive folds case and treats "\" as "/" (Windows paths).
	CaseInsensitive bool
	// MaxRegexComplexity limits regex complexity to prevent ReDoS.
	// 0 means use default (1000).
	MaxRegexComplexity int
}

// IsPathPattern reports whether s can match a resolved path. Bare executable
// names never do; only patterns that carry a path separator or home prefix
// are considered.
func IsPathPattern(s string) bool {
	if strings.HasPrefix(s, "re:") {
		return true
	}
	return strings.ContainsAny(s, `/\~`)
}

// Compile compiles a pattern string.
func Compile(s string, opts CompileOptions) (*Pattern, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty pattern")
	}
	if strings.HasPrefix(s, "re:") {
		return compileRegex(s, opts)
	}

	norm := normalizePattern(s, opts)
	if strings.ContainsAny(norm, "*?[{") {
		g, err := glob.Compile(norm, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid glob pattern: %w", err)
		}
		return &Pattern{Raw: s, Type: PatternTypeGlob, glob: g}, nil
	}
	return &Pattern{Raw: s, Type: PatternTypeLiteral, literal: norm}, nil
}

func normalizePattern(s string, opts CompileOptions) string {
	if opts.Home != "" && (s == "~" || strings.HasPrefix(s, "~/") || strings.HasPrefix(s, `~\`)) {
		s = strings.TrimRight(opts.Home, `/\`) + s[1:]
	}
	if opts.CaseInsensitive {
		s = strings.ToLower(strings.ReplaceAll(s, `\`, "/"))
	}
	return s
}

func normalizeTarget(s string, opts CompileOptions) string {
	if opts.CaseInsensitive {
		return strings.ToLower(strings.ReplaceAll(s, `\`, "/"))
	}
	return s
}

func compileRegex(s string, opts CompileOptions) (*Pattern, error) {
	expr := strings.TrimPrefix(s, "re:")
	if expr == "" {
		return nil, fmt.Errorf("empty regex pattern")
	}
	if err := checkRegexComplexity(expr, opts.MaxRegexComplexity); err != nil {
		return nil, fmt.Errorf("regex complexity check failed: %w", err)
	}
	flags := ""
	if opts.CaseInsensitive {
		flags = "(?i)"
	}
	// Anchored: a partial match on a path is never meaningful.
	re, err := regexp.Compile(flags + "^(?:" + expr + ")$")
	if err != nil {
		return nil, fmt.Errorf("invalid regex pattern: %w", err)
	}
	return &Pattern{Raw: s, Type: PatternTypeRegex, re: re}, nil
}

// checkRegexComplexity rejects patterns prone to heavy backtracking.
func checkRegexComplexity(pattern string, maxComplexity int) error {
	if maxComplexity == 0 {
		maxComplexity = 1000
	}
	re, err := syntax.Parse(pattern, syntax.Perl)
	if err != nil {
		return fmt.Errorf("failed to parse regex: %w", err)
	}
	if c := complexity(re); c > maxComplexity {
		return fmt.Errorf("regex complexity %d exceeds maximum %d (potential ReDoS)", c, maxComplexity)
	}
	return nil
}

func complexity(re *syntax.Regexp) int {
	sub := 0
	for _, s := range re.Sub {
		sub += complexity(s)
	}
	switch re.Op {
	case syntax.OpStar, syntax.OpPlus:
		// Nested quantifiers are especially dangerous
		if sub > 1 {
			return sub * 100
		}
		return sub + 10
	case syntax.OpQuest:
		return sub + 2
	case syntax.OpRepeat:
		maxRep := re.Max
		if maxRep < 0 {
			maxRep = 100
		}
		return sub * maxRep / 10
	case syntax.OpConcat:
		return sub
	case syntax.OpAlternate:
		return sub * 2
	case syntax.OpCapture:
		return sub + 1
	default:
		return 1
	}
}

// match reports whether an already normalized target matches.
func (p *Pattern) match(target string) bool {
	switch p.Type {
	case PatternTypeLiteral:
		return target == p.literal
	case PatternTypeGlob:
		return p.glob.Match(target)
	case PatternTypeRegex:
		return p.re.MatchString(target)
	default:
		return false
	}
}

func (p *Pattern) String() string { return p.Raw }
