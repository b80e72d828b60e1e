package safebin

import (
	"fmt"
	"sort"
	"strings"
)

func maxPos(n int) *int { return &n }

// builtinSpecs is the static profile table. Safe bins only ever read stdin, so
// every flag that names a file, spawns a program, or writes output is denied.
var builtinSpecs = map[string]Spec{
	"jq": {
		AllowedValueFlags: []string{"--arg", "--argjson", "--indent"},
		DeniedFlags: []string{
			"--argfile", "--rawfile", "--slurpfile", "--from-file", "--library-path",
			"-f", "-L",
		},
		LongFlags: []string{
			"--compact-output", "--raw-output", "--raw-output0", "--join-output",
			"--ascii-output", "--raw-input", "--null-input", "--slurp", "--sort-keys",
			"--exit-status", "--tab", "--color-output", "--monochrome-output",
			"--seq", "--stream",
		},
		MaxPositional: maxPos(1),
	},
	"grep": {
		AllowedValueFlags: []string{
			"--regexp", "--max-count", "--after-context", "--before-context",
			"--context", "--label", "--binary-files",
			"-e", "-m", "-A", "-B", "-C",
		},
		DeniedFlags: []string{
			"--file", "--exclude-from", "--recursive", "--dereference-recursive",
			"--directories", "--devices",
			"-f", "-r", "-R", "-d", "-D",
		},
		LongFlags: []string{
			"--extended-regexp", "--fixed-strings", "--basic-regexp", "--perl-regexp",
			"--ignore-case", "--no-ignore-case", "--word-regexp", "--line-regexp",
			"--invert-match", "--count", "--only-matching", "--quiet", "--silent",
			"--no-messages", "--byte-offset", "--line-number", "--no-filename",
			"--null-data", "--text", "--line-buffered", "--initial-tab", "--null",
			"--files-with-matches", "--files-without-match",
		},
		MaxPositional: maxPos(0),
	},
	"cut": {
		AllowedValueFlags: []string{
			"--bytes", "--characters", "--fields", "--delimiter", "--output-delimiter",
			"-b", "-c", "-f", "-d",
		},
		LongFlags:     []string{"--complement", "--only-delimited", "--zero-terminated"},
		MaxPositional: maxPos(0),
	},
	"sort": {
		AllowedValueFlags: []string{
			"--key", "--field-separator", "--buffer-size", "--parallel", "--batch-size", "--sort",
			"-k", "-t", "-S",
		},
		DeniedFlags: []string{
			"--compress-program", "--files0-from", "--output", "--random-source",
			"--temporary-directory",
			"-T", "-o",
		},
		LongFlags: []string{
			"--ignore-leading-blanks", "--dictionary-order", "--ignore-case",
			"--general-numeric-sort", "--human-numeric-sort", "--ignore-nonprinting",
			"--month-sort", "--numeric-sort", "--random-sort", "--reverse",
			"--version-sort", "--check", "--merge", "--stable", "--unique",
			"--zero-terminated", "--debug",
		},
		MaxPositional: maxPos(0),
	},
	"uniq": {
		AllowedValueFlags: []string{"--skip-fields", "--skip-chars", "--check-chars", "-f", "-s", "-w"},
		LongFlags:         []string{"--count", "--repeated", "--ignore-case", "--unique", "--zero-terminated"},
		MaxPositional:     maxPos(0),
	},
	"head": {
		AllowedValueFlags: []string{"--lines", "--bytes", "-n", "-c"},
		LongFlags:         []string{"--quiet", "--silent", "--verbose", "--zero-terminated"},
		MaxPositional:     maxPos(0),
	},
	"tail": {
		AllowedValueFlags: []string{"--lines", "--bytes", "-n", "-c"},
		DeniedFlags:       []string{"--follow", "--pid", "--retry", "-F"},
		LongFlags:         []string{"--quiet", "--silent", "--verbose", "--zero-terminated"},
		MaxPositional:     maxPos(0),
	},
	"tr": {
		LongFlags:     []string{"--complement", "--delete", "--squeeze-repeats", "--truncate-set1"},
		MinPositional: 1,
		MaxPositional: maxPos(2),
	},
	"wc": {
		AllowedValueFlags: []string{"--total"},
		DeniedFlags:       []string{"--files0-from"},
		LongFlags:         []string{"--bytes", "--chars", "--lines", "--max-line-length", "--words"},
		MaxPositional:     maxPos(0),
	},
}

// builtin holds the compiled built-in profiles, indexes precomputed.
var builtin = func() map[string]*Profile {
	out := make(map[string]*Profile, len(builtinSpecs))
	for name, s := range builtinSpecs {
		p, err := NewProfile(s)
		if err != nil {
			panic(fmt.Sprintf("safebin: builtin profile %s: %v", name, err))
		}
		out[name] = p.Compile()
	}
	return out
}()

// DefaultSafeBins lists the binaries that have a built-in profile.
func DefaultSafeBins() []string {
	names := make([]string, 0, len(builtin))
	for n := range builtin {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Builtin returns the built-in profile for name, if any.
func Builtin(name string) (*Profile, bool) {
	p, ok := builtin[strings.ToLower(name)]
	return p, ok
}

// Registry resolves a safe-bin name to its profile. Custom profiles shadow
// the built-in ones.
type Registry struct {
	custom map[string]*Profile
}

// NewRegistry compiles custom specs. Custom profiles keep no index cache, so
// they exercise the on-demand derivation path.
func NewRegistry(custom map[string]Spec) (*Registry, error) {
	r := &Registry{custom: make(map[string]*Profile, len(custom))}
	for name, s := range custom {
		p, err := NewProfile(s)
		if err != nil {
			return nil, fmt.Errorf("safe-bin profile %q: %w", name, err)
		}
		r.custom[strings.ToLower(strings.TrimSpace(name))] = p
	}
	return r, nil
}

// Lookup returns the profile for name.
func (r *Registry) Lookup(name string) (*Profile, bool) {
	name = strings.ToLower(name)
	if r != nil {
		if p, ok := r.custom[name]; ok {
			return p, true
		}
	}
	return Builtin(name)
}

// Names lists every profile name known to the registry.
func (r *Registry) Names() []string {
	set := map[string]struct{}{}
	for n := range builtin {
		set[n] = struct{}{}
	}
	if r != nil {
		for n := range r.custom {
			set[n] = struct{}{}
		}
	}
	return sortedKeys(set)
}

// NormalizeSafeBins lowercases and trims names, dropping blanks.
func NormalizeSafeBins(entries []string) map[string]struct{} {
	out := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		n := strings.ToLower(strings.TrimSpace(e))
		if n != "" {
			out[n] = struct{}{}
		}
	}
	return out
}
