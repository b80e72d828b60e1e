package safebin

import (
	"regexp"
	"strings"

	"github.com/agentsh/execgate/internal/argv"
)

var driveLetter = regexp.MustCompile(`^[A-Za-z]:([\\/]|$)`)

// braceShape matches a brace expansion the shell would turn into several
// words: {a,b} or {a..b}.
var braceShape = regexp.MustCompile(`\{[^{}]*(,|\.\.)[^{}]*\}`)

// IsSafeLiteral reports whether a value can be passed to a safe bin without
// referencing the filesystem: no path-like prefix, no glob or brace
// metacharacters, no unexpanded parameter or command substitution.
func IsSafeLiteral(s string) bool {
	switch {
	case strings.HasPrefix(s, "/"),
		strings.HasPrefix(s, "./"),
		strings.HasPrefix(s, "../"),
		strings.HasPrefix(s, "~"),
		strings.HasPrefix(s, `\\`),
		strings.HasPrefix(s, `.\`),
		strings.HasPrefix(s, `..\`),
		driveLetter.MatchString(s):
		return false
	}
	if braceShape.MatchString(s) {
		return false
	}
	return !strings.ContainsAny(s, "*?[]$`")
}

// ValidateSafeBinArgv checks the arguments of a safe-bin invocation (argv
// without the executable) against profile. Any unknown, ambiguous, or denied
// construct rejects the whole invocation.
func ValidateSafeBinArgv(args []string, profile *Profile) bool {
	if profile == nil {
		return false
	}
	index := profile.Index()
	positional := 0

	// nextValue consumes args[i+1] as a flag value. A consumed value is never
	// classified, so a "--" taken as a value does not end option parsing.
	nextValue := func(i int) (int, bool) {
		if i+1 >= len(args) {
			return i, false
		}
		return i + 1, IsSafeLiteral(args[i+1])
	}

	for i := 0; i < len(args); i++ {
		// Elements are classified one at a time: only a "--" reached here
		// terminates options, and the Terminator case consumes the rest.
		switch tok := argv.Classify(args[i], false).(type) {
		case argv.Empty, argv.StdinPlaceholder:
			continue

		case argv.Terminator:
			for _, rest := range args[i+1:] {
				if rest == "" {
					continue
				}
				if !IsSafeLiteral(rest) {
					return false
				}
				positional++
			}
			i = len(args)

		case argv.Positional:
			if !IsSafeLiteral(tok.Value) {
				return false
			}
			positional++

		case argv.LongFlag:
			canonical, ok := index.Resolve(tok.Flag)
			if !ok {
				return false
			}
			if _, denied := profile.DeniedFlags[canonical]; denied {
				return false
			}
			if _, takesValue := profile.AllowedValueFlags[canonical]; !takesValue {
				if tok.HasInline {
					return false
				}
				continue
			}
			if tok.HasInline {
				if !IsSafeLiteral(tok.InlineValue) {
					return false
				}
				continue
			}
			var valid bool
			if i, valid = nextValue(i); !valid {
				return false
			}

		case argv.ShortCluster:
			rest := tok.Cluster[1:]
			for off, r := range rest {
				flag := "-" + string(r)
				if _, denied := profile.DeniedFlags[flag]; denied {
					return false
				}
				if _, takesValue := profile.AllowedValueFlags[flag]; !takesValue {
					continue
				}
				// Characters after the value flag are its inline value.
				if inline := rest[off+len(string(r)):]; inline != "" {
					if !IsSafeLiteral(inline) {
						return false
					}
				} else {
					var valid bool
					if i, valid = nextValue(i); !valid {
						return false
					}
				}
				break
			}

		default:
			panic("safebin: unhandled argv token " + argv.Kind(tok))
		}
	}

	if positional < profile.MinPositional {
		return false
	}
	if profile.MaxPositional != Unbounded && positional > profile.MaxPositional {
		return false
	}
	return true
}
