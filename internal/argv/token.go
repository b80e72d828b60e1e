// Package argv classifies raw argv elements into tagged token kinds.
//
// Token is a closed sum type: the only implementations are the types in this
// package, so a type switch over Token with a panicking default is exhaustive.
package argv

import "strings"

// Token is one classified argv element. Tokens are produced fresh per call
// and never mutated.
type Token interface {
	isToken()
	// Raw returns the element exactly as it appeared in argv.
	Raw() string
}

// Positional is an operand (anything that is not a flag, or any element after "--").
type Positional struct {
	Value string
}

// LongFlag is a "--name" or "--name=value" element.
type LongFlag struct {
	Flag        string // "--name", without any inline value
	InlineValue string
	HasInline   bool
	raw         string
}

// ShortCluster is a "-abc" element; Flags holds one entry per character after the dash.
type ShortCluster struct {
	Cluster string // the full element, including the leading dash
	Flags   []string
}

// Terminator is the "--" end-of-options marker.
type Terminator struct{}

// Empty is a zero-length element. Consumers skip it.
type Empty struct{}

// StdinPlaceholder is a bare "-".
type StdinPlaceholder struct{}

func (Positional) isToken()       {}
func (LongFlag) isToken()         {}
func (ShortCluster) isToken()     {}
func (Terminator) isToken()       {}
func (Empty) isToken()            {}
func (StdinPlaceholder) isToken() {}

func (p Positional) Raw() string { return p.Value }

func (l LongFlag) Raw() string {
	if l.raw != "" {
		return l.raw
	}
	if l.HasInline {
		return l.Flag + "=" + l.InlineValue
	}
	return l.Flag
}

func (s ShortCluster) Raw() string   { return s.Cluster }
func (Terminator) Raw() string       { return "--" }
func (Empty) Raw() string            { return "" }
func (StdinPlaceholder) Raw() string { return "-" }

// Classify classifies a single element. afterTerminator reports whether a "--"
// has already been seen earlier in the same argv; once it has, every element is
// Positional.
func Classify(raw string, afterTerminator bool) Token {
	if raw == "" {
		return Empty{}
	}
	if afterTerminator {
		return Positional{Value: raw}
	}
	switch {
	case raw == "-":
		return StdinPlaceholder{}
	case raw == "--":
		return Terminator{}
	case strings.HasPrefix(raw, "--"):
		if i := strings.IndexByte(raw, '='); i >= 0 {
			return LongFlag{Flag: raw[:i], InlineValue: raw[i+1:], HasInline: true, raw: raw}
		}
		return LongFlag{Flag: raw, raw: raw}
	case strings.HasPrefix(raw, "-"):
		rest := raw[1:]
		flags := make([]string, 0, len(rest))
		for _, r := range rest {
			flags = append(flags, "-"+string(r))
		}
		return ShortCluster{Cluster: raw, Flags: flags}
	default:
		return Positional{Value: raw}
	}
}

// Tokenize classifies a whole argv, tracking the position of the first "--".
func Tokenize(args []string) []Token {
	out := make([]Token, 0, len(args))
	seenTerminator := false
	for _, a := range args {
		tok := Classify(a, seenTerminator)
		if _, ok := tok.(Terminator); ok {
			seenTerminator = true
		}
		out = append(out, tok)
	}
	return out
}

// Kind returns a short name for the token's variant.
func Kind(t Token) string {
	switch t.(type) {
	case Positional:
		return "positional"
	case LongFlag:
		return "long-flag"
	case ShortCluster:
		return "short-cluster"
	case Terminator:
		return "terminator"
	case Empty:
		return "empty"
	case StdinPlaceholder:
		return "stdin"
	default:
		panic("argv: unknown token type")
	}
}
