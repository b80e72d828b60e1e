package shellcmd

import (
	"regexp"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// braceList matches an unquoted {a,b} or {a..b} the shell would expand into
// several words. Quoted parts are masked before matching.
var braceList = regexp.MustCompile(`\{[^{}]*(,|\.\.)[^{}]*\}`)

// word applies quote removal to w. reason is set for parts whose value is only
// known at run time; substitutions are rejected outright.
func (s *splitter) word(w *syntax.Word) (value, reason string, err error) {
	var (
		b     strings.Builder
		shape strings.Builder
	)
	note := func(r string) {
		if reason == "" {
			reason = r
		}
	}
	for _, part := range w.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			b.WriteString(unescape(p.Value, false))
			shape.WriteString(p.Value)
			continue
		case *syntax.SglQuoted:
			if p.Dollar {
				note("ANSI-C quoted word")
			}
			b.WriteString(p.Value)
		case *syntax.DblQuoted:
			if p.Dollar {
				note("locale-translated word")
			}
			for _, inner := range p.Parts {
				switch ip := inner.(type) {
				case *syntax.Lit:
					b.WriteString(unescape(ip.Value, true))
				case *syntax.ParamExp:
					note("parameter expansion")
					b.WriteString(s.text(ip))
				default:
					return "", "", substitution(inner)
				}
			}
		case *syntax.ParamExp:
			note("parameter expansion")
			b.WriteString(s.text(p))
		default:
			return "", "", substitution(part)
		}
		shape.WriteByte('_')
	}
	if braceList.MatchString(shape.String()) {
		note("brace expansion")
	}
	return b.String(), reason, nil
}

func substitution(part syntax.WordPart) error {
	switch p := part.(type) {
	case *syntax.CmdSubst:
		if p.Backquotes {
			return unsupported("`")
		}
		return unsupported("$()")
	case *syntax.ArithmExp:
		return unsupported("$(())")
	case *syntax.ProcSubst:
		return unsupported(p.Op.String())
	case *syntax.ExtGlob:
		return unsupported(p.Op.String())
	default:
		return unsupported("word part")
	}
}

// unescape removes backslash escapes from a literal. Inside double quotes only
// the characters that keep a special meaning there are escapable.
func unescape(lit string, inDouble bool) string {
	if !strings.Contains(lit, `\`) {
		return lit
	}
	var b strings.Builder
	for i := 0; i < len(lit); i++ {
		ch := lit[i]
		if ch == '\\' && i+1 < len(lit) && (!inDouble || strings.IndexByte("$`\"\\", lit[i+1]) >= 0) {
			i++
			ch = lit[i]
		}
		b.WriteByte(ch)
	}
	return b.String()
}

// splitWindowsWords splits on whitespace honoring double quotes, the subset of
// the Windows argument convention that survives cmd.exe unchanged.
func splitWindowsWords(text string) []string {
	var (
		argv    []string
		current strings.Builder
		inWord  bool
		quoted  bool
	)
	for i := 0; i < len(text); i++ {
		ch := text[i]
		switch {
		case ch == '"':
			quoted = !quoted
			inWord = true
		case !quoted && (ch == ' ' || ch == '\t'):
			if inWord {
				argv = append(argv, current.String())
			}
			current.Reset()
			inWord = false
		default:
			inWord = true
			current.WriteByte(ch)
		}
	}
	if inWord {
		argv = append(argv, current.String())
	}
	return argv
}
