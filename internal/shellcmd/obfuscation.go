package shellcmd

import (
	"regexp"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// Obfuscation reports patterns that hide what a command will run. Callers use
// it to refuse silent fallbacks: an obfuscated command that times out waiting
// for approval is denied.
type Obfuscation struct {
	Detected bool     `json:"detected"`
	Reasons  []string `json:"reasons,omitempty"`
}

func (o *Obfuscation) add(reason string) {
	for _, r := range o.Reasons {
		if r == reason {
			return
		}
	}
	o.Detected = true
	o.Reasons = append(o.Reasons, reason)
}

var (
	hexEscapePattern  = regexp.MustCompile(`\\(x[0-9A-Fa-f]{2}|u[0-9A-Fa-f]{4}|[0-3][0-7]{2})`)
	encodedPSPattern  = regexp.MustCompile(`(?i)\b(powershell|pwsh)(\.exe)?\b.*\s[-/]e(c|nc[a-z]*)?(\s|$)`)
	pipeToShellText   = regexp.MustCompile(`\|\s*(sudo\s+)?(/\S*/)?(sh|bash|zsh|dash|ksh)\b(\s*$|\s+-s\b|\s*[|;&])`)
	stdinInterpreters = map[string]struct{}{
		"python": {}, "python3": {}, "perl": {}, "ruby": {}, "node": {}, "php": {},
	}
)

const maxObfuscationDepth = 4

// DetectObfuscation inspects command for piping into an interpreter, decoded
// payloads, eval, escaped byte sequences and encoded PowerShell. POSIX input
// is parsed with a full shell grammar so constructs the segmenter rejects are
// still inspected; unparseable input falls back to text patterns.
func DetectObfuscation(command string, windows bool) Obfuscation {
	var out Obfuscation
	detect(command, windows, &out, 0)
	return out
}

func detect(command string, windows bool, out *Obfuscation, depth int) {
	if encodedPSPattern.MatchString(command) {
		out.add("encoded PowerShell command")
	}
	if windows {
		return
	}
	parser := syntax.NewParser(syntax.KeepComments(false), syntax.Variant(syntax.LangBash))
	file, err := parser.Parse(strings.NewReader(command), "")
	if err != nil {
		if pipeToShellText.MatchString(command) {
			out.add("content piped into a shell")
		}
		if len(hexEscapePattern.FindAllString(command, -1)) >= 2 {
			out.add("escaped byte sequences")
		}
		return
	}

	syntax.Walk(file, func(node syntax.Node) bool {
		switch n := node.(type) {
		case *syntax.BinaryCmd:
			if n.Op != syntax.Pipe && n.Op != syntax.PipeAll {
				return true
			}
			if recv := firstCall(n.Y); recv != nil {
				if name, args := callWords(recv); readsStdinAsCode(name, args) {
					out.add("content piped into interpreter " + name)
				}
			}
			for _, c := range allCalls(n.X) {
				if name, args := callWords(c); isDecoder(name, args) {
					out.add("decoded payload fed to a later stage")
				}
			}
		case *syntax.CmdSubst:
			for _, st := range n.Stmts {
				for _, c := range allCalls(st) {
					if name, args := callWords(c); isDecoder(name, args) {
						out.add("decoded payload substituted into command")
					}
				}
			}
		case *syntax.CallExpr:
			name, args := callWords(n)
			switch name {
			case "eval", "source", ".":
				out.add("dynamic evaluation via " + name)
			}
			if IsShell(name) && depth < maxObfuscationDepth {
				for i, a := range args {
					if strings.HasPrefix(a, "-") && strings.Contains(a, "c") && !strings.HasPrefix(a, "--") && i+1 < len(args) {
						detect(args[i+1], false, out, depth+1)
						break
					}
				}
			}
		case *syntax.SglQuoted:
			if n.Dollar && hexEscapePattern.MatchString(n.Value) {
				out.add("escaped byte sequences")
			}
		}
		return true
	})
}

func readsStdinAsCode(name string, args []string) bool {
	if IsShell(name) {
		for _, a := range args {
			if a == "-c" || (strings.HasPrefix(a, "-") && !strings.HasPrefix(a, "--") && strings.Contains(a, "c")) {
				return false
			}
		}
		return true
	}
	if _, ok := stdinInterpreters[name]; ok {
		return len(args) == 0 || args[0] == "-"
	}
	return false
}

func isDecoder(name string, args []string) bool {
	has := func(flags ...string) bool {
		for _, a := range args {
			for _, f := range flags {
				if a == f {
					return true
				}
			}
		}
		return false
	}
	switch name {
	case "base64", "base32", "basenc":
		return has("-d", "--decode", "-D")
	case "xxd":
		return has("-r", "-revert")
	case "openssl":
		return has("-d", "-base64", "-a")
	}
	return false
}

// callWords returns the executable name of a call, with dispatch wrappers
// skipped, and its remaining literal arguments. Non-literal words are
// returned as empty strings.
func callWords(c *syntax.CallExpr) (string, []string) {
	words := make([]string, 0, len(c.Args))
	for _, w := range c.Args {
		words = append(words, wordLiteral(w))
	}
	for len(words) > 0 {
		if u := Unwrap(words, false); u.Status == Unwrapped && u.Kind == Dispatch {
			words = u.Argv
			continue
		}
		break
	}
	if len(words) == 0 {
		return "", nil
	}
	return ExecutableName(words[0], false), words[1:]
}

func wordLiteral(w *syntax.Word) string {
	var sb strings.Builder
	for _, part := range w.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			sb.WriteString(p.Value)
		case *syntax.SglQuoted:
			sb.WriteString(p.Value)
		case *syntax.DblQuoted:
			for _, inner := range p.Parts {
				lit, ok := inner.(*syntax.Lit)
				if !ok {
					return ""
				}
				sb.WriteString(lit.Value)
			}
		default:
			return ""
		}
	}
	return sb.String()
}

func firstCall(st *syntax.Stmt) *syntax.CallExpr {
	if st == nil {
		return nil
	}
	switch c := st.Cmd.(type) {
	case *syntax.CallExpr:
		return c
	case *syntax.BinaryCmd:
		return firstCall(c.X)
	}
	return nil
}

func allCalls(st *syntax.Stmt) []*syntax.CallExpr {
	var calls []*syntax.CallExpr
	if st == nil {
		return nil
	}
	syntax.Walk(st, func(node syntax.Node) bool {
		if c, ok := node.(*syntax.CallExpr); ok {
			calls = append(calls, c)
		}
		return true
	})
	return calls
}
