// Package shellcmd analyzes shell command lines without executing them: it
// splits chains and pipelines, tokenizes each stage into argv, unwraps wrapper
// commands, and resolves executables to filesystem paths.
package shellcmd

import (
	"errors"
	"fmt"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

var (
	errLineContinuation = errors.New("line continuation")
	errUnterminated     = errors.New("unterminated quote or escape")
	errEmptySegment     = errors.New("empty command segment")
)

type unsupportedError struct {
	token string
}

func (e *unsupportedError) Error() string { return "unsupported shell token: " + e.token }

func unsupported(tok string) error { return &unsupportedError{token: tok} }

// stage is one pipeline stage: its source text and its words after quote
// removal. blockReason names the first word whose runtime value cannot be
// known from the text alone.
type stage struct {
	raw         string
	argv        []string
	blockReason string
}

// splitResult is the segmenter output: one or more chain groups, each a list
// of pipeline stages. chained reports whether any chain operator was seen.
type splitResult struct {
	groups  [][]stage
	chained bool
}

// splitCommand parses a POSIX-shell command with the bash grammar and splits
// it on "&&", "||", ";" and then "|". Constructs that cannot be reasoned about
// statically are rejected.
func splitCommand(command string) (splitResult, error) {
	if strings.Contains(command, "\\\n") || strings.Contains(command, "\\\r\n") {
		return splitResult{}, errLineContinuation
	}
	if trailing := len(command) - len(strings.TrimRight(command, `\`)); trailing%2 == 1 {
		return splitResult{}, errUnterminated
	}

	parser := syntax.NewParser(syntax.KeepComments(false), syntax.Variant(syntax.LangBash))
	file, err := parser.Parse(strings.NewReader(command), "")
	if err != nil {
		if syntax.IsIncomplete(err) {
			return splitResult{}, errUnterminated
		}
		return splitResult{}, fmt.Errorf("shell syntax: %w", err)
	}
	if err := checkNewlines(command, file); err != nil {
		return splitResult{}, err
	}
	if len(file.Stmts) == 0 {
		return splitResult{}, errEmptySegment
	}

	s := &splitter{src: command}
	s.res.chained = len(file.Stmts) > 1
	for i, st := range file.Stmts {
		if err := checkStmt(st); err != nil {
			return splitResult{}, err
		}
		if i == len(file.Stmts)-1 && st.Semicolon.IsValid() {
			return splitResult{}, errEmptySegment
		}
		if err := s.chain(st); err != nil {
			return splitResult{}, err
		}
	}
	return s.res, nil
}

// checkNewlines rejects a newline or carriage return outside quotes, which
// would start a new command the chain model does not see.
func checkNewlines(src string, file *syntax.File) error {
	if !strings.ContainsAny(src, "\r\n") {
		return nil
	}
	type span struct{ from, to int }
	var quoted []span
	syntax.Walk(file, func(node syntax.Node) bool {
		switch node.(type) {
		case *syntax.SglQuoted, *syntax.DblQuoted:
			quoted = append(quoted, span{int(node.Pos().Offset()), int(node.End().Offset())})
			return false
		}
		return true
	})
next:
	for i := 0; i < len(src); i++ {
		if src[i] != '\n' && src[i] != '\r' {
			continue
		}
		for _, q := range quoted {
			if i > q.from && i < q.to {
				continue next
			}
		}
		return unsupported("newline")
	}
	return nil
}

func checkStmt(st *syntax.Stmt) error {
	switch {
	case st.Background:
		return unsupported("&")
	case st.Coprocess:
		return unsupported("coproc")
	case st.Negated:
		return unsupported("!")
	case len(st.Redirs) > 0:
		return unsupported(st.Redirs[0].Op.String())
	case st.Cmd == nil:
		return errEmptySegment
	}
	return nil
}

type splitter struct {
	src string
	res splitResult
}

// chain flattens "&&" and "||" lists into chain groups.
func (s *splitter) chain(st *syntax.Stmt) error {
	if err := checkStmt(st); err != nil {
		return err
	}
	if bin, ok := st.Cmd.(*syntax.BinaryCmd); ok && (bin.Op == syntax.AndStmt || bin.Op == syntax.OrStmt) {
		s.res.chained = true
		if err := s.chain(bin.X); err != nil {
			return err
		}
		return s.chain(bin.Y)
	}
	var pipeline []stage
	if err := s.pipeline(st, &pipeline); err != nil {
		return err
	}
	s.res.groups = append(s.res.groups, pipeline)
	return nil
}

func (s *splitter) pipeline(st *syntax.Stmt, out *[]stage) error {
	if err := checkStmt(st); err != nil {
		return err
	}
	switch cmd := st.Cmd.(type) {
	case *syntax.BinaryCmd:
		if cmd.Op != syntax.Pipe {
			return unsupported(cmd.Op.String())
		}
		if err := s.pipeline(cmd.X, out); err != nil {
			return err
		}
		return s.pipeline(cmd.Y, out)
	case *syntax.CallExpr:
		stg, err := s.stage(cmd)
		if err != nil {
			return err
		}
		*out = append(*out, stg)
		return nil
	default:
		return unsupported(compoundName(cmd))
	}
}

func (s *splitter) stage(call *syntax.CallExpr) (stage, error) {
	out := stage{raw: s.text(call)}
	note := func(reason string) {
		if out.blockReason == "" {
			out.blockReason = reason
		}
	}
	for _, as := range call.Assigns {
		if as.Name == nil || as.Append || as.Naked || as.Index != nil || as.Array != nil {
			return stage{}, unsupported("array or append assignment")
		}
		var value string
		if as.Value != nil {
			v, reason, err := s.word(as.Value)
			if err != nil {
				return stage{}, err
			}
			value = v
			note(reason)
		}
		out.argv = append(out.argv, as.Name.Value+"="+value)
	}
	for _, w := range call.Args {
		v, reason, err := s.word(w)
		if err != nil {
			return stage{}, err
		}
		note(reason)
		out.argv = append(out.argv, v)
	}
	if len(out.argv) == 0 {
		return stage{}, errEmptySegment
	}
	return out, nil
}

// text returns the source text covered by node.
func (s *splitter) text(node syntax.Node) string {
	return s.src[node.Pos().Offset():node.End().Offset()]
}

func compoundName(cmd syntax.Command) string {
	switch c := cmd.(type) {
	case *syntax.Subshell:
		return "("
	case *syntax.Block:
		return "{"
	case *syntax.ArithmCmd:
		return "(("
	case *syntax.TestClause:
		return "[["
	case *syntax.IfClause:
		return "if"
	case *syntax.WhileClause:
		if c.Until {
			return "until"
		}
		return "while"
	case *syntax.ForClause:
		return "for"
	case *syntax.CaseClause:
		return "case"
	case *syntax.FuncDecl:
		return "function"
	case *syntax.DeclClause:
		return c.Variant.Value
	case *syntax.LetClause:
		return "let"
	case *syntax.TimeClause:
		return "time"
	case *syntax.CoprocClause:
		return "coproc"
	default:
		return "compound command"
	}
}

// splitWindowsCommand splits on pipes only. Chain and redirection operators of
// cmd.exe are not modeled, so their presence makes the command unanalyzable.
func splitWindowsCommand(command string) (splitResult, error) {
	var (
		stages   []stage
		current  strings.Builder
		inDouble bool
	)
	for i := 0; i < len(command); i++ {
		ch := command[i]
		if ch == '"' {
			inDouble = !inDouble
			current.WriteByte(ch)
			continue
		}
		if inDouble {
			if ch == '\n' || ch == '\r' {
				return splitResult{}, unsupported("newline")
			}
			current.WriteByte(ch)
			continue
		}
		switch ch {
		case '|':
			if i+1 < len(command) && command[i+1] == '|' {
				return splitResult{}, unsupported("||")
			}
			text := strings.TrimSpace(current.String())
			if text == "" {
				return splitResult{}, errEmptySegment
			}
			stages = append(stages, stage{raw: text, argv: splitWindowsWords(text)})
			current.Reset()
			continue
		case '&', ';', '^', '%', '<', '>', '`':
			return splitResult{}, unsupported(string(ch))
		case '\n', '\r':
			return splitResult{}, unsupported("newline")
		}
		current.WriteByte(ch)
	}
	if inDouble {
		return splitResult{}, errUnterminated
	}
	text := strings.TrimSpace(current.String())
	if text == "" {
		return splitResult{}, errEmptySegment
	}
	stages = append(stages, stage{raw: text, argv: splitWindowsWords(text)})
	return splitResult{groups: [][]stage{stages}}, nil
}
