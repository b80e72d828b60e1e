package shellcmd

import (
	"strings"
)

// CommandResolution describes what a segment would actually execute after
// wrappers are peeled off.
type CommandResolution struct {
	RawExecutable  string   `json:"raw_executable"`
	ExecutableName string   `json:"executable_name"`
	ResolvedPath   string   `json:"resolved_path,omitempty"`
	EffectiveArgv  []string `json:"effective_argv"`
	// PolicyBlocked marks a segment containing constructs the analyzer refuses
	// to reason about. Such a segment never satisfies any policy tier.
	PolicyBlocked bool   `json:"policy_blocked,omitempty"`
	BlockReason   string `json:"block_reason,omitempty"`
	// Wrappers lists peeled wrapper names, outermost first.
	Wrappers []string `json:"wrappers,omitempty"`
	// WrapperBlocked is set when unwrapping stopped and the outer command is
	// evaluated as written.
	WrapperBlocked string `json:"wrapper_blocked,omitempty"`
	// AppendsArgs is set when a wrapper feeds extra arguments to the command.
	AppendsArgs bool `json:"appends_args,omitempty"`
}

// ExecCommandSegment is one pipeline stage.
type ExecCommandSegment struct {
	Raw        string             `json:"raw"`
	Argv       []string           `json:"argv"`
	Resolution *CommandResolution `json:"resolution,omitempty"`
	// Nested holds the analysis of an inline command passed to a shell.
	Nested *ExecCommandAnalysis `json:"nested,omitempty"`
	Inline string               `json:"inline,omitempty"`
}

// ExecCommandAnalysis is the result of analyzing a full command line.
// Segments is every stage in order; Chains is set only when chain operators
// were present and groups the stages by chain element.
type ExecCommandAnalysis struct {
	OK       bool                   `json:"ok"`
	Reason   string                 `json:"reason,omitempty"`
	Segments []ExecCommandSegment   `json:"segments"`
	Chains   [][]ExecCommandSegment `json:"chains,omitempty"`
}

func failed(reason string) ExecCommandAnalysis {
	return ExecCommandAnalysis{OK: false, Reason: reason, Segments: []ExecCommandSegment{}}
}

// AnalyzeShellCommand parses command into segments and resolves each one. It
// never executes anything. A result with OK false must be treated as not
// allowlisted.
func AnalyzeShellCommand(command string, opts Options) ExecCommandAnalysis {
	return analyze(command, opts, 0)
}

// AnalyzeArgv analyzes a pre-tokenized command as a single segment.
func AnalyzeArgv(argv []string, opts Options) ExecCommandAnalysis {
	if len(argv) == 0 || argv[0] == "" {
		return failed("empty command")
	}
	seg := buildSegment(Render(argv), argv, "", opts, 0)
	return ExecCommandAnalysis{OK: true, Segments: []ExecCommandSegment{seg}}
}

func analyze(command string, opts Options, depth int) ExecCommandAnalysis {
	if strings.TrimSpace(command) == "" {
		return failed("empty command")
	}
	var (
		split splitResult
		err   error
	)
	if opts.windows() {
		split, err = splitWindowsCommand(command)
	} else {
		split, err = splitCommand(command)
	}
	if err != nil {
		return failed(err.Error())
	}

	out := ExecCommandAnalysis{OK: true}
	for _, group := range split.groups {
		chain := make([]ExecCommandSegment, 0, len(group))
		for _, stg := range group {
			if len(stg.argv) == 0 {
				return failed(errEmptySegment.Error())
			}
			seg := buildSegment(stg.raw, stg.argv, stg.blockReason, opts, depth)
			chain = append(chain, seg)
			out.Segments = append(out.Segments, seg)
		}
		if split.chained {
			out.Chains = append(out.Chains, chain)
		}
	}
	return out
}

func buildSegment(raw string, argv []string, blockReason string, opts Options, depth int) ExecCommandSegment {
	seg := ExecCommandSegment{Raw: raw, Argv: argv}

	effective := argv
	var assignReason string
	if !opts.windows() {
		for len(effective) > 0 && isAssignment(effective[0]) {
			if assignReason == "" && sensitiveAssignment(effective[0]) {
				assignReason = "assignment to " + effective[0][:strings.IndexByte(effective[0], '=')]
			}
			effective = effective[1:]
		}
	}
	if len(effective) == 0 {
		return seg
	}

	var (
		current  = effective
		wrappers []string
		appends  bool
		nested   *ExecCommandAnalysis
		inline   string
		stopped  string
	)
	for {
		u := Unwrap(current, opts.windows())
		if u.Status == NotApplicable {
			break
		}
		if u.Status == Unwrapped && depth+len(wrappers) >= MaxWrapperDepth {
			u = blocked(u.Wrapper, "wrapper depth exceeded")
		}
		if u.Status == Unwrapped && u.Inline != "" {
			inner := opts
			if u.InlineWindows {
				inner.Platform = PlatformWindows
			}
			n := analyze(u.Inline, inner, depth+len(wrappers)+1)
			if n.OK {
				wrappers = append(wrappers, u.Wrapper)
				nested, inline = &n, u.Inline
				break
			}
			u = blocked(u.Wrapper, "inline command: "+n.Reason)
		}
		if u.Status == Blocked {
			current, wrappers, appends = effective, nil, false
			stopped = u.Wrapper + ": " + u.Reason
			break
		}
		wrappers = append(wrappers, u.Wrapper)
		appends = appends || u.AppendsArgs
		current = u.Argv
	}

	res := ResolveExecutable(current, opts)
	res.Wrappers = wrappers
	res.WrapperBlocked = stopped
	res.AppendsArgs = appends
	switch {
	case assignReason != "":
		res.PolicyBlocked, res.BlockReason = true, assignReason
	case blockReason != "":
		res.PolicyBlocked, res.BlockReason = true, blockReason
	case strings.ContainsAny(current[0], "$`*?[\x00"):
		res.PolicyBlocked, res.BlockReason = true, "dynamic executable name"
	}
	seg.Resolution = &res
	seg.Nested = nested
	seg.Inline = inline
	return seg
}
