// Package policy decides whether a shell command may run unattended. Each
// segment is checked against the allowlist, then safe-bin profiles, then the
// trusted skill index.
package policy

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/agentsh/execgate/internal/allowlist"
	"github.com/agentsh/execgate/internal/safebin"
	"github.com/agentsh/execgate/internal/shellcmd"
	"github.com/agentsh/execgate/internal/skills"
)

// SatisfiedBy names the tier that let a segment through.
type SatisfiedBy string

const (
	SatisfiedByNone      SatisfiedBy = "none"
	SatisfiedByAllowlist SatisfiedBy = "allowlist"
	SatisfiedBySafeBins  SatisfiedBy = "safe_bins"
	SatisfiedBySkills    SatisfiedBy = "skills"
)

// Params holds everything an evaluation reads. A nil Allowlist or Skills
// disables that tier.
type Params struct {
	Allowlist          *allowlist.Matcher
	SafeBins           map[string]struct{}
	Profiles           *safebin.Registry
	TrustedSafeBinDirs []string
	Skills             *skills.Index
	Shell              shellcmd.Options
}

// Evaluation is the per-command verdict. Segments is the analyzed top level;
// Evaluated lists the segments actually checked, with nested inline commands
// replacing their shell wrapper. SegmentSatisfiedBy and SegmentReasons align
// with Evaluated.
type Evaluation struct {
	AnalysisOK         bool                          `json:"analysis_ok"`
	Reason             string                        `json:"reason,omitempty"`
	AllowlistSatisfied bool                          `json:"allowlist_satisfied"`
	AllowlistMatches   []allowlist.Entry             `json:"allowlist_matches,omitempty"`
	Segments           []shellcmd.ExecCommandSegment `json:"segments"`
	Evaluated          []shellcmd.ExecCommandSegment `json:"evaluated"`
	SegmentSatisfiedBy []SatisfiedBy                 `json:"segment_satisfied_by"`
	SegmentReasons     []string                      `json:"segment_reasons"`
}

type provenance struct {
	ok        bool
	failure   string
	matches   []allowlist.Entry
	evaluated []shellcmd.ExecCommandSegment
	by        []SatisfiedBy
	reasons   []string
}

func (p *provenance) append(o provenance) {
	p.matches = append(p.matches, o.matches...)
	p.evaluated = append(p.evaluated, o.evaluated...)
	p.by = append(p.by, o.by...)
	p.reasons = append(p.reasons, o.reasons...)
}

// EvaluateShellAllowlist analyzes command and evaluates it. It has no side
// effects beyond read-only path resolution.
func EvaluateShellAllowlist(command string, p Params) Evaluation {
	return EvaluateAnalysis(shellcmd.AnalyzeShellCommand(command, p.Shell), p)
}

// EvaluateAnalysis evaluates an existing analysis.
func EvaluateAnalysis(a shellcmd.ExecCommandAnalysis, p Params) Evaluation {
	if !a.OK {
		return Evaluation{
			Reason:             "unanalyzable command: " + a.Reason,
			Segments:           []shellcmd.ExecCommandSegment{},
			Evaluated:          []shellcmd.ExecCommandSegment{},
			SegmentSatisfiedBy: []SatisfiedBy{},
			SegmentReasons:     []string{},
		}
	}
	e := newEvaluator(p)
	prov := e.analysis(a)
	ev := Evaluation{
		AnalysisOK:         true,
		Reason:             prov.failure,
		AllowlistSatisfied: prov.ok,
		AllowlistMatches:   prov.matches,
		Segments:           a.Segments,
		Evaluated:          prov.evaluated,
		SegmentSatisfiedBy: prov.by,
		SegmentReasons:     prov.reasons,
	}
	if ev.Evaluated == nil {
		ev.Evaluated = []shellcmd.ExecCommandSegment{}
		ev.SegmentSatisfiedBy = []SatisfiedBy{}
		ev.SegmentReasons = []string{}
	}
	return ev
}

type evaluator struct {
	Params
	windows bool
	trusted map[string]struct{}
}

func newEvaluator(p Params) *evaluator {
	e := &evaluator{Params: p, windows: p.Shell.Platform == shellcmd.PlatformWindows, trusted: map[string]struct{}{}}
	for _, d := range p.TrustedSafeBinDirs {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		e.trusted[e.normDir(d)] = struct{}{}
	}
	return e
}

func (e *evaluator) normDir(d string) string {
	d = filepath.Clean(d)
	if e.windows {
		d = strings.ToLower(d)
	}
	return d
}

// analysis evaluates a single pipeline directly. Chains are evaluated group by
// group; a failing group discards the provenance of every group, while a
// failing pipeline keeps what was gathered up to and including the failure.
func (e *evaluator) analysis(a shellcmd.ExecCommandAnalysis) provenance {
	if a.Chains == nil {
		return e.pipeline(a.Segments)
	}
	acc := provenance{ok: true}
	for i, chain := range a.Chains {
		r := e.pipeline(chain)
		if !r.ok {
			return provenance{failure: fmt.Sprintf("chain %d: %s", i+1, r.failure)}
		}
		acc.append(r)
	}
	return acc
}

func (e *evaluator) pipeline(segs []shellcmd.ExecCommandSegment) provenance {
	acc := provenance{ok: true}
	for _, seg := range segs {
		if seg.Nested != nil && !blocked(seg) {
			r := e.analysis(*seg.Nested)
			acc.append(r)
			if !r.ok {
				acc.ok, acc.failure = false, r.failure
				if acc.failure == "" {
					acc.failure = "inline command not satisfied"
				}
				return acc
			}
			continue
		}
		by, match, reason := e.segment(seg)
		acc.evaluated = append(acc.evaluated, seg)
		acc.by = append(acc.by, by)
		acc.reasons = append(acc.reasons, reason)
		if match != nil {
			acc.matches = append(acc.matches, *match)
		}
		if by == SatisfiedByNone {
			acc.ok, acc.failure = false, reason
			return acc
		}
	}
	return acc
}

func blocked(seg shellcmd.ExecCommandSegment) bool {
	return seg.Resolution != nil && seg.Resolution.PolicyBlocked
}

func (e *evaluator) segment(seg shellcmd.ExecCommandSegment) (SatisfiedBy, *allowlist.Entry, string) {
	res := seg.Resolution
	if res == nil {
		return SatisfiedByNone, nil, fmt.Sprintf("%q: no executable", seg.Raw)
	}
	name := res.ExecutableName
	if res.PolicyBlocked {
		return SatisfiedByNone, nil, fmt.Sprintf("%s: blocked (%s)", name, res.BlockReason)
	}
	if entry, ok := e.Allowlist.Match(res); ok {
		return SatisfiedByAllowlist, &entry, fmt.Sprintf("%s: allowlist %s", name, entry.Pattern)
	}
	if e.safeBin(res) {
		return SatisfiedBySafeBins, nil, fmt.Sprintf("%s: safe-bin profile", name)
	}
	if e.Skills.Trusts(res) {
		return SatisfiedBySkills, nil, fmt.Sprintf("%s: trusted skill bin", name)
	}
	if res.ResolvedPath == "" {
		return SatisfiedByNone, nil, fmt.Sprintf("%s: executable not found", name)
	}
	if res.WrapperBlocked != "" {
		return SatisfiedByNone, nil, fmt.Sprintf("%s: not allowlisted (%s)", name, res.WrapperBlocked)
	}
	return SatisfiedByNone, nil, fmt.Sprintf("%s: not allowlisted (%s)", name, res.ResolvedPath)
}

func (e *evaluator) safeBin(res *shellcmd.CommandResolution) bool {
	if res.ResolvedPath == "" || res.AppendsArgs || len(res.EffectiveArgv) == 0 {
		return false
	}
	if _, ok := e.SafeBins[res.ExecutableName]; !ok {
		return false
	}
	if _, ok := e.trusted[e.normDir(filepath.Dir(res.ResolvedPath))]; !ok {
		return false
	}
	profile, ok := e.Profiles.Lookup(res.ExecutableName)
	if !ok {
		return false
	}
	return safebin.ValidateSafeBinArgv(res.EffectiveArgv[1:], profile)
}
