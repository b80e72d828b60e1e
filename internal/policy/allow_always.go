package policy

import (
	"github.com/agentsh/execgate/internal/shellcmd"
)

// ResolveAllowAlwaysPatterns derives the paths to persist when a human picks
// allow-always. Shell wrappers contribute the programs of their inline
// command rather than the shell itself. Segments that were not resolved at
// analysis time are resolved again with opts. The result is deduplicated and
// keeps first-seen order.
func ResolveAllowAlwaysPatterns(segments []shellcmd.ExecCommandSegment, opts shellcmd.Options) []string {
	seen := map[string]struct{}{}
	var out []string
	collectPatterns(segments, opts, seen, &out)
	return out
}

func collectPatterns(segments []shellcmd.ExecCommandSegment, opts shellcmd.Options, seen map[string]struct{}, out *[]string) {
	for _, seg := range segments {
		res := seg.Resolution
		if res == nil || res.PolicyBlocked {
			continue
		}
		if seg.Nested != nil {
			collectPatterns(seg.Nested.Segments, opts, seen, out)
			continue
		}
		p := res.ResolvedPath
		if p == "" && len(res.EffectiveArgv) > 0 {
			p = shellcmd.ResolveExecutable(res.EffectiveArgv, opts).ResolvedPath
		}
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		*out = append(*out, p)
	}
}
