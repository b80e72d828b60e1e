package policy

import (
	"log/slog"
	"os"
	"runtime"

	"github.com/agentsh/execgate/internal/allowlist"
	"github.com/agentsh/execgate/internal/safebin"
	"github.com/agentsh/execgate/internal/shellcmd"
	"github.com/agentsh/execgate/internal/skills"
	"github.com/agentsh/execgate/pkg/types"
)

// AllowlistSource supplies the current allowlist entries for an agent.
type AllowlistSource interface {
	Entries(agent string) []allowlist.Entry
}

// Request is one command to check. Exactly one of Command or Argv is used;
// Argv wins when set.
type Request struct {
	Command  string            `json:"command,omitempty"`
	Argv     []string          `json:"argv,omitempty"`
	Cwd      string            `json:"cwd,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	Platform string            `json:"platform,omitempty"`
	Agent    string            `json:"agent,omitempty"`

	// SessionID tags emitted events; analysis ignores it.
	SessionID string `json:"session_id,omitempty"`
}

// CommandText returns the command as a single line.
func (r Request) CommandText() string {
	if len(r.Argv) > 0 {
		return shellcmd.Render(r.Argv)
	}
	return r.Command
}

// Result is the outcome of Checker.Check.
type Result struct {
	Command             string               `json:"command"`
	Decision            types.Decision       `json:"decision"`
	Reason              string               `json:"reason"`
	Evaluation          Evaluation           `json:"evaluation"`
	Obfuscation         shellcmd.Obfuscation `json:"obfuscation"`
	AllowAlwaysPatterns []string             `json:"allow_always_patterns,omitempty"`
	Request             Request              `json:"-"`
}

// CheckerConfig wires a Checker.
type CheckerConfig struct {
	Mode               Mode
	SafeBins           []string
	Profiles           *safebin.Registry
	TrustedSafeBinDirs []string
	Skills             *skills.Index
	AutoAllowSkills    bool
	Allowlist          AllowlistSource
	// Platform applies to requests that name none; empty means runtime.GOOS.
	Platform string
	Logger   *slog.Logger
}

// Checker evaluates requests against the configured policy. It is safe for
// concurrent use.
type Checker struct {
	cfg      CheckerConfig
	safeBins map[string]struct{}
	logger   *slog.Logger
}

// NewChecker builds a Checker.
func NewChecker(cfg CheckerConfig) *Checker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{cfg: cfg, safeBins: safebin.NormalizeSafeBins(cfg.SafeBins), logger: logger}
}

// Mode returns the configured mode.
func (c *Checker) Mode() Mode { return c.cfg.Mode }

func (c *Checker) params(req Request, opts shellcmd.Options) Params {
	p := Params{
		SafeBins:           c.safeBins,
		Profiles:           c.cfg.Profiles,
		TrustedSafeBinDirs: c.cfg.TrustedSafeBinDirs,
		Shell:              opts,
	}
	if c.cfg.AutoAllowSkills {
		p.Skills = c.cfg.Skills
	}
	if c.cfg.Allowlist != nil {
		home := opts.Env["HOME"]
		if opts.Env == nil {
			home, _ = os.UserHomeDir()
		}
		p.Allowlist = allowlist.NewMatcher(c.cfg.Allowlist.Entries(req.Agent), allowlist.CompileOptions{
			Home:            home,
			CaseInsensitive: opts.Platform == shellcmd.PlatformWindows,
		}, c.logger)
	}
	return p
}

// Analyze runs the analyzer only.
func (c *Checker) Analyze(req Request) shellcmd.ExecCommandAnalysis {
	opts := c.shellOptions(req)
	if len(req.Argv) > 0 {
		return shellcmd.AnalyzeArgv(req.Argv, opts)
	}
	return shellcmd.AnalyzeShellCommand(req.Command, opts)
}

// Check analyzes and evaluates req and maps the result to a decision.
func (c *Checker) Check(req Request) Result {
	opts := c.shellOptions(req)
	a := c.Analyze(req)
	ev := EvaluateAnalysis(a, c.params(req, opts))
	decision, reason := Decide(ev, c.cfg.Mode)

	text := req.CommandText()
	res := Result{
		Command:     text,
		Decision:    decision,
		Reason:      reason,
		Evaluation:  ev,
		Obfuscation: shellcmd.DetectObfuscation(text, opts.Platform == shellcmd.PlatformWindows),
		Request:     req,
	}
	if decision == types.DecisionApprove && ev.AnalysisOK {
		res.AllowAlwaysPatterns = ResolveAllowAlwaysPatterns(ev.Segments, opts)
	}
	c.logger.Debug("policy: checked command",
		"command", text,
		"decision", decision,
		"reason", reason,
		"obfuscated", res.Obfuscation.Detected,
	)
	return res
}

func (c *Checker) shellOptions(req Request) shellcmd.Options {
	opts := shellcmd.Options{Cwd: req.Cwd, Env: req.Env, Platform: req.Platform}
	if opts.Platform == "" {
		opts.Platform = c.cfg.Platform
	}
	if opts.Platform == "" {
		opts.Platform = runtime.GOOS
	}
	if opts.Cwd == "" {
		opts.Cwd, _ = os.Getwd()
	}
	return opts
}
