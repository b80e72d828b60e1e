package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/agentsh/execgate/internal/approvals"
	"github.com/agentsh/execgate/internal/config"
	"github.com/agentsh/execgate/internal/policy"
	"github.com/agentsh/execgate/internal/server"
	"github.com/agentsh/execgate/pkg/types"
)

type requestFlags struct {
	argv      bool
	cwd       string
	agent     string
	sessionID string
	platform  string
	remote    bool
	jsonOut   bool
}

func (f *requestFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.argv, "argv", false, "Treat arguments as an argv vector instead of shell text")
	cmd.Flags().StringVar(&f.cwd, "cwd", "", "Working directory used for resolution (default: current directory)")
	cmd.Flags().StringVar(&f.agent, "agent", "", "Agent whose allowlist applies (default: allowlist.agent)")
	cmd.Flags().StringVar(&f.sessionID, "session", "", "Session id attached to emitted events")
	cmd.Flags().StringVar(&f.platform, "platform", "", "Platform rules to apply: linux|darwin|windows (default: exec.platform)")
	cmd.Flags().BoolVar(&f.remote, "remote", false, "Evaluate on the execgate server instead of locally")
	cmd.Flags().BoolVar(&f.jsonOut, "json", false, "Print the full result as JSON")
	// Flags after the first argument belong to the checked command.
	cmd.Flags().SetInterspersed(false)
}

// request builds the policy request from args. A single argument is shell
// text; several are joined with spaces unless --argv is set.
func (f *requestFlags) request(args []string, defaultAgent string) (policy.Request, error) {
	req := policy.Request{
		Cwd:       f.cwd,
		Env:       environ(),
		Platform:  f.platform,
		Agent:     f.agent,
		SessionID: f.sessionID,
	}
	if req.Agent == "" {
		req.Agent = defaultAgent
	}
	if req.Cwd == "" {
		wd, err := os.Getwd()
		if err != nil {
			return req, fmt.Errorf("get working directory: %w", err)
		}
		req.Cwd = wd
	}
	if f.argv {
		req.Argv = args
	} else {
		req.Command = strings.Join(args, " ")
	}
	return req, nil
}

func environ() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}

func newAnalyzeCmd() *cobra.Command {
	var (
		f        requestFlags
		exitCode bool
	)
	cmd := &cobra.Command{
		Use:   "analyze COMMAND...",
		Short: "Analyze a command and show the policy decision without running the approval flow",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			req, err := f.request(args, cfg.Allowlist.Agent)
			if err != nil {
				return err
			}

			var (
				analysis any
				res      policy.Result
			)
			if f.remote {
				c, err := newClient(cmd)
				if err != nil {
					return err
				}
				out, err := c.Analyze(cmd.Context(), req)
				if err != nil {
					return err
				}
				analysis, res = out.Analysis, out.Result
			} else {
				// A dry run never writes the audit log.
				off := false
				cfg.Audit.Enabled = &off
				stack, err := server.NewStack(cmd.Context(), cfg, server.StackOptions{NoApprover: true, Logger: newLogger(cfg, cmd.ErrOrStderr())})
				if err != nil {
					return err
				}
				defer stack.Close()
				analysis, res = stack.Checker.Analyze(req), stack.Checker.Check(req)
			}

			if err := printJSON(cmd, map[string]any{"analysis": analysis, "result": res}); err != nil {
				return err
			}
			if !exitCode {
				return nil
			}
			return decisionError(res)
		},
	}
	f.register(cmd)
	cmd.Flags().BoolVar(&exitCode, "exit-code", false, "Exit 2 when denied and 3 when approval would be required")
	return cmd
}

func decisionError(res policy.Result) error {
	switch res.Decision {
	case types.DecisionAllow:
		return nil
	case types.DecisionDeny:
		return &ExitError{code: ExitDenied, message: "denied: " + res.Reason}
	default:
		return &ExitError{code: ExitPending, message: "approval required: " + res.Reason}
	}
}

func newCheckCmd() *cobra.Command {
	var (
		f        requestFlags
		noPrompt bool
	)
	cmd := &cobra.Command{
		Use:   "check COMMAND...",
		Short: "Gate a command: evaluate it and ask for approval when policy requires",
		Long: `Evaluate a command against the allowlist and safe-bin policy.

Exit codes:
  0  allowed
  1  error
  2  denied
  3  approval pending

Locally, approvals are asked on the controlling terminal. Without one (or with
--no-prompt) exec.ask_fallback decides. With --remote the server's approval
mode applies and a pending id can be rechecked later.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			req, err := f.request(args, cfg.Allowlist.Agent)
			if err != nil {
				return err
			}

			var t approvals.Ticket
			if f.remote {
				c, err := newClient(cmd)
				if err != nil {
					return err
				}
				t, err = c.Check(cmd.Context(), req)
				if err != nil {
					return err
				}
			} else {
				t, err = checkLocal(cmd.Context(), cmd, cfg, req, noPrompt || !ttyAvailable())
				if err != nil {
					return err
				}
			}

			if f.jsonOut {
				if err := printJSON(cmd, t); err != nil {
					return err
				}
			} else {
				line := fmt.Sprintf("%s: %s", t.Outcome, t.Reason)
				if t.Outcome == approvals.OutcomePending && t.ID != "" {
					line += " (id " + t.ID + ")"
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return outcomeError(t)
		},
	}
	f.register(cmd)
	cmd.Flags().BoolVar(&noPrompt, "no-prompt", false, "Never prompt; apply exec.ask_fallback instead")
	return cmd
}

func checkLocal(ctx context.Context, cmd *cobra.Command, cfg *config.Config, req policy.Request, noApprover bool) (approvals.Ticket, error) {
	stack, err := server.NewStack(ctx, cfg, server.StackOptions{
		Mode:       types.ApprovalModeLocalTTY,
		NoApprover: noApprover,
		Logger:     newLogger(cfg, cmd.ErrOrStderr()),
	})
	if err != nil {
		return approvals.Ticket{}, err
	}
	defer stack.Close()
	return stack.Gate.Evaluate(ctx, req)
}

func ttyAvailable() bool {
	f, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
	if err != nil {
		return false
	}
	defer f.Close()
	return term.IsTerminal(int(f.Fd()))
}
