package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentsh/execgate/pkg/types"
)

func newApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve",
		Short: "List/resolve pending approvals",
	}

	var jsonOut bool
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List pending approvals",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			pending, err := c.ListApprovals(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(cmd, pending)
			}
			if len(pending) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no pending approvals")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tAGENT\tEXPIRES\tOBFUSCATED\tCOMMAND")
			for _, p := range pending {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", p.ID, p.Agent, time.Until(p.ExpiresAt).Round(time.Second), p.ObfuscationDetected, p.Command)
			}
			return tw.Flush()
		},
	}
	listCmd.Flags().BoolVar(&jsonOut, "json", false, "Print JSON")
	cmd.AddCommand(listCmd)

	var (
		allow    bool
		always   bool
		deny     bool
		decision string
		reason   string
	)
	resolveCmd := &cobra.Command{
		Use:   "resolve APPROVAL_ID",
		Short: "Approve or deny a pending approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := chooseDecision(allow, always, deny, decision)
			if err != nil {
				return err
			}
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			if err := c.ResolveApproval(cmd.Context(), args[0], d, reason); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
	resolveCmd.Flags().BoolVar(&allow, "allow", false, "Allow this once")
	resolveCmd.Flags().BoolVar(&always, "always", false, "Allow and persist the command's allow-always patterns")
	resolveCmd.Flags().BoolVar(&deny, "deny", false, "Deny")
	resolveCmd.Flags().StringVar(&decision, "decision", "", "Decision: allow-once|allow-always|deny")
	resolveCmd.Flags().StringVar(&reason, "reason", "", "Reason (optional)")
	cmd.AddCommand(resolveCmd)

	return cmd
}

// chooseDecision requires exactly one of the decision flags.
func chooseDecision(allow, always, deny bool, decision string) (types.ApprovalDecision, error) {
	var picked []types.ApprovalDecision
	if allow {
		picked = append(picked, types.ApprovalAllowOnce)
	}
	if always {
		picked = append(picked, types.ApprovalAllowAlways)
	}
	if deny {
		picked = append(picked, types.ApprovalDeny)
	}
	if decision != "" {
		d := types.ApprovalDecision(decision)
		if !d.Valid() {
			return "", fmt.Errorf("invalid --decision %q: use allow-once, allow-always or deny", decision)
		}
		picked = append(picked, d)
	}
	if len(picked) != 1 {
		return "", fmt.Errorf("choose exactly one of --allow, --always, --deny or --decision")
	}
	return picked[0], nil
}
