package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentsh/execgate/internal/allowlist"
)

func newAllowlistCmd() *cobra.Command {
	var (
		agent  string
		remote bool
	)
	cmd := &cobra.Command{
		Use:   "allowlist",
		Short: "Inspect and edit the per-agent allowlist",
	}
	cmd.PersistentFlags().StringVar(&agent, "agent", "", "Agent id (default: allowlist.agent)")
	cmd.PersistentFlags().BoolVar(&remote, "remote", false, "Edit through the execgate server instead of the local file")

	// store opens the local file; callers use it only when remote is false.
	store := func(cmd *cobra.Command) (*allowlist.FileStore, string, error) {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return nil, "", err
		}
		a := agent
		if a == "" {
			a = cfg.Allowlist.Agent
		}
		if remote {
			return nil, a, nil
		}
		s := allowlist.NewFileStore(cfg.Allowlist.Path, newLogger(cfg, cmd.ErrOrStderr()))
		if err := s.Load(); err != nil {
			return nil, "", err
		}
		return s, a, nil
	}

	var jsonOut bool
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List entries that apply to the agent, wildcard entries included",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, a, err := store(cmd)
			if err != nil {
				return err
			}
			var entries []allowlist.Entry
			if s != nil {
				entries = s.Entries(a)
			} else {
				c, err := newClient(cmd)
				if err != nil {
					return err
				}
				if entries, err = c.ListAllowlist(cmd.Context(), a); err != nil {
					return err
				}
			}
			if jsonOut {
				return printJSON(cmd, entries)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "PATTERN\tLAST USED\tLAST COMMAND")
			for _, e := range entries {
				used := "-"
				if e.LastUsedAt != nil {
					used = e.LastUsedAt.Local().Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Pattern, used, e.LastUsedCommand)
			}
			return tw.Flush()
		},
	}
	listCmd.Flags().BoolVar(&jsonOut, "json", false, "Print JSON")
	cmd.AddCommand(listCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "add PATTERN...",
		Short: "Add executable path patterns; duplicates are ignored",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, a, err := store(cmd)
			if err != nil {
				return err
			}
			var added []allowlist.Entry
			if s != nil {
				added, err = s.AddPatterns(a, args)
			} else {
				c, cerr := newClient(cmd)
				if cerr != nil {
					return cerr
				}
				added, err = c.AddAllowlist(cmd.Context(), a, args)
			}
			if err != nil {
				return err
			}
			for _, e := range added {
				fmt.Fprintf(cmd.OutOrStdout(), "added %s\n", e.Pattern)
			}
			if len(added) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to add")
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "remove PATTERN",
		Short: "Remove a pattern from the agent's allowlist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, a, err := store(cmd)
			if err != nil {
				return err
			}
			if s == nil {
				c, err := newClient(cmd)
				if err != nil {
					return err
				}
				if err := c.RemoveAllowlist(cmd.Context(), a, args[0]); err != nil {
					return err
				}
			} else {
				removed, err := s.Remove(a, args[0])
				if err != nil {
					return err
				}
				if !removed {
					return fmt.Errorf("pattern %q not found for agent %q", args[0], a)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return nil
		},
	})

	return cmd
}
