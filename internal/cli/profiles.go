package cli

import (
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/agentsh/execgate/internal/safebin"
)

type profileView struct {
	Name    string       `json:"name"`
	Enabled bool         `json:"enabled"`
	Spec    safebin.Spec `json:"spec"`
}

func newProfilesCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "profiles [NAME [ARG...]]",
		Short: "Show safe-bin profiles, or check arguments against one",
		Long: `Without arguments, list every safe-bin profile (built-in and from
exec.safe_bin_profiles). With NAME, show that profile. With NAME and further
arguments, validate the arguments (argv without the binary) against the
profile and exit 2 when they are rejected.

  execgate profiles jq -r .name`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			reg, err := safebin.NewRegistry(cfg.Exec.SafeBinProfiles)
			if err != nil {
				return err
			}
			enabled := safebin.NormalizeSafeBins(cfg.Exec.SafeBins)
			view := func(name string, p *safebin.Profile) profileView {
				_, on := enabled[name]
				return profileView{Name: name, Enabled: on, Spec: p.Spec()}
			}

			if len(args) == 0 {
				var views []profileView
				for _, name := range reg.Names() {
					p, _ := reg.Lookup(name)
					views = append(views, view(name, p))
				}
				if jsonOut {
					return printJSON(cmd, views)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "NAME\tENABLED\tPOSITIONAL\tVALUE FLAGS\tDENIED FLAGS")
				for _, v := range views {
					fmt.Fprintf(tw, "%s\t%t\t%s\t%s\t%s\n", v.Name, v.Enabled, positionalRange(v.Spec),
						strings.Join(v.Spec.AllowedValueFlags, ","), strings.Join(v.Spec.DeniedFlags, ","))
				}
				return tw.Flush()
			}

			name := strings.ToLower(args[0])
			p, ok := reg.Lookup(name)
			if !ok {
				return fmt.Errorf("no safe-bin profile named %q", args[0])
			}
			if len(args) == 1 {
				return printJSON(cmd, view(name, p))
			}
			if !safebin.ValidateSafeBinArgv(args[1:], p) {
				return &ExitError{code: ExitDenied, message: "rejected by profile " + name}
			}
			fmt.Fprintln(cmd.OutOrStdout(), "allowed")
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print JSON")
	cmd.Flags().SetInterspersed(false)
	return cmd
}

func positionalRange(s safebin.Spec) string {
	max := "inf"
	if s.MaxPositional != nil {
		max = strconv.Itoa(*s.MaxPositional)
	}
	return strconv.Itoa(s.MinPositional) + ".." + max
}
