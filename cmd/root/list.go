package root

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/maplerobotics/maple/pkg/state"
)

func newListCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pulled policies and environments",
	}
	cmd.AddCommand(newListPolicyCmd(flags), newListEnvCmd(flags))
	return cmd
}

func newListPolicyCmd(flags *rootFlags) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "policy",
		Short: "List pulled policy models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}

			var resp struct {
				Policies []state.Policy `json:"policies"`
			}
			if err := daemonRequest("GET", daemonURL(cfg, port)+"/policy/list", nil, &resp, defaultTimeout); err != nil {
				return err
			}
			if len(resp.Policies) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No policies pulled. Use 'maple pull policy NAME:VERSION' to download one.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tVERSION\tPULLED\tPATH")
			for _, p := range resp.Policies {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.Name, p.Version, p.PulledAt.Format("2006-01-02 15:04"), p.Path)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "Daemon port")
	return cmd
}

func newListEnvCmd(flags *rootFlags) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "env",
		Short: "List pulled environment images",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}

			var resp struct {
				Envs []state.Env `json:"envs"`
			}
			if err := daemonRequest("GET", daemonURL(cfg, port)+"/env/list", nil, &resp, defaultTimeout); err != nil {
				return err
			}
			if len(resp.Envs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No environments pulled. Use 'maple pull env NAME' to download one.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tIMAGE\tPULLED")
			for _, e := range resp.Envs {
				fmt.Fprintf(w, "%s\t%s\t%s\n", e.Name, e.Image, e.PulledAt.Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "Daemon port")
	return cmd
}
