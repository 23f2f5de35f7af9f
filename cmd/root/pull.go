package root

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/cobra"
)

func newPullCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Download policies and environment images",
	}
	cmd.AddCommand(newPullPolicyCmd(flags), newPullEnvCmd(flags))
	return cmd
}

// pullTimeout is generous: policy weights are tens of gigabytes.
const pullTimeout = 2 * time.Hour

func newPullPolicyCmd(flags *rootFlags) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "policy SPEC",
		Short: "Pull a policy model (e.g. openvla:7b)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Pulling policy %s...\n", args[0])
			var resp struct {
				Pulled string `json:"pulled"`
			}
			err = daemonRequest("POST", daemonURL(cfg, port)+"/policy/pull",
				map[string]any{"spec": args[0]}, &resp, pullTimeout)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pulled %s\n", resp.Pulled)
			return nil
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "Daemon port")
	return cmd
}

func newPullEnvCmd(flags *rootFlags) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "env NAME",
		Short: "Pull an environment image (e.g. libero)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Pulling env %s...\n", args[0])
			err = daemonRequest("POST",
				daemonURL(cfg, port)+"/env/pull?name="+url.QueryEscape(args[0]),
				nil, nil, pullTimeout)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pulled %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "Daemon port")
	return cmd
}
