package root

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// stopTimeout covers draining every managed container.
const stopTimeout = 90 * time.Second

func newStopCmd(flags *rootFlags) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the daemon and all managed containers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}

			err = daemonRequest("POST", daemonURL(cfg, port)+"/stop", nil, nil, stopTimeout)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Daemon stopping.")
			return nil
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "Daemon port")
	cmd.AddCommand(newStopPolicyCmd(flags), newStopEnvCmd(flags))
	return cmd
}

func newStopPolicyCmd(flags *rootFlags) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "policy POLICY_ID",
		Short: "Stop one serving policy container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}

			url := daemonURL(cfg, port) + "/policy/stop/" + args[0]
			if err := daemonRequest("POST", url, nil, nil, stopTimeout); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stopped %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "Daemon port")
	return cmd
}

func newStopEnvCmd(flags *rootFlags) *cobra.Command {
	var (
		port int
		all  bool
	)

	cmd := &cobra.Command{
		Use:   "env [ENV_ID]",
		Short: "Stop one environment container, or all with --all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}

			base := daemonURL(cfg, port)
			switch {
			case all:
				if err := daemonRequest("POST", base+"/env/stop", nil, nil, stopTimeout); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Stopped all environments")
				return nil
			case len(args) == 1:
				if err := daemonRequest("POST", base+"/env/stop/"+args[0], nil, nil, stopTimeout); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Stopped %s\n", args[0])
				return nil
			default:
				return fmt.Errorf("specify an environment ID or --all")
			}
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "Daemon port")
	cmd.Flags().BoolVar(&all, "all", false, "Stop every environment container")
	return cmd
}
