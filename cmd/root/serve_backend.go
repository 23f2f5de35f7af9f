package root

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// serveTimeout covers container start plus model load, which for large
// policies takes minutes.
const serveTimeout = 20 * time.Minute

func newServePolicyCmd(flags *rootFlags) *cobra.Command {
	var (
		device   string
		hostPort int
		port     int
	)

	cmd := &cobra.Command{
		Use:   "policy SPEC",
		Short: "Start a policy container (e.g. openvla:7b)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Serving policy %s...\n", args[0])
			var resp struct {
				PolicyID string `json:"policy_id"`
				Port     int    `json:"port"`
				Device   string `json:"device"`
			}
			req := map[string]any{"spec": args[0]}
			if device != "" {
				req["device"] = device
			}
			if hostPort > 0 {
				req["host_port"] = hostPort
			}
			err = daemonRequest("POST", daemonURL(cfg, port)+"/policy/serve", req, &resp, serveTimeout)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Serving %s on port %d (device %s)\n", resp.PolicyID, resp.Port, resp.Device)
			return nil
		},
	}

	cmd.Flags().StringVarP(&device, "device", "d", "", "Device (e.g. cuda:0, cpu)")
	cmd.Flags().IntVar(&hostPort, "host-port", 0, "Fixed host port for the container")
	cmd.Flags().IntVar(&port, "port", 0, "Daemon port")
	return cmd
}

func newServeEnvCmd(flags *rootFlags) *cobra.Command {
	var (
		device   string
		numEnvs  int
		hostPort int
		port     int
	)

	cmd := &cobra.Command{
		Use:   "env NAME",
		Short: "Start environment container(s) (e.g. libero)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Serving env %s...\n", args[0])
			var resp struct {
				EnvIDs []string `json:"env_ids"`
				Ports  []int    `json:"ports"`
			}
			req := map[string]any{"name": args[0]}
			if device != "" {
				req["device"] = device
			}
			if numEnvs > 0 {
				req["num_envs"] = numEnvs
			}
			if hostPort > 0 {
				req["host_port"] = hostPort
			}
			err = daemonRequest("POST", daemonURL(cfg, port)+"/env/serve", req, &resp, serveTimeout)
			if err != nil {
				return err
			}
			for i, id := range resp.EnvIDs {
				fmt.Fprintf(cmd.OutOrStdout(), "Serving %s on port %d\n", id, resp.Ports[i])
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&device, "device", "d", "", "Device (e.g. cuda:0, cpu)")
	cmd.Flags().IntVarP(&numEnvs, "num-envs", "n", 0, "Number of environment instances")
	cmd.Flags().IntVar(&hostPort, "host-port", 0, "Fixed host port (single instance only)")
	cmd.Flags().IntVar(&port, "port", 0, "Daemon port")
	return cmd
}
