package root

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/maplerobotics/maple/pkg/daemon"
	"github.com/maplerobotics/maple/pkg/lock"
	"github.com/maplerobotics/maple/pkg/paths"
	"github.com/maplerobotics/maple/pkg/state"
)

func newServeCmd(flags *rootFlags) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the maple daemon",
		Long:  "Start the orchestration daemon. It manages policy and environment containers and serves the HTTP API the other commands talk to.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if port > 0 {
				cfg.Daemon.Port = port
			}

			if lock.IsDaemonRunning("") {
				return fmt.Errorf("daemon already running")
			}

			if err := paths.EnsureDir(paths.Home()); err != nil {
				return err
			}
			store, err := state.Open(paths.StateDBFile())
			if err != nil {
				return fmt.Errorf("open state database: %w", err)
			}
			defer store.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return daemon.New(cfg, store).Start(ctx)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "Port for the daemon HTTP API")
	cmd.AddCommand(newServePolicyCmd(flags), newServeEnvCmd(flags))
	return cmd
}
