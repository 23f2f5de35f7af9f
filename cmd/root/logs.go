package root

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/maplerobotics/maple/pkg/docker"
	"github.com/maplerobotics/maple/pkg/paths"
	"github.com/maplerobotics/maple/pkg/state"
)

func newLogsCmd(flags *rootFlags) *cobra.Command {
	var tail int

	cmd := &cobra.Command{
		Use:   "logs ID",
		Short: "Show container logs for a serving policy or environment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := state.Open(paths.StateDBFile())
			if err != nil {
				return fmt.Errorf("opening state database: %w", err)
			}
			defer store.Close()

			ctx := cmd.Context()
			c, err := store.GetContainerByName(ctx, args[0])
			if errors.Is(err, state.ErrNotFound) {
				// Allow a raw docker container ID too.
				c, err = store.GetContainer(ctx, args[0])
			}
			if errors.Is(err, state.ErrNotFound) {
				return fmt.Errorf("no container found for %q. Check 'maple ps' for running containers", args[0])
			}
			if err != nil {
				return err
			}

			out, err := docker.NewClient().Logs(ctx, c.ID, tail)
			if err != nil {
				return fmt.Errorf("reading logs for %s: %w", c.Name, err)
			}
			fmt.Fprint(cmd.OutOrStdout(), out)
			return nil
		},
	}

	cmd.Flags().IntVarP(&tail, "tail", "n", 100, "Number of log lines to show")
	return cmd
}
