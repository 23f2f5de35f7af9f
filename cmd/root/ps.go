package root

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/maplerobotics/maple/pkg/paths"
	"github.com/maplerobotics/maple/pkg/state"
)

func newPsCmd(flags *rootFlags) *cobra.Command {
	var (
		typ    string
		status string
	)

	cmd := &cobra.Command{
		Use:   "ps",
		Short: "List running policy and environment containers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Read the state database directly so ps works even while
			// the daemon is busy serving a long episode.
			store, err := state.Open(paths.StateDBFile())
			if err != nil {
				return fmt.Errorf("opening state database: %w", err)
			}
			defer store.Close()

			containers, err := store.ListContainers(cmd.Context(), typ, status)
			if err != nil {
				return err
			}
			if len(containers) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No containers running.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tBACKEND\tPORT\tSTATUS\tUPTIME")
			for _, c := range containers {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
					c.Name, c.Type, c.Backend, c.Port, c.Status,
					time.Since(c.StartedAt).Round(time.Second))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&typ, "type", "", "Filter by container type (policy or env)")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status")
	return cmd
}
