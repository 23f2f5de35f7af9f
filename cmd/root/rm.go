package root

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/maplerobotics/maple/pkg/backend"
	"github.com/maplerobotics/maple/pkg/paths"
	"github.com/maplerobotics/maple/pkg/state"
)

func newRmCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rm",
		Short: "Remove pulled policies and environments",
	}
	cmd.AddCommand(newRmPolicyCmd(flags), newRmEnvCmd(flags))
	return cmd
}

func newRmPolicyCmd(flags *rootFlags) *cobra.Command {
	var keepWeights bool

	cmd := &cobra.Command{
		Use:   "policy SPEC",
		Short: "Remove a pulled policy and its weights (e.g. openvla:7b)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, version, err := backend.ParseVersioned(args[0])
			if err != nil {
				return err
			}

			store, err := state.Open(paths.StateDBFile())
			if err != nil {
				return fmt.Errorf("opening state database: %w", err)
			}
			defer store.Close()

			removed, err := store.RemovePolicy(cmd.Context(), name, version)
			if err != nil {
				return err
			}
			if !removed {
				return fmt.Errorf("policy %s:%s not found", name, version)
			}

			if !keepWeights {
				dir := paths.PolicyDir(name, version)
				if err := os.RemoveAll(dir); err != nil {
					return fmt.Errorf("removing weights at %s: %w", dir, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %s:%s and its weights\n", name, version)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s:%s (weights kept on disk)\n", name, version)
			return nil
		},
	}

	cmd.Flags().BoolVar(&keepWeights, "keep-weights", false, "Keep model weights on disk")
	return cmd
}

func newRmEnvCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "env NAME",
		Short: "Remove a pulled environment record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := state.Open(paths.StateDBFile())
			if err != nil {
				return fmt.Errorf("opening state database: %w", err)
			}
			defer store.Close()

			env, err := store.GetEnv(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("env %q not found", args[0])
			}
			if _, err := store.RemoveEnv(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s (image %s left in docker; remove it with 'docker rmi')\n", env.Name, env.Image)
			return nil
		},
	}
}
