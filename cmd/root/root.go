// Package root wires up the maple command tree.
package root

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/maplerobotics/maple/pkg/config"
	"github.com/maplerobotics/maple/pkg/version"
)

type rootFlags struct {
	verbose    bool
	configFile string
}

// NewRootCmd builds the maple CLI.
func NewRootCmd() *cobra.Command {
	var flags rootFlags

	cmd := &cobra.Command{
		Use:          "maple",
		Short:        "Orchestrate VLA policies and simulated robot environments",
		Long:         "maple runs vision-language-action policies against containerized robot simulators and evaluates them across task suites.",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if flags.verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}

	cmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Enable debug logging")
	cmd.PersistentFlags().StringVarP(&flags.configFile, "config", "c", "", "Config file path")

	cmd.AddCommand(
		newServeCmd(&flags),
		newRunCmd(&flags),
		newEvalCmd(&flags),
		newPullCmd(&flags),
		newListCmd(&flags),
		newPsCmd(&flags),
		newStatusCmd(&flags),
		newStopCmd(&flags),
		newRmCmd(&flags),
		newTasksCmd(&flags),
		newLogsCmd(&flags),
		newDoctorCmd(&flags),
		newConfigCmd(&flags),
		newVersionCmd(),
	)

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the maple version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
}

// loadConfig resolves the effective configuration for a command.
func loadConfig(flags *rootFlags) (*config.Config, error) {
	if flags.configFile != "" {
		return config.LoadFile(flags.configFile)
	}
	return config.Load()
}
