package root

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/maplerobotics/maple/pkg/docker"
	"github.com/maplerobotics/maple/pkg/lock"
	"github.com/maplerobotics/maple/pkg/paths"
	"github.com/maplerobotics/maple/pkg/state"
)

type checkResult struct {
	name    string
	ok      bool
	message string
}

func newDoctorCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose the local setup",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var results []checkResult

			dc := docker.NewClient()
			if dc.Available(ctx) {
				ver, err := dc.Version(ctx)
				if err != nil {
					ver = "unknown version"
				}
				results = append(results, checkResult{"docker", true, ver})
			} else {
				results = append(results, checkResult{"docker", false, "docker daemon not reachable. Is it running?"})
			}

			if lock.IsDaemonRunning("") {
				results = append(results, checkResult{"daemon", true, "running"})
			} else {
				results = append(results, checkResult{"daemon", false, "not running. Start it with 'maple serve'"})
			}

			if err := paths.EnsureDir(paths.Home()); err != nil {
				results = append(results, checkResult{"home", false, err.Error()})
			} else {
				results = append(results, checkResult{"home", true, paths.Home()})
			}

			if store, err := state.Open(paths.StateDBFile()); err != nil {
				results = append(results, checkResult{"state db", false, err.Error()})
			} else {
				store.Close()
				results = append(results, checkResult{"state db", true, paths.StateDBFile()})
			}

			if cfg, err := loadConfig(flags); err != nil {
				results = append(results, checkResult{"config", false, err.Error()})
			} else {
				results = append(results, checkResult{"config", true, fmt.Sprintf("daemon port %d", cfg.Daemon.Port)})
			}

			out := cmd.OutOrStdout()
			failed := 0
			for _, r := range results {
				mark := "ok"
				if !r.ok {
					mark = "FAIL"
					failed++
				}
				fmt.Fprintf(out, "[%s] %-10s %s\n", mark, r.name, r.message)
			}
			if failed > 0 {
				return fmt.Errorf("%d check(s) failed", failed)
			}
			fmt.Fprintln(out, "\nAll checks passed")
			return nil
		},
	}
}
