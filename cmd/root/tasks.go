package root

import (
	"fmt"
	"net/url"
	"sort"

	"github.com/spf13/cobra"

	"github.com/maplerobotics/maple/pkg/backend"
)

func newTasksCmd(flags *rootFlags) *cobra.Command {
	var (
		suite string
		port  int
	)

	cmd := &cobra.Command{
		Use:   "tasks BACKEND",
		Short: "List task suites for an environment backend (e.g. libero)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}

			u := daemonURL(cfg, port) + "/env/tasks/" + args[0]
			if suite != "" {
				u += "?suite=" + url.QueryEscape(suite)
			}
			var suites map[string]backend.TaskSuite
			if err := daemonRequest("GET", u, nil, &suites, defaultTimeout); err != nil {
				return err
			}
			if len(suites) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No task suites found.")
				return nil
			}

			names := make([]string, 0, len(suites))
			for name := range suites {
				names = append(names, name)
			}
			sort.Strings(names)

			out := cmd.OutOrStdout()
			for _, name := range names {
				s := suites[name]
				count := s.Count
				if count == 0 {
					count = len(s.Tasks)
				}
				fmt.Fprintf(out, "%s (%d tasks)", name, count)
				if s.Description != "" {
					fmt.Fprintf(out, "  %s", s.Description)
				}
				fmt.Fprintln(out)
				for _, t := range s.Tasks {
					fmt.Fprintf(out, "  %s/%d  %s\n", name, t.Index, t.Name)
					if t.Instruction != "" {
						fmt.Fprintf(out, "      %s\n", t.Instruction)
					}
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&suite, "suite", "s", "", "Show only one suite")
	cmd.Flags().IntVar(&port, "port", 0, "Daemon port")
	return cmd
}
