package root

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/maplerobotics/maple/pkg/state"
)

func newStatusCmd(flags *rootFlags) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status and serving containers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}

			var resp struct {
				Running bool `json:"running"`
				Port    int  `json:"port"`
				Pulled  struct {
					Policies []state.Policy `json:"policies"`
					Envs     []state.Env    `json:"envs"`
				} `json:"pulled"`
				Serving struct {
					Policies []string `json:"policies"`
					Envs     []string `json:"envs"`
				} `json:"serving"`
			}
			err = daemonRequest("GET", daemonURL(cfg, port)+"/status", nil, &resp, 2*time.Second)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Daemon running on port %d\n", resp.Port)
			fmt.Fprintf(out, "Pulled: %d policies, %d envs\n", len(resp.Pulled.Policies), len(resp.Pulled.Envs))
			fmt.Fprintf(out, "Serving policies: %v\n", resp.Serving.Policies)
			fmt.Fprintf(out, "Serving envs: %v\n", resp.Serving.Envs)
			return nil
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "Daemon port")
	return cmd
}
