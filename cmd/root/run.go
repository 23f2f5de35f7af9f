package root

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/maplerobotics/maple/pkg/backend"
	"github.com/maplerobotics/maple/pkg/daemon"
)

type runCmdFlags struct {
	task        string
	instruction string
	maxSteps    int
	seed        int
	seedSet     bool
	unnormKey   string
	saveVideo   bool
	videoDir    string
	port        int
}

func newRunCmd(flags *rootFlags) *cobra.Command {
	var rf runCmdFlags

	cmd := &cobra.Command{
		Use:   "run POLICY_ID ENV_ID",
		Short: "Run a policy on an environment task",
		Long:  "Run a policy on an environment task. Accepts either two IDs or the POLICY_ID@ENV_ID shorthand.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}

			if len(args) == 1 {
				policyID, envID, err := backend.ParsePair(args[0])
				if err != nil {
					return err
				}
				args = []string{policyID, envID}
			}

			maxSteps := rf.maxSteps
			if maxSteps <= 0 {
				maxSteps = cfg.Run.MaxSteps
			}

			req := daemon.RunRequest{
				PolicyID:    args[0],
				EnvID:       args[1],
				Task:        rf.task,
				Instruction: rf.instruction,
				MaxSteps:    maxSteps,
				SaveVideo:   rf.saveVideo || cfg.Run.SaveVideo,
				VideoDir:    rf.videoDir,
			}
			if cmd.Flags().Changed("seed") {
				req.Seed = &rf.seed
			}
			if rf.unnormKey != "" {
				req.ModelKwargs = map[string]any{"unnorm_key": rf.unnormKey}
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Policy: %s\nEnv: %s\nTask: %s\nMax steps: %d\n", args[0], args[1], rf.task, maxSteps)

			// An episode can run for minutes per policy call.
			timeout := time.Duration(maxSteps) * actCallBudget
			var result daemon.RunResult
			if err := daemonRequest("POST", daemonURL(cfg, rf.port)+"/run", req, &result, timeout); err != nil {
				return err
			}

			if result.Success {
				fmt.Fprintln(out, "\nTask completed successfully")
			} else {
				fmt.Fprintln(out, "\nTask finished (not successful)")
			}
			fmt.Fprintf(out, "\nRun ID: %s\n", result.RunID)
			fmt.Fprintf(out, "Steps: %d\n", result.Steps)
			fmt.Fprintf(out, "Total reward: %.4f\n", result.TotalReward)
			fmt.Fprintf(out, "Terminated: %t\nTruncated: %t\n", result.Terminated, result.Truncated)
			if result.VideoPath != "" {
				fmt.Fprintf(out, "Video saved: %s\n", result.VideoPath)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&rf.task, "task", "t", "", "Task spec (e.g. libero_spatial/0)")
	cmd.Flags().StringVarP(&rf.instruction, "instruction", "i", "", "Override the task instruction")
	cmd.Flags().IntVarP(&rf.maxSteps, "max-steps", "m", 0, "Maximum steps per episode")
	cmd.Flags().IntVarP(&rf.seed, "seed", "s", 0, "Random seed")
	cmd.Flags().StringVarP(&rf.unnormKey, "unnorm-key", "u", "", "Dataset key for action unnormalization")
	cmd.Flags().BoolVar(&rf.saveVideo, "save-video", false, "Save the rollout video")
	cmd.Flags().StringVar(&rf.videoDir, "video-dir", "", "Custom video output directory")
	cmd.Flags().IntVar(&rf.port, "port", 0, "Daemon port")
	_ = cmd.MarkFlagRequired("task")

	return cmd
}

// actCallBudget is the per-step slice of the episode HTTP timeout.
// Policy inference dominates and can take well over a second per step.
const actCallBudget = 60 * time.Second
