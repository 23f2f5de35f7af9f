package root

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/maplerobotics/maple/pkg/backend"
	"github.com/maplerobotics/maple/pkg/config"
	"github.com/maplerobotics/maple/pkg/eval"
	"github.com/maplerobotics/maple/pkg/paths"
	"github.com/maplerobotics/maple/pkg/state"
)

type evalCmdFlags struct {
	tasks     string
	seeds     string
	maxSteps  int
	unnormKey string
	saveVideo bool
	videoDir  string
	output    string
	format    string
	parallel  int
	port      int
}

func newEvalCmd(flags *rootFlags) *cobra.Command {
	var ef evalCmdFlags

	cmd := &cobra.Command{
		Use:   "eval POLICY_ID ENV_ID BACKEND",
		Short: "Run batch evaluation across tasks and seeds",
		Long:  "Evaluate a policy over the cartesian product of tasks and seeds. Tasks may be a comma-separated list or a suite name, which is expanded via the environment backend.",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			return runEval(cmd, cfg, args[0], args[1], args[2], ef)
		},
	}

	cmd.Flags().StringVarP(&ef.tasks, "tasks", "t", "", "Tasks (comma-separated or a suite name like libero_spatial)")
	cmd.Flags().StringVarP(&ef.seeds, "seeds", "s", "0", "Seeds (comma-separated)")
	cmd.Flags().IntVarP(&ef.maxSteps, "max-steps", "m", 0, "Maximum steps per episode")
	cmd.Flags().StringVarP(&ef.unnormKey, "unnorm-key", "u", "", "Dataset key for action unnormalization")
	cmd.Flags().BoolVar(&ef.saveVideo, "save-video", false, "Save rollout videos")
	cmd.Flags().StringVar(&ef.videoDir, "video-dir", "", "Directory for videos")
	cmd.Flags().StringVarP(&ef.output, "output", "o", "", "Output directory for results")
	cmd.Flags().StringVarP(&ef.format, "format", "f", "json", "Output format: json, markdown, csv, all")
	cmd.Flags().IntVarP(&ef.parallel, "parallel", "p", 1, "Parallel episodes")
	cmd.Flags().IntVar(&ef.port, "port", 0, "Daemon port")
	_ = cmd.MarkFlagRequired("tasks")

	return cmd
}

func runEval(cmd *cobra.Command, cfg *config.Config, policyID, envID, backendName string, ef evalCmdFlags) error {
	out := cmd.OutOrStdout()
	url := daemonURL(cfg, ef.port)

	seeds, err := parseSeeds(ef.seeds)
	if err != nil {
		return err
	}

	tasks, err := expandTasks(url, backendName, ef.tasks)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return fmt.Errorf("no tasks specified")
	}

	maxSteps := ef.maxSteps
	if maxSteps <= 0 {
		maxSteps = cfg.Eval.MaxSteps
	}
	videoDir := ef.videoDir
	if videoDir == "" {
		videoDir = cfg.Eval.VideoDir
	}
	outputDir := ef.output
	if outputDir == "" {
		outputDir = cfg.Eval.ResultsDir
	}

	total := len(tasks) * len(seeds)
	fmt.Fprintf(out, "Batch evaluation\n")
	fmt.Fprintf(out, "  Policy: %s\n  Environment: %s\n", policyID, envID)
	fmt.Fprintf(out, "  Tasks: %d\n  Seeds: %v\n  Total episodes: %d\n\n", len(tasks), seeds, total)

	store, err := state.Open(paths.StateDBFile())
	if err != nil {
		return fmt.Errorf("open state database: %w", err)
	}
	defer store.Close()

	opts := eval.Options{
		PolicyID:  policyID,
		EnvID:     envID,
		Tasks:     tasks,
		Seeds:     seeds,
		MaxSteps:  maxSteps,
		SaveVideo: ef.saveVideo || cfg.Eval.SaveVideo,
		VideoDir:  videoDir,
		Parallel:  ef.parallel,
		Progress: func(completed, total int, result *eval.Result) {
			marker := "ok"
			switch {
			case result.Error != "":
				marker = "err"
			case !result.Success:
				marker = "fail"
			}
			fmt.Fprintf(out, "[%d/%d] %-4s %s seed=%d reward=%.3f\n",
				completed, total, marker, result.Task, result.Seed, result.TotalReward)
		},
	}
	if ef.unnormKey != "" {
		opts.ModelKwargs = map[string]any{"unnorm_key": ef.unnormKey}
	}

	batch, err := eval.New(url, store).Run(cmd.Context(), opts)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "\n%s\n", batch.Summary())

	if err := paths.EnsureDir(outputDir); err != nil {
		return err
	}

	jsonPath := filepath.Join(outputDir, batch.BatchID+".json")
	if err := batch.Save(jsonPath); err != nil {
		return err
	}
	fmt.Fprintf(out, "Results saved: %s\n", jsonPath)

	if ef.format == "markdown" || ef.format == "all" {
		mdPath := filepath.Join(outputDir, batch.BatchID+".md")
		if err := os.WriteFile(mdPath, []byte(eval.FormatMarkdown(batch)), 0o644); err != nil {
			return err
		}
		fmt.Fprintf(out, "Markdown saved: %s\n", mdPath)
	}
	if ef.format == "csv" || ef.format == "all" {
		csvPath := filepath.Join(outputDir, batch.BatchID+".csv")
		if err := os.WriteFile(csvPath, []byte(eval.FormatCSV(batch)), 0o644); err != nil {
			return err
		}
		fmt.Fprintf(out, "CSV saved: %s\n", csvPath)
	}

	// Exit non-zero only when nothing succeeded at all.
	if batch.TotalEpisodes > 0 && batch.SuccessfulEpisodes == 0 && batch.ErrorEpisodes == batch.TotalEpisodes {
		return fmt.Errorf("all %d episodes failed", batch.TotalEpisodes)
	}
	return nil
}

func parseSeeds(s string) ([]int, error) {
	var seeds []int
	for _, part := range strings.Split(s, ",") {
		seed, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("invalid seed %q", part)
		}
		seeds = append(seeds, seed)
	}
	return seeds, nil
}

// expandTasks resolves the --tasks value: an explicit list passes
// through, a bare suite name is expanded via the daemon task catalog.
func expandTasks(url, backendName, tasks string) ([]string, error) {
	if strings.ContainsAny(tasks, "/,") {
		var list []string
		for _, t := range strings.Split(tasks, ",") {
			if t = strings.TrimSpace(t); t != "" {
				list = append(list, t)
			}
		}
		return list, nil
	}

	var suites map[string]backend.TaskSuite
	err := daemonRequest("GET", fmt.Sprintf("%s/env/tasks/%s?suite=%s", url, backendName, tasks), nil, &suites, defaultTimeout)
	if err != nil {
		return nil, fmt.Errorf("expand suite %q: %w", tasks, err)
	}
	suite, ok := suites[tasks]
	if !ok {
		// Not a known suite; treat it as a single task spec.
		return []string{tasks}, nil
	}

	list := make([]string, 0, len(suite.Tasks))
	for _, task := range suite.Tasks {
		list = append(list, fmt.Sprintf("%s/%d", tasks, task.Index))
	}
	return list, nil
}
