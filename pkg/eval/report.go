package eval

import (
	"fmt"
	"strings"
)

// FormatMarkdown renders the batch as a Markdown report with summary
// and per-task tables.
func FormatMarkdown(b *BatchResults) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Evaluation Results: %s\n\n", b.BatchID)
	sb.WriteString("## Summary\n\n")
	sb.WriteString("| Metric | Value |\n")
	sb.WriteString("|--------|-------|\n")
	fmt.Fprintf(&sb, "| Policy | `%s` |\n", b.PolicyID)
	fmt.Fprintf(&sb, "| Environment | `%s` |\n", b.EnvID)
	fmt.Fprintf(&sb, "| Total Episodes | %d |\n", b.TotalEpisodes)
	fmt.Fprintf(&sb, "| Success Rate | %.1f%% |\n", b.SuccessRate*100)
	fmt.Fprintf(&sb, "| Avg Reward | %.3f |\n", b.AvgReward)
	fmt.Fprintf(&sb, "| Avg Steps | %.1f |\n", b.AvgSteps)
	fmt.Fprintf(&sb, "| Duration | %.1fs |\n\n", b.FinishedAt-b.StartedAt)

	if len(b.TaskStats) > 0 {
		sb.WriteString("## Per-Task Results\n\n")
		sb.WriteString("| Task | Success Rate | Avg Reward | Avg Steps |\n")
		sb.WriteString("|------|--------------|------------|-----------|\n")
		for _, task := range sortedTasks(b.TaskStats) {
			stats := b.TaskStats[task]
			fmt.Fprintf(&sb, "| %s | %.1f%% | %.3f | %.1f |\n",
				task, stats.SuccessRate*100, stats.AvgReward, stats.AvgSteps)
		}
		sb.WriteString("\n")
	}

	if b.ErrorEpisodes > 0 {
		sb.WriteString("## Errors\n\n")
		fmt.Fprintf(&sb, "%d episodes failed with errors:\n\n", b.ErrorEpisodes)
		for _, r := range b.Results {
			if r.Error != "" {
				fmt.Fprintf(&sb, "- `%s` seed=%d: %s\n", r.Task, r.Seed, r.Error)
			}
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// FormatCSV renders one row per episode with a header line.
func FormatCSV(b *BatchResults) string {
	var sb strings.Builder
	sb.WriteString("run_id,task,seed,success,reward,steps,duration,error\n")
	for _, r := range b.Results {
		fmt.Fprintf(&sb, "%s,%s,%d,%t,%.4f,%d,%.2f,%s\n",
			r.RunID, r.Task, r.Seed, r.Success, r.TotalReward, r.Steps, r.Duration,
			strings.ReplaceAll(r.Error, ",", ";"))
	}
	return sb.String()
}
