// Package eval runs batch evaluations against the daemon and aggregates
// the results.
package eval

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Result captures one evaluation episode. Error is set instead of
// propagating so one failed episode never aborts its siblings.
type Result struct {
	RunID       string  `json:"run_id"`
	PolicyID    string  `json:"policy_id"`
	EnvID       string  `json:"env_id"`
	Task        string  `json:"task"`
	Instruction string  `json:"instruction"`
	Seed        int     `json:"seed"`
	Steps       int     `json:"steps"`
	TotalReward float64 `json:"total_reward"`
	Success     bool    `json:"success"`
	Terminated  bool    `json:"terminated"`
	Truncated   bool    `json:"truncated"`
	StartedAt   float64 `json:"started_at"`
	FinishedAt  float64 `json:"finished_at"`
	Duration    float64 `json:"duration_seconds"`
	VideoPath   string  `json:"video_path,omitempty"`
	Error       string  `json:"error,omitempty"`
}

// TaskStats is the per-task breakdown of a batch.
type TaskStats struct {
	Total       int     `json:"total"`
	Successful  int     `json:"successful"`
	SuccessRate float64 `json:"success_rate"`
	AvgReward   float64 `json:"avg_reward"`
	AvgSteps    float64 `json:"avg_steps"`
}

// BatchResults aggregates a full batch evaluation.
type BatchResults struct {
	BatchID  string `json:"batch_id"`
	PolicyID string `json:"policy_id"`
	EnvID    string `json:"env_id"`

	Tasks    []string `json:"tasks"`
	Seeds    []int    `json:"seeds"`
	MaxSteps int      `json:"max_steps"`

	Results []Result `json:"results"`

	StartedAt  float64 `json:"started_at"`
	FinishedAt float64 `json:"finished_at"`

	TotalEpisodes      int     `json:"total_episodes"`
	SuccessfulEpisodes int     `json:"successful_episodes"`
	FailedEpisodes     int     `json:"failed_episodes"`
	ErrorEpisodes      int     `json:"error_episodes"`
	SuccessRate        float64 `json:"success_rate"`
	AvgReward          float64 `json:"avg_reward"`
	AvgSteps           float64 `json:"avg_steps"`
	AvgDuration        float64 `json:"avg_duration"`

	TaskStats map[string]TaskStats `json:"task_stats"`
}

// ComputeStats fills the aggregate fields in one pass over the results.
// Episodes with an error are excluded from rates and averages. Safe to
// call repeatedly; every derived field is recomputed from scratch.
func (b *BatchResults) ComputeStats() {
	b.TotalEpisodes = len(b.Results)
	b.SuccessfulEpisodes = 0
	b.ErrorEpisodes = 0
	b.SuccessRate = 0
	b.AvgReward = 0
	b.AvgSteps = 0
	b.AvgDuration = 0
	b.TaskStats = make(map[string]TaskStats)

	if len(b.Results) == 0 {
		b.FailedEpisodes = 0
		return
	}

	var valid int
	var sumReward, sumSteps, sumDuration float64
	for _, r := range b.Results {
		if r.Success {
			b.SuccessfulEpisodes++
		}
		if r.Error != "" {
			b.ErrorEpisodes++
			continue
		}
		valid++
		sumReward += r.TotalReward
		sumSteps += float64(r.Steps)
		sumDuration += r.Duration
	}
	b.FailedEpisodes = b.TotalEpisodes - b.SuccessfulEpisodes - b.ErrorEpisodes

	if valid > 0 {
		b.SuccessRate = float64(b.SuccessfulEpisodes) / float64(valid)
		b.AvgReward = sumReward / float64(valid)
		b.AvgSteps = sumSteps / float64(valid)
		b.AvgDuration = sumDuration / float64(valid)
	}

	byTask := make(map[string][]Result)
	for _, r := range b.Results {
		byTask[r.Task] = append(byTask[r.Task], r)
	}
	for task, results := range byTask {
		stats := TaskStats{Total: len(results)}
		var taskValid int
		var taskSuccess int
		var taskReward, taskSteps float64
		for _, r := range results {
			if r.Success {
				stats.Successful++
			}
			if r.Error != "" {
				continue
			}
			taskValid++
			if r.Success {
				taskSuccess++
			}
			taskReward += r.TotalReward
			taskSteps += float64(r.Steps)
		}
		if taskValid == 0 {
			continue
		}
		stats.SuccessRate = float64(taskSuccess) / float64(taskValid)
		stats.AvgReward = taskReward / float64(taskValid)
		stats.AvgSteps = taskSteps / float64(taskValid)
		b.TaskStats[task] = stats
	}
}

// Save writes the batch as indented JSON, creating parent directories.
func (b *BatchResults) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Load reads a batch previously written by Save.
func Load(path string) (*BatchResults, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var b BatchResults
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &b, nil
}

// Summary renders a human-readable overview for console output.
func (b *BatchResults) Summary() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Batch Evaluation Results: %s\n", b.BatchID)
	sb.WriteString(strings.Repeat("=", 50) + "\n")
	fmt.Fprintf(&sb, "Policy: %s\n", b.PolicyID)
	fmt.Fprintf(&sb, "Environment: %s\n", b.EnvID)
	fmt.Fprintf(&sb, "Tasks: %d | Seeds: %d\n\n", len(b.Tasks), len(b.Seeds))
	sb.WriteString("Overall Results:\n")
	fmt.Fprintf(&sb, "  Episodes: %d\n", b.TotalEpisodes)
	fmt.Fprintf(&sb, "  Success Rate: %.1f%%\n", b.SuccessRate*100)
	fmt.Fprintf(&sb, "  Avg Reward: %.3f\n", b.AvgReward)
	fmt.Fprintf(&sb, "  Avg Steps: %.1f\n", b.AvgSteps)
	fmt.Fprintf(&sb, "  Avg Duration: %.2fs\n", b.AvgDuration)

	if len(b.TaskStats) > 0 {
		sb.WriteString("\nPer-Task Results:\n")
		for _, task := range sortedTasks(b.TaskStats) {
			stats := b.TaskStats[task]
			fmt.Fprintf(&sb, "  %s: %.1f%% (%d/%d) reward=%.3f\n",
				task, stats.SuccessRate*100, stats.Successful, stats.Total, stats.AvgReward)
		}
	}
	if b.ErrorEpisodes > 0 {
		fmt.Fprintf(&sb, "\nErrors: %d episodes failed with errors\n", b.ErrorEpisodes)
	}
	return sb.String()
}

func sortedTasks(stats map[string]TaskStats) []string {
	tasks := make([]string, 0, len(stats))
	for task := range stats {
		tasks = append(tasks, task)
	}
	sort.Strings(tasks)
	return tasks
}
