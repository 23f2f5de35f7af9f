package eval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/maplerobotics/maple/pkg/daemon"
	"github.com/maplerobotics/maple/pkg/state"
)

// ProgressFunc is invoked after every completed episode with the number
// of finished episodes, the total, and that episode's result. Under
// parallel execution it fires from worker goroutines.
type ProgressFunc func(completed, total int, result *Result)

// Options configures a batch run.
type Options struct {
	PolicyID    string
	EnvID       string
	Tasks       []string
	Seeds       []int
	MaxSteps    int
	EnvKwargs   map[string]any
	ModelKwargs map[string]any
	SaveVideo   bool
	VideoDir    string
	Parallel    int
	Progress    ProgressFunc
}

// Evaluator executes evaluation episodes through the daemon HTTP API.
// An optional store records every episode in the run history.
type Evaluator struct {
	daemonURL string
	client    *http.Client
	store     *state.Store
}

// New builds an evaluator against the given daemon URL. store may be
// nil to skip run-history persistence.
func New(daemonURL string, store *state.Store) *Evaluator {
	return &Evaluator{
		daemonURL: strings.TrimRight(daemonURL, "/"),
		client:    &http.Client{},
		store:     store,
	}
}

// RunSingle executes one episode via the daemon /run endpoint. Errors
// are captured in the result instead of returned so batches continue.
func (e *Evaluator) RunSingle(ctx context.Context, req daemon.RunRequest, seed int) *Result {
	runID := "eval-" + uuid.NewString()[:8]
	started := time.Now()

	result := &Result{
		RunID:       runID,
		PolicyID:    req.PolicyID,
		EnvID:       req.EnvID,
		Task:        req.Task,
		Instruction: req.Instruction,
		Seed:        seed,
		StartedAt:   float64(started.UnixNano()) / 1e9,
	}
	req.Seed = &seed

	resp, err := e.postRun(ctx, req)
	if err != nil {
		slog.Error("episode failed", "task", req.Task, "seed", seed, "error", err)
		result.Error = err.Error()
	} else {
		result.Steps = resp.Steps
		result.TotalReward = resp.TotalReward
		result.Success = resp.Success
		result.Terminated = resp.Terminated
		result.Truncated = resp.Truncated
		result.VideoPath = resp.VideoPath
		if resp.Instruction != "" {
			result.Instruction = resp.Instruction
		}
	}

	finished := time.Now()
	result.FinishedAt = float64(finished.UnixNano()) / 1e9
	result.Duration = finished.Sub(started).Seconds()

	e.persist(ctx, result)
	return result
}

func (e *Evaluator) persist(ctx context.Context, r *Result) {
	if e.store == nil {
		return
	}
	run := &state.Run{
		ID:          r.RunID,
		PolicyID:    r.PolicyID,
		EnvID:       r.EnvID,
		Task:        r.Task,
		Instruction: r.Instruction,
		Metadata:    map[string]any{"seed": r.Seed},
	}
	if err := e.store.AddRun(ctx, run); err != nil {
		slog.Warn("failed to record run", "run_id", r.RunID, "error", err)
		return
	}
	if r.Error != "" {
		return
	}
	run.Steps = r.Steps
	run.TotalReward = r.TotalReward
	run.Success = r.Success
	run.Terminated = r.Terminated
	run.Truncated = r.Truncated
	run.VideoPath = r.VideoPath
	if err := e.store.FinishRun(ctx, run); err != nil {
		slog.Warn("failed to finish run record", "run_id", r.RunID, "error", err)
	}
}

func (e *Evaluator) postRun(ctx context.Context, req daemon.RunRequest) (*daemon.RunResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.daemonURL+"/run", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var detail struct {
			Message string `json:"message"`
			Detail  string `json:"detail"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &detail) == nil {
			if detail.Message != "" {
				msg = detail.Message
			} else if detail.Detail != "" {
				msg = detail.Detail
			}
		}
		return nil, fmt.Errorf("daemon error (%d): %s", resp.StatusCode, msg)
	}

	var result daemon.RunResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

type episode struct {
	req  daemon.RunRequest
	seed int
}

// Run executes the full tasks x seeds cartesian product and aggregates
// the results. With Parallel > 1 episodes are dispatched to a bounded
// worker pool and collected in completion order, so the result list
// order is not deterministic.
func (e *Evaluator) Run(ctx context.Context, opts Options) (*BatchResults, error) {
	if len(opts.Tasks) == 0 {
		return nil, fmt.Errorf("no tasks specified")
	}
	seeds := opts.Seeds
	if len(seeds) == 0 {
		seeds = []int{0}
	}

	batchID := "batch-" + time.Now().Format("20060102-150405")
	batch := &BatchResults{
		BatchID:   batchID,
		PolicyID:  opts.PolicyID,
		EnvID:     opts.EnvID,
		Tasks:     opts.Tasks,
		Seeds:     seeds,
		MaxSteps:  opts.MaxSteps,
		StartedAt: float64(time.Now().UnixNano()) / 1e9,
	}

	var episodes []episode
	for _, task := range opts.Tasks {
		for _, seed := range seeds {
			req := daemon.RunRequest{
				PolicyID:    opts.PolicyID,
				EnvID:       opts.EnvID,
				Task:        task,
				MaxSteps:    opts.MaxSteps,
				EnvKwargs:   opts.EnvKwargs,
				ModelKwargs: opts.ModelKwargs,
				SaveVideo:   opts.SaveVideo,
			}
			if opts.SaveVideo {
				// Deterministic per-episode path so parallel episodes
				// never collide.
				name := fmt.Sprintf("%s_%s_s%d.avi", batchID, strings.ReplaceAll(task, "/", "_"), seed)
				req.VideoPath = filepath.Join(opts.VideoDir, name)
			}
			episodes = append(episodes, episode{req: req, seed: seed})
		}
	}

	total := len(episodes)
	slog.Info("starting batch evaluation",
		"batch_id", batchID, "episodes", total,
		"tasks", len(opts.Tasks), "seeds", len(seeds))

	if opts.Parallel <= 1 {
		for i, ep := range episodes {
			result := e.RunSingle(ctx, ep.req, ep.seed)
			batch.Results = append(batch.Results, *result)
			logEpisode(i+1, total, ep, result)
			if opts.Progress != nil {
				opts.Progress(i+1, total, result)
			}
		}
	} else {
		var mu sync.Mutex
		completed := 0

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(opts.Parallel)
		for _, ep := range episodes {
			ep := ep
			g.Go(func() error {
				result := e.RunSingle(gctx, ep.req, ep.seed)

				mu.Lock()
				batch.Results = append(batch.Results, *result)
				completed++
				done := completed
				mu.Unlock()

				logEpisode(done, total, ep, result)
				if opts.Progress != nil {
					opts.Progress(done, total, result)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	batch.FinishedAt = float64(time.Now().UnixNano()) / 1e9
	batch.ComputeStats()

	slog.Info("batch complete", "batch_id", batchID, "success_rate", batch.SuccessRate)
	return batch, nil
}

func logEpisode(done, total int, ep episode, result *Result) {
	status := "failure"
	switch {
	case result.Error != "":
		status = "error"
	case result.Success:
		status = "success"
	}
	slog.Info("episode finished",
		"progress", fmt.Sprintf("%d/%d", done, total),
		"task", ep.req.Task, "seed", ep.seed,
		"status", status, "reward", result.TotalReward)
}
