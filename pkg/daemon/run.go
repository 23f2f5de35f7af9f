package daemon

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/maplerobotics/maple/pkg/adapter"
	"github.com/maplerobotics/maple/pkg/paths"
)

// RunRequest configures one evaluation episode.
type RunRequest struct {
	PolicyID    string         `json:"policy_id"`
	EnvID       string         `json:"env_id"`
	Task        string         `json:"task"`
	Instruction string         `json:"instruction,omitempty"`
	MaxSteps    int            `json:"max_steps,omitempty"`
	Seed        *int           `json:"seed,omitempty"`
	ModelKwargs map[string]any `json:"model_kwargs,omitempty"`
	EnvKwargs   map[string]any `json:"env_kwargs,omitempty"`
	SaveVideo   bool           `json:"save_video,omitempty"`
	VideoDir    string         `json:"video_dir,omitempty"`
	VideoPath   string         `json:"video_path,omitempty"`
}

// RunResult is the outcome of one episode. Success means the episode
// terminated; truncation without termination is not success.
type RunResult struct {
	RunID       string       `json:"run_id"`
	Success     bool         `json:"success"`
	PolicyID    string       `json:"policy_id"`
	EnvID       string       `json:"env_id"`
	Task        string       `json:"task"`
	Instruction string       `json:"instruction"`
	Steps       int          `json:"steps"`
	TotalReward float64      `json:"total_reward"`
	Terminated  bool         `json:"terminated"`
	Truncated   bool         `json:"truncated"`
	VideoPath   string       `json:"video_path,omitempty"`
	Adapter     adapter.Info `json:"adapter"`
}

// runError carries an HTTP status for the API layer. Handle lookups and
// missing instructions are caller errors (400); everything else is 500.
type runError struct {
	status int
	err    error
}

func (e *runError) Error() string { return e.err.Error() }
func (e *runError) Unwrap() error { return e.err }

func badRequest(format string, args ...any) *runError {
	return &runError{status: 400, err: fmt.Errorf(format, args...)}
}

func internal(format string, args ...any) *runError {
	return &runError{status: 500, err: fmt.Errorf(format, args...)}
}

// Run executes one episode: setup, reset, then the observe/adapt/infer/
// adapt/step loop until termination, truncation, or the step budget.
func (d *Daemon) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	d.mu.RLock()
	policy, okPolicy := d.policyHandles[req.PolicyID]
	env, okEnv := d.envHandles[req.EnvID]
	d.mu.RUnlock()

	if !okPolicy {
		return nil, badRequest("policy %q not found. Available: %v", req.PolicyID, d.policyIDs())
	}
	if !okEnv {
		return nil, badRequest("env %q not found. Available: %v", req.EnvID, d.envIDs())
	}

	// Fresh adapter per run: sticky state must not leak across episodes.
	ad, err := d.adapters.Get(policy.backend.Name(), env.backend.Name())
	if err != nil {
		return nil, internal("failed to load adapter: %w", err)
	}

	maxSteps := req.MaxSteps
	if maxSteps <= 0 {
		maxSteps = d.cfg.Run.MaxSteps
	}

	runID := "run-" + uuid.NewString()[:8]
	log := slog.With("run_id", runID, "policy_id", req.PolicyID, "env_id", req.EnvID, "task", req.Task)

	setup, err := env.backend.Setup(ctx, env.handle, req.Task, req.Seed, req.EnvKwargs)
	if err != nil {
		return nil, internal("setup failed: %w", err)
	}

	instruction := req.Instruction
	if instruction == "" {
		instruction = setup.Instruction
	}
	if instruction == "" {
		return nil, badRequest("no instruction provided and task has no default instruction")
	}

	observation, err := env.backend.Reset(ctx, env.handle, req.Seed)
	if err != nil {
		return nil, internal("reset failed: %w", err)
	}

	log.Info("episode started", "instruction", instruction, "max_steps", maxSteps)

	var (
		totalReward float64
		terminated  bool
		truncated   bool
		frames      []image.Image
		steps       int
	)

	for i := 0; i < maxSteps; i++ {
		steps = i

		payload, err := ad.TransformObs(observation)
		if err != nil {
			return nil, internal("failed to transform observation: %w. Keys: %v", err, observation.Keys())
		}

		if req.SaveVideo {
			if frame := concatImages(payload); frame != nil {
				frames = append(frames, frame)
			}
		}

		rawAction, err := policy.backend.Act(ctx, policy.handle, payload, instruction, req.ModelKwargs)
		if err != nil {
			return nil, internal("policy act failed at step %d: %w", i, err)
		}

		envAction, err := ad.TransformAction(rawAction)
		if err != nil {
			return nil, internal("failed to transform action at step %d: %w", i, err)
		}

		stepResult, err := env.backend.Step(ctx, env.handle, envAction)
		if err != nil {
			return nil, internal("env step failed at step %d: %w", i, err)
		}

		observation = stepResult.Observation
		totalReward += stepResult.Reward
		terminated = stepResult.Terminated
		truncated = stepResult.Truncated

		if terminated || truncated {
			break
		}
	}

	videoPath := ""
	if req.SaveVideo && len(frames) > 0 {
		path, err := d.resolveVideoPath(req, runID)
		if err == nil {
			err = writeVideo(path, frames)
		}
		if err != nil {
			// Video is a diagnostic aid, not a correctness requirement.
			log.Warn("failed to save video", "error", err)
		} else {
			videoPath = path
		}
	}

	log.Info("episode finished",
		"success", terminated, "steps", steps, "total_reward", totalReward,
		"terminated", terminated, "truncated", truncated)

	return &RunResult{
		RunID:       runID,
		Success:     terminated,
		PolicyID:    req.PolicyID,
		EnvID:       req.EnvID,
		Task:        req.Task,
		Instruction: instruction,
		Steps:       steps,
		TotalReward: totalReward,
		Terminated:  terminated,
		Truncated:   truncated,
		VideoPath:   videoPath,
		Adapter:     ad.Info(),
	}, nil
}

func (d *Daemon) resolveVideoPath(req RunRequest, runID string) (string, error) {
	path := req.VideoPath
	if path == "" {
		dir := req.VideoDir
		if dir == "" {
			dir = paths.VideosDir()
		}
		path = filepath.Join(dir, runID+".avi")
	}
	if !strings.HasSuffix(path, ".avi") {
		path = strings.TrimSuffix(path, filepath.Ext(path)) + ".avi"
	}
	if err := paths.EnsureDir(filepath.Dir(path)); err != nil {
		return "", err
	}
	return path, nil
}
