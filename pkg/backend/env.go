package backend

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/maplerobotics/maple/pkg/config"
	"github.com/maplerobotics/maple/pkg/docker"
	"github.com/maplerobotics/maple/pkg/obs"
)

// ServeEnvOptions configures environment container launches.
type ServeEnvOptions struct {
	NumEnvs  int
	Device   string
	HostPort int // only valid with NumEnvs == 1
}

// SetupResult is the answer to configuring a task in an environment.
type SetupResult struct {
	Task        string         `json:"task"`
	Instruction string         `json:"instruction"`
	EnvKwargs   map[string]any `json:"env_kwargs,omitempty"`
}

// StepResult is one simulator transition.
type StepResult struct {
	Observation obs.Raw `json:"observation"`
	Reward      float64 `json:"reward"`
	Terminated  bool    `json:"terminated"`
	Truncated   bool    `json:"truncated"`
}

// TaskSuite describes one group of tasks, either fully enumerated (from a
// running container) or summarized (static fallback).
type TaskSuite struct {
	Description string     `json:"description,omitempty"`
	Count       int        `json:"count,omitempty"`
	Tasks       []TaskInfo `json:"tasks,omitempty"`
}

// TaskInfo is one task inside a suite.
type TaskInfo struct {
	Index       int    `json:"index"`
	Name        string `json:"name"`
	Instruction string `json:"instruction,omitempty"`
}

// EnvBackend manages the lifecycle of one simulator family.
type EnvBackend interface {
	Name() string
	Info() Info
	Pull(ctx context.Context) (*PullResult, error)
	Serve(ctx context.Context, opts ServeEnvOptions) ([]*EnvHandle, error)
	Setup(ctx context.Context, h *EnvHandle, task string, seed *int, envKwargs map[string]any) (*SetupResult, error)
	Reset(ctx context.Context, h *EnvHandle, seed *int) (obs.Raw, error)
	Step(ctx context.Context, h *EnvHandle, action []float64) (*StepResult, error)
	GetInfo(ctx context.Context, h *EnvHandle) (map[string]any, error)
	ListTasks(ctx context.Context, h *EnvHandle, suite string) (map[string]TaskSuite, error)
	Health(ctx context.Context, h *EnvHandle) error
	Stop(ctx context.Context, h *EnvHandle) error
}

const (
	setupTimeout = 60 * time.Second
	stepTimeout  = 30 * time.Second
	tasksTimeout = 30 * time.Second
)

// envBase carries the shared container orchestration and HTTP protocol.
// Families supply the image, suite catalog, and container tuning.
type envBase struct {
	name           string
	image          string
	containerPort  int
	startupTimeout time.Duration
	healthInterval time.Duration
	memoryLimit    string
	env            map[string]string

	docker *docker.Client
	client *Client
}

func newEnvBase(name, image string, startupTimeout, healthInterval time.Duration, cfg *config.Config) envBase {
	b := envBase{
		name:           name,
		image:          image,
		containerPort:  8000,
		startupTimeout: startupTimeout,
		healthInterval: healthInterval,
		memoryLimit:    "4g",
		docker:         docker.NewClient(),
		client:         NewHTTPClient(),
	}
	if cfg != nil && cfg.Containers.StartupTimeout > 0 {
		b.startupTimeout = time.Duration(cfg.Containers.StartupTimeout) * time.Second
	}
	return b
}

func (b *envBase) Name() string { return b.name }

func (b *envBase) Pull(ctx context.Context) (*PullResult, error) {
	source, err := b.docker.Pull(ctx, b.image)
	if err != nil {
		return nil, err
	}
	return &PullResult{Name: b.name, Source: string(source), Image: b.image}, nil
}

// Serve starts opts.NumEnvs containers for parallel episode execution.
// If any launch fails, every container started so far is stopped.
func (b *envBase) Serve(ctx context.Context, opts ServeEnvOptions) ([]*EnvHandle, error) {
	if opts.NumEnvs <= 0 {
		opts.NumEnvs = 1
	}
	if opts.HostPort != 0 && opts.NumEnvs > 1 {
		return nil, fmt.Errorf("host port can only be fixed when serving a single environment")
	}

	slog.Info("Starting environments", "env", b.name, "count", opts.NumEnvs, "device", opts.Device)

	var handles []*EnvHandle
	for i := 0; i < opts.NumEnvs; i++ {
		handle, err := b.serveOne(ctx, opts)
		if err != nil {
			for _, h := range handles {
				_ = b.Stop(context.WithoutCancel(ctx), h)
			}
			return nil, fmt.Errorf("failed to start env %d/%d: %w", i+1, opts.NumEnvs, err)
		}
		handles = append(handles, handle)
	}
	return handles, nil
}

func (b *envBase) serveOne(ctx context.Context, opts ServeEnvOptions) (*EnvHandle, error) {
	envID := fmt.Sprintf("%s-%s", b.name, uuid.NewString()[:8])

	containerID, err := b.docker.Run(ctx, docker.RunOptions{
		Image:         b.image,
		Name:          envID,
		ContainerPort: b.containerPort,
		HostPort:      opts.HostPort,
		GPU:           strings.HasPrefix(opts.Device, "cuda"),
		MemoryLimit:   b.memoryLimit,
		Env:           b.env,
		Labels: map[string]string{
			docker.LabelType: "env",
			docker.LabelName: b.name,
		},
	})
	if err != nil {
		return nil, err
	}

	fail := func(cause error) (*EnvHandle, error) {
		slog.Warn("Cleaning up failed env container", "env", envID)
		_ = b.docker.Stop(context.WithoutCancel(ctx), containerID)
		return nil, cause
	}

	port, err := b.docker.MappedPort(ctx, containerID, b.containerPort)
	if err != nil {
		return fail(err)
	}

	handle := &EnvHandle{
		EnvID:       envID,
		BackendName: b.name,
		Device:      opts.Device,
		Host:        "127.0.0.1",
		Port:        port,
		ContainerID: containerID,
		Metadata:    map[string]any{"status": "starting"},
	}

	if err := b.client.WaitForReady(ctx, handle.BaseURL(), b.startupTimeout, b.healthInterval); err != nil {
		return fail(err)
	}

	handle.Metadata["status"] = "ready"
	slog.Info("Environment ready", "env", envID, "port", port)
	return handle, nil
}

func (b *envBase) Setup(ctx context.Context, h *EnvHandle, task string, seed *int, envKwargs map[string]any) (*SetupResult, error) {
	slog.Info("Setting up environment", "env", h.EnvID, "task", task)

	req := map[string]any{"task": task, "env_kwargs": envKwargs}
	if seed != nil {
		req["seed"] = *seed
	}

	var result SetupResult
	if err := b.client.PostJSON(ctx, h.BaseURL()+"/setup", req, setupTimeout, &result); err != nil {
		return nil, fmt.Errorf("failed to setup env %s: %w", h.EnvID, err)
	}

	h.Metadata["task"] = result.Task
	h.Metadata["instruction"] = result.Instruction
	h.Metadata["status"] = "setup"
	return &result, nil
}

func (b *envBase) Reset(ctx context.Context, h *EnvHandle, seed *int) (obs.Raw, error) {
	slog.Debug("Resetting environment", "env", h.EnvID)

	resetURL := h.BaseURL() + "/reset"
	if seed != nil {
		resetURL += "?seed=" + url.QueryEscape(strconv.Itoa(*seed))
	}

	var result struct {
		Observation obs.Raw `json:"observation"`
	}
	if err := b.client.PostJSON(ctx, resetURL, nil, stepTimeout, &result); err != nil {
		return nil, fmt.Errorf("failed to reset env %s: %w", h.EnvID, err)
	}
	return result.Observation, nil
}

func (b *envBase) Step(ctx context.Context, h *EnvHandle, action []float64) (*StepResult, error) {
	var result StepResult
	req := map[string]any{"action": action}
	if err := b.client.PostJSON(ctx, h.BaseURL()+"/step", req, stepTimeout, &result); err != nil {
		return nil, fmt.Errorf("failed to step env %s: %w", h.EnvID, err)
	}
	return &result, nil
}

func (b *envBase) GetInfo(ctx context.Context, h *EnvHandle) (map[string]any, error) {
	var out map[string]any
	if err := b.client.GetJSON(ctx, h.BaseURL()+"/info", infoTimeout, &out); err != nil {
		return nil, fmt.Errorf("failed to get info for env %s: %w", h.EnvID, err)
	}
	return out, nil
}

func (b *envBase) Health(ctx context.Context, h *EnvHandle) error {
	return b.client.GetJSON(ctx, h.BaseURL()+"/health", healthTimeout, nil)
}

func (b *envBase) Stop(ctx context.Context, h *EnvHandle) error {
	slog.Info("Stopping environment", "env", h.EnvID)
	if h.ContainerID == "" {
		return nil
	}
	if !b.docker.IsRunning(ctx, h.ContainerID) {
		slog.Debug("Container already removed", "container", h.ContainerID)
		return nil
	}
	return b.docker.Stop(ctx, h.ContainerID)
}

// listTasksDynamic queries a running container's task registry, filtered
// by suite when given.
func (b *envBase) listTasksDynamic(ctx context.Context, h *EnvHandle, suite string) (map[string]TaskSuite, error) {
	tasksURL := h.BaseURL() + "/tasks"
	if suite != "" {
		tasksURL += "?suite=" + url.QueryEscape(suite)
	}
	var out map[string]TaskSuite
	if err := b.client.GetJSON(ctx, tasksURL, tasksTimeout, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// filterSuites narrows a static catalog to one suite when requested.
func filterSuites(catalog map[string]TaskSuite, suite string) map[string]TaskSuite {
	if suite == "" {
		return catalog
	}
	if s, ok := catalog[suite]; ok {
		return map[string]TaskSuite{suite: s}
	}
	return map[string]TaskSuite{}
}
