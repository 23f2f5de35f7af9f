package backend

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/maplerobotics/maple/pkg/config"
	"github.com/maplerobotics/maple/pkg/docker"
	"github.com/maplerobotics/maple/pkg/obs"
)

// Info describes a backend's capabilities.
type Info struct {
	Name     string   `json:"name"`
	Type     string   `json:"type"`
	Inputs   []string `json:"inputs"`
	Outputs  []string `json:"outputs"`
	Versions []string `json:"versions"`
	Image    string   `json:"image"`
}

// PullResult reports where an image and model weights came from.
type PullResult struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	Source  string `json:"source"`
	Repo    string `json:"repo,omitempty"`
	Image   string `json:"image"`
	Path    string `json:"path,omitempty"`
}

// ServePolicyOptions configures a policy container launch.
type ServePolicyOptions struct {
	Version     string
	ModelPath   string
	Device      string
	HostPort    int
	ModelKwargs map[string]any
}

// PolicyBackend manages the lifecycle of one policy family: pulling its
// image and weights, serving containers, and running inference.
type PolicyBackend interface {
	Name() string
	Info() Info
	Pull(ctx context.Context, version, dst string) (*PullResult, error)
	Serve(ctx context.Context, opts ServePolicyOptions) (*PolicyHandle, error)
	Act(ctx context.Context, h *PolicyHandle, payload obs.Payload, instruction string, modelKwargs map[string]any) ([]float64, error)
	GetInfo(ctx context.Context, h *PolicyHandle) (map[string]any, error)
	Health(ctx context.Context, h *PolicyHandle) error
	Stop(ctx context.Context, h *PolicyHandle) error
}

const (
	containerWeightsPath = "/models/weights"

	actTimeout    = 300 * time.Second
	infoTimeout   = 10 * time.Second
	healthTimeout = 5 * time.Second
)

// policyBase carries the container orchestration shared by every policy
// family. Families differ only in act request shape, weight source, and
// load parameters.
type policyBase struct {
	name           string
	image          string
	containerPort  int
	startupTimeout time.Duration
	healthInterval time.Duration
	memoryLimit    string
	shmSize        string

	docker *docker.Client
	client *Client
}

func newPolicyBase(name, image string, startupTimeout, healthInterval time.Duration, cfg *config.Config) policyBase {
	b := policyBase{
		name:           name,
		image:          image,
		containerPort:  8000,
		startupTimeout: startupTimeout,
		healthInterval: healthInterval,
		memoryLimit:    "32g",
		shmSize:        "2g",
		docker:         docker.NewClient(),
		client:         NewHTTPClient(),
	}
	if cfg != nil {
		if cfg.Containers.MemoryLimit != "" {
			b.memoryLimit = cfg.Containers.MemoryLimit
		}
		if cfg.Containers.ShmSize != "" {
			b.shmSize = cfg.Containers.ShmSize
		}
		if cfg.Containers.StartupTimeout > 0 {
			b.startupTimeout = time.Duration(cfg.Containers.StartupTimeout) * time.Second
		}
	}
	return b
}

// loadRequest is what a family POSTs to /load after its container is
// healthy. Nil kwargs are omitted.
type loadRequest struct {
	ModelPath       string         `json:"model_path"`
	Device          string         `json:"device"`
	ModelLoadKwargs map[string]any `json:"model_load_kwargs,omitempty"`
}

// serve starts a container, waits for readiness, and loads the model.
// The container is torn down on any failure along the way.
func (b *policyBase) serve(ctx context.Context, opts ServePolicyOptions, load loadRequest) (*PolicyHandle, error) {
	policyID := fmt.Sprintf("%s-%s-%s", b.name, opts.Version, uuid.NewString()[:8])

	slog.Info("Starting policy container", "policy", policyID, "device", opts.Device)
	slog.Debug("Policy container options", "model_path", opts.ModelPath, "image", b.image)

	containerID, err := b.docker.Run(ctx, docker.RunOptions{
		Image:         b.image,
		Name:          policyID,
		ContainerPort: b.containerPort,
		HostPort:      opts.HostPort,
		Volumes:       map[string]string{opts.ModelPath: containerWeightsPath + ":ro"},
		GPU:           strings.HasPrefix(opts.Device, "cuda"),
		MemoryLimit:   b.memoryLimit,
		ShmSize:       b.shmSize,
		Env: map[string]string{
			"CUDA_VISIBLE_DEVICES": gpuIndex(opts.Device),
		},
		Labels: map[string]string{
			docker.LabelType: "policy",
			docker.LabelName: b.name,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to serve policy %s: %w", b.name, err)
	}

	fail := func(cause error) (*PolicyHandle, error) {
		slog.Warn("Cleaning up failed policy container", "policy", policyID)
		_ = b.docker.Stop(context.WithoutCancel(ctx), containerID)
		return nil, fmt.Errorf("failed to serve policy %s: %w", b.name, cause)
	}

	port, err := b.docker.MappedPort(ctx, containerID, b.containerPort)
	if err != nil {
		return fail(err)
	}

	handle := &PolicyHandle{
		PolicyID:    policyID,
		BackendName: b.name,
		Version:     opts.Version,
		Host:        "127.0.0.1",
		Port:        port,
		ContainerID: containerID,
		ModelPath:   opts.ModelPath,
		Device:      opts.Device,
		Metadata:    map[string]any{"status": "starting"},
	}

	if err := b.client.WaitForReady(ctx, handle.BaseURL(), b.startupTimeout, b.healthInterval); err != nil {
		return fail(err)
	}

	slog.Info("Loading model", "policy", policyID, "device", opts.Device)
	if err := b.client.PostJSON(ctx, handle.BaseURL()+"/load", load, b.startupTimeout, nil); err != nil {
		return fail(fmt.Errorf("failed to load model: %w", err))
	}

	handle.Metadata["status"] = "ready"
	slog.Info("Policy ready", "policy", policyID, "port", port)
	return handle, nil
}

func (b *policyBase) Name() string { return b.name }

func (b *policyBase) Stop(ctx context.Context, h *PolicyHandle) error {
	slog.Info("Stopping policy", "policy", h.PolicyID)
	if h.ContainerID == "" {
		return nil
	}
	if !b.docker.IsRunning(ctx, h.ContainerID) {
		slog.Debug("Container already removed", "container", h.ContainerID)
		return nil
	}
	return b.docker.Stop(ctx, h.ContainerID)
}

func (b *policyBase) Health(ctx context.Context, h *PolicyHandle) error {
	return b.client.GetJSON(ctx, h.BaseURL()+"/health", healthTimeout, nil)
}

func (b *policyBase) GetInfo(ctx context.Context, h *PolicyHandle) (map[string]any, error) {
	var out map[string]any
	if err := b.client.GetJSON(ctx, h.BaseURL()+"/info", infoTimeout, &out); err != nil {
		return nil, fmt.Errorf("failed to get policy info: %w", err)
	}
	return out, nil
}

// pullImage fetches the family's Docker image, preferring the registry and
// falling back to a local copy.
func (b *policyBase) pullImage(ctx context.Context) (docker.PullSource, error) {
	return b.docker.Pull(ctx, b.image)
}

// actResponse is the uniform inference answer shape.
type actResponse struct {
	Action []float64 `json:"action"`
}

func gpuIndex(device string) string {
	if !strings.HasPrefix(device, "cuda") {
		return ""
	}
	if _, idx, ok := strings.Cut(device, ":"); ok {
		return idx
	}
	return "0"
}

// downloadHuggingFace fetches a model snapshot with the hf CLI. Weights
// stay on the host and are volume-mounted into serving containers.
func downloadHuggingFace(ctx context.Context, repo, dst string) error {
	slog.Info("Downloading model weights", "repo", repo, "dst", dst)
	cmd := exec.CommandContext(ctx, "huggingface-cli", "download", repo, "--local-dir", dst)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("huggingface-cli download %s: %w\n%s", repo, err, strings.TrimSpace(string(out)))
	}
	slog.Info("Download complete", "repo", repo)
	return nil
}

// downloadGS fetches a checkpoint tree from a public GCS bucket.
func downloadGS(ctx context.Context, gsPath, dst string) error {
	slog.Info("Downloading model weights", "path", gsPath, "dst", dst)
	cmd := exec.CommandContext(ctx, "gsutil", "-m", "cp", "-r", gsPath, dst)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("gsutil cp %s: %w\n%s", gsPath, err, strings.TrimSpace(string(out)))
	}
	slog.Info("Download complete", "path", gsPath)
	return nil
}
