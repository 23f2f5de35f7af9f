// Package docker shells out to the docker CLI to manage policy and
// environment containers. Containers are labelled with the owning process
// PID so orphans from crashed daemons can be reaped on the next start.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const (
	// LabelManaged marks every container started by maple.
	LabelManaged = "com.maplerobotics.maple"
	// LabelPID stores the PID of the daemon that created the container.
	LabelPID = "com.maplerobotics.maple.pid"
	// LabelType is "policy" or "env".
	LabelType = "com.maplerobotics.maple.type"
	// LabelName is the backend name the container serves.
	LabelName = "com.maplerobotics.maple.name"
)

// RunOptions describes one container launch.
type RunOptions struct {
	Image         string
	Name          string
	ContainerPort int
	HostPort      int // 0 lets Docker pick
	Env           map[string]string
	Volumes       map[string]string // host path -> container path
	GPU           bool
	MemoryLimit   string
	ShmSize       string
	Labels        map[string]string
}

// Client wraps the docker CLI binary.
type Client struct {
	bin string
}

func NewClient() *Client {
	return &Client{bin: "docker"}
}

func (c *Client) command(ctx context.Context, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, c.bin, args...)
}

// Available reports whether the docker daemon answers.
func (c *Client) Available(ctx context.Context) bool {
	return c.command(ctx, "info", "--format", "{{.ServerVersion}}").Run() == nil
}

// Version returns the docker server version for diagnostics.
func (c *Client) Version(ctx context.Context) (string, error) {
	out, err := c.command(ctx, "version", "--format", "{{.Server.Version}}").Output()
	if err != nil {
		return "", fmt.Errorf("docker version: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Run starts a detached container and returns its ID.
func (c *Client) Run(ctx context.Context, opts RunOptions) (string, error) {
	cmd := c.command(ctx, runArgs(opts)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("failed to start container %s: %w\nstderr: %s", opts.Name, err, stderr.String())
	}
	return strings.TrimSpace(string(out)), nil
}

func runArgs(opts RunOptions) []string {
	args := []string{
		"run", "-d", "--rm",
		"--name", opts.Name,
		"--label", LabelManaged + "=true",
		"--label", fmt.Sprintf("%s=%d", LabelPID, os.Getpid()),
	}
	for k, v := range opts.Labels {
		args = append(args, "--label", k+"="+v)
	}
	if opts.ContainerPort != 0 {
		if opts.HostPort != 0 {
			args = append(args, "-p", fmt.Sprintf("%d:%d", opts.HostPort, opts.ContainerPort))
		} else {
			args = append(args, "-p", strconv.Itoa(opts.ContainerPort))
		}
	}
	if opts.MemoryLimit != "" {
		args = append(args, "--memory", opts.MemoryLimit)
	}
	if opts.ShmSize != "" {
		args = append(args, "--shm-size", opts.ShmSize)
	}
	if opts.GPU {
		args = append(args, "--gpus", "all")
	}
	for k, v := range opts.Env {
		args = append(args, "-e", k+"="+v)
	}
	for host, cont := range opts.Volumes {
		args = append(args, "-v", host+":"+cont)
	}
	return append(args, opts.Image)
}

// MappedPort polls for the host port bound to containerPort. Docker may
// take a moment to publish the mapping after run returns.
func (c *Client) MappedPort(ctx context.Context, containerID string, containerPort int) (int, error) {
	format := fmt.Sprintf(`{{(index (index .NetworkSettings.Ports "%d/tcp") 0).HostPort}}`, containerPort)

	for attempt := 0; attempt < 10; attempt++ {
		out, err := c.command(ctx, "inspect", "-f", format, containerID).Output()
		if err == nil {
			if port, perr := strconv.Atoi(strings.TrimSpace(string(out))); perr == nil {
				return port, nil
			}
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return 0, fmt.Errorf("no host port mapping for container %s port %d", shortID(containerID), containerPort)
}

// Stop stops a container, which removes it since containers run with --rm.
func (c *Client) Stop(ctx context.Context, containerID string) error {
	cmd := c.command(ctx, "stop", "-t", "5", containerID)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to stop container %s: %w", shortID(containerID), err)
	}
	return nil
}

// IsRunning reports whether the container exists and is running.
func (c *Client) IsRunning(ctx context.Context, containerID string) bool {
	out, err := c.command(ctx, "container", "inspect", "-f", "{{.State.Running}}", containerID).Output()
	return err == nil && strings.TrimSpace(string(out)) == "true"
}

// Logs returns the last tail lines of container output.
func (c *Client) Logs(ctx context.Context, containerID string, tail int) (string, error) {
	cmd := c.command(ctx, "logs", "--tail", strconv.Itoa(tail), containerID)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("failed to read logs for %s: %w", shortID(containerID), err)
	}
	return buf.String(), nil
}

// PullSource says where an image came from.
type PullSource string

const (
	SourcePulled PullSource = "pulled"
	SourceLocal  PullSource = "local"
)

// Pull fetches an image from its registry, falling back to a local copy
// when the registry is unreachable or the image is unpublished.
func (c *Client) Pull(ctx context.Context, image string) (PullSource, error) {
	slog.Info("Pulling image", "image", image)
	if err := c.command(ctx, "pull", image).Run(); err == nil {
		return SourcePulled, nil
	}

	if c.ImageExists(ctx, image) {
		slog.Debug("Image found locally", "image", image)
		return SourceLocal, nil
	}
	return "", fmt.Errorf("image %s not found locally or in registry. Build it with: docker build -t %s", image, image)
}

// ImageExists reports whether the image is present locally.
func (c *Client) ImageExists(ctx context.Context, image string) bool {
	return c.command(ctx, "image", "inspect", image).Run() == nil
}

// ListManaged returns the IDs of all running maple-managed containers.
func (c *Client) ListManaged(ctx context.Context) ([]string, error) {
	out, err := c.command(ctx, "ps", "-q", "--filter", "label="+LabelManaged).Output()
	if err != nil {
		return nil, fmt.Errorf("docker ps: %w", err)
	}
	return strings.Fields(string(out)), nil
}

// CleanupOrphans stops managed containers whose owning process is gone.
// Called on daemon start to recover from crashes.
func (c *Client) CleanupOrphans(ctx context.Context) {
	ids, err := c.ListManaged(ctx)
	if err != nil {
		return // Docker not available or no containers
	}

	currentPID := os.Getpid()
	for _, id := range ids {
		pid := c.ownerPID(ctx, id)
		if pid == 0 || pid == currentPID || isProcessRunning(pid) {
			continue
		}
		slog.Debug("Cleaning up orphaned container", "container", shortID(id), "pid", pid)
		_ = c.command(ctx, "stop", "-t", "1", id).Run()
	}
}

func (c *Client) ownerPID(ctx context.Context, containerID string) int {
	out, err := c.command(ctx, "inspect", "-f",
		"{{index .Config.Labels \""+LabelPID+"\"}}", containerID).Output()
	if err != nil {
		return 0
	}
	pid, _ := strconv.Atoi(strings.TrimSpace(string(out)))
	return pid
}

func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, FindProcess always succeeds; signal 0 probes existence.
	return process.Signal(syscall.Signal(0)) == nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
