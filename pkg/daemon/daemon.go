// Package daemon hosts the orchestration server: it owns the live
// policy/env container handles, drives evaluation episodes, and exposes
// the HTTP API the CLI talks to.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/maplerobotics/maple/pkg/adapter"
	"github.com/maplerobotics/maple/pkg/backend"
	"github.com/maplerobotics/maple/pkg/config"
	"github.com/maplerobotics/maple/pkg/docker"
	"github.com/maplerobotics/maple/pkg/health"
	"github.com/maplerobotics/maple/pkg/lock"
	"github.com/maplerobotics/maple/pkg/state"
)

type policyEntry struct {
	backend backend.PolicyBackend
	handle  *backend.PolicyHandle
}

type envEntry struct {
	backend backend.EnvBackend
	handle  *backend.EnvHandle
}

// Daemon is the orchestration server. The handle registries are mutated
// only by API handlers; batch workers read them through Run.
type Daemon struct {
	cfg     *config.Config
	store   *state.Store
	docker  *docker.Client
	monitor *health.Monitor
	lock    *lock.DaemonLock

	mu             sync.RWMutex
	policyBackends map[string]backend.PolicyBackend
	policyHandles  map[string]policyEntry
	envBackends    map[string]backend.EnvBackend
	envHandles     map[string]envEntry

	adapters *adapter.Registry

	echo         *echo.Echo
	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New builds a daemon over an opened state store. Stale container
// records from a previous daemon session are cleared and orphaned
// containers reaped.
func New(cfg *config.Config, store *state.Store) *Daemon {
	d := &Daemon{
		cfg:            cfg,
		store:          store,
		docker:         docker.NewClient(),
		adapters:       adapter.Default(),
		policyBackends: make(map[string]backend.PolicyBackend),
		policyHandles:  make(map[string]policyEntry),
		envBackends:    make(map[string]backend.EnvBackend),
		envHandles:     make(map[string]envEntry),
		shutdownCh:     make(chan struct{}),
	}
	d.monitor = health.NewMonitor(health.Options{
		CheckInterval: time.Duration(cfg.Containers.HealthCheckInterval) * time.Second,
		OnUnhealthy:   d.onContainerUnhealthy,
	})
	d.echo = d.newRouter()
	return d
}

// Start acquires the singleton lock, starts the health monitor and the
// HTTP server, and blocks until Shutdown is called or ctx is done. All
// registered containers are stopped before the lock is released.
func (d *Daemon) Start(ctx context.Context) error {
	d.lock = lock.New("")
	if err := d.lock.Acquire(); err != nil {
		return err
	}

	if err := d.store.ClearContainers(ctx); err != nil {
		slog.Warn("failed to clear stale container records", "error", err)
	}
	d.docker.CleanupOrphans(ctx)

	d.monitor.Start(ctx)

	addr := fmt.Sprintf("%s:%d", d.cfg.Daemon.Host, d.cfg.Daemon.Port)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- d.echo.Start(addr)
	}()

	slog.Info("daemon started", "addr", addr)

	select {
	case <-ctx.Done():
	case <-d.shutdownCh:
	case err := <-serverErr:
		d.cleanup()
		d.lock.Release()
		return fmt.Errorf("http server: %w", err)
	}

	d.cleanup()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.echo.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http server shutdown", "error", err)
	}

	d.lock.Release()
	slog.Info("daemon stopped")
	return nil
}

// Shutdown triggers a graceful stop. Safe to call multiple times.
func (d *Daemon) Shutdown() {
	d.shutdownOnce.Do(func() { close(d.shutdownCh) })
}

// cleanup stops the health monitor and every registered container.
func (d *Daemon) cleanup() {
	slog.Info("cleaning up containers")
	d.monitor.Stop()

	// Shutdown must complete even when a caller context is gone.
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	d.mu.Lock()
	defer d.mu.Unlock()

	for id, entry := range d.policyHandles {
		if err := entry.backend.Stop(ctx, entry.handle); err != nil {
			slog.Warn("failed to stop policy", "policy_id", id, "error", err)
		} else {
			slog.Info("stopped policy", "policy_id", id)
		}
		d.forgetContainer(ctx, entry.handle.ContainerID)
		delete(d.policyHandles, id)
	}
	for id, entry := range d.envHandles {
		if err := entry.backend.Stop(ctx, entry.handle); err != nil {
			slog.Warn("failed to stop env", "env_id", id, "error", err)
		} else {
			slog.Info("stopped env", "env_id", id)
		}
		d.forgetContainer(ctx, entry.handle.ContainerID)
		delete(d.envHandles, id)
	}
}

func (d *Daemon) forgetContainer(ctx context.Context, containerID string) {
	if containerID == "" {
		return
	}
	d.monitor.Unregister(containerID)
	if _, err := d.store.RemoveContainer(ctx, containerID); err != nil {
		slog.Warn("failed to remove container record", "container_id", containerID, "error", err)
	}
}

func (d *Daemon) onContainerUnhealthy(id, name string) {
	slog.Warn("container unhealthy", "container_id", id, "name", name)
	if err := d.store.UpdateContainerStatus(context.Background(), id, "unhealthy"); err != nil {
		slog.Warn("failed to update container status", "container_id", id, "error", err)
	}
}

func (d *Daemon) registerPolicy(ctx context.Context, name string, b backend.PolicyBackend, h *backend.PolicyHandle) {
	d.mu.Lock()
	d.policyBackends[name] = b
	d.policyHandles[h.PolicyID] = policyEntry{backend: b, handle: h}
	d.mu.Unlock()

	if err := d.store.AddContainer(ctx, &state.Container{
		ID:       h.ContainerID,
		Type:     "policy",
		Name:     h.PolicyID,
		Backend:  name,
		Host:     h.Host,
		Port:     h.Port,
		Status:   "ready",
		Metadata: h.Metadata,
	}); err != nil {
		slog.Warn("failed to record policy container", "policy_id", h.PolicyID, "error", err)
	}

	d.monitor.Register(h.ContainerID, h.PolicyID, func(ctx context.Context) (bool, error) {
		if err := b.Health(ctx, h); err != nil {
			return false, err
		}
		return true, nil
	}, nil)
}

func (d *Daemon) registerEnv(ctx context.Context, name string, b backend.EnvBackend, h *backend.EnvHandle) {
	d.mu.Lock()
	d.envBackends[name] = b
	d.envHandles[h.EnvID] = envEntry{backend: b, handle: h}
	d.mu.Unlock()

	if err := d.store.AddContainer(ctx, &state.Container{
		ID:       h.ContainerID,
		Type:     "env",
		Name:     h.EnvID,
		Backend:  name,
		Host:     h.Host,
		Port:     h.Port,
		Status:   "ready",
		Metadata: h.Metadata,
	}); err != nil {
		slog.Warn("failed to record env container", "env_id", h.EnvID, "error", err)
	}

	d.monitor.Register(h.ContainerID, h.EnvID, func(ctx context.Context) (bool, error) {
		if err := b.Health(ctx, h); err != nil {
			return false, err
		}
		return true, nil
	}, nil)
}

func (d *Daemon) policyIDs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]string, 0, len(d.policyHandles))
	for id := range d.policyHandles {
		ids = append(ids, id)
	}
	return ids
}

func (d *Daemon) envIDs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]string, 0, len(d.envHandles))
	for id := range d.envHandles {
		ids = append(ids, id)
	}
	return ids
}
