// Package health runs a background poller over registered containers and
// reports sustained check failures.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Status of one monitored container.
type Status string

const (
	StatusUnknown    Status = "unknown"
	StatusHealthy    Status = "healthy"
	StatusUnhealthy  Status = "unhealthy"
	StatusRestarting Status = "restarting"
)

// CheckFunc probes one container. An error return counts as a failed
// check, same as ok == false.
type CheckFunc func(ctx context.Context) (ok bool, err error)

// RestartFunc attempts to bring an unhealthy container back.
type RestartFunc func(ctx context.Context) error

// Entry is the health record for one container.
type Entry struct {
	ID                  string
	Name                string
	Status              Status
	ConsecutiveFailures int
	LastHealthy         time.Time
	LastChecked         time.Time
}

type monitored struct {
	Entry
	check   CheckFunc
	restart RestartFunc
}

// Options tunes the monitor loop.
type Options struct {
	CheckInterval time.Duration
	MaxFailures   int
	AutoRestart   bool
	// OnUnhealthy fires exactly once per sustained-failure episode, from
	// the polling goroutine.
	OnUnhealthy func(id, name string)
}

// Monitor polls every registered container on a fixed interval from a
// single background goroutine. Registration is safe concurrently with
// polling.
type Monitor struct {
	opts Options

	mu         sync.Mutex
	containers map[string]*monitored

	cancel context.CancelFunc
	done   chan struct{}
}

func NewMonitor(opts Options) *Monitor {
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = 30 * time.Second
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = 3
	}
	return &Monitor{
		opts:       opts,
		containers: map[string]*monitored{},
	}
}

// Register adds a container to the monitored set, replacing any previous
// registration under the same id.
func (m *Monitor) Register(id, name string, check CheckFunc, restart RestartFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.containers[id] = &monitored{
		Entry:   Entry{ID: id, Name: name, Status: StatusUnknown},
		check:   check,
		restart: restart,
	}
}

// Unregister removes a container from the monitored set.
func (m *Monitor) Unregister(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.containers, id)
}

// Status returns the current entry for id.
func (m *Monitor) Status(id string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.containers[id]
	if !ok {
		return Entry{}, false
	}
	return c.Entry, true
}

// AllStatus returns a snapshot of every entry.
func (m *Monitor) AllStatus() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, len(m.containers))
	for _, c := range m.containers {
		out = append(out, c.Entry)
	}
	return out
}

// Start launches the polling goroutine. Calling Start on a running
// monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go m.loop(ctx)
}

// Stop halts polling and waits for the loop to exit. Safe to call twice.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.opts.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckNow(ctx)
		}
	}
}

// CheckNow runs one polling pass immediately. The registered set is
// snapshotted so checks run without holding the lock.
func (m *Monitor) CheckNow(ctx context.Context) {
	m.mu.Lock()
	snapshot := make([]*monitored, 0, len(m.containers))
	for _, c := range m.containers {
		snapshot = append(snapshot, c)
	}
	m.mu.Unlock()

	for _, c := range snapshot {
		ok, err := c.check(ctx)
		if err != nil {
			ok = false
		}
		m.record(ctx, c.ID, ok)
	}
}

func (m *Monitor) record(ctx context.Context, id string, ok bool) {
	m.mu.Lock()
	c, registered := m.containers[id]
	if !registered {
		// Unregistered mid-check.
		m.mu.Unlock()
		return
	}

	c.LastChecked = time.Now()

	if ok {
		c.ConsecutiveFailures = 0
		c.LastHealthy = time.Now()
		c.Status = StatusHealthy
		m.mu.Unlock()
		return
	}

	c.ConsecutiveFailures++
	shouldNotify := c.ConsecutiveFailures >= m.opts.MaxFailures &&
		c.Status != StatusUnhealthy && c.Status != StatusRestarting
	if c.ConsecutiveFailures >= m.opts.MaxFailures && c.Status != StatusRestarting {
		c.Status = StatusUnhealthy
	}
	name, restart := c.Name, c.restart
	m.mu.Unlock()

	if !shouldNotify {
		return
	}

	slog.Warn("Container unhealthy", "container", id, "name", name)
	if m.opts.OnUnhealthy != nil {
		m.opts.OnUnhealthy(id, name)
	}
	if m.opts.AutoRestart && restart != nil {
		m.tryRestart(ctx, id, restart)
	}
}

func (m *Monitor) tryRestart(ctx context.Context, id string, restart RestartFunc) {
	m.mu.Lock()
	if c, ok := m.containers[id]; ok {
		c.Status = StatusRestarting
	}
	m.mu.Unlock()

	slog.Info("Restarting container", "container", id)
	err := restart(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	c, registered := m.containers[id]
	if !registered {
		return
	}
	if err != nil {
		slog.Error("Restart failed", "container", id, "error", err)
		c.Status = StatusUnhealthy
		return
	}
	c.Status = StatusHealthy
	c.ConsecutiveFailures = 0
	c.LastHealthy = time.Now()
}
