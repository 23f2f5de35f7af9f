package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func alwaysOK(context.Context) (bool, error)   { return true, nil }
func alwaysFail(context.Context) (bool, error) { return false, nil }

func TestMonitorHealthyTransition(t *testing.T) {
	m := NewMonitor(Options{MaxFailures: 3})
	m.Register("c1", "libero-abc", alwaysOK, nil)

	entry, ok := m.Status("c1")
	require.True(t, ok)
	assert.Equal(t, StatusUnknown, entry.Status)

	m.CheckNow(context.Background())

	entry, _ = m.Status("c1")
	assert.Equal(t, StatusHealthy, entry.Status)
	assert.Zero(t, entry.ConsecutiveFailures)
	assert.False(t, entry.LastHealthy.IsZero())
}

func TestMonitorUnhealthyAfterThreshold(t *testing.T) {
	var notified atomic.Int32
	m := NewMonitor(Options{
		MaxFailures: 3,
		OnUnhealthy: func(id, name string) { notified.Add(1) },
	})
	m.Register("c1", "openvla-abc", alwaysFail, nil)

	ctx := context.Background()
	m.CheckNow(ctx)
	m.CheckNow(ctx)

	entry, _ := m.Status("c1")
	assert.NotEqual(t, StatusUnhealthy, entry.Status)
	assert.Equal(t, 2, entry.ConsecutiveFailures)
	assert.Zero(t, notified.Load())

	m.CheckNow(ctx)
	entry, _ = m.Status("c1")
	assert.Equal(t, StatusUnhealthy, entry.Status)
	assert.Equal(t, int32(1), notified.Load())

	// Sustained failure does not re-notify.
	m.CheckNow(ctx)
	m.CheckNow(ctx)
	assert.Equal(t, int32(1), notified.Load())
}

func TestMonitorCheckErrorCountsAsFailure(t *testing.T) {
	m := NewMonitor(Options{MaxFailures: 2})
	m.Register("c1", "env", func(context.Context) (bool, error) {
		return true, errors.New("connection refused")
	}, nil)

	ctx := context.Background()
	m.CheckNow(ctx)
	m.CheckNow(ctx)

	entry, _ := m.Status("c1")
	assert.Equal(t, StatusUnhealthy, entry.Status)
}

func TestMonitorSingleSuccessRecovers(t *testing.T) {
	var healthy atomic.Bool
	var notified atomic.Int32
	m := NewMonitor(Options{
		MaxFailures: 2,
		OnUnhealthy: func(id, name string) { notified.Add(1) },
	})
	m.Register("c1", "env", func(context.Context) (bool, error) {
		return healthy.Load(), nil
	}, nil)

	ctx := context.Background()
	m.CheckNow(ctx)
	m.CheckNow(ctx)
	entry, _ := m.Status("c1")
	require.Equal(t, StatusUnhealthy, entry.Status)

	// One success flips it straight back.
	healthy.Store(true)
	m.CheckNow(ctx)
	entry, _ = m.Status("c1")
	assert.Equal(t, StatusHealthy, entry.Status)
	assert.Zero(t, entry.ConsecutiveFailures)

	// A fresh failure episode notifies again.
	healthy.Store(false)
	m.CheckNow(ctx)
	m.CheckNow(ctx)
	assert.Equal(t, int32(2), notified.Load())
}

func TestMonitorAutoRestart(t *testing.T) {
	var restarted atomic.Int32
	m := NewMonitor(Options{
		MaxFailures: 1,
		AutoRestart: true,
	})
	m.Register("c1", "env", alwaysFail, func(context.Context) error {
		restarted.Add(1)
		return nil
	})

	m.CheckNow(context.Background())

	assert.Equal(t, int32(1), restarted.Load())
	entry, _ := m.Status("c1")
	assert.Equal(t, StatusHealthy, entry.Status)
}

func TestMonitorRestartFailureStaysUnhealthy(t *testing.T) {
	m := NewMonitor(Options{
		MaxFailures: 1,
		AutoRestart: true,
	})
	m.Register("c1", "env", alwaysFail, func(context.Context) error {
		return errors.New("docker not responding")
	})

	m.CheckNow(context.Background())

	entry, _ := m.Status("c1")
	assert.Equal(t, StatusUnhealthy, entry.Status)
}

func TestMonitorUnregisterDuringPolling(t *testing.T) {
	m := NewMonitor(Options{MaxFailures: 1})
	m.Register("c1", "env", alwaysOK, nil)
	m.Register("c2", "env2", alwaysFail, nil)
	m.Unregister("c2")

	m.CheckNow(context.Background())

	_, ok := m.Status("c2")
	assert.False(t, ok)
	assert.Len(t, m.AllStatus(), 1)
}

func TestMonitorStartStop(t *testing.T) {
	var checks atomic.Int32
	m := NewMonitor(Options{
		CheckInterval: 10 * time.Millisecond,
		MaxFailures:   1,
	})
	m.Register("c1", "env", func(context.Context) (bool, error) {
		checks.Add(1)
		return true, nil
	}, nil)

	m.Start(context.Background())
	m.Start(context.Background()) // no-op

	assert.Eventually(t, func() bool { return checks.Load() >= 2 }, time.Second, 5*time.Millisecond)

	m.Stop()
	m.Stop() // no-op
	after := checks.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, checks.Load())
}
