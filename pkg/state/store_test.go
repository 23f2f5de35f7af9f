package state

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPolicyLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddPolicy(ctx, "openvla", "7b", "/weights/openvla/7b", "openvla/openvla-7b"))
	require.NoError(t, s.AddPolicy(ctx, "openpi", "pi05_libero", "/weights/openpi/pi05_libero", ""))

	p, err := s.GetPolicy(ctx, "openvla", "7b")
	require.NoError(t, err)
	assert.Equal(t, "/weights/openvla/7b", p.Path)
	assert.Equal(t, "openvla/openvla-7b", p.Repo)
	assert.False(t, p.PulledAt.IsZero())

	// Re-pulling the same version replaces the row instead of erroring.
	require.NoError(t, s.AddPolicy(ctx, "openvla", "7b", "/weights/new", "openvla/openvla-7b"))
	p, err = s.GetPolicy(ctx, "openvla", "7b")
	require.NoError(t, err)
	assert.Equal(t, "/weights/new", p.Path)

	all, err := s.ListPolicies(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	removed, err := s.RemovePolicy(ctx, "openvla", "7b")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = s.RemovePolicy(ctx, "openvla", "7b")
	require.NoError(t, err)
	assert.False(t, removed)

	_, err = s.GetPolicy(ctx, "openvla", "7b")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEnvUpsert(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddEnv(ctx, "libero", "maplerobotics/libero:latest"))
	require.NoError(t, s.AddEnv(ctx, "libero", "maplerobotics/libero:v2"))

	e, err := s.GetEnv(ctx, "libero")
	require.NoError(t, err)
	assert.Equal(t, "maplerobotics/libero:v2", e.Image)

	all, err := s.ListEnvs(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = s.GetEnv(ctx, "alohasim")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestContainerLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	c := &Container{
		ID:      "policy-abc12345",
		Type:    "policy",
		Name:    "openvla",
		Backend: "openvla",
		Host:    "localhost",
		Port:    32768,
		Status:  "starting",
		Metadata: map[string]any{
			"device": "cuda:0",
		},
	}
	require.NoError(t, s.AddContainer(ctx, c))

	got, err := s.GetContainer(ctx, "policy-abc12345")
	require.NoError(t, err)
	assert.Equal(t, "starting", got.Status)
	assert.Equal(t, "cuda:0", got.Metadata["device"])

	require.NoError(t, s.UpdateContainerStatus(ctx, "policy-abc12345", "ready"))
	got, err = s.GetContainerByName(ctx, "openvla")
	require.NoError(t, err)
	assert.Equal(t, "ready", got.Status)

	require.NoError(t, s.AddContainer(ctx, &Container{
		ID: "env-def67890", Type: "env", Name: "libero", Backend: "libero",
		Host: "localhost", Port: 32769, Status: "ready",
	}))

	policies, err := s.ListContainers(ctx, "policy", "")
	require.NoError(t, err)
	assert.Len(t, policies, 1)

	ready, err := s.ListContainers(ctx, "", "ready")
	require.NoError(t, err)
	assert.Len(t, ready, 2)

	removed, err := s.RemoveContainer(ctx, "env-def67890")
	require.NoError(t, err)
	assert.True(t, removed)

	require.NoError(t, s.ClearContainers(ctx))
	all, err := s.ListContainers(ctx, "", "")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestRunLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	run := &Run{
		ID:          "run-1",
		PolicyID:    "policy-abc",
		EnvID:       "env-def",
		Task:        "libero_spatial/0",
		Instruction: "pick up the black bowl",
	}
	require.NoError(t, s.AddRun(ctx, run))

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Nil(t, got.FinishedAt)
	assert.Equal(t, "pick up the black bowl", got.Instruction)

	run.Steps = 143
	run.TotalReward = 1.0
	run.Success = true
	run.Terminated = true
	run.VideoPath = "/videos/run-1.avi"
	require.NoError(t, s.FinishRun(ctx, run))

	got, err = s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, got.FinishedAt)
	assert.Equal(t, 143, got.Steps)
	assert.True(t, got.Success)
	assert.True(t, got.Terminated)
	assert.False(t, got.Truncated)
	assert.Equal(t, "/videos/run-1.avi", got.VideoPath)
}

func TestListRunsFilters(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i, tc := range []struct {
		id, policy, task string
	}{
		{"run-1", "policy-a", "libero_spatial/0"},
		{"run-2", "policy-a", "libero_goal/3"},
		{"run-3", "policy-b", "libero_spatial/1"},
	} {
		require.NoError(t, s.AddRun(ctx, &Run{
			ID: tc.id, PolicyID: tc.policy, EnvID: "env-x", Task: tc.task,
			StartedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	runs, err := s.ListRuns(ctx, "policy-a", "", 0)
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	runs, err = s.ListRuns(ctx, "", "spatial", 0)
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	runs, err = s.ListRuns(ctx, "", "", 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	// Newest first.
	assert.Equal(t, "run-3", runs[0].ID)
}

func TestRunStats(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	finished := []struct {
		id      string
		policy  string
		task    string
		reward  float64
		steps   int
		success bool
	}{
		{"run-1", "policy-a", "libero_spatial/0", 1.0, 100, true},
		{"run-2", "policy-a", "libero_spatial/1", 0.0, 300, false},
		{"run-3", "policy-b", "libero_goal/0", 0.5, 200, true},
	}
	for _, tc := range finished {
		run := &Run{ID: tc.id, PolicyID: tc.policy, EnvID: "env-x", Task: tc.task}
		require.NoError(t, s.AddRun(ctx, run))
		run.TotalReward = tc.reward
		run.Steps = tc.steps
		run.Success = tc.success
		require.NoError(t, s.FinishRun(ctx, run))
	}
	// Unfinished runs are excluded from stats.
	require.NoError(t, s.AddRun(ctx, &Run{ID: "run-open", PolicyID: "policy-a", EnvID: "env-x", Task: "libero_spatial/2"}))

	stats, err := s.GetRunStats(ctx, "", "")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalRuns)
	assert.Equal(t, 2, stats.SuccessfulRuns)
	assert.InDelta(t, 2.0/3.0, stats.SuccessRate, 1e-9)
	assert.InDelta(t, 0.5, stats.AvgReward, 1e-9)
	assert.InDelta(t, 200, stats.AvgSteps, 1e-9)
	assert.InDelta(t, 0.0, stats.MinReward, 1e-9)
	assert.InDelta(t, 1.0, stats.MaxReward, 1e-9)

	stats, err = s.GetRunStats(ctx, "policy-a", "")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalRuns)
	assert.Equal(t, 1, stats.SuccessfulRuns)

	stats, err = s.GetRunStats(ctx, "", "goal")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalRuns)
	assert.InDelta(t, 1.0, stats.SuccessRate, 1e-9)

	stats, err = s.GetRunStats(ctx, "policy-missing", "")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TotalRuns)
	assert.Zero(t, stats.SuccessRate)
}
