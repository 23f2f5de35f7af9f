package eval

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maplerobotics/maple/pkg/daemon"
	"github.com/maplerobotics/maple/pkg/state"
)

func sampleBatch() *BatchResults {
	return &BatchResults{
		BatchID:  "batch-test",
		PolicyID: "openvla:latest",
		EnvID:    "libero-abc",
		Tasks:    []string{"libero_spatial/0", "libero_spatial/1"},
		Seeds:    []int{0, 1},
		Results: []Result{
			{RunID: "r1", Task: "libero_spatial/0", Seed: 0, Success: true, TotalReward: 1.0, Steps: 100, Duration: 10},
			{RunID: "r2", Task: "libero_spatial/0", Seed: 1, Success: false, TotalReward: 0.2, Steps: 300, Duration: 30},
			{RunID: "r3", Task: "libero_spatial/1", Seed: 0, Success: true, TotalReward: 0.8, Steps: 200, Duration: 20},
			{RunID: "r4", Task: "libero_spatial/1", Seed: 1, Error: "act failed: connection refused"},
		},
	}
}

func TestComputeStats(t *testing.T) {
	b := sampleBatch()
	b.ComputeStats()

	assert.Equal(t, 4, b.TotalEpisodes)
	assert.Equal(t, 2, b.SuccessfulEpisodes)
	assert.Equal(t, 1, b.ErrorEpisodes)
	assert.Equal(t, 1, b.FailedEpisodes)

	// Averages exclude the error episode.
	assert.InDelta(t, 2.0/3.0, b.SuccessRate, 1e-9)
	assert.InDelta(t, (1.0+0.2+0.8)/3, b.AvgReward, 1e-9)
	assert.InDelta(t, 200, b.AvgSteps, 1e-9)
	assert.InDelta(t, 20, b.AvgDuration, 1e-9)

	require.Contains(t, b.TaskStats, "libero_spatial/0")
	stats := b.TaskStats["libero_spatial/0"]
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Successful)
	assert.InDelta(t, 0.5, stats.SuccessRate, 1e-9)

	// Task 1 has one valid episode (the other errored).
	stats = b.TaskStats["libero_spatial/1"]
	assert.Equal(t, 2, stats.Total)
	assert.InDelta(t, 1.0, stats.SuccessRate, 1e-9)
	assert.InDelta(t, 0.8, stats.AvgReward, 1e-9)
}

func TestComputeStatsIdempotent(t *testing.T) {
	b := sampleBatch()
	b.ComputeStats()
	first := *b
	b.ComputeStats()
	assert.Equal(t, first.SuccessRate, b.SuccessRate)
	assert.Equal(t, first.AvgReward, b.AvgReward)
	assert.Equal(t, first.TotalEpisodes, b.TotalEpisodes)
	assert.Equal(t, first.TaskStats, b.TaskStats)
}

func TestComputeStatsAllErrors(t *testing.T) {
	b := &BatchResults{
		Results: []Result{
			{RunID: "r1", Task: "t", Error: "boom"},
			{RunID: "r2", Task: "t", Error: "boom"},
		},
	}
	b.ComputeStats()

	assert.Equal(t, 2, b.TotalEpisodes)
	assert.Equal(t, 2, b.ErrorEpisodes)
	assert.Zero(t, b.SuccessRate)
	assert.Zero(t, b.AvgReward)
	assert.Empty(t, b.TaskStats)
}

func TestComputeStatsEmpty(t *testing.T) {
	b := &BatchResults{}
	b.ComputeStats()
	assert.Zero(t, b.TotalEpisodes)
	assert.Zero(t, b.SuccessRate)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	b := sampleBatch()
	b.ComputeStats()

	path := filepath.Join(t.TempDir(), "results", "batch-test.json")
	require.NoError(t, b.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, b.BatchID, loaded.BatchID)
	assert.Len(t, loaded.Results, 4)
	assert.Equal(t, b.SuccessRate, loaded.SuccessRate)
}

func TestFormatMarkdown(t *testing.T) {
	b := sampleBatch()
	b.ComputeStats()

	md := FormatMarkdown(b)
	assert.Contains(t, md, "# Evaluation Results: batch-test")
	assert.Contains(t, md, "| Total Episodes | 4 |")
	assert.Contains(t, md, "## Per-Task Results")
	assert.Contains(t, md, "libero_spatial/0")
	assert.Contains(t, md, "## Errors")
	assert.Contains(t, md, "connection refused")
}

func TestFormatCSV(t *testing.T) {
	b := sampleBatch()
	csv := FormatCSV(b)

	lines := strings.Split(strings.TrimSpace(csv), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "run_id,task,seed,success,reward,steps,duration,error", lines[0])
	assert.Contains(t, lines[1], "r1,libero_spatial/0,0,true,1.0000,100,10.00,")
	// Commas inside errors must not break the row shape.
	assert.Contains(t, lines[4], "act failed: connection refused")
}

// fakeDaemon serves /run, failing tasks that contain "bad".
func fakeDaemon(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/run", r.URL.Path)
		var req daemon.RunRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		if strings.Contains(req.Task, "bad") {
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]any{"message": "env step failed"})
			return
		}
		_ = json.NewEncoder(w).Encode(daemon.RunResult{
			RunID:       "run-fake",
			Success:     true,
			Terminated:  true,
			Steps:       42,
			TotalReward: 1.0,
			Task:        req.Task,
			Instruction: "do the thing",
		})
	}))
}

func TestEvaluatorRunSequential(t *testing.T) {
	srv := fakeDaemon(t)
	defer srv.Close()

	var progressCalls int
	var lastCompleted int
	ev := New(srv.URL, nil)
	batch, err := ev.Run(context.Background(), Options{
		PolicyID: "openvla:latest",
		EnvID:    "libero-abc",
		Tasks:    []string{"libero_spatial/0", "libero_spatial/1"},
		Seeds:    []int{0, 1, 2},
		MaxSteps: 100,
		Progress: func(completed, total int, result *Result) {
			progressCalls++
			lastCompleted = completed
			assert.Equal(t, 6, total)
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 6, batch.TotalEpisodes)
	assert.Equal(t, 6, batch.SuccessfulEpisodes)
	assert.InDelta(t, 1.0, batch.SuccessRate, 1e-9)
	assert.Equal(t, 6, progressCalls)
	assert.Equal(t, 6, lastCompleted)

	// Sequential execution preserves submission order.
	assert.Equal(t, "libero_spatial/0", batch.Results[0].Task)
	assert.Equal(t, 0, batch.Results[0].Seed)
	assert.Equal(t, "libero_spatial/0", batch.Results[1].Task)
	assert.Equal(t, 1, batch.Results[1].Seed)

	// Instruction is taken from the daemon response.
	assert.Equal(t, "do the thing", batch.Results[0].Instruction)
}

func TestEvaluatorErrorIsolation(t *testing.T) {
	srv := fakeDaemon(t)
	defer srv.Close()

	ev := New(srv.URL, nil)
	batch, err := ev.Run(context.Background(), Options{
		PolicyID: "p", EnvID: "e",
		Tasks: []string{"good_task", "bad_task"},
		Seeds: []int{0},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, batch.TotalEpisodes)
	assert.Equal(t, 1, batch.ErrorEpisodes)
	assert.Equal(t, 1, batch.SuccessfulEpisodes)

	var errResult *Result
	for i := range batch.Results {
		if batch.Results[i].Error != "" {
			errResult = &batch.Results[i]
		}
	}
	require.NotNil(t, errResult)
	assert.Contains(t, errResult.Error, "env step failed")
	assert.Contains(t, errResult.Error, "500")
}

func TestEvaluatorParallel(t *testing.T) {
	var mu sync.Mutex
	inflight, maxInflight := 0, 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		inflight++
		if inflight > maxInflight {
			maxInflight = inflight
		}
		mu.Unlock()
		defer func() {
			mu.Lock()
			inflight--
			mu.Unlock()
		}()
		_ = json.NewEncoder(w).Encode(daemon.RunResult{RunID: "run-x", Success: true, Terminated: true})
	}))
	defer srv.Close()

	ev := New(srv.URL, nil)
	batch, err := ev.Run(context.Background(), Options{
		PolicyID: "p", EnvID: "e",
		Tasks:    []string{"t0", "t1", "t2", "t3"},
		Seeds:    []int{0, 1},
		Parallel: 3,
	})
	require.NoError(t, err)

	assert.Equal(t, 8, batch.TotalEpisodes)
	assert.LessOrEqual(t, maxInflight, 3)
}

func TestEvaluatorPersistsRuns(t *testing.T) {
	srv := fakeDaemon(t)
	defer srv.Close()

	store, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer store.Close()

	ev := New(srv.URL, store)
	_, err = ev.Run(context.Background(), Options{
		PolicyID: "p", EnvID: "e",
		Tasks: []string{"good_task", "bad_task"},
		Seeds: []int{0},
	})
	require.NoError(t, err)

	runs, err := store.ListRuns(context.Background(), "", "", 0)
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	// Only the clean episode is marked finished.
	stats, err := store.GetRunStats(context.Background(), "", "")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalRuns)
	assert.Equal(t, 1, stats.SuccessfulRuns)
}

func TestVideoPathDerivation(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req daemon.RunRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		paths = append(paths, req.VideoPath)
		_ = json.NewEncoder(w).Encode(daemon.RunResult{Success: true})
	}))
	defer srv.Close()

	ev := New(srv.URL, nil)
	batch, err := ev.Run(context.Background(), Options{
		PolicyID: "p", EnvID: "e",
		Tasks:     []string{"libero_spatial/0"},
		Seeds:     []int{0, 7},
		SaveVideo: true,
		VideoDir:  "/tmp/videos",
	})
	require.NoError(t, err)
	require.Len(t, paths, 2)

	prefix := "/tmp/videos/" + batch.BatchID + "_libero_spatial_0_s"
	assert.Equal(t, prefix+"0.avi", paths[0])
	assert.Equal(t, prefix+"7.avi", paths[1])
}
