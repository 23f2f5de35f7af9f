package backend

import (
	"context"
	"time"

	"github.com/maplerobotics/maple/pkg/config"
)

// LIBERO is a MuJoCo manipulation benchmark with five task suites. Task
// listing works in two modes: a running container answers with the full
// registry, otherwise a static suite catalog is returned.
type liberoEnv struct {
	envBase
}

func newLiberoEnv(cfg *config.Config) EnvBackend {
	b := newEnvBase("libero", "maplerobotics/libero:latest", 120*time.Second, 2*time.Second, cfg)
	b.env = map[string]string{"MUJOCO_GL": "osmesa"}
	return &liberoEnv{envBase: b}
}

func (e *liberoEnv) Info() Info {
	return Info{
		Name:    e.name,
		Type:    "env",
		Inputs:  []string{"action"},
		Outputs: []string{"observation", "reward", "terminated", "truncated"},
		Image:   e.image,
	}
}

func (e *liberoEnv) ListTasks(ctx context.Context, h *EnvHandle, suite string) (map[string]TaskSuite, error) {
	if h != nil {
		if tasks, err := e.listTasksDynamic(ctx, h, suite); err == nil {
			return tasks, nil
		}
		// Container unreachable, fall through to the static catalog.
	}

	catalog := map[string]TaskSuite{
		"libero_spatial": {Description: "10 spatial reasoning tasks", Count: 10},
		"libero_object":  {Description: "10 object manipulation tasks", Count: 10},
		"libero_goal":    {Description: "10 goal-conditioned tasks", Count: 10},
		"libero_10":      {Description: "10 diverse tasks", Count: 10},
		"libero_90":      {Description: "90 diverse tasks", Count: 90},
	}
	return filterSuites(catalog, suite), nil
}
