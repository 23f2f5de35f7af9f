package backend

import (
	"context"
	"time"

	"github.com/maplerobotics/maple/pkg/config"
)

// AlohaSim simulates the bimanual ALOHA robot with a 14-dim action space.
type alohaSimEnv struct {
	envBase
}

func newAlohaSimEnv(cfg *config.Config) EnvBackend {
	b := newEnvBase("alohasim", "maplerobotics/alohasim:latest", 120*time.Second, 2*time.Second, cfg)
	b.env = map[string]string{"MUJOCO_GL": "osmesa"}
	return &alohaSimEnv{envBase: b}
}

func (e *alohaSimEnv) Info() Info {
	return Info{
		Name:    e.name,
		Type:    "env",
		Inputs:  []string{"action"},
		Outputs: []string{"observation", "reward", "terminated", "truncated"},
		Image:   e.image,
	}
}

func (e *alohaSimEnv) ListTasks(ctx context.Context, h *EnvHandle, suite string) (map[string]TaskSuite, error) {
	if h != nil {
		if tasks, err := e.listTasksDynamic(ctx, h, suite); err == nil {
			return tasks, nil
		}
	}

	catalog := map[string]TaskSuite{
		"basic":       {Description: "5 basic manipulation tasks", Count: 5},
		"instruction": {Description: "12 instruction following tasks", Count: 12},
		"dexterous":   {Description: "3 dexterous tasks", Count: 3},
	}
	return filterSuites(catalog, suite), nil
}
