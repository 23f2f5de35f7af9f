package docker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunArgs(t *testing.T) {
	args := runArgs(RunOptions{
		Image:         "maplerobotics/libero:latest",
		Name:          "libero-abc123",
		ContainerPort: 8000,
		Env:           map[string]string{"MUJOCO_GL": "osmesa"},
		GPU:           true,
		MemoryLimit:   "4g",
		ShmSize:       "2g",
		Labels:        map[string]string{LabelType: "env"},
	})

	require.Equal(t, "run", args[0])
	assert.Equal(t, "maplerobotics/libero:latest", args[len(args)-1])
	assert.Contains(t, args, "--rm")
	assert.Contains(t, args, "libero-abc123")
	assert.Contains(t, args, LabelManaged+"=true")
	assert.Contains(t, args, LabelType+"=env")
	assert.Contains(t, args, "MUJOCO_GL=osmesa")
	assert.Contains(t, args, "--gpus")
	assert.Contains(t, args, "4g")
	assert.Contains(t, args, "--shm-size")
	// Random host port publish.
	assert.Contains(t, args, "8000")
}

func TestRunArgsFixedPort(t *testing.T) {
	args := runArgs(RunOptions{
		Image:         "img",
		Name:          "n",
		ContainerPort: 8000,
		HostPort:      9100,
	})
	assert.Contains(t, args, "9100:8000")
	assert.NotContains(t, args, "--gpus")
	assert.NotContains(t, args, "--memory")
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "abc", shortID("abc"))
	assert.Equal(t, "0123456789ab", shortID("0123456789abcdef0123"))
}
