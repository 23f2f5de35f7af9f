package root

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labstack/echo/v4"
)

func TestRootCommandTree(t *testing.T) {
	cmd := NewRootCmd()

	want := []string{"serve", "run", "eval", "pull", "list", "ps", "status", "stop", "rm", "tasks", "logs", "doctor", "config", "version"}
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	for _, name := range want {
		assert.True(t, names[name], "missing subcommand %q", name)
	}
}

func TestParseSeeds(t *testing.T) {
	seeds, err := parseSeeds("0, 7,42")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 7, 42}, seeds)

	_, err = parseSeeds("0,x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid seed "x"`)
}

func TestExpandTasksExplicitList(t *testing.T) {
	tasks, err := expandTasks("http://unused", "libero", "libero_spatial/0, libero_spatial/3")
	require.NoError(t, err)
	assert.Equal(t, []string{"libero_spatial/0", "libero_spatial/3"}, tasks)

	tasks, err = expandTasks("http://unused", "libero", "libero_10/5")
	require.NoError(t, err)
	assert.Equal(t, []string{"libero_10/5"}, tasks)
}

func TestExpandTasksSuite(t *testing.T) {
	e := echo.New()
	e.GET("/env/tasks/:backend", func(c echo.Context) error {
		assert.Equal(t, "libero", c.Param("backend"))
		assert.Equal(t, "libero_spatial", c.QueryParam("suite"))
		return c.JSON(http.StatusOK, map[string]any{
			"libero_spatial": map[string]any{
				"tasks": []map[string]any{
					{"index": 0, "name": "pick_up_the_bowl"},
					{"index": 1, "name": "open_the_drawer"},
				},
			},
		})
	})
	srv := httptest.NewServer(e)
	defer srv.Close()

	tasks, err := expandTasks(srv.URL, "libero", "libero_spatial")
	require.NoError(t, err)
	assert.Equal(t, []string{"libero_spatial/0", "libero_spatial/1"}, tasks)
}

func TestDaemonRequestConnectionRefused(t *testing.T) {
	// A closed server port yields the friendly hint rather than a raw
	// dial error.
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := daemonRequest("GET", url+"/status", nil, nil, defaultTimeout)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "daemon not running")
}

func TestDaemonRequestErrorBody(t *testing.T) {
	e := echo.New()
	e.POST("/run", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusBadRequest, "no instruction available for task")
	})
	srv := httptest.NewServer(e)
	defer srv.Close()

	err := daemonRequest("POST", srv.URL+"/run", map[string]any{}, nil, defaultTimeout)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no instruction available for task")
}
