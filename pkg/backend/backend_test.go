package backend

import (
	"context"
	"encoding/json"
	"image"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maplerobotics/maple/pkg/obs"
)

func handleFor(t *testing.T, srv *httptest.Server) (host string, port int) {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err = strconv.Atoi(u.Port())
	require.NoError(t, err)
	return u.Hostname(), port
}

func policyHandleFor(t *testing.T, srv *httptest.Server) *PolicyHandle {
	host, port := handleFor(t, srv)
	return &PolicyHandle{PolicyID: "p-test", Host: host, Port: port, Metadata: map[string]any{}}
}

func envHandleFor(t *testing.T, srv *httptest.Server) *EnvHandle {
	host, port := handleFor(t, srv)
	return &EnvHandle{EnvID: "e-test", Host: host, Port: port, Metadata: map[string]any{}}
}

func testPayload() obs.Payload {
	return obs.Payload{
		"image": obs.ImageField(image.NewRGBA(image.Rect(0, 0, 4, 4))),
		"state": obs.VectorField([]float64{0.1, 0.2}),
	}
}

func TestOpenVLAActRequiresUnnormKey(t *testing.T) {
	p := newOpenVLAPolicy(nil)
	h := &PolicyHandle{Host: "127.0.0.1", Port: 1}

	_, err := p.Act(context.Background(), h, testPayload(), "pick up the bowl", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unnorm_key")
}

func TestOpenVLAActRequestShape(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/act", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"action": [0, 0, 0, 0, 0, 0, 1]}`))
	}))
	defer srv.Close()

	p := newOpenVLAPolicy(nil)
	action, err := p.Act(context.Background(), policyHandleFor(t, srv), testPayload(),
		"pick up the bowl", map[string]any{"unnorm_key": "libero_spatial"})
	require.NoError(t, err)
	require.Len(t, action, 7)

	assert.Equal(t, "pick up the bowl", got["instruction"])
	assert.Equal(t, "libero_spatial", got["unnorm_key"])
	img, ok := got["image"].(string)
	require.True(t, ok)
	assert.NotEmpty(t, img)
	// The raw state vector is not part of the OpenVLA request.
	assert.NotContains(t, got, "state")
}

func TestOpenPIActRequestShape(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"action": [0.5]}`))
	}))
	defer srv.Close()

	p := newOpenPIPolicy(nil)
	action, err := p.Act(context.Background(), policyHandleFor(t, srv), testPayload(), "fold the towel", nil)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5}, action)

	assert.Equal(t, "fold the towel", got["prompt"])
	observations, ok := got["observations"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, observations, "image")
	assert.Contains(t, observations, "state")
	_, isString := observations["image"].(string)
	assert.True(t, isString)
}

func TestGR00TKeyNormalization(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{key: "image", want: "observation.images.image"},
		{key: "wrist_image", want: "observation.images.wrist_image"},
		{key: "video.image_0", want: "observation.images.video.image_0"},
		{key: "state", want: "observation.state"},
		{key: "state.x", want: "state.x"},
		{key: "observation.state", want: "observation.state"},
		{key: "observation.images.video.image", want: "observation.images.video.image"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, gr00tKey(tt.key))
		})
	}
}

func TestEnvSetupResetStep(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/setup":
			var req map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "libero_spatial/0", req["task"])
			assert.Equal(t, float64(42), req["seed"])
			_, _ = w.Write([]byte(`{"task": "libero_spatial/0", "instruction": "pick up the black bowl"}`))
		case "/reset":
			assert.Equal(t, "42", r.URL.Query().Get("seed"))
			_, _ = w.Write([]byte(`{"observation": {"agentview_image": "abc"}}`))
		case "/step":
			var req struct {
				Action []float64 `json:"action"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Len(t, req.Action, 7)
			_, _ = w.Write([]byte(`{"observation": {"agentview_image": "def"}, "reward": 1.0, "terminated": true, "truncated": false}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	e := newLiberoEnv(nil)
	h := envHandleFor(t, srv)
	ctx := context.Background()
	seed := 42

	setup, err := e.Setup(ctx, h, "libero_spatial/0", &seed, nil)
	require.NoError(t, err)
	assert.Equal(t, "pick up the black bowl", setup.Instruction)
	assert.Equal(t, "setup", h.Metadata["status"])

	raw, err := e.Reset(ctx, h, &seed)
	require.NoError(t, err)
	assert.Equal(t, "abc", raw["agentview_image"])

	step, err := e.Step(ctx, h, []float64{0, 0, 0, 0, 0, 0, 1})
	require.NoError(t, err)
	assert.Equal(t, 1.0, step.Reward)
	assert.True(t, step.Terminated)
	assert.False(t, step.Truncated)
}

func TestLiberoListTasksStatic(t *testing.T) {
	e := newLiberoEnv(nil)

	all, err := e.ListTasks(context.Background(), nil, "")
	require.NoError(t, err)
	assert.Len(t, all, 5)
	assert.Equal(t, 90, all["libero_90"].Count)

	one, err := e.ListTasks(context.Background(), nil, "libero_10")
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, 10, one["libero_10"].Count)

	none, err := e.ListTasks(context.Background(), nil, "nope")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRegistryConstructors(t *testing.T) {
	assert.Equal(t, []string{"gr00tn15", "openpi", "openvla", "smolvla"}, PolicyNames())
	assert.Equal(t, []string{"alohasim", "libero"}, EnvNames())

	p, err := NewPolicy("openpi", nil)
	require.NoError(t, err)
	assert.Equal(t, "openpi", p.Name())

	_, err = NewPolicy("nope", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "available")

	e, err := NewEnv("libero", nil)
	require.NoError(t, err)
	assert.Equal(t, "env", e.Info().Type)
}
