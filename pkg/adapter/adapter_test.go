package adapter

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maplerobotics/maple/pkg/obs"
)

func encodedTestImage(t *testing.T, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func liberoRawObs(t *testing.T) obs.Raw {
	t.Helper()
	img := encodedTestImage(t, 128, 128)
	return obs.Raw{
		"agentview_image":          img,
		"robot0_eye_in_hand_image": img,
		"robot0_eef_pos":           []any{0.1, 0.2, 0.3},
		"robot0_eef_quat":          []any{0.0, 0.0, 0.0, 1.0},
		"robot0_gripper_qpos":      []any{0.02, -0.02},
	}
}

func TestRegistryGet(t *testing.T) {
	r := Default()

	tests := []struct {
		name    string
		policy  string
		env     string
		adapter string
	}{
		{name: "exact match", policy: "openvla", env: "libero", adapter: "openvla:libero"},
		{name: "version suffix stripped", policy: "openvla:7b", env: "libero", adapter: "openvla:libero"},
		{name: "openpi fractal", policy: "openpi", env: "fractal", adapter: "openpi:fractal"},
		{name: "gr00t versioned", policy: "gr00tn15:3b", env: "bridge", adapter: "gr00tn15:bridge"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := r.Get(tt.policy, tt.env)
			require.NoError(t, err)
			assert.Equal(t, tt.adapter, a.Info().Name)
		})
	}
}

func TestRegistryGetNotFound(t *testing.T) {
	r := Default()

	_, err := r.Get("openvla", "fractal")
	require.Error(t, err)

	var notFound *ErrNotFound
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "openvla", notFound.Policy)
	assert.Equal(t, "fractal", notFound.Env)
	assert.Contains(t, err.Error(), "openvla:libero")
}

func TestRegistryReturnsFreshInstances(t *testing.T) {
	r := Default()

	a1, err := r.Get("openpi", "fractal")
	require.NoError(t, err)
	a2, err := r.Get("openpi", "fractal")
	require.NoError(t, err)
	require.NotSame(t, a1, a2)

	// Latch sticky state on the first instance only.
	_, err = a1.TransformAction([]float64{0, 0, 0, 0, 0, 0, 1})
	require.NoError(t, err)
	_, err = a1.TransformAction([]float64{0, 0, 0, 0, 0, 0, 0})
	require.NoError(t, err)

	// The second instance still reports no relative motion on its first
	// action.
	out, err := a2.TransformAction([]float64{0, 0, 0, 0, 0, 0, 1})
	require.NoError(t, err)
	assert.Zero(t, out[6])
}

func TestOpenVLALiberoTransformObs(t *testing.T) {
	a := newOpenVLALibero()
	payload, err := a.TransformObs(liberoRawObs(t))
	require.NoError(t, err)

	require.Contains(t, payload, "image")
	field := payload["image"]
	assert.Equal(t, obs.KindImage, field.Kind)
	assert.Equal(t, 224, field.Image.Bounds().Dx())
	assert.Equal(t, 224, field.Image.Bounds().Dy())
}

func TestOpenVLALiberoTransformObsMissingKey(t *testing.T) {
	a := newOpenVLALibero()
	_, err := a.TransformObs(obs.Raw{"robot0_eef_pos": []any{0.0}})
	require.Error(t, err)

	var missing *obs.MissingKeyError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "agentview_image", missing.Key)
	assert.Contains(t, err.Error(), "robot0_eef_pos")
}

func TestOpenVLALiberoTransformAction(t *testing.T) {
	a := newOpenVLALibero()

	tests := []struct {
		name    string
		gripper float64
		want    float64
	}{
		{name: "open gripper", gripper: 1.0, want: -1},
		{name: "closed gripper", gripper: 0.0, want: 1},
		{name: "ambiguous leans open", gripper: 0.7, want: -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := []float64{0.1, 0.2, 0.3, 0, 0, 0, tt.gripper}
			out, err := a.TransformAction(in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out[6])
			// Input slice stays untouched.
			assert.Equal(t, tt.gripper, in[6])
		})
	}
}

func TestOpenPILiberoTransformObs(t *testing.T) {
	a := newOpenPILibero()
	payload, err := a.TransformObs(liberoRawObs(t))
	require.NoError(t, err)

	require.Contains(t, payload, "image")
	require.Contains(t, payload, "wrist_image")
	require.Contains(t, payload, "state")

	state := payload["state"]
	require.Equal(t, obs.KindVector, state.Kind)
	require.Len(t, state.Vector, 8)
	assert.InDelta(t, 0.1, state.Vector[0], 1e-9)
	// Identity quaternion contributes zero rotation.
	assert.Zero(t, state.Vector[3])
	assert.Zero(t, state.Vector[4])
	assert.Zero(t, state.Vector[5])
	assert.InDelta(t, 0.02, state.Vector[6], 1e-9)
}

func TestOpenPIAlohaSimTransformObs(t *testing.T) {
	a := newOpenPIAlohaSim()
	joints := make([]any, 14)
	for i := range joints {
		joints[i] = float64(i) / 10
	}
	payload, err := a.TransformObs(obs.Raw{
		"overhead_cam": encodedTestImage(t, 64, 64),
		"joints_pos":   map[string]any{"data": joints},
	})
	require.NoError(t, err)

	require.Contains(t, payload, "observation.images.top")
	state := payload["observation.state"]
	require.Len(t, state.Vector, 14)
	assert.InDelta(t, 1.3, state.Vector[13], 1e-9)
}

func TestOpenPIFractalTransformObs(t *testing.T) {
	a := newOpenPIFractal()
	payload, err := a.TransformObs(obs.Raw{
		"image": encodedTestImage(t, 64, 64),
		"agent": map[string]any{
			"data": map[string]any{
				// [x y z qw qx qy qz width]
				"eef_pos": map[string]any{"data": []any{0.5, 0.6, 0.7, 1.0, 0.0, 0.0, 0.0, 0.8}},
			},
		},
	})
	require.NoError(t, err)

	require.Contains(t, payload, "observation/primary_image")
	state := payload["observation/state"]
	require.Len(t, state.Vector, 8)
	// Quaternion re-ordered to xyzw.
	assert.Equal(t, []float64{0, 0, 0, 1}, state.Vector[3:7])
	// Closedness is 1 - width.
	assert.InDelta(t, 0.2, state.Vector[7], 1e-9)
}

func TestOpenPIFractalStickyGripper(t *testing.T) {
	a := newOpenPIFractal()

	step := func(g float64) float64 {
		out, err := a.TransformAction([]float64{0, 0, 0, 0, 0, 0, g})
		require.NoError(t, err)
		return out[6]
	}

	// First action never produces relative motion.
	assert.Zero(t, step(1.0))

	// A large drop latches the relative command.
	latched := step(0.0)
	assert.InDelta(t, 1.0, latched, 1e-9)

	// The latched value repeats regardless of subsequent commands.
	for i := 0; i < stickyGripperRepeat-1; i++ {
		assert.InDelta(t, 1.0, step(1.0), 1e-9, "repeat %d", i)
	}

	// After the repeat budget the latch releases. Probe with the last
	// acknowledged command so no new latch fires.
	assert.Zero(t, step(0.0))
}

func TestOpenPIFractalRotationDelta(t *testing.T) {
	a := newOpenPIFractal()

	out, err := a.TransformAction([]float64{0, 0, 0, math.Pi / 2, 0, 0, 0})
	require.NoError(t, err)
	require.Len(t, out, 7)
	// Pure roll maps to an axis-angle vector along x.
	assert.InDelta(t, math.Pi/2, out[3], 1e-9)
	assert.InDelta(t, 0, out[4], 1e-9)
	assert.InDelta(t, 0, out[5], 1e-9)
}

func TestGR00TLiberoTransformObs(t *testing.T) {
	a := newGR00TLibero()
	payload, err := a.TransformObs(liberoRawObs(t))
	require.NoError(t, err)

	for _, key := range []string{
		"observation.images.video.image",
		"observation.images.video.wrist_image",
		"state.x", "state.y", "state.z",
		"state.roll", "state.pitch", "state.yaw",
		"state.gripper",
	} {
		assert.Contains(t, payload, key)
	}

	img := payload["observation.images.video.image"]
	assert.Equal(t, 256, img.Image.Bounds().Dx())
	assert.InDelta(t, 0.1, payload["state.x"].Vector[0], 1e-9)
	assert.InDelta(t, 0.02, payload["state.gripper"].Vector[0], 1e-9)
}

func TestGR00TBridgeTransformObs(t *testing.T) {
	a := newGR00TBridge()
	payload, err := a.TransformObs(obs.Raw{
		"image": encodedTestImage(t, 64, 64),
		"agent": map[string]any{
			"data": map[string]any{
				"eef_pos": map[string]any{"data": []any{0.1, 0.2, 0.3, 1.0, 0.0, 0.0, 0.0, 0.5}},
			},
		},
	})
	require.NoError(t, err)

	require.Contains(t, payload, "video.image_0")
	assert.Equal(t, []float64{1}, payload["state.pad"].Vector)
	assert.Equal(t, []float64{0.5}, payload["state.gripper"].Vector)
	// Identity eef rotation through the default frame correction yields a
	// pure -90 degree pitch.
	assert.InDelta(t, -math.Pi/2, payload["state.pitch"].Vector[0], 1e-6)
}

func TestQuatToAxisAngle(t *testing.T) {
	tests := []struct {
		name string
		quat []float64
		want [3]float64
	}{
		{name: "identity", quat: []float64{0, 0, 0, 1}, want: [3]float64{}},
		{name: "quarter turn about z", quat: []float64{0, 0, math.Sin(math.Pi / 4), math.Cos(math.Pi / 4)}, want: [3]float64{0, 0, math.Pi / 2}},
		{name: "w above one is clipped", quat: []float64{0, 0, 0, 1.000001}, want: [3]float64{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := quatToAxisAngle(tt.quat)
			for i := 0; i < 3; i++ {
				assert.InDelta(t, tt.want[i], got[i], 1e-9)
			}
		})
	}
}

func TestMatEulerRoundTrip(t *testing.T) {
	// quatToMat followed by matToEuler recovers a simple yaw rotation.
	yaw := math.Pi / 3
	q := []float64{0, 0, math.Sin(yaw / 2), math.Cos(yaw / 2)}
	rpy := matToEuler(quatToMat(q))
	assert.InDelta(t, 0, rpy[0], 1e-9)
	assert.InDelta(t, 0, rpy[1], 1e-9)
	assert.InDelta(t, yaw, rpy[2], 1e-9)
}

func TestRotate180(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	out := rotate180(img)

	r, _, _, _ := out.At(1, 1).RGBA()
	assert.Equal(t, uint32(0xffff), r)
	r, _, _, _ = out.At(0, 0).RGBA()
	assert.Zero(t, r)
}
