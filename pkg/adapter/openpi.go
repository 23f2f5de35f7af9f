package adapter

import (
	"math"

	"github.com/maplerobotics/maple/pkg/obs"
)

// openPILibero bridges an OpenPI policy server and a LIBERO simulator.
// State is eef position, eef orientation as axis-angle, and the two
// gripper joint positions. Actions pass through unchanged.
type openPILibero struct {
	info Info
}

func newOpenPILibero() *openPILibero {
	return &openPILibero{info: Info{
		Name:   "openpi:libero",
		Policy: "openpi",
		Env:    "libero",
		ImageKeys: map[string]string{
			"image":       "agentview_image",
			"wrist_image": "robot0_eye_in_hand_image",
		},
		ImageSize: [2]int{224, 224},
	}}
}

func (a *openPILibero) Info() Info { return a.info }

func (a *openPILibero) TransformObs(raw obs.Raw) (obs.Payload, error) {
	payload := obs.Payload{}
	for vlaKey, envKey := range a.info.ImageKeys {
		img, err := loadImage(raw, envKey, a.info.ImageSize, true)
		if err != nil {
			return nil, err
		}
		payload[vlaKey] = obs.ImageField(img)
	}

	state, err := liberoProprioState(raw)
	if err != nil {
		return nil, err
	}
	payload["state"] = obs.VectorField(state)
	return payload, nil
}

func (a *openPILibero) TransformAction(raw []float64) ([]float64, error) {
	return raw, nil
}

// liberoProprioState concatenates eef position, axis-angle orientation,
// and gripper joint positions into the 8-dim proprio vector.
func liberoProprioState(raw obs.Raw) ([]float64, error) {
	pos, err := raw.Vector("robot0_eef_pos")
	if err != nil {
		return nil, err
	}
	quat, err := raw.Vector("robot0_eef_quat")
	if err != nil {
		return nil, err
	}
	gripper, err := raw.Vector("robot0_gripper_qpos")
	if err != nil {
		return nil, err
	}

	axisAngle := quatToAxisAngle(quat)
	state := make([]float64, 0, len(pos)+3+len(gripper))
	state = append(state, pos...)
	state = append(state, axisAngle[:]...)
	state = append(state, gripper...)
	return state, nil
}

// openPIBridge bridges an OpenPI policy server and a Bridge-style
// manipulation environment. Same proprio layout as LIBERO but with the
// OpenPI inference keys.
type openPIBridge struct {
	info Info
}

func newOpenPIBridge() *openPIBridge {
	return &openPIBridge{info: Info{
		Name:      "openpi:bridge",
		Policy:    "openpi",
		Env:       "bridge",
		ImageKeys: map[string]string{"observation/image": "image"},
		ImageSize: [2]int{224, 224},
	}}
}

func (a *openPIBridge) Info() Info { return a.info }

func (a *openPIBridge) TransformObs(raw obs.Raw) (obs.Payload, error) {
	payload := obs.Payload{}
	for vlaKey, envKey := range a.info.ImageKeys {
		img, err := loadImage(raw, envKey, a.info.ImageSize, true)
		if err != nil {
			return nil, err
		}
		payload[vlaKey] = obs.ImageField(img)
	}

	state, err := liberoProprioState(raw)
	if err != nil {
		return nil, err
	}
	payload["observation/state"] = obs.VectorField(state)
	return payload, nil
}

func (a *openPIBridge) TransformAction(raw []float64) ([]float64, error) {
	return raw, nil
}

// openPIAlohaSim bridges an OpenPI policy server and the bimanual ALOHA
// simulator. Proprio is the raw 14-dim joint vector; actions pass through.
type openPIAlohaSim struct {
	info Info
}

func newOpenPIAlohaSim() *openPIAlohaSim {
	return &openPIAlohaSim{info: Info{
		Name:      "openpi:alohasim",
		Policy:    "openpi",
		Env:       "alohasim",
		ImageKeys: map[string]string{"observation.images.top": "overhead_cam"},
		ImageSize: [2]int{224, 224},
	}}
}

func (a *openPIAlohaSim) Info() Info { return a.info }

func (a *openPIAlohaSim) TransformObs(raw obs.Raw) (obs.Payload, error) {
	payload := obs.Payload{}
	for vlaKey, envKey := range a.info.ImageKeys {
		img, err := loadImage(raw, envKey, a.info.ImageSize, false)
		if err != nil {
			return nil, err
		}
		payload[vlaKey] = obs.ImageField(img)
	}

	joints, err := raw.Vector("joints_pos")
	if err != nil {
		return nil, err
	}
	payload["observation.state"] = obs.VectorField(joints)
	return payload, nil
}

func (a *openPIAlohaSim) TransformAction(raw []float64) ([]float64, error) {
	return raw, nil
}

// Sticky gripper debouncing for environments whose grippers react to
// relative commands. A large relative change latches the command for a
// fixed number of steps so the physical gripper has time to complete the
// motion.
const (
	stickyGripperThreshold = 0.5
	stickyGripperRepeat    = 10
)

// openPIFractal bridges an OpenPI policy server and a Fractal (Google
// robot) environment. Carries per-episode gripper state, so instances must
// not be reused across runs.
type openPIFractal struct {
	info        Info
	actionScale float64

	prevGripper    *float64
	stickyActive   bool
	stickyRepeats  int
	stickyRelative float64
}

func newOpenPIFractal() *openPIFractal {
	return &openPIFractal{
		info: Info{
			Name:      "openpi:fractal",
			Policy:    "openpi",
			Env:       "fractal",
			ImageKeys: map[string]string{"observation/primary_image": "image"},
			ImageSize: [2]int{224, 224},
		},
		actionScale: 1.0,
	}
}

func (a *openPIFractal) Info() Info { return a.info }

func (a *openPIFractal) TransformObs(raw obs.Raw) (obs.Payload, error) {
	payload := obs.Payload{}
	for vlaKey, envKey := range a.info.ImageKeys {
		img, err := loadImage(raw, envKey, a.info.ImageSize, false)
		if err != nil {
			return nil, err
		}
		payload[vlaKey] = obs.ImageField(img)
	}

	eef, err := fractalEEFState(raw)
	if err != nil {
		return nil, err
	}

	// eef is [x y z qw qx qy qz width]. OpenPI wants the quaternion in
	// xyzw order and gripper closedness rather than width.
	quat := []float64{eef[4], eef[5], eef[6], eef[3]}
	closedness := 1 - eef[7]

	state := make([]float64, 0, 8)
	state = append(state, eef[0], eef[1], eef[2])
	state = append(state, quat...)
	state = append(state, closedness)
	payload["observation/state"] = obs.VectorField(state)
	return payload, nil
}

func fractalEEFState(raw obs.Raw) ([]float64, error) {
	agent, err := raw.Nested("agent")
	if err != nil {
		return nil, err
	}
	eef, err := agent.Vector("eef_pos")
	if err != nil {
		return nil, err
	}
	if len(eef) < 8 {
		return nil, &obs.MissingKeyError{Key: "agent.eef_pos", Present: raw.Keys()}
	}
	return eef, nil
}

func (a *openPIFractal) TransformAction(raw []float64) ([]float64, error) {
	if len(raw) < 7 {
		raw = append(append([]float64(nil), raw...), make([]float64, 7-len(raw))...)
	}

	world := []float64{raw[0] * a.actionScale, raw[1] * a.actionScale, raw[2] * a.actionScale}
	axis, angle := eulerToAxisAngle(raw[3], raw[4], raw[5])
	rot := []float64{
		axis[0] * angle * a.actionScale,
		axis[1] * angle * a.actionScale,
		axis[2] * angle * a.actionScale,
	}

	gripper := a.stickyGripper(raw[6])
	return append(append(world, rot...), gripper), nil
}

func (a *openPIFractal) stickyGripper(current float64) float64 {
	var relative float64
	if a.prevGripper == nil {
		v := current
		a.prevGripper = &v
	} else {
		relative = *a.prevGripper - current
	}

	if math.Abs(relative) > stickyGripperThreshold && !a.stickyActive {
		a.stickyActive = true
		a.stickyRelative = relative
		v := current
		a.prevGripper = &v
	}

	if a.stickyActive {
		a.stickyRepeats++
		relative = a.stickyRelative
	}

	if a.stickyRepeats == stickyGripperRepeat {
		a.stickyActive = false
		a.stickyRepeats = 0
		a.stickyRelative = 0
	}

	return relative
}
