package adapter

import (
	"github.com/maplerobotics/maple/pkg/obs"
)

// gr00tLibero bridges a GR00T N1.5 policy server and a LIBERO simulator.
// GR00T takes each proprio axis as its own keyed field.
type gr00tLibero struct {
	info Info
}

func newGR00TLibero() *gr00tLibero {
	return &gr00tLibero{info: Info{
		Name:   "gr00tn15:libero",
		Policy: "gr00tn15",
		Env:    "libero",
		ImageKeys: map[string]string{
			"observation.images.video.image":       "agentview_image",
			"observation.images.video.wrist_image": "robot0_eye_in_hand_image",
		},
		ImageSize: [2]int{256, 256},
	}}
}

func (a *gr00tLibero) Info() Info { return a.info }

func (a *gr00tLibero) TransformObs(raw obs.Raw) (obs.Payload, error) {
	payload := obs.Payload{}
	for vlaKey, envKey := range a.info.ImageKeys {
		img, err := loadImage(raw, envKey, a.info.ImageSize, true)
		if err != nil {
			return nil, err
		}
		payload[vlaKey] = obs.ImageField(img)
	}

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

	rpy := quatToAxisAngle(quat)
	payload["state.x"] = obs.VectorField([]float64{pos[0]})
	payload["state.y"] = obs.VectorField([]float64{pos[1]})
	payload["state.z"] = obs.VectorField([]float64{pos[2]})
	payload["state.roll"] = obs.VectorField([]float64{rpy[0]})
	payload["state.pitch"] = obs.VectorField([]float64{rpy[1]})
	payload["state.yaw"] = obs.VectorField([]float64{rpy[2]})
	payload["state.gripper"] = obs.VectorField([]float64{gripper[0]})
	return payload, nil
}

func (a *gr00tLibero) TransformAction(raw []float64) ([]float64, error) {
	action := append([]float64(nil), raw...)
	return normalizeGripper(action, true), nil
}

// gr00tBridge bridges a GR00T N1.5 policy server and a Bridge-style
// environment. Orientation is re-expressed as Euler angles in the
// training frame, so the eef rotation gets multiplied by the inverse of
// the default camera-to-base rotation before conversion.
type gr00tBridge struct {
	info       Info
	defaultRot [3][3]float64
}

func newGR00TBridge() *gr00tBridge {
	return &gr00tBridge{
		info: Info{
			Name:      "gr00tn15:bridge",
			Policy:    "gr00tn15",
			Env:       "bridge",
			ImageKeys: map[string]string{"video.image_0": "image"},
			ImageSize: [2]int{256, 256},
		},
		defaultRot: [3][3]float64{{0, 0, 1}, {0, 1, 0}, {-1, 0, 0}},
	}
}

func (a *gr00tBridge) Info() Info { return a.info }

func (a *gr00tBridge) TransformObs(raw obs.Raw) (obs.Payload, error) {
	payload := obs.Payload{}
	for vlaKey, envKey := range a.info.ImageKeys {
		img, err := loadImage(raw, envKey, a.info.ImageSize, true)
		if err != nil {
			return nil, err
		}
		payload[vlaKey] = obs.ImageField(img)
	}

	eef, err := fractalEEFState(raw)
	if err != nil {
		return nil, err
	}

	rm := quatToMat(eef[3:7])
	rpy := matToEuler(matMulT(rm, a.defaultRot))

	payload["state.x"] = obs.VectorField([]float64{eef[0]})
	payload["state.y"] = obs.VectorField([]float64{eef[1]})
	payload["state.z"] = obs.VectorField([]float64{eef[2]})
	payload["state.roll"] = obs.VectorField([]float64{rpy[0]})
	payload["state.pitch"] = obs.VectorField([]float64{rpy[1]})
	payload["state.yaw"] = obs.VectorField([]float64{rpy[2]})
	payload["state.pad"] = obs.VectorField([]float64{1})
	payload["state.gripper"] = obs.VectorField([]float64{eef[7]})
	return payload, nil
}

func (a *gr00tBridge) TransformAction(raw []float64) ([]float64, error) {
	action := append([]float64(nil), raw...)
	return normalizeGripper(action, true), nil
}
