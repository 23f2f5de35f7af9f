package adapter

import (
	"github.com/maplerobotics/maple/pkg/obs"
)

// openVLALibero bridges an OpenVLA policy server and a LIBERO simulator.
//
// OpenVLA only consumes the third-person camera plus the instruction; the
// gripper convention differs on both range and sign, so actions get
// normalized, snapped, and inverted.
type openVLALibero struct {
	info Info
}

func newOpenVLALibero() *openVLALibero {
	return &openVLALibero{info: Info{
		Name:      "openvla:libero",
		Policy:    "openvla",
		Env:       "libero",
		ImageKeys: map[string]string{"image": "agentview_image"},
		ImageSize: [2]int{224, 224},
	}}
}

func (a *openVLALibero) Info() Info { return a.info }

func (a *openVLALibero) TransformObs(raw obs.Raw) (obs.Payload, error) {
	payload := obs.Payload{}
	for vlaKey, envKey := range a.info.ImageKeys {
		img, err := loadImage(raw, envKey, a.info.ImageSize, true)
		if err != nil {
			return nil, err
		}
		payload[vlaKey] = obs.ImageField(img)
	}
	return payload, nil
}

func (a *openVLALibero) TransformAction(raw []float64) ([]float64, error) {
	action := append([]float64(nil), raw...)
	action = normalizeGripper(action, true)
	action = invertGripper(action)
	return action, nil
}
