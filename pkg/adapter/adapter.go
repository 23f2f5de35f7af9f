// Package adapter translates between one policy's observation/action schema
// and one environment's schema.
//
// Adapters are pure transformations keyed by "policy:env". A few carry small
// per-episode state (sticky gripper debouncing); those must never be shared
// across concurrent runs, so the registry hands out a fresh instance per
// lookup.
package adapter

import (
	"image"
	"math"

	xdraw "golang.org/x/image/draw"

	"github.com/maplerobotics/maple/pkg/obs"
)

// Info is the static contract metadata an adapter declares: which raw
// observation keys feed which policy-side image keys, and the canonical
// resize dimensions the policy expects.
type Info struct {
	Name      string            `json:"name"`
	Policy    string            `json:"policy"`
	Env       string            `json:"env"`
	ImageKeys map[string]string `json:"obs_image_key"` // policy key -> env key
	ImageSize [2]int            `json:"obs_image_size"`
}

// Adapter transforms observations from an environment into policy inputs,
// and raw policy actions into environment actions.
type Adapter interface {
	Info() Info
	TransformObs(raw obs.Raw) (obs.Payload, error)
	TransformAction(raw []float64) ([]float64, error)
}

// resizeImage scales img to w x h with a fixed (aspect-ratio-agnostic)
// resize. Returns the input unchanged when it already matches.
func resizeImage(img image.Image, w, h int) image.Image {
	b := img.Bounds()
	if b.Dx() == w && b.Dy() == h {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, b, xdraw.Over, nil)
	return dst
}

// rotate180 rotates the image half a turn. Some camera mounts are upside
// down relative to the policy's training data.
func rotate180(img image.Image) image.Image {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			dst.Set(b.Max.X-1-x-b.Min.X, b.Max.Y-1-y-b.Min.Y, img.At(x, y))
		}
	}
	return dst
}

// loadImage extracts, resizes, and optionally rotates one declared image key.
func loadImage(raw obs.Raw, envKey string, size [2]int, rotate bool) (image.Image, error) {
	img, err := raw.Image(envKey)
	if err != nil {
		return nil, err
	}
	img = resizeImage(img, size[0], size[1])
	if rotate {
		img = rotate180(img)
	}
	return img, nil
}

// normalizeGripper maps the final action dimension from [0, 1] to [-1, 1],
// optionally snapping it to its sign. Returns the slice it was given.
func normalizeGripper(action []float64, binarize bool) []float64 {
	if len(action) == 0 {
		return action
	}
	i := len(action) - 1
	action[i] = 2*action[i] - 1
	if binarize {
		action[i] = sign(action[i])
	}
	return action
}

// invertGripper flips the sign of the final action dimension.
func invertGripper(action []float64) []float64 {
	if len(action) == 0 {
		return action
	}
	action[len(action)-1] *= -1
	return action
}

func sign(v float64) float64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

// quatToAxisAngle converts an (x, y, z, w) quaternion to an axis-angle
// vector, following the robosuite convention.
func quatToAxisAngle(quat []float64) [3]float64 {
	w := quat[3]
	if w > 1 {
		w = 1
	} else if w < -1 {
		w = -1
	}

	den := math.Sqrt(1 - w*w)
	if den < 1e-9 {
		return [3]float64{}
	}

	scale := 2 * math.Acos(w) / den
	return [3]float64{quat[0] * scale, quat[1] * scale, quat[2] * scale}
}

// quatToMat converts an (x, y, z, w) quaternion to a 3x3 rotation matrix.
func quatToMat(q []float64) [3][3]float64 {
	x, y, z, w := q[0], q[1], q[2], q[3]
	n := math.Sqrt(x*x + y*y + z*z + w*w)
	if n < 1e-12 {
		return [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
	}
	x, y, z, w = x/n, y/n, z/n, w/n

	return [3][3]float64{
		{1 - 2*(y*y+z*z), 2 * (x*y - z*w), 2 * (x*z + y*w)},
		{2 * (x*y + z*w), 1 - 2*(x*x+z*z), 2 * (y*z - x*w)},
		{2 * (x*z - y*w), 2 * (y*z + x*w), 1 - 2*(x*x+y*y)},
	}
}

// matToEuler converts a rotation matrix to static-frame xyz Euler angles.
func matToEuler(m [3][3]float64) [3]float64 {
	cy := math.Hypot(m[0][0], m[1][0])
	if cy > 1e-7 {
		return [3]float64{
			math.Atan2(m[2][1], m[2][2]),
			math.Atan2(-m[2][0], cy),
			math.Atan2(m[1][0], m[0][0]),
		}
	}
	return [3]float64{
		math.Atan2(-m[1][2], m[1][1]),
		math.Atan2(-m[2][0], cy),
		0,
	}
}

// matMulT multiplies m by the transpose of n.
func matMulT(m, n [3][3]float64) [3][3]float64 {
	var out [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			for k := 0; k < 3; k++ {
				out[i][j] += m[i][k] * n[j][k]
			}
		}
	}
	return out
}

// eulerToAxisAngle converts static-frame xyz Euler angles to a unit axis
// and angle.
func eulerToAxisAngle(roll, pitch, yaw float64) (axis [3]float64, angle float64) {
	// Compose as quaternion qz * qy * qx (fixed-axis xyz order).
	cr, sr := math.Cos(roll/2), math.Sin(roll/2)
	cp, sp := math.Cos(pitch/2), math.Sin(pitch/2)
	cyw, syw := math.Cos(yaw/2), math.Sin(yaw/2)

	w := cyw*cp*cr + syw*sp*sr
	x := cyw*cp*sr - syw*sp*cr
	y := cyw*sp*cr + syw*cp*sr
	z := syw*cp*cr - cyw*sp*sr

	if w > 1 {
		w = 1
	} else if w < -1 {
		w = -1
	}
	angle = 2 * math.Acos(w)
	s := math.Sqrt(1 - w*w)
	if s < 1e-9 {
		return [3]float64{1, 0, 0}, 0
	}
	return [3]float64{x / s, y / s, z / s}, angle
}
