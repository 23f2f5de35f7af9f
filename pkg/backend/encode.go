package backend

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/png"

	"github.com/maplerobotics/maple/pkg/obs"
)

// EncodePayload converts an adapter payload into the JSON shape inference
// servers accept: images as base64 PNG strings, vectors as float arrays.
func EncodePayload(payload obs.Payload) (map[string]any, error) {
	out := make(map[string]any, len(payload))
	for key, field := range payload {
		switch field.Kind {
		case obs.KindImage:
			encoded, err := EncodeImage(field.Image)
			if err != nil {
				return nil, fmt.Errorf("encode %s: %w", key, err)
			}
			out[key] = encoded
		case obs.KindVector:
			out[key] = field.Vector
		default:
			return nil, fmt.Errorf("field %s has unknown kind %d", key, field.Kind)
		}
	}
	return out, nil
}

// EncodeImage serializes an image as a base64 PNG string.
func EncodeImage(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
