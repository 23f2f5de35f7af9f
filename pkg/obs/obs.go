// Package obs defines the observation and payload schemas exchanged between
// environment backends, adapters, and policy backends.
//
// Environments return loosely-shaped JSON observations (Raw). Adapters turn
// them into a Payload, a map of explicitly tagged fields, so that policy
// backends can serialize each field without guessing at its type.
package obs

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"sort"
)

// Raw is an observation as decoded from an environment's JSON response.
// Values may be base64 image strings, typed envelopes like
// {"type": "image", "data": "..."}, plain float arrays, or {"data": [...]}.
type Raw map[string]any

// FieldKind discriminates Payload field variants.
type FieldKind int

const (
	KindImage FieldKind = iota
	KindVector
)

// Field is one entry of a transformed payload: either a decoded image or a
// numeric vector, never both.
type Field struct {
	Kind   FieldKind
	Image  image.Image
	Vector []float64
}

// ImageField wraps a decoded image.
func ImageField(img image.Image) Field {
	return Field{Kind: KindImage, Image: img}
}

// VectorField wraps a numeric vector.
func VectorField(v []float64) Field {
	return Field{Kind: KindVector, Vector: v}
}

// Payload is an adapter-transformed observation keyed by the policy's
// input names.
type Payload map[string]Field

// MissingKeyError reports an observation that lacks a key the adapter
// contract requires. It carries the keys that were present for diagnosis.
type MissingKeyError struct {
	Key     string
	Present []string
}

func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("observation missing required key %q (present: %v)", e.Key, e.Present)
}

// Keys returns the sorted key set of the observation.
func (r Raw) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (r Raw) missing(key string) error {
	return &MissingKeyError{Key: key, Present: r.Keys()}
}

// Image decodes the base64-encoded image stored under key. Both bare strings
// and {"type": "image", "data": "..."} envelopes are accepted.
func (r Raw) Image(key string) (image.Image, error) {
	val, ok := r[key]
	if !ok {
		return nil, r.missing(key)
	}

	var b64 string
	switch v := val.(type) {
	case string:
		b64 = v
	case map[string]any:
		data, ok := v["data"].(string)
		if !ok {
			return nil, fmt.Errorf("cannot interpret obs[%q] as image: envelope has no string data", key)
		}
		b64 = data
	default:
		return nil, fmt.Errorf("cannot interpret obs[%q] as image (type %T)", key, val)
	}

	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode obs[%q]: %w", key, err)
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to decode obs[%q] image bytes: %w", key, err)
	}
	return img, nil
}

// Vector extracts the float vector stored under key. Both plain arrays and
// {"data": [...]} envelopes are accepted.
func (r Raw) Vector(key string) ([]float64, error) {
	val, ok := r[key]
	if !ok {
		return nil, r.missing(key)
	}
	vec, err := toFloats(val)
	if err != nil {
		return nil, fmt.Errorf("obs[%q]: %w", key, err)
	}
	return vec, nil
}

// Nested returns the Raw observation nested under key, unwrapping one
// {"data": {...}} envelope if present. Environments like bridge and fractal
// nest proprioceptive state under an "agent" record.
func (r Raw) Nested(key string) (Raw, error) {
	val, ok := r[key]
	if !ok {
		return nil, r.missing(key)
	}
	m, ok := val.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("obs[%q] is not a nested record (type %T)", key, val)
	}
	if inner, ok := m["data"].(map[string]any); ok {
		return Raw(inner), nil
	}
	return Raw(m), nil
}

func toFloats(val any) ([]float64, error) {
	switch v := val.(type) {
	case []float64:
		return v, nil
	case []any:
		out := make([]float64, len(v))
		for i, item := range v {
			f, ok := toFloat(item)
			if !ok {
				return nil, fmt.Errorf("element %d is not a number (type %T)", i, item)
			}
			out[i] = f
		}
		return out, nil
	case map[string]any:
		data, ok := v["data"]
		if !ok {
			return nil, fmt.Errorf("envelope has no data field")
		}
		return toFloats(data)
	default:
		return nil, fmt.Errorf("not a numeric vector (type %T)", val)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
