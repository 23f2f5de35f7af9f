package daemon

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"sort"

	"github.com/icza/mjpeg"

	"github.com/maplerobotics/maple/pkg/obs"
)

const videoFPS = 15

// concatImages stitches every image-valued field of the payload
// horizontally into one frame, in key order for stable layout. Returns
// nil when the payload carries no images.
func concatImages(payload obs.Payload) image.Image {
	var keys []string
	for key, field := range payload {
		if field.Kind == obs.KindImage {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return nil
	}
	sort.Strings(keys)

	width, height := 0, 0
	for _, key := range keys {
		b := payload[key].Image.Bounds()
		width += b.Dx()
		if b.Dy() > height {
			height = b.Dy()
		}
	}

	frame := image.NewRGBA(image.Rect(0, 0, width, height))
	x := 0
	for _, key := range keys {
		img := payload[key].Image
		b := img.Bounds()
		dst := image.Rect(x, 0, x+b.Dx(), b.Dy())
		draw.Draw(frame, dst, img, b.Min, draw.Src)
		x += b.Dx()
	}
	return frame
}

// writeVideo encodes the buffered frames as an MJPEG AVI at a fixed
// frame rate. All frames are normalized to the first frame's bounds.
func writeVideo(path string, frames []image.Image) error {
	if len(frames) == 0 {
		return fmt.Errorf("no frames to write")
	}

	bounds := frames[0].Bounds()
	width, height := int32(bounds.Dx()), int32(bounds.Dy())

	writer, err := mjpeg.New(path, width, height, videoFPS)
	if err != nil {
		return fmt.Errorf("create video %s: %w", path, err)
	}

	var buf bytes.Buffer
	for i, frame := range frames {
		buf.Reset()
		if err := jpeg.Encode(&buf, frame, &jpeg.Options{Quality: 85}); err != nil {
			writer.Close()
			return fmt.Errorf("encode frame %d: %w", i, err)
		}
		if err := writer.AddFrame(buf.Bytes()); err != nil {
			writer.Close()
			return fmt.Errorf("add frame %d: %w", i, err)
		}
	}

	if err := writer.Close(); err != nil {
		return fmt.Errorf("finalize video %s: %w", path, err)
	}
	return nil
}
