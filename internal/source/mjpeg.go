package source

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"time"

	"github.com/posefit/posture-capture/capture-server/pkg/types"
)

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// splitJPEGFrames slices a concatenated MJPEG blob into individual JPEG
// images by scanning SOI/EOI marker pairs.
func splitJPEGFrames(data []byte) [][]byte {
	var frames [][]byte
	offset := 0
	for {
		start := bytes.Index(data[offset:], jpegSOI)
		if start == -1 {
			break
		}
		start += offset
		end := bytes.Index(data[start+2:], jpegEOI)
		if end == -1 {
			break
		}
		end += start + 2 + len(jpegEOI)
		frames = append(frames, data[start:end])
		offset = end
	}
	return frames
}

// frameFromJPEG decodes one JPEG image into an RGBA video frame.
func frameFromJPEG(data []byte, seq uint64) (*types.VideoFrame, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}

	bounds := img.Bounds()
	rgba, ok := img.(*image.RGBA)
	if !ok {
		rgba = image.NewRGBA(bounds)
		draw.Draw(rgba, bounds, img, bounds.Min, draw.Src)
	}

	return &types.VideoFrame{
		Pix:       rgba.Pix,
		Width:     bounds.Dx(),
		Height:    bounds.Dy(),
		Timestamp: time.Now(),
		Seq:       seq,
	}, nil
}
