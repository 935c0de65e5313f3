package liveview

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"time"

	"github.com/posefit/posture-capture/capture-server/internal/logger"
)

// Provider returns the latest composited JPEG, or false when no frame is
// ready yet.
type Provider func() ([]byte, bool)

// Handler streams the composited feed to browsers as multipart MJPEG. When no
// frame is available a color-bar test card keeps the connection alive, so the
// viewer shows something sensible before a source is selected.
func Handler(interval time.Duration, provider Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
		w.Header().Set("Cache-Control", "no-cache")

		blank, err := testCardJPEG()
		if err != nil {
			http.Error(w, "Failed to render frame", http.StatusInternalServerError)
			return
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			jpegData := blank
			if data, ok := provider(); ok {
				jpegData = data
			}

			if _, err := w.Write([]byte("--frame\r\nContent-Type: image/jpeg\r\n\r\n")); err != nil {
				logger.Debug("LiveView", "Client disconnected: %v", err)
				return
			}
			if _, err := w.Write(jpegData); err != nil {
				logger.Debug("LiveView", "Client disconnected: %v", err)
				return
			}
			if _, err := w.Write([]byte("\r\n")); err != nil {
				logger.Debug("LiveView", "Client disconnected: %v", err)
				return
			}
			flusher.Flush()

			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
			}
		}
	}
}

// testCardJPEG renders a 640x480 color-bar card shown while no source is
// active.
func testCardJPEG() ([]byte, error) {
	const w, h = 640, 480

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	colors := []color.RGBA{
		{R: 255, G: 255, B: 255, A: 255},
		{R: 255, G: 255, B: 0, A: 255},
		{R: 0, G: 255, B: 255, A: 255},
		{R: 0, G: 255, B: 0, A: 255},
		{R: 255, G: 0, B: 255, A: 255},
		{R: 255, G: 0, B: 0, A: 255},
		{R: 0, G: 0, B: 255, A: 255},
		{R: 0, G: 0, B: 0, A: 255},
	}

	barWidth := w / len(colors)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			barIndex := x / barWidth
			if barIndex >= len(colors) {
				barIndex = len(colors) - 1
			}
			img.Set(x, y, colors[barIndex])
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 75}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
