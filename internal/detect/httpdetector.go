package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"time"

	"github.com/posefit/posture-capture/capture-server/pkg/types"
)

const detectJPEGQuality = 80

// hardTimeout bounds a single inference request well past the scheduler's
// slot-release timeout, so an unresponsive service cannot pin goroutines.
const hardTimeout = 10 * time.Second

// HTTPDetector sends frames to the pose inference service and parses its
// landmark response. Cancellation and deadlines come from the request context;
// the scheduler applies the per-request timeout.
type HTTPDetector struct {
	url    string
	client *http.Client
}

// NewHTTPDetector creates a detector client against the given endpoint.
func NewHTTPDetector(url string) *HTTPDetector {
	return &HTTPDetector{
		url:    url,
		client: &http.Client{Timeout: hardTimeout},
	}
}

type detectResponse struct {
	Landmarks []types.Landmark `json:"landmarks"`
}

// Detect encodes the frame as JPEG, posts it, and returns the landmark
// snapshot. An empty landmark list is a valid result (no body in frame).
func (d *HTTPDetector) Detect(ctx context.Context, frame *types.VideoFrame) (*types.LandmarkSnapshot, error) {
	img := &image.RGBA{
		Pix:    frame.Pix,
		Stride: frame.Width * 4,
		Rect:   image.Rect(0, 0, frame.Width, frame.Height),
	}

	var body bytes.Buffer
	if err := jpeg.Encode(&body, img, &jpeg.Options{Quality: detectJPEGQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, &body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "image/jpeg")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("detector request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("detector returned %s", resp.Status)
	}

	var result detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode detector response: %w", err)
	}

	return &types.LandmarkSnapshot{
		Landmarks: result.Landmarks,
		Timestamp: frame.Timestamp,
	}, nil
}
