package source

import (
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/posefit/posture-capture/capture-server/internal/logger"
	"github.com/posefit/posture-capture/capture-server/pkg/types"
)

// HTTPCamera opens live streams against the camera daemon's MJPEG endpoints
// (multipart/x-mixed-replace), one endpoint per facing mode. Ideal dimensions
// are passed as query parameters; the daemon rejects constraints it cannot
// satisfy with a non-200 status, which moves the manager down its fallback
// chain.
//
// When an H264URL is configured for the facing, the daemon's hardware-encoded
// feed (multipart parts carrying one Annex-B access unit each) is opened
// alongside the pixel stream and exposed through Encoded() for the preview
// path. The encoded feed is best effort: a failure there disables preview but
// never fails the acquisition.
type HTTPCamera struct {
	FrontURL     string
	BackURL      string
	FrontH264URL string
	BackH264URL  string
	Client       *http.Client
}

type cameraEndpoint struct {
	mjpeg string
	h264  string
}

// Open connects to the endpoint matching the constraints and starts decoding
// frames.
func (d *HTTPCamera) Open(ctx context.Context, c Constraints) (Stream, error) {
	endpoints := d.candidates(c)
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("no camera endpoint configured")
	}

	var lastErr error
	for _, ep := range endpoints {
		stream, err := d.open(ctx, ep, c)
		if err == nil {
			return stream, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (d *HTTPCamera) candidates(c Constraints) []cameraEndpoint {
	front := cameraEndpoint{mjpeg: d.FrontURL, h264: d.FrontH264URL}
	back := cameraEndpoint{mjpeg: d.BackURL, h264: d.BackH264URL}

	if c.AnyCamera {
		var eps []cameraEndpoint
		for _, ep := range []cameraEndpoint{front, back} {
			if ep.mjpeg != "" {
				eps = append(eps, ep)
			}
		}
		return eps
	}

	ep := front
	if c.Facing == types.FacingBack {
		ep = back
	}
	if ep.mjpeg == "" {
		return nil
	}
	return []cameraEndpoint{ep}
}

func (d *HTTPCamera) open(ctx context.Context, ep cameraEndpoint, c Constraints) (Stream, error) {
	u, err := url.Parse(ep.mjpeg)
	if err != nil {
		return nil, fmt.Errorf("invalid camera endpoint: %w", err)
	}
	if c.IdealWidth > 0 && c.IdealHeight > 0 {
		q := u.Query()
		q.Set("width", strconv.Itoa(c.IdealWidth))
		q.Set("height", strconv.Itoa(c.IdealHeight))
		u.RawQuery = q.Encode()
	}

	body, reader, err := d.connect(ctx, u.String())
	if err != nil {
		return nil, err
	}

	s := &httpCameraStream{
		body:   body,
		reader: reader,
		frames: make(chan *types.VideoFrame, 1),
		info:   make(chan types.Dimensions, 1),
	}

	if ep.h264 != "" {
		encBody, encReader, err := d.connect(ctx, ep.h264)
		if err != nil {
			logger.Warn("Camera", "Encoded feed unavailable, preview disabled: %v", err)
		} else {
			s.encodedBody = encBody
			s.encodedReader = encReader
			s.encoded = make(chan *types.EncodedFrame, 8)
			s.wg.Add(1)
			go s.encodedLoop()
		}
	}

	s.wg.Add(1)
	go s.decodeLoop()
	return s, nil
}

// connect opens one multipart/x-mixed-replace endpoint and validates the
// response before handing the body to a part reader.
func (d *HTTPCamera) connect(ctx context.Context, rawURL string) (io.ReadCloser, *multipart.Reader, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build camera request: %w", err)
	}

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("camera connection failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, nil, fmt.Errorf("camera endpoint returned %s", resp.Status)
	}

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/x-mixed-replace" || params["boundary"] == "" {
		resp.Body.Close()
		return nil, nil, fmt.Errorf("unexpected camera content type %q", resp.Header.Get("Content-Type"))
	}

	return resp.Body, multipart.NewReader(resp.Body, params["boundary"]), nil
}

type httpCameraStream struct {
	body   io.ReadCloser
	reader *multipart.Reader
	frames chan *types.VideoFrame
	info   chan types.Dimensions

	encodedBody   io.ReadCloser
	encodedReader *multipart.Reader
	encoded       chan *types.EncodedFrame

	stopOnce sync.Once
	wg       sync.WaitGroup
}

func (s *httpCameraStream) Frames() <-chan *types.VideoFrame { return s.frames }
func (s *httpCameraStream) Info() <-chan types.Dimensions    { return s.info }

// Encoded returns the hardware H.264 feed, or nil when the daemon offers none
// for this facing.
func (s *httpCameraStream) Encoded() <-chan *types.EncodedFrame { return s.encoded }

// Stop closes the HTTP bodies, which unblocks the read loops. Idempotent.
func (s *httpCameraStream) Stop() {
	s.stopOnce.Do(func() {
		s.body.Close()
		if s.encodedBody != nil {
			s.encodedBody.Close()
		}
		s.wg.Wait()
	})
}

func (s *httpCameraStream) decodeLoop() {
	defer s.wg.Done()
	defer close(s.frames)

	var (
		seq  uint64
		dims types.Dimensions
	)

	for {
		part, err := s.reader.NextPart()
		if err != nil {
			if err != io.EOF {
				logger.Warn("Camera", "Stream ended: %v", err)
			}
			return
		}

		data, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			logger.Warn("Camera", "Failed to read part: %v", err)
			return
		}

		seq++
		frame, err := frameFromJPEG(data, seq)
		if err != nil {
			logger.Warn("Camera", "Bad frame %d: %v", seq, err)
			continue
		}

		if frame.Width != dims.Width || frame.Height != dims.Height {
			dims = types.Dimensions{Width: frame.Width, Height: frame.Height}
			select {
			case s.info <- dims:
			default:
			}
		}

		// Latest wins; a slow consumer drops frames rather than lagging.
		select {
		case s.frames <- frame:
		default:
		}
	}
}

func (s *httpCameraStream) encodedLoop() {
	defer s.wg.Done()
	defer close(s.encoded)

	var seq uint64
	for {
		part, err := s.encodedReader.NextPart()
		if err != nil {
			if err != io.EOF {
				logger.Warn("Camera", "Encoded stream ended: %v", err)
			}
			return
		}

		data, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			logger.Warn("Camera", "Failed to read encoded part: %v", err)
			return
		}

		seq++
		// Preview is best effort; drop access units under backpressure.
		select {
		case s.encoded <- &types.EncodedFrame{Data: data, Timestamp: time.Now(), Seq: seq}:
		default:
		}
	}
}
