package source

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/posefit/posture-capture/capture-server/internal/logger"
	"github.com/posefit/posture-capture/capture-server/pkg/types"
)

// ErrDeviceUnavailable is returned when no camera source could be acquired
// after exhausting the constraint fallback chain. The caller abandons camera
// mode and returns to source selection.
var ErrDeviceUnavailable = errors.New("no camera device available")

// Constraints describe one device acquisition attempt.
type Constraints struct {
	Facing      types.Facing
	IdealWidth  int
	IdealHeight int
	AnyCamera   bool   // Ignore Facing, accept any camera
	Path        string // File-backed sources only
}

// Stream is an acquired pixel source. The manager owns it exclusively until
// released.
type Stream interface {
	// Frames delivers decoded frames. Closed when the stream ends.
	Frames() <-chan *types.VideoFrame
	// Info delivers the native pixel dimensions once metadata is available,
	// and again whenever they change.
	Info() <-chan types.Dimensions
	// Stop stops all media tracks. Idempotent.
	Stop()
}

// EncodedProvider is implemented by live camera streams whose hardware also
// delivers an H.264 feed for the preview path.
type EncodedProvider interface {
	Encoded() <-chan *types.EncodedFrame
}

// Device opens streams against a class of pixel sources (camera or file).
type Device interface {
	Open(ctx context.Context, c Constraints) (Stream, error)
}

// Manager acquires a pixel source and keeps it in a consistent, revocable
// state. The device is exclusively owned: acquiring a new stream fully
// releases the old one first to avoid device-busy errors.
type Manager struct {
	camera Device
	file   Device

	mu       sync.Mutex
	stream   Stream
	stopPump chan struct{}
	pumpDone sync.WaitGroup

	latest atomic.Pointer[types.VideoFrame]
	dims   atomic.Pointer[types.Dimensions]
	onDims func(types.Dimensions)
}

// NewManager creates a manager over the given camera and file devices.
func NewManager(camera, file Device) *Manager {
	return &Manager{camera: camera, file: file}
}

// OnDimensions registers a callback invoked whenever the native dimensions of
// the active source become known or change. Set before the first acquisition.
func (m *Manager) OnDimensions(fn func(types.Dimensions)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDims = fn
}

// AcquireCamera acquires a live camera stream, trying constraints from most
// to least specific: requested facing at ideal 1280x720, requested facing
// only, then any camera. The first success wins.
func (m *Manager) AcquireCamera(ctx context.Context, facing types.Facing) (Stream, error) {
	if m.camera == nil {
		return nil, ErrDeviceUnavailable
	}

	// Stop any previously held stream before requesting a new one.
	m.Release()

	chain := []Constraints{
		{Facing: facing, IdealWidth: 1280, IdealHeight: 720},
		{Facing: facing},
		{AnyCamera: true},
	}

	var lastErr error
	for i, c := range chain {
		stream, err := m.camera.Open(ctx, c)
		if err == nil {
			logger.Info("Source", "Camera acquired (attempt %d/%d, facing=%s)", i+1, len(chain), facing)
			m.adopt(stream)
			return stream, nil
		}
		lastErr = err
		logger.Warn("Source", "Camera constraint attempt %d/%d failed: %v", i+1, len(chain), err)
	}

	return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, lastErr)
}

// AcquireFile acquires a file-backed playback stream.
func (m *Manager) AcquireFile(ctx context.Context, path string) (Stream, error) {
	if m.file == nil {
		return nil, fmt.Errorf("no file source configured")
	}

	m.Release()

	stream, err := m.file.Open(ctx, Constraints{Path: path})
	if err != nil {
		return nil, fmt.Errorf("failed to open file source: %w", err)
	}

	logger.Info("Source", "File source acquired: %s", path)
	m.adopt(stream)
	return stream, nil
}

// adopt takes ownership of a stream and starts pumping its frames into the
// latest-frame cell.
func (m *Manager) adopt(stream Stream) {
	m.mu.Lock()
	m.stream = stream
	m.stopPump = make(chan struct{})
	stop := m.stopPump
	onDims := m.onDims
	m.mu.Unlock()

	m.pumpDone.Add(1)
	go m.pump(stream, stop, onDims)
}

// pump forwards stream frames into the latest-frame cell (latest wins, no
// queueing) and dimension updates to the registered callback.
func (m *Manager) pump(stream Stream, stop <-chan struct{}, onDims func(types.Dimensions)) {
	defer m.pumpDone.Done()

	frames := stream.Frames()
	info := stream.Info()

	for {
		select {
		case <-stop:
			return
		case d, ok := <-info:
			if !ok {
				info = nil
				continue
			}
			m.dims.Store(&d)
			logger.Info("Source", "Source dimensions: %dx%d", d.Width, d.Height)
			if onDims != nil {
				onDims(d)
			}
		case frame, ok := <-frames:
			if !ok {
				return
			}
			m.latest.Store(frame)
		}
	}
}

// LatestFrame returns the most recent frame from the active source, or nil if
// no frame is ready.
func (m *Manager) LatestFrame() *types.VideoFrame {
	return m.latest.Load()
}

// Dimensions returns the native dimensions of the active source, if known.
func (m *Manager) Dimensions() (types.Dimensions, bool) {
	d := m.dims.Load()
	if d == nil {
		return types.Dimensions{}, false
	}
	return *d, true
}

// Current returns the active stream, or nil.
func (m *Manager) Current() Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stream
}

// Release stops all media tracks of the active stream. Guaranteed on every
// exit path and idempotent when no stream is held.
func (m *Manager) Release() {
	m.mu.Lock()
	stream := m.stream
	stop := m.stopPump
	m.stream = nil
	m.stopPump = nil
	m.mu.Unlock()

	if stream == nil {
		return
	}

	close(stop)
	stream.Stop()
	m.pumpDone.Wait()
	m.latest.Store(nil)
	m.dims.Store(nil)
	logger.Info("Source", "Stream released")
}
