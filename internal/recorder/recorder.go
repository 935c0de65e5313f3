package recorder

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/posefit/posture-capture/capture-server/internal/logger"
	"github.com/posefit/posture-capture/capture-server/internal/metrics"
)

// Cue plays short audio cues around recording state changes. Fire-and-forget.
type Cue interface {
	Ascending()  // Recording started
	Descending() // Recording stopped
}

// NopCue discards audio cues.
type NopCue struct{}

func (NopCue) Ascending()  {}
func (NopCue) Descending() {}

// Recorder captures composited JPEG chunks to a downloadable MJPEG file,
// independent of the detection loop. Chunks are buffered in memory as they
// arrive and concatenated into a single file when recording stops.
type Recorder struct {
	basePath string
	app      string
	cue      Cue
	metrics  *metrics.Metrics

	mu            sync.RWMutex
	recording     bool
	id            string
	kind          string
	startTime     time.Time
	chunks        [][]byte
	frameCount    uint64
	bytesBuffered uint64
	lastFile      string

	chunkChan chan []byte
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// RecordingStatus holds the current recording status.
type RecordingStatus struct {
	Recording    bool          `json:"recording"`
	ID           string        `json:"id,omitempty"`
	Kind         string        `json:"kind,omitempty"`
	Filename     string        `json:"filename,omitempty"`
	FrameCount   uint64        `json:"frame_count"`
	BytesWritten uint64        `json:"bytes_written"`
	Duration     time.Duration `json:"duration_ms"`
	StartTime    time.Time     `json:"start_time"`
}

// NewRecorder creates a recorder writing files under basePath. The app name
// becomes the filename prefix: <app>_<kind>_<unix-ms>.mjpeg.
func NewRecorder(basePath, app string, cue Cue, m *metrics.Metrics) *Recorder {
	if cue == nil {
		cue = NopCue{}
	}
	if m == nil {
		m = metrics.New()
	}
	return &Recorder{
		basePath: basePath,
		app:      app,
		cue:      cue,
		metrics:  m,
	}
}

// Start begins capturing the composited feed. On failure the recording flag
// is rolled back and the error is reported non-fatally by the caller.
func (r *Recorder) Start(kind string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording {
		return fmt.Errorf("already recording")
	}
	if kind == "" {
		kind = "session"
	}

	// Check the output directory up front so a doomed recording never starts.
	if err := os.MkdirAll(r.basePath, 0755); err != nil {
		return fmt.Errorf("recording output unavailable: %w", err)
	}

	r.recording = true
	r.id = uuid.NewString()
	r.kind = kind
	r.startTime = time.Now()
	r.chunks = nil
	r.frameCount = 0
	r.bytesBuffered = 0
	r.chunkChan = make(chan []byte, 60) // Buffer 2 seconds at 30fps
	r.stopChan = make(chan struct{})

	r.wg.Add(1)
	go r.collect(r.chunkChan, r.stopChan)

	r.metrics.RecordingActive.Store(1)
	r.cue.Ascending()
	logger.Info("Recorder", "Recording started (id=%s, kind=%s)", r.id, kind)
	return nil
}

// SendChunk submits one composited chunk (non-blocking). Returns false when
// not recording or when the buffer is full and the chunk was dropped.
func (r *Recorder) SendChunk(chunk []byte) bool {
	r.mu.RLock()
	recording := r.recording
	ch := r.chunkChan
	r.mu.RUnlock()

	if !recording || ch == nil {
		return false
	}

	select {
	case ch <- chunk:
		return true
	default:
		return false
	}
}

func (r *Recorder) collect(chunks <-chan []byte, stop <-chan struct{}) {
	defer r.wg.Done()

	for {
		select {
		case <-stop:
			// Drain whatever already arrived before the stop.
			for {
				select {
				case chunk := <-chunks:
					r.buffer(chunk)
				default:
					return
				}
			}
		case chunk := <-chunks:
			r.buffer(chunk)
		}
	}
}

func (r *Recorder) buffer(chunk []byte) {
	owned := make([]byte, len(chunk))
	copy(owned, chunk)

	r.mu.Lock()
	r.chunks = append(r.chunks, owned)
	r.frameCount++
	r.bytesBuffered += uint64(len(owned))
	frames, bytes := r.frameCount, r.bytesBuffered
	r.mu.Unlock()

	r.metrics.RecordingFrames.Store(frames)
	r.metrics.RecordingBytes.Store(bytes)
}

// Stop finalizes the recording: concatenates buffered chunks into a single
// timestamped file and releases the buffers. Stopping an already-stopped
// recorder is a no-op.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return nil
	}
	r.recording = false
	stop := r.stopChan
	r.mu.Unlock()

	close(stop)
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()

	filename := fmt.Sprintf("%s_%s_%d.mjpeg", r.app, r.kind, time.Now().UnixMilli())
	path := filepath.Join(r.basePath, filename)

	total := 0
	for _, c := range r.chunks {
		total += len(c)
	}
	blob := make([]byte, 0, total)
	for _, c := range r.chunks {
		blob = append(blob, c...)
	}

	// Buffers are released regardless of the write outcome.
	r.chunks = nil
	r.chunkChan = nil
	r.metrics.RecordingActive.Store(0)
	r.cue.Descending()

	if err := os.WriteFile(path, blob, 0644); err != nil {
		return fmt.Errorf("failed to write recording: %w", err)
	}

	r.lastFile = filename
	logger.Info("Recorder", "Recording stopped (id=%s, file=%s, frames=%d, bytes=%d)",
		r.id, filename, r.frameCount, total)
	return nil
}

// IsRecording returns true while a recording session is active.
func (r *Recorder) IsRecording() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recording
}

// LastFile returns the filename of the most recently finished recording.
func (r *Recorder) LastFile() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastFile
}

// FilePath resolves a finished recording's filename to its path on disk.
func (r *Recorder) FilePath(filename string) string {
	return filepath.Join(r.basePath, filepath.Base(filename))
}

// GetStatus returns the current recording status.
func (r *Recorder) GetStatus() RecordingStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var duration time.Duration
	if r.recording {
		duration = time.Since(r.startTime)
	}

	return RecordingStatus{
		Recording:    r.recording,
		ID:           r.id,
		Kind:         r.kind,
		Filename:     r.lastFile,
		FrameCount:   r.frameCount,
		BytesWritten: r.bytesBuffered,
		Duration:     duration,
		StartTime:    r.startTime,
	}
}

// Close stops any active recording.
func (r *Recorder) Close() error {
	return r.Stop()
}
