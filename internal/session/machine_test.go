package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/posefit/posture-capture/capture-server/internal/detect"
	"github.com/posefit/posture-capture/capture-server/internal/metrics"
	"github.com/posefit/posture-capture/capture-server/internal/overlay"
	"github.com/posefit/posture-capture/capture-server/internal/quality"
	"github.com/posefit/posture-capture/capture-server/internal/recorder"
	"github.com/posefit/posture-capture/capture-server/internal/source"
	"github.com/posefit/posture-capture/capture-server/internal/store"
	"github.com/posefit/posture-capture/capture-server/internal/voice"
	"github.com/posefit/posture-capture/capture-server/pkg/types"
)

type testStream struct {
	frames chan *types.VideoFrame
	info   chan types.Dimensions

	mu      sync.Mutex
	stopped bool
}

func newTestStream() *testStream {
	s := &testStream{
		frames: make(chan *types.VideoFrame, 4),
		info:   make(chan types.Dimensions, 1),
	}
	s.info <- types.Dimensions{Width: 64, Height: 48}
	s.frames <- &types.VideoFrame{
		Pix:       make([]byte, 64*48*4),
		Width:     64,
		Height:    48,
		Timestamp: time.Now(),
		Seq:       1,
	}
	return s
}

func (s *testStream) Frames() <-chan *types.VideoFrame { return s.frames }
func (s *testStream) Info() <-chan types.Dimensions    { return s.info }

func (s *testStream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
}

func (s *testStream) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

type testDevice struct {
	mu      sync.Mutex
	fail    bool
	streams []*testStream
}

func (d *testDevice) Open(ctx context.Context, c source.Constraints) (source.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return nil, errors.New("device gone")
	}
	s := newTestStream()
	d.streams = append(d.streams, s)
	return s, nil
}

func (d *testDevice) lastStream() *testStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.streams) == 0 {
		return nil
	}
	return d.streams[len(d.streams)-1]
}

type testDetector struct {
	err error
}

func (d testDetector) Detect(ctx context.Context, frame *types.VideoFrame) (*types.LandmarkSnapshot, error) {
	if d.err != nil {
		return nil, d.err
	}
	lms := make([]types.Landmark, types.LandmarkCount)
	for i := range lms {
		lms[i] = types.Landmark{X: 0.5, Y: 0.5, Visibility: 0.9}
	}
	return &types.LandmarkSnapshot{Landmarks: lms, Timestamp: frame.Timestamp}, nil
}

type testHarness struct {
	machine  *Machine
	camera   *testDevice
	file     *testDevice
	metrics  *metrics.Metrics
	store    *store.Store
	captured chan types.PostureMetrics
	streams  chan source.Stream
}

func newHarness(t *testing.T) *testHarness {
	return newHarnessWithDetector(t, testDetector{})
}

func newHarnessWithDetector(t *testing.T, det detect.Detector) *testHarness {
	t.Helper()

	m := metrics.New()
	camera := &testDevice{}
	file := &testDevice{}
	sources := source.NewManager(camera, file)
	scheduler := detect.NewScheduler(det, sources, 5*time.Millisecond, 200*time.Millisecond, m)
	monitor := quality.NewMonitor(voice.Nop{}, "en-US", time.Second, m)
	rec := recorder.NewRecorder(t.TempDir(), "posecoach", voice.Nop{}, m)
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}

	h := &testHarness{
		camera:   camera,
		file:     file,
		metrics:  m,
		store:    st,
		captured: make(chan types.PostureMetrics, 1),
		streams:  make(chan source.Stream, 4),
	}

	h.machine = NewMachine(Deps{
		Sources:       sources,
		Scheduler:     scheduler,
		Monitor:       monitor,
		Recorder:      rec,
		Compositor:    overlay.NewCompositor(80),
		Store:         st,
		Announcer:     voice.Nop{},
		Metrics:       m,
		CountdownFrom: 2,
		TickEvery:     10 * time.Millisecond,
		OnCaptured:    func(pm types.PostureMetrics) { h.captured <- pm },
		OnStream:      func(s source.Stream) { h.streams <- s },
	})

	ctx, cancel := context.WithCancel(context.Background())
	scheduler.Start(ctx)
	h.machine.Start(ctx)
	t.Cleanup(func() {
		h.machine.Stop()
		scheduler.Stop()
		cancel()
	})
	return h
}

func (h *testHarness) waitState(t *testing.T, want types.SessionState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.machine.Session().State == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("state = %q, want %q", h.machine.Session().State, want)
}

func TestSelectCameraSource(t *testing.T) {
	h := newHarness(t)

	h.machine.Dispatch(SelectSource{Kind: types.SourceLive, Facing: types.FacingFront})
	h.waitState(t, types.StateLive)

	sess := h.machine.Session()
	if sess.ID == "" {
		t.Error("session has no ID")
	}
	if sess.SourceKind != types.SourceLive || sess.Facing != types.FacingFront {
		t.Errorf("session = %+v, want live/front", sess)
	}

	select {
	case <-h.streams:
	case <-time.After(time.Second):
		t.Error("OnStream never fired")
	}
}

func TestSelectCameraDeviceUnavailable(t *testing.T) {
	h := newHarness(t)
	h.camera.fail = true

	h.machine.Dispatch(SelectSource{Kind: types.SourceLive, Facing: types.FacingFront})

	// The machine stays on source selection and the session is not created.
	time.Sleep(50 * time.Millisecond)
	sess := h.machine.Session()
	if sess.State != types.StateSourceSelect || sess.ID != "" {
		t.Errorf("session = %+v, want empty source_select", sess)
	}
}

func TestCaptureRejectedWithoutSnapshot(t *testing.T) {
	// The detector never succeeds, so no snapshot ever exists.
	h := newHarnessWithDetector(t, testDetector{err: errors.New("inference down")})

	h.machine.Dispatch(SelectSource{Kind: types.SourceLive, Facing: types.FacingFront})
	h.waitState(t, types.StateLive)

	h.machine.Dispatch(RequestCapture{})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && h.metrics.CapturesRejected.Load() == 0 {
		time.Sleep(2 * time.Millisecond)
	}
	if got := h.metrics.CapturesRejected.Load(); got != 1 {
		t.Fatalf("rejected = %d, want 1", got)
	}
	if got := h.machine.Session().State; got != types.StateLive {
		t.Errorf("state = %q, want live (silent rejection)", got)
	}
}

func TestCaptureCountdownToCaptured(t *testing.T) {
	h := newHarness(t)

	h.machine.Dispatch(SelectSource{Kind: types.SourceLive, Facing: types.FacingFront})
	h.waitState(t, types.StateLive)

	// Wait for the detection loop to produce a usable snapshot.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && h.machine.deps.Scheduler.Latest() == nil {
		time.Sleep(2 * time.Millisecond)
	}
	if h.machine.deps.Scheduler.Latest() == nil {
		t.Fatal("no snapshot produced")
	}

	h.machine.Dispatch(RequestCapture{})
	h.waitState(t, types.StateCaptured)

	select {
	case pm := <-h.captured:
		if pm.Score != 100 {
			t.Errorf("captured score = %d, want 100 for a centered body", pm.Score)
		}
	case <-time.After(time.Second):
		t.Fatal("OnCaptured never fired")
	}

	if got := h.metrics.CapturesCompleted.Load(); got != 1 {
		t.Errorf("completed = %d, want 1", got)
	}

	// Metrics and stage are persisted for the report consumer.
	if _, ok, err := h.store.LoadMetrics(); err != nil || !ok {
		t.Errorf("LoadMetrics = ok=%v err=%v, want persisted metrics", ok, err)
	}
	if stage, ok, _ := h.store.LoadStage(); !ok || stage != types.StateCaptured {
		t.Errorf("persisted stage = %q ok=%v, want captured", stage, ok)
	}
}

func TestTogglePause(t *testing.T) {
	h := newHarness(t)

	h.machine.Dispatch(SelectSource{Kind: types.SourceLive, Facing: types.FacingFront})
	h.waitState(t, types.StateLive)

	h.machine.Dispatch(TogglePause{})
	h.waitState(t, types.StatePaused)
	if !h.machine.Session().IsPaused {
		t.Error("IsPaused = false in paused state")
	}

	h.machine.Dispatch(TogglePause{})
	h.waitState(t, types.StateLive)
	if h.machine.Session().IsPaused {
		t.Error("IsPaused = true after resume")
	}
}

// Capturing from file playback freezes the frame first.
func TestFileCaptureAutoPauses(t *testing.T) {
	h := newHarness(t)

	h.machine.Dispatch(SelectSource{Kind: types.SourceFile, Path: "clip.mjpeg"})
	h.waitState(t, types.StateLive)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && h.machine.deps.Scheduler.Latest() == nil {
		time.Sleep(2 * time.Millisecond)
	}

	h.machine.Dispatch(RequestCapture{})
	h.waitState(t, types.StateCaptured)
	if !h.machine.Session().IsPaused {
		t.Error("file capture did not pause playback")
	}
}

func TestSwitchFacing(t *testing.T) {
	h := newHarness(t)

	h.machine.Dispatch(SelectSource{Kind: types.SourceLive, Facing: types.FacingFront})
	h.waitState(t, types.StateLive)
	first := h.camera.lastStream()

	h.machine.Dispatch(SwitchFacing{})
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && h.machine.Session().Facing != types.FacingBack {
		time.Sleep(2 * time.Millisecond)
	}
	if got := h.machine.Session().Facing; got != types.FacingBack {
		t.Fatalf("facing = %q, want back", got)
	}
	if !first.isStopped() {
		t.Error("previous stream not stopped on facing switch")
	}
}

func TestExitTearsDown(t *testing.T) {
	h := newHarness(t)

	h.machine.Dispatch(SelectSource{Kind: types.SourceLive, Facing: types.FacingFront})
	h.waitState(t, types.StateLive)
	stream := h.camera.lastStream()

	h.machine.Dispatch(Exit{})
	h.waitState(t, types.StateSourceSelect)

	if !stream.isStopped() {
		t.Error("stream not released on exit")
	}
	if stage, ok, _ := h.store.LoadStage(); !ok || stage != types.StateSourceSelect {
		t.Errorf("persisted stage = %q ok=%v, want source_select", stage, ok)
	}
}

// A request can land before the event loop is running; the event is buffered
// and handled once Start is called, not a nil-context panic.
func TestDispatchBeforeStart(t *testing.T) {
	m := metrics.New()
	camera := &testDevice{}
	sources := source.NewManager(camera, &testDevice{})
	scheduler := detect.NewScheduler(testDetector{}, sources, 5*time.Millisecond, 200*time.Millisecond, m)
	monitor := quality.NewMonitor(voice.Nop{}, "en-US", time.Second, m)
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}

	machine := NewMachine(Deps{
		Sources:   sources,
		Scheduler: scheduler,
		Monitor:   monitor,
		Store:     st,
		Metrics:   m,
	})

	machine.Dispatch(SelectSource{Kind: types.SourceLive, Facing: types.FacingFront})

	ctx, cancel := context.WithCancel(context.Background())
	machine.Start(ctx)
	t.Cleanup(func() {
		machine.Stop()
		cancel()
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && machine.Session().State != types.StateLive {
		time.Sleep(2 * time.Millisecond)
	}
	if got := machine.Session().State; got != types.StateLive {
		t.Fatalf("state = %q, want live after the buffered event", got)
	}

	// After the loop has exited further dispatches are dropped, not blocked.
	machine.Stop()
	machine.Dispatch(Exit{})
}
