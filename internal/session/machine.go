package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/posefit/posture-capture/capture-server/internal/detect"
	"github.com/posefit/posture-capture/capture-server/internal/logger"
	"github.com/posefit/posture-capture/capture-server/internal/metrics"
	"github.com/posefit/posture-capture/capture-server/internal/overlay"
	"github.com/posefit/posture-capture/capture-server/internal/posture"
	"github.com/posefit/posture-capture/capture-server/internal/quality"
	"github.com/posefit/posture-capture/capture-server/internal/recorder"
	"github.com/posefit/posture-capture/capture-server/internal/source"
	"github.com/posefit/posture-capture/capture-server/internal/store"
	"github.com/posefit/posture-capture/capture-server/pkg/types"
)

// Deps are the collaborators the state machine coordinates.
type Deps struct {
	Sources    *source.Manager
	Scheduler  *detect.Scheduler
	Monitor    *quality.Monitor
	Recorder   *recorder.Recorder
	Compositor *overlay.Compositor
	Store      *store.Store
	Announcer  quality.Announcer
	Metrics    *metrics.Metrics

	// CountdownFrom is the starting countdown value (default 3).
	CountdownFrom int
	// TickEvery is the countdown tick period (default 1s).
	TickEvery time.Duration

	// OnCaptured receives the frozen posture metrics when a capture lands.
	OnCaptured func(types.PostureMetrics)
	// OnStream is invoked whenever a new stream is acquired, so callers can
	// attach preview consumers.
	OnStream func(source.Stream)
}

// Machine is the capture state machine: it owns the session lifecycle across
// source selection, pause, facing switches, countdown, capture, and exit.
// All transitions run on a single event loop goroutine.
type Machine struct {
	deps Deps

	events   chan Event
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	quit     chan struct{}
	quitOnce sync.Once

	mu        sync.Mutex
	session   types.CaptureSession
	frozen    *types.PostureMetrics
	countdown int
	timer     *time.Timer
}

// NewMachine creates a machine in the SourceSelect state.
func NewMachine(deps Deps) *Machine {
	if deps.CountdownFrom <= 0 {
		deps.CountdownFrom = 3
	}
	if deps.TickEvery <= 0 {
		deps.TickEvery = time.Second
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	return &Machine{
		deps:   deps,
		events: make(chan Event, 16),
		quit:   make(chan struct{}),
		session: types.CaptureSession{
			State: types.StateSourceSelect,
		},
	}
}

// Start launches the transition loop and hooks device callbacks into the
// event stream.
func (m *Machine) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)

	if m.deps.Sources != nil {
		m.deps.Sources.OnDimensions(func(d types.Dimensions) {
			m.Dispatch(DimensionsChanged{Dims: d})
		})
	}
	if m.deps.Scheduler != nil && m.deps.Monitor != nil {
		m.deps.Scheduler.OnSnapshot(func(snap *types.LandmarkSnapshot) {
			m.deps.Monitor.Evaluate(snap)
		})
	}

	m.wg.Add(1)
	go m.run()
}

// Stop tears the session down and stops the loop.
func (m *Machine) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	m.wg.Wait()
}

// Dispatch delivers an event to the transition loop. Events dispatched before
// Start are buffered and handled once the loop is running; events dispatched
// after the loop exits are dropped.
func (m *Machine) Dispatch(ev Event) {
	select {
	case m.events <- ev:
	case <-m.quit:
	}
}

// Session returns a copy of the current session state.
func (m *Machine) Session() types.CaptureSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.session
	s.Countdown = m.countdown
	if m.deps.Recorder != nil {
		s.IsRecording = m.deps.Recorder.IsRecording()
	}
	return s
}

func (m *Machine) run() {
	defer m.wg.Done()
	defer m.quitOnce.Do(func() { close(m.quit) })

	for {
		select {
		case <-m.ctx.Done():
			m.teardown()
			return
		case ev := <-m.events:
			m.transition(ev)
		}
	}
}

func (m *Machine) transition(ev Event) {
	switch e := ev.(type) {
	case SelectSource:
		m.selectSource(e)
	case TogglePause:
		m.togglePause()
	case SwitchFacing:
		m.switchFacing()
	case RequestCapture:
		m.requestCapture()
	case countdownTick:
		m.tickCountdown()
	case DimensionsChanged:
		if m.deps.Compositor != nil {
			m.deps.Compositor.Resize(e.Dims)
		}
	case Exit:
		m.teardown()
	}
}

func (m *Machine) selectSource(e SelectSource) {
	var (
		stream source.Stream
		err    error
	)

	switch e.Kind {
	case types.SourceFile:
		stream, err = m.deps.Sources.AcquireFile(m.ctx, e.Path)
	default:
		e.Kind = types.SourceLive
		stream, err = m.deps.Sources.AcquireCamera(m.ctx, e.Facing)
	}

	if err != nil {
		if errors.Is(err, source.ErrDeviceUnavailable) {
			// Camera mode is abandoned; the user stays on source selection.
			logger.Error("Session", "Device unavailable: %v", err)
		} else {
			logger.Error("Session", "Source acquisition failed: %v", err)
		}
		m.setState(func(s *types.CaptureSession) {
			*s = types.CaptureSession{State: types.StateSourceSelect}
		})
		m.persistStage(types.StateSourceSelect)
		return
	}

	m.deps.Scheduler.Reset()
	m.deps.Scheduler.SetEnabled(true)
	m.deps.Scheduler.SetPaused(false)
	m.deps.Monitor.SetMirrored(e.Kind == types.SourceLive && e.Facing == types.FacingFront)
	m.deps.Monitor.SetEnabled(true)

	m.setState(func(s *types.CaptureSession) {
		*s = types.CaptureSession{
			ID:         uuid.NewString(),
			SourceKind: e.Kind,
			Facing:     e.Facing,
			State:      types.StateLive,
		}
	})
	m.clearCountdown()
	m.persistStage(types.StateLive)

	if m.deps.OnStream != nil {
		m.deps.OnStream(stream)
	}
	logger.Info("Session", "Source selected (kind=%s, facing=%s)", e.Kind, e.Facing)
}

func (m *Machine) togglePause() {
	switch m.state() {
	case types.StateLive:
		m.pause()
	case types.StatePaused:
		m.deps.Scheduler.SetPaused(false)
		m.deps.Monitor.SetEnabled(true)
		m.setState(func(s *types.CaptureSession) {
			s.State = types.StateLive
			s.IsPaused = false
		})
		logger.Info("Session", "Resumed")
	}
}

func (m *Machine) pause() {
	m.deps.Scheduler.SetPaused(true)
	m.deps.Monitor.SetEnabled(false)
	m.setState(func(s *types.CaptureSession) {
		s.State = types.StatePaused
		s.IsPaused = true
	})
	logger.Info("Session", "Paused")
}

func (m *Machine) switchFacing() {
	cur := m.Session()
	if cur.SourceKind != types.SourceLive ||
		(cur.State != types.StateLive && cur.State != types.StatePaused) {
		return
	}

	facing := types.FacingFront
	if cur.Facing == types.FacingFront {
		facing = types.FacingBack
	}

	// The manager stops the old stream before acquiring the new one.
	stream, err := m.deps.Sources.AcquireCamera(m.ctx, facing)
	if err != nil {
		logger.Error("Session", "Facing switch failed: %v", err)
		m.deps.Scheduler.SetEnabled(false)
		m.deps.Monitor.SetEnabled(false)
		m.setState(func(s *types.CaptureSession) {
			*s = types.CaptureSession{State: types.StateSourceSelect}
		})
		m.persistStage(types.StateSourceSelect)
		return
	}

	m.deps.Scheduler.Reset()
	m.deps.Monitor.SetMirrored(facing == types.FacingFront)
	m.setState(func(s *types.CaptureSession) {
		s.Facing = facing
	})
	if m.deps.OnStream != nil {
		m.deps.OnStream(stream)
	}
	logger.Info("Session", "Facing switched to %s", facing)
}

// requestCapture starts the countdown only when the most recent detector
// result yields a metric computation; otherwise the command is ignored with
// no transition and no side effect.
func (m *Machine) requestCapture() {
	st := m.state()
	if st != types.StateLive && st != types.StatePaused {
		return
	}

	snap := m.deps.Scheduler.Latest()
	pm := posture.Compute(snap)
	if pm == nil {
		m.deps.Metrics.CapturesRejected.Add(1)
		logger.Debug("Session", "Capture rejected: no usable snapshot")
		return
	}

	// In file-playback mode an imminent capture freezes the frame under
	// analysis.
	cur := m.Session()
	if cur.SourceKind == types.SourceFile && st == types.StateLive {
		m.pause()
	}

	m.mu.Lock()
	m.frozen = pm
	m.countdown = m.deps.CountdownFrom
	m.session.State = types.StateCountdown
	m.mu.Unlock()

	m.scheduleTick()
	logger.Info("Session", "Capture countdown started (%d)", m.deps.CountdownFrom)
}

func (m *Machine) tickCountdown() {
	m.mu.Lock()
	if m.session.State != types.StateCountdown {
		m.mu.Unlock()
		return
	}
	m.countdown--
	remaining := m.countdown
	frozen := m.frozen
	if remaining > 0 {
		m.mu.Unlock()
		m.scheduleTick()
		return
	}
	m.session.State = types.StateCaptured
	m.frozen = nil
	m.mu.Unlock()

	m.deps.Metrics.CapturesCompleted.Add(1)
	if m.deps.Store != nil {
		if err := m.deps.Store.SaveMetrics(frozen); err != nil {
			logger.Warn("Session", "Failed to persist metrics: %v", err)
		}
	}
	m.persistStage(types.StateCaptured)
	if m.deps.OnCaptured != nil && frozen != nil {
		m.deps.OnCaptured(*frozen)
	}
	logger.Info("Session", "Captured (score=%d, issues=%d)", frozen.Score, len(frozen.Issues))
}

func (m *Machine) scheduleTick() {
	m.mu.Lock()
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.deps.TickEvery, func() {
		m.Dispatch(countdownTick{})
	})
	m.mu.Unlock()
}

func (m *Machine) clearCountdown() {
	m.mu.Lock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.countdown = 0
	m.frozen = nil
	m.mu.Unlock()
}

// teardown releases every device resource: camera tracks, the detection
// loop's work, pending timers, the in-flight recorder, and any speech.
func (m *Machine) teardown() {
	m.clearCountdown()

	if m.deps.Recorder != nil {
		if err := m.deps.Recorder.Stop(); err != nil {
			logger.Warn("Session", "Recorder stop during teardown: %v", err)
		}
	}
	m.deps.Scheduler.SetEnabled(false)
	m.deps.Monitor.SetEnabled(false)
	if m.deps.Announcer != nil {
		m.deps.Announcer.Cancel()
	}
	m.deps.Sources.Release()
	m.deps.Scheduler.Reset()

	m.setState(func(s *types.CaptureSession) {
		*s = types.CaptureSession{State: types.StateSourceSelect}
	})
	m.persistStage(types.StateSourceSelect)
	logger.Info("Session", "Session torn down")
}

func (m *Machine) state() types.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.State
}

func (m *Machine) setState(mutate func(*types.CaptureSession)) {
	m.mu.Lock()
	mutate(&m.session)
	m.mu.Unlock()
}

func (m *Machine) persistStage(stage types.SessionState) {
	if m.deps.Store == nil {
		return
	}
	if err := m.deps.Store.SaveStage(stage); err != nil {
		logger.Warn("Session", "Failed to persist stage: %v", err)
	}
}
