package detect

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/posefit/posture-capture/capture-server/internal/logger"
	"github.com/posefit/posture-capture/capture-server/internal/metrics"
	"github.com/posefit/posture-capture/capture-server/pkg/types"
)

// flightState makes the single-flight discipline explicit so the liveness
// guarantee is auditable: idle -> pending -> (settled back to idle | timedOut).
// A pending request blocks admission; a timed-out one does not.
type flightState int

const (
	flightIdle flightState = iota
	flightPending
	flightTimedOut
)

// Scheduler drives detector calls at the display cadence without ever
// allowing two concurrent invocations, and without letting a hung call starve
// future frames: each accepted request starts a recovery timer that force-
// releases the single-flight slot. Worst-case staleness of detection results
// is bounded by the timeout.
type Scheduler struct {
	detector Detector
	frames   FrameSource
	interval time.Duration
	timeout  time.Duration
	metrics  *metrics.Metrics

	enabled atomic.Bool
	paused  atomic.Bool

	mu    sync.Mutex
	state flightState
	seq   uint64
	timer *time.Timer

	latest     atomic.Pointer[types.LandmarkSnapshot]
	onSnapshot func(*types.LandmarkSnapshot)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler over the given detector and frame source.
func NewScheduler(detector Detector, frames FrameSource, interval, timeout time.Duration, m *metrics.Metrics) *Scheduler {
	if m == nil {
		m = metrics.New()
	}
	return &Scheduler{
		detector: detector,
		frames:   frames,
		interval: interval,
		timeout:  timeout,
		metrics:  m,
	}
}

// OnSnapshot registers a callback invoked with each completed snapshot. Set
// before Start.
func (s *Scheduler) OnSnapshot(fn func(*types.LandmarkSnapshot)) {
	s.onSnapshot = fn
}

// Start begins the cooperative detection loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run()
}

// Stop terminates the loop and clears any outstanding recovery timer. An
// in-flight detector call is not canceled forcibly; its eventual result is
// discarded.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
}

// SetEnabled turns the detection loop on or off.
func (s *Scheduler) SetEnabled(enabled bool) {
	s.enabled.Store(enabled)
}

// SetPaused pauses or resumes detection without tearing the loop down.
func (s *Scheduler) SetPaused(paused bool) {
	s.paused.Store(paused)
}

// Latest returns the most recent completed snapshot, or nil.
func (s *Scheduler) Latest() *types.LandmarkSnapshot {
	return s.latest.Load()
}

// Reset clears the latest snapshot. Called on source switches so stale
// geometry from the previous source is never observed.
func (s *Scheduler) Reset() {
	s.latest.Store(nil)
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	logger.Info("Scheduler", "Detection loop started (interval=%s, timeout=%s)", s.interval, s.timeout)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			logger.Info("Scheduler", "Detection loop stopped")
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick runs once per display refresh: if detection is enabled, not paused,
// and a frame is ready, request a detection. A request is dropped (frame
// skipped) if a previous one has not yet settled.
func (s *Scheduler) tick() {
	if !s.enabled.Load() || s.paused.Load() {
		return
	}

	frame := s.frames.LatestFrame()
	if frame == nil {
		return
	}

	s.mu.Lock()
	if s.state == flightPending {
		s.mu.Unlock()
		s.metrics.DetectionsDropped.Add(1)
		return
	}
	s.state = flightPending
	s.seq++
	seq := s.seq
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.timeout, func() { s.recover(seq) })
	s.mu.Unlock()

	s.metrics.DetectionsRequested.Add(1)
	go s.invoke(seq, frame)
}

// recover force-clears the single-flight slot when the detector has not
// settled within the timeout, so one stuck call cannot block frames forever.
func (s *Scheduler) recover(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.seq != seq || s.state != flightPending {
		return
	}
	s.state = flightTimedOut
	s.metrics.DetectionsTimedOut.Add(1)
	logger.Warn("Scheduler", "Detection #%d exceeded %s, releasing slot", seq, s.timeout)
}

func (s *Scheduler) invoke(seq uint64, frame *types.VideoFrame) {
	start := time.Now()
	snap, err := s.detector.Detect(s.ctx, frame)

	s.mu.Lock()
	settledInFlight := s.seq == seq && s.state == flightPending
	if settledInFlight {
		s.state = flightIdle
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
	}
	s.mu.Unlock()

	if !settledInFlight {
		// The recovery timer released the slot first (or the scheduler moved
		// on). One stale result may leak; it is discarded here.
		s.metrics.DetectionsStale.Add(1)
		return
	}

	if err != nil {
		// Non-fatal: log and resume on the next tick.
		s.metrics.DetectionsFailed.Add(1)
		logger.Warn("Scheduler", "Detection #%d failed: %v", seq, err)
		return
	}

	if s.ctx.Err() != nil {
		return
	}

	s.metrics.DetectionsCompleted.Add(1)
	s.metrics.UpdateDetectLatency(time.Since(start))
	s.latest.Store(snap)
	if s.onSnapshot != nil {
		s.onSnapshot(snap)
	}
}
