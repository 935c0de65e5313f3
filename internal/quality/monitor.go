package quality

import (
	"sync"
	"time"

	"github.com/posefit/posture-capture/capture-server/internal/metrics"
	"github.com/posefit/posture-capture/capture-server/pkg/types"
)

// Announcer delivers spoken guidance to the external voice sink.
// Fire-and-forget; announcing replaces anything currently playing (latest
// alert always wins, no queueing of stale messages).
type Announcer interface {
	Announce(message, locale string)
	Cancel()
}

// Framing rule constants. Positions are normalized to [0,1].
const (
	topMargin     = 0.05
	bottomMargin  = 0.95
	leftMargin    = 0.05
	rightMargin   = 0.95
	minVisibility = 0.55

	// DefaultAlertWindow is the minimum gap between spoken alerts.
	DefaultAlertWindow = 10 * time.Second
)

// User-facing guidance messages.
const (
	MsgNoBody      = "No body detected"
	MsgMoveDown    = "Move down a little"
	MsgMoveUp      = "Move up a little"
	MsgMoveLeft    = "Move to your left"
	MsgMoveRight   = "Move to your right"
	MsgStepBackFit = "Step back and fit your whole body in the frame"
	MsgStepBackVis = "Step back so your whole body is visible"
)

// criticalLandmarks must all be confidently visible for a usable capture.
var criticalLandmarks = []int{
	types.IdxNose,
	types.IdxLeftWrist, types.IdxRightWrist,
	types.IdxLeftHip, types.IdxRightHip,
	types.IdxLeftAnkle, types.IdxRightAnkle,
	types.IdxLeftFootIndex, types.IdxRightFootIndex,
}

// footRegion are the landmarks checked against the bottom frame edge.
var footRegion = []int{
	types.IdxLeftAnkle, types.IdxRightAnkle,
	types.IdxLeftHeel, types.IdxRightHeel,
	types.IdxLeftFootIndex, types.IdxRightFootIndex,
}

// Monitor classifies each snapshot against the framing rules and emits at
// most one alert per evaluation tick, with voice-alert throttling.
type Monitor struct {
	announcer Announcer
	locale    string
	window    time.Duration
	metrics   *metrics.Metrics
	now       func() time.Time

	mu         sync.Mutex
	enabled    bool
	mirrored   bool
	current    types.FrameAlert
	lastSpoken time.Time
}

// NewMonitor creates a monitor speaking through the given announcer.
func NewMonitor(announcer Announcer, locale string, window time.Duration, m *metrics.Metrics) *Monitor {
	if window <= 0 {
		window = DefaultAlertWindow
	}
	if m == nil {
		m = metrics.New()
	}
	return &Monitor{
		announcer: announcer,
		locale:    locale,
		window:    window,
		metrics:   m,
		now:       time.Now,
	}
}

// SetEnabled turns evaluation on or off. Disabling clears the current alert
// and cancels any in-flight speech; the monitor is disabled whenever
// detection is off or playback is paused.
func (m *Monitor) SetEnabled(enabled bool) {
	m.mu.Lock()
	m.enabled = enabled
	if !enabled {
		m.current = types.FrameAlert{}
	}
	m.mu.Unlock()

	if !enabled && m.announcer != nil {
		m.announcer.Cancel()
	}
}

// SetMirrored flips the horizontal guidance directions. Set when the facing
// mode presents a mirrored view.
func (m *Monitor) SetMirrored(mirrored bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mirrored = mirrored
}

// Alert returns the alert from the latest evaluation tick.
func (m *Monitor) Alert() types.FrameAlert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Evaluate classifies the snapshot and returns the resulting alert. The alert
// supersedes the previous tick's alert entirely. A spoken alert is dispatched
// at most once per throttle window regardless of how often the message
// changes.
func (m *Monitor) Evaluate(snap *types.LandmarkSnapshot) types.FrameAlert {
	m.mu.Lock()

	if !m.enabled {
		m.current = types.FrameAlert{}
		m.mu.Unlock()
		return types.FrameAlert{}
	}

	message := classify(snap, m.mirrored)
	changed := message != "" && message != m.current.Message
	m.current = types.FrameAlert{Message: message}

	speak := false
	if message != "" {
		if m.now().Sub(m.lastSpoken) >= m.window {
			m.lastSpoken = m.now()
			speak = true
		}
	}
	m.mu.Unlock()

	if changed {
		m.metrics.AlertsRaised.Add(1)
	}
	if message != "" {
		if speak {
			m.metrics.AlertsSpoken.Add(1)
			if m.announcer != nil {
				m.announcer.Announce(message, m.locale)
			}
		} else {
			m.metrics.AlertsThrottled.Add(1)
		}
	}

	return types.FrameAlert{Message: message}
}

// classify applies the framing rules in order: missing body, boundary checks
// (with the multi-violation override), then critical-landmark visibility.
func classify(snap *types.LandmarkSnapshot, mirrored bool) string {
	if snap.Empty() || len(snap.Landmarks) < types.LandmarkCount {
		return MsgNoBody
	}

	var top, bottom, left, right bool

	if snap.At(types.IdxNose).Y < topMargin {
		top = true
	}
	for _, idx := range footRegion {
		if snap.At(idx).Y > bottomMargin {
			bottom = true
			break
		}
	}
	for _, lm := range snap.Landmarks {
		if lm.X < leftMargin {
			left = true
		}
		if lm.X > rightMargin {
			right = true
		}
	}

	violations := 0
	for _, v := range []bool{top, bottom, left, right} {
		if v {
			violations++
		}
	}

	// More than one edge violated at once means the body cannot be recentered
	// by a single directional move.
	if violations > 1 {
		return MsgStepBackFit
	}

	switch {
	case top:
		return MsgMoveDown
	case bottom:
		return MsgMoveUp
	case left:
		if mirrored {
			return MsgMoveLeft
		}
		return MsgMoveRight
	case right:
		if mirrored {
			return MsgMoveRight
		}
		return MsgMoveLeft
	}

	for _, idx := range criticalLandmarks {
		if snap.At(idx).Visibility < minVisibility {
			return MsgStepBackVis
		}
	}

	return ""
}
