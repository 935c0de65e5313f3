package types

// SourceKind identifies where the pixel source comes from.
type SourceKind string

const (
	SourceLive SourceKind = "live"
	SourceFile SourceKind = "file"
)

// Facing identifies the requested camera facing mode.
type Facing string

const (
	FacingFront Facing = "front"
	FacingBack  Facing = "back"
)

// SessionState is the capture state machine's current state.
type SessionState string

const (
	StateSourceSelect SessionState = "source_select"
	StateLive         SessionState = "live"
	StatePaused       SessionState = "paused"
	StateCountdown    SessionState = "countdown"
	StateCaptured     SessionState = "captured"
)

// CaptureSession describes the active capture session. Created when a source
// is selected, mutated only by the state machine, destroyed on exit.
type CaptureSession struct {
	ID          string       `json:"id"`
	SourceKind  SourceKind   `json:"source_kind"`
	Facing      Facing       `json:"facing"`
	State       SessionState `json:"state"`
	Countdown   int          `json:"countdown,omitempty"`
	IsPaused    bool         `json:"is_paused"`
	IsRecording bool         `json:"is_recording"`
}

// PostureMetrics are the quantitative scores derived from exactly one
// landmark snapshot on a capture command. Immutable; owned by the downstream
// report consumer after creation.
type PostureMetrics struct {
	ShoulderAngle      float64  `json:"shoulder_angle"`
	PelvicAngle        float64  `json:"pelvic_angle"`
	RoundShoulderIndex float64  `json:"round_shoulder_index"`
	Score              int      `json:"score"`
	Issues             []string `json:"issues"`
}

// FrameAlert is the current framing guidance. Recomputed on every evaluation
// tick; an empty message means the frame is acceptable.
type FrameAlert struct {
	Message string `json:"message,omitempty"`
}
