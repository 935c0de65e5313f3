package session

import "github.com/posefit/posture-capture/capture-server/pkg/types"

// Event is a message consumed by the state machine's transition loop. User
// actions and device callbacks are both delivered this way, so every state
// change happens on the single transition goroutine.
type Event interface {
	isEvent()
}

// SelectSource chooses a camera or file source and enters Live/Playback.
type SelectSource struct {
	Kind   types.SourceKind
	Facing types.Facing
	Path   string // File sources only
}

// TogglePause switches between Live/Playback and Paused.
type TogglePause struct{}

// SwitchFacing toggles the camera facing mode (live sources only).
type SwitchFacing struct{}

// RequestCapture starts the capture countdown if a usable snapshot exists.
type RequestCapture struct{}

// DimensionsChanged reports new native source dimensions.
type DimensionsChanged struct {
	Dims types.Dimensions
}

// Exit leaves the capture screen and tears down all device resources.
type Exit struct{}

// countdownTick is the internal one-second countdown pulse.
type countdownTick struct{}

func (SelectSource) isEvent()      {}
func (TogglePause) isEvent()       {}
func (SwitchFacing) isEvent()      {}
func (RequestCapture) isEvent()    {}
func (DimensionsChanged) isEvent() {}
func (Exit) isEvent()              {}
func (countdownTick) isEvent()     {}
