package types

import "time"

// VideoFrame is a single decoded frame from the active pixel source.
// Pix holds tightly packed RGBA pixels (4 bytes per pixel, row-major).
type VideoFrame struct {
	Pix       []byte    // Raw RGBA pixel data
	Width     int       // Frame width in pixels
	Height    int       // Frame height in pixels
	Timestamp time.Time // Frame capture timestamp
	Seq       uint64    // Sequential frame number
}

// EncodedFrame is one hardware-encoded H.264 access unit from a live camera
// source. It feeds the WebRTC preview path only; recording captures the
// composited feed instead.
type EncodedFrame struct {
	Data      []byte    // Annex-B NAL units
	Timestamp time.Time // Frame capture timestamp
	Seq       uint64    // Sequential frame number
	IsIDR     bool      // True once the access unit is known to contain an IDR
}

// Dimensions are the native pixel dimensions of the active source. Dependents
// (compositor output size, recorder resolution) resynchronize to these
// whenever the source changes.
type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}
