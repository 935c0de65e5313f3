package detect

import (
	"context"

	"github.com/posefit/posture-capture/capture-server/pkg/types"
)

// Detector is the external landmark detector contract: one video frame in,
// one normalized landmark snapshot out. The caller must never invoke Detect
// concurrently. The detector guarantees eventual settlement but not a bounded
// time, hence the scheduler-side recovery timeout.
type Detector interface {
	Detect(ctx context.Context, frame *types.VideoFrame) (*types.LandmarkSnapshot, error)
}

// FrameSource supplies the most recent ready frame, or nil.
type FrameSource interface {
	LatestFrame() *types.VideoFrame
}
