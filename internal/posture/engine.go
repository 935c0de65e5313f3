package posture

import (
	"math"

	"github.com/posefit/posture-capture/capture-server/pkg/types"
)

// Issue labels attached to computed metrics. The pelvic label carries no
// direction while the shoulder labels do; both follow the established report
// format.
const (
	IssueLeftShoulderHigh  = "left shoulder high"
	IssueRightShoulderHigh = "right shoulder high"
	IssuePelvicTilt        = "pelvic tilt"
	IssueForwardHead       = "forward head"
)

const (
	// angleThresholdDeg flags a shoulder or pelvic line as tilted.
	angleThresholdDeg = 3.0

	// forwardHeadIssueThreshold flags the forward-head issue label.
	// forwardHeadPenaltyThreshold triggers the score penalty. The two are
	// independent constants on purpose.
	forwardHeadIssueThreshold   = 0.1
	forwardHeadPenaltyThreshold = 0.05

	anglePenaltyPerDegree = 5.0
	forwardHeadPenalty    = 20.0
)

// Compute derives posture metrics from exactly one landmark snapshot.
// Returns nil if the snapshot has no landmarks. Pure and deterministic: no
// side effects, no timing dependency, bit-for-bit reproducible for the same
// snapshot.
func Compute(snap *types.LandmarkSnapshot) *types.PostureMetrics {
	if snap.Empty() || len(snap.Landmarks) < types.LandmarkCount {
		return nil
	}

	shoulderAngle := lineAngleDeg(snap.At(types.IdxLeftShoulder), snap.At(types.IdxRightShoulder))
	pelvicAngle := lineAngleDeg(snap.At(types.IdxLeftHip), snap.At(types.IdxRightHip))

	// Horizontal ear-over-shoulder offset, assuming a side-view capture.
	forwardHead := snap.At(types.IdxLeftEar).X - snap.At(types.IdxLeftShoulder).X

	issues := make([]string, 0, 4)
	switch {
	case shoulderAngle > angleThresholdDeg:
		issues = append(issues, IssueLeftShoulderHigh)
	case shoulderAngle < -angleThresholdDeg:
		issues = append(issues, IssueRightShoulderHigh)
	}
	if math.Abs(pelvicAngle) > angleThresholdDeg {
		issues = append(issues, IssuePelvicTilt)
	}
	if forwardHead > forwardHeadIssueThreshold {
		issues = append(issues, IssueForwardHead)
	}

	score := 100.0
	score -= anglePenaltyPerDegree * math.Abs(shoulderAngle)
	score -= anglePenaltyPerDegree * math.Abs(pelvicAngle)
	if forwardHead > forwardHeadPenaltyThreshold {
		score -= forwardHeadPenalty
	}
	score = math.Round(math.Min(100, math.Max(0, score)))

	return &types.PostureMetrics{
		ShoulderAngle:      shoulderAngle,
		PelvicAngle:        pelvicAngle,
		RoundShoulderIndex: forwardHead,
		Score:              int(score),
		Issues:             issues,
	}
}

// lineAngleDeg returns the angle in degrees of the left-to-right landmark
// line. Image-space y grows downward, so a positive angle means the right
// point sits lower than the left one.
func lineAngleDeg(left, right types.Landmark) float64 {
	return math.Atan2(right.Y-left.Y, right.X-left.X) * 180 / math.Pi
}
