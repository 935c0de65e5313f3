package posture

import (
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/posefit/posture-capture/capture-server/pkg/types"
)

// fullSnapshot builds a snapshot with every landmark centered and visible.
func fullSnapshot() *types.LandmarkSnapshot {
	lms := make([]types.Landmark, types.LandmarkCount)
	for i := range lms {
		lms[i] = types.Landmark{X: 0.5, Y: 0.5, Visibility: 0.9}
	}
	return &types.LandmarkSnapshot{Landmarks: lms, Timestamp: time.Now()}
}

func set(snap *types.LandmarkSnapshot, idx int, x, y float64) {
	snap.Landmarks[idx].X = x
	snap.Landmarks[idx].Y = y
}

func TestComputeLevelBody(t *testing.T) {
	snap := fullSnapshot()
	set(snap, types.IdxLeftShoulder, 0.40, 0.50)
	set(snap, types.IdxRightShoulder, 0.60, 0.50)
	set(snap, types.IdxLeftHip, 0.40, 0.70)
	set(snap, types.IdxRightHip, 0.60, 0.70)
	set(snap, types.IdxLeftEar, 0.40, 0.30)

	pm := Compute(snap)
	if pm == nil {
		t.Fatal("expected metrics, got nil")
	}
	if pm.ShoulderAngle != 0 {
		t.Errorf("shoulder angle = %v, want 0", pm.ShoulderAngle)
	}
	if pm.PelvicAngle != 0 {
		t.Errorf("pelvic angle = %v, want 0", pm.PelvicAngle)
	}
	if pm.Score != 100 {
		t.Errorf("score = %d, want 100", pm.Score)
	}
	if len(pm.Issues) != 0 {
		t.Errorf("issues = %v, want none", pm.Issues)
	}
}

func TestComputeRightShoulderHigh(t *testing.T) {
	snap := fullSnapshot()
	set(snap, types.IdxLeftShoulder, 0.40, 0.55)
	set(snap, types.IdxRightShoulder, 0.60, 0.50)
	set(snap, types.IdxLeftHip, 0.40, 0.70)
	set(snap, types.IdxRightHip, 0.60, 0.70)
	set(snap, types.IdxLeftEar, 0.40, 0.30)

	pm := Compute(snap)
	if pm == nil {
		t.Fatal("expected metrics, got nil")
	}

	want := math.Atan2(-0.05, 0.20) * 180 / math.Pi // about -14.04
	if math.Abs(pm.ShoulderAngle-want) > 1e-9 {
		t.Errorf("shoulder angle = %v, want %v", pm.ShoulderAngle, want)
	}
	if len(pm.Issues) != 1 || pm.Issues[0] != IssueRightShoulderHigh {
		t.Errorf("issues = %v, want [%q]", pm.Issues, IssueRightShoulderHigh)
	}
	// 100 - 5*14.036... rounds to 30.
	if pm.Score != 30 {
		t.Errorf("score = %d, want 30", pm.Score)
	}
}

func TestComputeForwardHeadIssue(t *testing.T) {
	snap := fullSnapshot()
	set(snap, types.IdxLeftShoulder, 0.40, 0.50)
	set(snap, types.IdxRightShoulder, 0.60, 0.50)
	set(snap, types.IdxLeftHip, 0.40, 0.70)
	set(snap, types.IdxRightHip, 0.60, 0.70)
	set(snap, types.IdxLeftEar, 0.52, 0.30) // 0.12 ahead of the shoulder

	pm := Compute(snap)
	if pm == nil {
		t.Fatal("expected metrics, got nil")
	}
	if len(pm.Issues) != 1 || pm.Issues[0] != IssueForwardHead {
		t.Errorf("issues = %v, want [%q]", pm.Issues, IssueForwardHead)
	}
	if pm.Score != 80 {
		t.Errorf("score = %d, want 80", pm.Score)
	}
	if math.Abs(pm.RoundShoulderIndex-0.12) > 1e-9 {
		t.Errorf("round shoulder index = %v, want 0.12", pm.RoundShoulderIndex)
	}
}

// An offset between the penalty and issue thresholds costs points without
// raising the issue label.
func TestComputeForwardHeadPenaltyOnly(t *testing.T) {
	snap := fullSnapshot()
	set(snap, types.IdxLeftShoulder, 0.40, 0.50)
	set(snap, types.IdxRightShoulder, 0.60, 0.50)
	set(snap, types.IdxLeftHip, 0.40, 0.70)
	set(snap, types.IdxRightHip, 0.60, 0.70)
	set(snap, types.IdxLeftEar, 0.48, 0.30) // 0.08 ahead

	pm := Compute(snap)
	if pm == nil {
		t.Fatal("expected metrics, got nil")
	}
	if len(pm.Issues) != 0 {
		t.Errorf("issues = %v, want none", pm.Issues)
	}
	if pm.Score != 80 {
		t.Errorf("score = %d, want 80", pm.Score)
	}
}

func TestComputePelvicTilt(t *testing.T) {
	snap := fullSnapshot()
	set(snap, types.IdxLeftShoulder, 0.40, 0.50)
	set(snap, types.IdxRightShoulder, 0.60, 0.50)
	set(snap, types.IdxLeftHip, 0.40, 0.68)
	set(snap, types.IdxRightHip, 0.60, 0.72)
	set(snap, types.IdxLeftEar, 0.40, 0.30)

	pm := Compute(snap)
	if pm == nil {
		t.Fatal("expected metrics, got nil")
	}
	if len(pm.Issues) != 1 || pm.Issues[0] != IssuePelvicTilt {
		t.Errorf("issues = %v, want [%q]", pm.Issues, IssuePelvicTilt)
	}
	if pm.PelvicAngle <= angleThresholdDeg {
		t.Errorf("pelvic angle = %v, want > %v", pm.PelvicAngle, angleThresholdDeg)
	}
}

func TestComputeScoreClampedAtZero(t *testing.T) {
	snap := fullSnapshot()
	set(snap, types.IdxLeftShoulder, 0.40, 0.90)
	set(snap, types.IdxRightShoulder, 0.60, 0.10)
	set(snap, types.IdxLeftHip, 0.40, 0.70)
	set(snap, types.IdxRightHip, 0.60, 0.70)
	set(snap, types.IdxLeftEar, 0.40, 0.30)

	pm := Compute(snap)
	if pm == nil {
		t.Fatal("expected metrics, got nil")
	}
	if pm.Score != 0 {
		t.Errorf("score = %d, want 0", pm.Score)
	}
}

func TestComputeNoLandmarks(t *testing.T) {
	if pm := Compute(nil); pm != nil {
		t.Errorf("Compute(nil) = %+v, want nil", pm)
	}
	if pm := Compute(&types.LandmarkSnapshot{}); pm != nil {
		t.Errorf("Compute(empty) = %+v, want nil", pm)
	}
	short := &types.LandmarkSnapshot{Landmarks: make([]types.Landmark, 5)}
	if pm := Compute(short); pm != nil {
		t.Errorf("Compute(short) = %+v, want nil", pm)
	}
}

func TestComputeDeterministic(t *testing.T) {
	snap := fullSnapshot()
	set(snap, types.IdxLeftShoulder, 0.41, 0.53)
	set(snap, types.IdxRightShoulder, 0.59, 0.49)

	a := Compute(snap)
	b := Compute(snap)
	if !reflect.DeepEqual(a, b) {
		t.Errorf("repeated computation differs: %+v vs %+v", a, b)
	}
}
