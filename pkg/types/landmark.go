package types

import "time"

// LandmarkCount is the fixed number of body keypoints in a snapshot.
const LandmarkCount = 33

// Fixed anatomical landmark indices. All geometry in this repository depends
// on this indexing never changing.
const (
	IdxNose           = 0
	IdxLeftEar        = 7
	IdxRightEar       = 8
	IdxLeftShoulder   = 11
	IdxRightShoulder  = 12
	IdxLeftElbow      = 13
	IdxRightElbow     = 14
	IdxLeftWrist      = 15
	IdxRightWrist     = 16
	IdxLeftHip        = 23
	IdxRightHip       = 24
	IdxLeftKnee       = 25
	IdxRightKnee      = 26
	IdxLeftAnkle      = 27
	IdxRightAnkle     = 28
	IdxLeftHeel       = 29
	IdxRightHeel      = 30
	IdxLeftFootIndex  = 31
	IdxRightFootIndex = 32
)

// Landmark is a single normalized body keypoint. Positions are relative to
// the frame ([0,1] on both axes, y grows downward), with a visibility
// confidence in [0,1]. Produced only by the external detector.
type Landmark struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Z          float64 `json:"z"`
	Visibility float64 `json:"visibility"`
}

// LandmarkSnapshot is one complete detector result: LandmarkCount landmarks
// in fixed anatomical order plus the capture timestamp. Snapshots are never
// mutated in place; each detection cycle replaces the previous one wholesale.
type LandmarkSnapshot struct {
	Landmarks []Landmark `json:"landmarks"`
	Timestamp time.Time  `json:"timestamp"`
}

// Empty reports whether the snapshot carries no landmarks.
func (s *LandmarkSnapshot) Empty() bool {
	return s == nil || len(s.Landmarks) == 0
}

// At returns the landmark at the given anatomical index.
func (s *LandmarkSnapshot) At(idx int) Landmark {
	return s.Landmarks[idx]
}
