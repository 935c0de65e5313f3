package overlay

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"sync"

	"golang.org/x/image/draw"

	"github.com/posefit/posture-capture/capture-server/pkg/types"
)

// skeleton lists the landmark index pairs to connect when drawing the body
// overlay (torso, arms, legs, feet).
var skeleton = [][2]int{
	{types.IdxLeftShoulder, types.IdxRightShoulder},
	{types.IdxLeftShoulder, types.IdxLeftHip},
	{types.IdxRightShoulder, types.IdxRightHip},
	{types.IdxLeftHip, types.IdxRightHip},
	{types.IdxLeftShoulder, types.IdxLeftElbow}, {types.IdxLeftElbow, types.IdxLeftWrist},
	{types.IdxRightShoulder, types.IdxRightElbow}, {types.IdxRightElbow, types.IdxRightWrist},
	{types.IdxLeftHip, types.IdxLeftKnee}, {types.IdxLeftKnee, types.IdxLeftAnkle},
	{types.IdxLeftAnkle, types.IdxLeftHeel}, {types.IdxLeftHeel, types.IdxLeftFootIndex},
	{types.IdxLeftAnkle, types.IdxLeftFootIndex},
	{types.IdxRightHip, types.IdxRightKnee}, {types.IdxRightKnee, types.IdxRightAnkle},
	{types.IdxRightAnkle, types.IdxRightHeel}, {types.IdxRightHeel, types.IdxRightFootIndex},
	{types.IdxRightAnkle, types.IdxRightFootIndex},
}

var (
	boneColor  = color.RGBA{R: 64, G: 220, B: 128, A: 255}
	jointColor = color.RGBA{R: 240, G: 80, B: 80, A: 255}
)

// minJointVisibility hides overlay segments whose endpoints the detector is
// not confident about.
const minJointVisibility = 0.5

// Compositor renders the composited surface: the raw frame with the skeleton
// overlay drawn on top, rescaled to the active output dimensions. The render
// step is the only writer of the composited surface; the recording subsystem
// only reads its output.
type Compositor struct {
	mu      sync.Mutex
	outW    int
	outH    int
	quality int
}

// NewCompositor creates a compositor with the given JPEG quality (1-100).
func NewCompositor(quality int) *Compositor {
	if quality <= 0 || quality > 100 {
		quality = 80
	}
	return &Compositor{quality: quality}
}

// Resize resynchronizes the output resolution to the source's native
// dimensions. Called on source swap, facing toggle, or orientation change.
func (c *Compositor) Resize(d types.Dimensions) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outW = d.Width
	c.outH = d.Height
}

// Render composites one frame with the snapshot's skeleton and returns it as
// a JPEG chunk. A nil snapshot renders the plain frame.
func (c *Compositor) Render(frame *types.VideoFrame, snap *types.LandmarkSnapshot) ([]byte, error) {
	if frame == nil {
		return nil, fmt.Errorf("no frame")
	}
	if len(frame.Pix) < frame.Width*frame.Height*4 {
		return nil, fmt.Errorf("short pixel buffer: %d bytes for %dx%d", len(frame.Pix), frame.Width, frame.Height)
	}

	c.mu.Lock()
	outW, outH := c.outW, c.outH
	quality := c.quality
	c.mu.Unlock()

	if outW == 0 || outH == 0 {
		outW, outH = frame.Width, frame.Height
	}

	src := &image.RGBA{
		Pix:    frame.Pix,
		Stride: frame.Width * 4,
		Rect:   image.Rect(0, 0, frame.Width, frame.Height),
	}

	// Always draw into a fresh buffer: the source frame is shared with the
	// detector and must not be mutated.
	dst := image.NewRGBA(image.Rect(0, 0, outW, outH))
	if outW == frame.Width && outH == frame.Height {
		draw.Copy(dst, image.Point{}, src, src.Rect, draw.Src, nil)
	} else {
		draw.ApproxBiLinear.Scale(dst, dst.Rect, src, src.Rect, draw.Src, nil)
	}

	if !snap.Empty() && len(snap.Landmarks) >= types.LandmarkCount {
		drawSkeleton(dst, snap, outW, outH)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("jpeg encode: %w", err)
	}
	return buf.Bytes(), nil
}

func drawSkeleton(img *image.RGBA, snap *types.LandmarkSnapshot, w, h int) {
	for _, bone := range skeleton {
		a := snap.At(bone[0])
		b := snap.At(bone[1])
		if a.Visibility < minJointVisibility || b.Visibility < minJointVisibility {
			continue
		}
		drawLine(img,
			int(a.X*float64(w)), int(a.Y*float64(h)),
			int(b.X*float64(w)), int(b.Y*float64(h)),
			boneColor)
	}

	for i := 0; i < types.LandmarkCount; i++ {
		lm := snap.At(i)
		if lm.Visibility < minJointVisibility {
			continue
		}
		fillCircle(img, int(lm.X*float64(w)), int(lm.Y*float64(h)), 3, jointColor)
	}
}

// drawLine draws a straight segment using integer Bresenham.
func drawLine(img *image.RGBA, x0, y0, x1, y1 int, c color.RGBA) {
	dx := abs(x1 - x0)
	dy := -abs(y1 - y0)
	sx := 1
	if x0 > x1 {
		sx = -1
	}
	sy := 1
	if y0 > y1 {
		sy = -1
	}
	err := dx + dy

	for {
		setPixel(img, x0, y0, c)
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			x0 += sx
		}
		if e2 <= dx {
			err += dx
			y0 += sy
		}
	}
}

func fillCircle(img *image.RGBA, cx, cy, r int, c color.RGBA) {
	for dy := -r; dy <= r; dy++ {
		for dx := -r; dx <= r; dx++ {
			if dx*dx+dy*dy <= r*r {
				setPixel(img, cx+dx, cy+dy, c)
			}
		}
	}
}

func setPixel(img *image.RGBA, x, y int, c color.RGBA) {
	if image.Pt(x, y).In(img.Rect) {
		img.SetRGBA(x, y, c)
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
