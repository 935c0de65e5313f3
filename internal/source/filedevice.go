package source

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/posefit/posture-capture/capture-server/internal/logger"
	"github.com/posefit/posture-capture/capture-server/pkg/types"
)

// FileDevice plays back a recorded MJPEG file as a frame source, looping at a
// fixed rate. Single still JPEGs play as a one-frame loop.
type FileDevice struct {
	// FPS is the playback rate (default 30).
	FPS int
}

// Open loads and validates the file, then starts looped playback.
func (d *FileDevice) Open(ctx context.Context, c Constraints) (Stream, error) {
	if c.Path == "" {
		return nil, fmt.Errorf("no file path given")
	}

	data, err := os.ReadFile(c.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read source file: %w", err)
	}

	raw := splitJPEGFrames(data)
	if len(raw) == 0 {
		return nil, fmt.Errorf("no frames found in %s", c.Path)
	}

	first, err := frameFromJPEG(raw[0], 0)
	if err != nil {
		return nil, fmt.Errorf("unreadable first frame in %s: %w", c.Path, err)
	}

	fps := d.FPS
	if fps <= 0 {
		fps = 30
	}

	s := &fileStream{
		raw:      raw,
		interval: time.Second / time.Duration(fps),
		frames:   make(chan *types.VideoFrame, 1),
		info:     make(chan types.Dimensions, 1),
		stop:     make(chan struct{}),
	}
	s.info <- types.Dimensions{Width: first.Width, Height: first.Height}

	s.wg.Add(1)
	go s.playLoop()

	logger.Info("FileSource", "Playing %s (%d frames, %dx%d)",
		c.Path, len(raw), first.Width, first.Height)
	return s, nil
}

type fileStream struct {
	raw      [][]byte
	interval time.Duration
	frames   chan *types.VideoFrame
	info     chan types.Dimensions

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func (s *fileStream) Frames() <-chan *types.VideoFrame { return s.frames }
func (s *fileStream) Info() <-chan types.Dimensions    { return s.info }

func (s *fileStream) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
	})
}

func (s *fileStream) playLoop() {
	defer s.wg.Done()
	defer close(s.frames)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var seq uint64
	idx := 0

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			seq++
			frame, err := frameFromJPEG(s.raw[idx], seq)
			idx = (idx + 1) % len(s.raw)
			if err != nil {
				continue
			}

			select {
			case s.frames <- frame:
			default:
			}
		}
	}
}
