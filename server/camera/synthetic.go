package camera

import (
	"sync"
	"time"
)

// SyntheticSource produces a moving RGB test pattern.
// It's useful for running without a camera, and for tests.
type SyntheticSource struct {
	Width    int
	Height   int
	Interval time.Duration // Time between frames. Zero produces frames as fast as they are read.

	lock     sync.Mutex
	frame    int
	lastRead time.Time
	closed   bool
}

// NewSyntheticSource creates a test pattern source that emits roughly fps frames per second
func NewSyntheticSource(width, height, fps int) *SyntheticSource {
	s := &SyntheticSource{
		Width:  width,
		Height: height,
	}
	if fps > 0 {
		s.Interval = time.Second / time.Duration(fps)
	}
	return s
}

func (s *SyntheticSource) ReadFrame() (*RawFrame, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return nil, ErrNoFrame
	}

	if s.Interval != 0 && !s.lastRead.IsZero() {
		if wait := s.Interval - time.Since(s.lastRead); wait > 0 {
			time.Sleep(wait)
		}
	}
	s.lastRead = time.Now()

	f := &RawFrame{
		Width:  s.Width,
		Height: s.Height,
		Format: PixelFormatRGB,
		Data:   make([]byte, s.Width*s.Height*3),
	}
	// Diagonal gradient that scrolls one pixel per frame, with a bar that sweeps down the image
	shift := s.frame
	bar := s.frame % max(s.Height, 1)
	for y := 0; y < s.Height; y++ {
		row := f.Data[y*s.Width*3:]
		for x := 0; x < s.Width; x++ {
			p := row[x*3:]
			if y >= bar && y < bar+4 {
				p[0], p[1], p[2] = 255, 255, 255
				continue
			}
			p[0] = byte(x + shift)
			p[1] = byte(y + shift)
			p[2] = byte(x + y)
		}
	}
	s.frame++
	return f, nil
}

func (s *SyntheticSource) Close() error {
	s.lock.Lock()
	s.closed = true
	s.lock.Unlock()
	return nil
}
