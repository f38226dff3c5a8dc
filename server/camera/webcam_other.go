//go:build !linux

package camera

import (
	"errors"

	"github.com/cyclopcam/logs"
)

type Webcam struct{}

func OpenWebcam(log logs.Log, opt WebcamOptions) (*Webcam, error) {
	return nil, errors.New("V4L2 camera capture is only supported on Linux. Use --synthetic for a test pattern")
}

func (w *Webcam) ReadFrame() (*RawFrame, error) {
	return nil, ErrNoFrame
}

func (w *Webcam) Close() error {
	return nil
}
