package camera

import (
	"errors"
	"fmt"
)

// ErrNoFrame is returned by a Source when the device did not produce a frame in time.
// This is transient, and the caller should simply try again a little later.
var ErrNoFrame = errors.New("No frame available from device")

type PixelFormat int

const (
	PixelFormatMJPEG PixelFormat = iota // Each frame is already a JPEG image
	PixelFormatYUYV                     // Packed YUV 4:2:2 (Y0 U Y1 V)
	PixelFormatRGB                      // Packed 8-bit RGB
)

func (f PixelFormat) String() string {
	switch f {
	case PixelFormatMJPEG:
		return "MJPEG"
	case PixelFormatYUYV:
		return "YUYV"
	case PixelFormatRGB:
		return "RGB"
	}
	return "unknown"
}

// RawFrame is a single image as it comes out of the device, before JPEG encoding
type RawFrame struct {
	Width  int
	Height int
	Format PixelFormat
	Data   []byte
}

// Source is a camera device that produces frames at its own pace.
type Source interface {
	// ReadFrame returns the next frame. It may block for a short while (up to the device
	// timeout), and returns ErrNoFrame if nothing arrived.
	ReadFrame() (*RawFrame, error)
	Close() error
}

// WebcamOptions configures a V4L2 device
type WebcamOptions struct {
	DeviceIndex int // 0 means /dev/video0
	Width       int
	Height      int
	FPS         int
}

func (o *WebcamOptions) DevicePath() string {
	return fmt.Sprintf("/dev/video%v", o.DeviceIndex)
}
