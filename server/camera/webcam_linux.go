//go:build linux

package camera

import (
	"fmt"

	"github.com/blackjack/webcam"
	"github.com/cyclopcam/logs"
)

func fourCC(s string) webcam.PixelFormat {
	return webcam.PixelFormat(uint32(s[0]) | uint32(s[1])<<8 | uint32(s[2])<<16 | uint32(s[3])<<24)
}

var (
	v4l2FormatMJPEG = fourCC("MJPG")
	v4l2FormatYUYV  = fourCC("YUYV")
)

// Webcam is a V4L2 video device
type Webcam struct {
	log     logs.Log
	cam     *webcam.Webcam
	path    string
	format  PixelFormat
	width   int
	height  int
	timeout uint32 // seconds, as required by WaitForFrame
}

// OpenWebcam opens and starts streaming from /dev/video<index>.
// Any failure here is fatal for the caller, because there is nothing to relay without a camera.
func OpenWebcam(log logs.Log, opt WebcamOptions) (*Webcam, error) {
	path := opt.DevicePath()
	cam, err := webcam.Open(path)
	if err != nil {
		return nil, fmt.Errorf("Failed to open camera %v: %w", path, err)
	}
	w := &Webcam{
		log:     log,
		cam:     cam,
		path:    path,
		timeout: 1,
	}
	if err := w.configure(opt); err != nil {
		cam.Close()
		return nil, err
	}
	if err := cam.StartStreaming(); err != nil {
		cam.Close()
		return nil, fmt.Errorf("Failed to start streaming from %v: %w", path, err)
	}
	log.Infof("Camera %v streaming %v %vx%v", path, w.format, w.width, w.height)
	return w, nil
}

func (w *Webcam) configure(opt WebcamOptions) error {
	supported := w.cam.GetSupportedFormats()
	var want webcam.PixelFormat
	if _, ok := supported[v4l2FormatMJPEG]; ok {
		want = v4l2FormatMJPEG
	} else if _, ok := supported[v4l2FormatYUYV]; ok {
		want = v4l2FormatYUYV
	} else {
		names := []string{}
		for _, name := range supported {
			names = append(names, name)
		}
		return fmt.Errorf("Camera %v supports neither MJPEG nor YUYV (has %v)", w.path, names)
	}

	got, width, height, err := w.cam.SetImageFormat(want, uint32(opt.Width), uint32(opt.Height))
	if err != nil {
		return fmt.Errorf("Failed to set image format on %v: %w", w.path, err)
	}
	switch got {
	case v4l2FormatMJPEG:
		w.format = PixelFormatMJPEG
	case v4l2FormatYUYV:
		w.format = PixelFormatYUYV
	default:
		return fmt.Errorf("Camera %v chose unsupported pixel format %v", w.path, supported[got])
	}
	w.width = int(width)
	w.height = int(height)
	if w.width != opt.Width || w.height != opt.Height {
		w.log.Warnf("Camera %v does not support %vx%v, using %vx%v", w.path, opt.Width, opt.Height, w.width, w.height)
	}

	if opt.FPS > 0 {
		if err := w.cam.SetFramerate(float32(opt.FPS)); err != nil {
			// Many UVC devices ignore this, so it's not fatal
			w.log.Warnf("Failed to set frame rate on %v to %v: %v", w.path, opt.FPS, err)
		}
	}
	if err := w.cam.SetBufferCount(4); err != nil {
		w.log.Warnf("Failed to set buffer count on %v: %v", w.path, err)
	}
	return nil
}

func (w *Webcam) ReadFrame() (*RawFrame, error) {
	err := w.cam.WaitForFrame(w.timeout)
	switch err.(type) {
	case nil:
	case *webcam.Timeout:
		return nil, ErrNoFrame
	default:
		return nil, fmt.Errorf("Frame wait failed: %w", err)
	}

	buf, index, err := w.cam.GetFrame()
	if err != nil {
		return nil, fmt.Errorf("Read frame failed: %w", err)
	}
	// buf points into the driver's mmap'ed memory, which is recycled on ReleaseFrame
	data := make([]byte, len(buf))
	copy(data, buf)
	if err := w.cam.ReleaseFrame(index); err != nil {
		w.log.Debugf("ReleaseFrame %v failed: %v", index, err)
	}
	if len(data) == 0 {
		return nil, ErrNoFrame
	}

	return &RawFrame{
		Width:  w.width,
		Height: w.height,
		Format: w.format,
		Data:   data,
	}, nil
}

func (w *Webcam) Close() error {
	w.cam.StopStreaming()
	return w.cam.Close()
}
