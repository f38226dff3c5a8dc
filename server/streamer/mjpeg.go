package streamer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cyclopcam/camrelay/server/framebuf"
	"github.com/cyclopcam/logs"
)

// Boundary between parts of the multipart stream
const MJPEGBoundary = "frame"

const (
	DefaultInterval     = time.Second / 30
	DefaultAwaitPoll    = 10 * time.Millisecond
	DefaultWriteTimeout = 5 * time.Second
)

var partHeader = []byte("--" + MJPEGBoundary + "\r\nContent-Type: image/jpeg\r\n\r\n")
var partTrailer = []byte("\r\n")

type mjpegState int

const (
	mjpegAwaitFrame mjpegState = iota // Nothing has been written yet, not even the HTTP headers
	mjpegStreaming
	mjpegClosed
)

// MJPEG serves the frame buffer as a multipart/x-mixed-replace stream.
// Create one per connection.
type MJPEG struct {
	Buffer       *framebuf.Buffer
	Interval     time.Duration // Time between parts (1/fps)
	AwaitPoll    time.Duration // How often we check for the first frame
	WriteTimeout time.Duration // Maximum time for writing a single part to the client
	Log          logs.Log

	state       mjpegState
	nPartsSent  int64
	lastSentSeq uint64
}

// Serve writes parts to w until the client goes away, a write fails, or ctx is cancelled.
// The returned error explains why the stream ended. It is never nil.
func (m *MJPEG) Serve(ctx context.Context, w http.ResponseWriter) error {
	if m.Interval <= 0 {
		m.Interval = DefaultInterval
	}
	if m.AwaitPoll <= 0 {
		m.AwaitPoll = DefaultAwaitPoll
	}
	if m.WriteTimeout <= 0 {
		m.WriteTimeout = DefaultWriteTimeout
	}
	rc := http.NewResponseController(w)

	m.state = mjpegAwaitFrame
	var frame *framebuf.Frame
	for frame == nil {
		frame = m.Buffer.Snapshot()
		if frame == nil && !sleep(ctx, m.AwaitPoll) {
			m.state = mjpegClosed
			return ctx.Err()
		}
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+MJPEGBoundary)
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(http.StatusOK)
	m.state = mjpegStreaming

	for {
		if err := m.writePart(rc, w, frame); err != nil {
			m.state = mjpegClosed
			return err
		}
		if !sleep(ctx, m.Interval) {
			m.state = mjpegClosed
			return ctx.Err()
		}
		// A stalled capture loop leaves the previous frame in the buffer, which we simply send again
		frame = m.Buffer.Snapshot()
	}
}

func (m *MJPEG) writePart(rc *http.ResponseController, w http.ResponseWriter, frame *framebuf.Frame) error {
	if err := rc.SetWriteDeadline(time.Now().Add(m.WriteTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return fmt.Errorf("Failed to set write deadline: %w", err)
	}
	if _, err := w.Write(partHeader); err != nil {
		return err
	}
	if _, err := w.Write(frame.Data); err != nil {
		return err
	}
	if _, err := w.Write(partTrailer); err != nil {
		return err
	}
	if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	if m.Log != nil && m.nPartsSent == 0 {
		m.Log.Debugf("First frame sent (seq %v)", frame.Seq)
	}
	m.nPartsSent++
	m.lastSentSeq = frame.Seq
	return nil
}

// PartsSent returns the number of parts written so far
func (m *MJPEG) PartsSent() int64 {
	return m.nPartsSent
}

// sleep pauses for d, or until ctx is cancelled. Returns false if ctx was cancelled.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
