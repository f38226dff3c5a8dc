package capture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmharper/ringbuffer"
	"github.com/cyclopcam/camrelay/pkg/perfstats"
	"github.com/cyclopcam/camrelay/server/camera"
	"github.com/cyclopcam/camrelay/server/framebuf"
	"github.com/cyclopcam/logs"
)

const (
	DefaultReadRetry   = 100 * time.Millisecond
	DefaultYield       = 5 * time.Millisecond
	DefaultUploadEvery = 3
)

// Number of recent publish intervals that we keep for FPS estimation
const intervalHistorySize = 60

// Minimum time between two log messages about the same recurring problem
const problemLogInterval = 5 * time.Second

// Encoder turns a raw frame into a JPEG
type Encoder interface {
	Encode(f *camera.RawFrame) ([]byte, error)
}

// Uploader receives every Nth frame. Upload must return immediately.
type Uploader interface {
	Upload(jpeg []byte)
}

type Options struct {
	UploadEvery int           // Send every Nth successfully encoded frame to the uploader
	ReadRetry   time.Duration // Pause after the device fails to produce a frame
	Yield       time.Duration // Pause between iterations, so that we don't monopolize a core
}

// Stats is a snapshot of the capture loop counters
type Stats struct {
	FramesRead        int64         `json:"framesRead"`
	ReadFailures      int64         `json:"readFailures"`
	EncodeFailures    int64         `json:"encodeFailures"`
	FramesPublished   int64         `json:"framesPublished"`
	UploadsDispatched int64         `json:"uploadsDispatched"`
	MeasuredFPS       float64       `json:"measuredFPS"`
	AvgEncodeTime     time.Duration `json:"avgEncodeTime"`
	MaxEncodeTime     time.Duration `json:"maxEncodeTime"`
}

// Loop reads frames from a camera, encodes them, and publishes them to a frame buffer.
// Every Nth frame is also handed to an uploader.
// Nothing that happens downstream (slow clients, a dead analysis server) can stall the loop.
type Loop struct {
	log      logs.Log
	source   camera.Source
	encoder  Encoder
	buffer   *framebuf.Buffer
	uploader Uploader
	opt      Options

	// Number of successfully encoded frames. Only touched by the Run goroutine.
	counter int64

	framesRead        atomic.Int64
	readFailures      atomic.Int64
	encodeFailures    atomic.Int64
	framesPublished   atomic.Int64
	uploadsDispatched atomic.Int64

	historyLock sync.Mutex
	intervals   ringbuffer.RingP[time.Duration]
	lastPublish time.Time
	encodeTime  perfstats.TimeAccumulator

	lastReadErrLog   time.Time
	lastEncodeErrLog time.Time
}

func New(log logs.Log, opt Options, source camera.Source, encoder Encoder, buffer *framebuf.Buffer, uploader Uploader) *Loop {
	if opt.UploadEvery <= 0 {
		opt.UploadEvery = DefaultUploadEvery
	}
	if opt.ReadRetry <= 0 {
		opt.ReadRetry = DefaultReadRetry
	}
	if opt.Yield < 0 {
		opt.Yield = 0
	}
	return &Loop{
		log:       log,
		source:    source,
		encoder:   encoder,
		buffer:    buffer,
		uploader:  uploader,
		opt:       opt,
		intervals: ringbuffer.NewRingP[time.Duration](intervalHistorySize),
	}
}

// Run captures frames until ctx is cancelled. It always returns nil, because every
// failure inside the loop is either retried or skipped.
func (l *Loop) Run(ctx context.Context) error {
	l.log.Infof("Capture loop starting. Uploading every %v frames", l.opt.UploadEvery)
	for {
		if ctx.Err() != nil {
			l.log.Infof("Capture loop stopped")
			return nil
		}
		if l.iterate() {
			sleep(ctx, l.opt.Yield)
		} else {
			sleep(ctx, l.opt.ReadRetry)
		}
	}
}

// Returns false if the device failed to produce a frame (in which case the caller must back off)
func (l *Loop) iterate() bool {
	raw, err := l.source.ReadFrame()
	if err != nil {
		l.readFailures.Add(1)
		if !errors.Is(err, camera.ErrNoFrame) {
			l.logThrottled(&l.lastReadErrLog, "Camera read failed: %v", err)
		}
		return false
	}
	l.framesRead.Add(1)

	start := time.Now()
	jpeg, err := l.encoder.Encode(raw)
	if err != nil {
		l.encodeFailures.Add(1)
		l.logThrottled(&l.lastEncodeErrLog, "Skipping frame: %v", err)
		return true
	}
	encodeTime := time.Since(start)

	frame := l.buffer.Publish(jpeg)
	l.framesPublished.Add(1)
	l.recordPublish(frame.Time, encodeTime)

	l.counter++
	if l.counter%int64(l.opt.UploadEvery) == 0 && l.uploader != nil {
		l.uploader.Upload(frame.Data)
		l.uploadsDispatched.Add(1)
	}
	return true
}

func (l *Loop) recordPublish(at time.Time, encodeTime time.Duration) {
	l.historyLock.Lock()
	defer l.historyLock.Unlock()
	if !l.lastPublish.IsZero() {
		l.intervals.Add(at.Sub(l.lastPublish))
	}
	l.lastPublish = at
	l.encodeTime.AddSample(encodeTime)
}

func (l *Loop) logThrottled(last *time.Time, format string, args ...any) {
	now := time.Now()
	if now.Sub(*last) < problemLogInterval {
		l.log.Debugf(format, args...)
		return
	}
	*last = now
	l.log.Warnf(format, args...)
}

func (l *Loop) Stats() Stats {
	s := Stats{
		FramesRead:        l.framesRead.Load(),
		ReadFailures:      l.readFailures.Load(),
		EncodeFailures:    l.encodeFailures.Load(),
		FramesPublished:   l.framesPublished.Load(),
		UploadsDispatched: l.uploadsDispatched.Load(),
	}
	l.historyLock.Lock()
	intervals := make([]time.Duration, 0, l.intervals.Len())
	for i := 0; i < l.intervals.Len(); i++ {
		intervals = append(intervals, l.intervals.Peek(i))
	}
	s.AvgEncodeTime = l.encodeTime.Average()
	s.MaxEncodeTime = l.encodeTime.Max
	l.historyLock.Unlock()
	s.MeasuredFPS = camera.EstimateFPS(intervals)
	return s
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
