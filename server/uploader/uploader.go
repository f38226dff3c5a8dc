// Package uploader sends a subsample of camera frames to a remote analysis server.
// Delivery is best effort. A failed upload is counted and forgotten.
package uploader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/camrelay/pkg/perfstats"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/www"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultTimeout     = 500 * time.Millisecond
	MaxTimeout         = 500 * time.Millisecond
	DefaultMaxInFlight = 4
)

// Minimum time between two "upload failed" log messages
const failureLogInterval = 10 * time.Second

type Options struct {
	URL         string        // Analysis endpoint. Empty disables uploads.
	CameraID    string        // Sent as the camera_id form field
	Timeout     time.Duration // Whole-request timeout. Clamped to MaxTimeout.
	MaxInFlight int           // Maximum number of concurrent requests. Frames beyond this are dropped.
}

// Stats is a snapshot of the uploader counters
type Stats struct {
	Dispatched int64 `json:"dispatched"` // Requests started
	Succeeded  int64 `json:"succeeded"`
	Failed     int64 `json:"failed"`  // Transport error, timeout, or non-2xx
	Dropped    int64 `json:"dropped"` // Not sent because MaxInFlight requests were already busy
	InFlight   int64 `json:"inFlight"`

	AvgLatency time.Duration `json:"avgLatency"` // Of successful uploads
	MaxLatency time.Duration `json:"maxLatency"`
}

// Uploader posts JPEG frames to the analysis server, without ever blocking the caller.
type Uploader struct {
	log      logs.Log
	url      string
	cameraID string
	timeout  time.Duration
	client   *http.Client
	slots    *semaphore.Weighted

	// Cancelled by Close, so that in-flight requests don't outlive the server
	ctx    context.Context
	cancel context.CancelFunc

	dispatched atomic.Int64
	succeeded  atomic.Int64
	failed     atomic.Int64
	dropped    atomic.Int64
	inFlight   atomic.Int64

	latencyLock sync.Mutex
	latency     perfstats.TimeAccumulator

	failLogLock sync.Mutex
	lastFailLog time.Time
	failsSince  int64
}

// envelope is one upload: the frame, who it's from, and where it's going
type envelope struct {
	url      string
	cameraID string
	jpeg     []byte
}

func New(log logs.Log, opt Options) *Uploader {
	timeout := opt.Timeout
	if timeout <= 0 || timeout > MaxTimeout {
		timeout = DefaultTimeout
	}
	maxInFlight := opt.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlight
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Uploader{
		log:      log,
		url:      opt.URL,
		cameraID: opt.CameraID,
		timeout:  timeout,
		client:   &http.Client{Timeout: timeout},
		slots:    semaphore.NewWeighted(int64(maxInFlight)),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (u *Uploader) Enabled() bool {
	return u.url != ""
}

// Upload sends jpeg to the analysis server on a background goroutine, and returns immediately.
// jpeg must not be modified afterwards.
func (u *Uploader) Upload(jpeg []byte) {
	if !u.Enabled() {
		return
	}
	if !u.slots.TryAcquire(1) {
		u.dropped.Add(1)
		return
	}
	u.dispatched.Add(1)
	u.inFlight.Add(1)
	env := envelope{
		url:      u.url,
		cameraID: u.cameraID,
		jpeg:     jpeg,
	}
	go func() {
		defer u.slots.Release(1)
		defer u.inFlight.Add(-1)
		start := time.Now()
		if err := u.send(u.ctx, env); err != nil {
			u.logFailure(err)
			u.failed.Add(1)
		} else {
			u.latencyLock.Lock()
			u.latency.AddSample(time.Since(start))
			u.latencyLock.Unlock()
			u.succeeded.Add(1)
		}
	}()
}

// Send performs a single synchronous upload.
func (u *Uploader) Send(ctx context.Context, jpeg []byte) error {
	return u.send(ctx, envelope{
		url:      u.url,
		cameraID: u.cameraID,
		jpeg:     jpeg,
	})
}

func (u *Uploader) send(ctx context.Context, env envelope) error {
	body, contentType, err := encodeMultipart(env)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "POST", env.url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := u.client.Do(req)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// FailedRequestSummary closes the body
		return fmt.Errorf("Upload failed: %v", www.FailedRequestSummary(resp, nil))
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}

func encodeMultipart(env envelope) (*bytes.Buffer, string, error) {
	buf := &bytes.Buffer{}
	buf.Grow(len(env.jpeg) + 512)
	mw := multipart.NewWriter(buf)
	if err := mw.WriteField("camera_id", env.cameraID); err != nil {
		return nil, "", err
	}
	// CreateFormFile would label the part application/octet-stream
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", `form-data; name="frame"; filename="frame.jpg"`)
	header.Set("Content-Type", "image/jpeg")
	part, err := mw.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(env.jpeg); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return buf, mw.FormDataContentType(), nil
}

// An unreachable analysis server would otherwise produce 10 log lines per second
func (u *Uploader) logFailure(err error) {
	u.failLogLock.Lock()
	defer u.failLogLock.Unlock()
	u.failsSince++
	now := time.Now()
	if now.Sub(u.lastFailLog) < failureLogInterval {
		return
	}
	if u.failsSince > 1 {
		u.log.Warnf("Upload to %v failed: %v (%v failures since last message)", u.url, err, u.failsSince)
	} else {
		u.log.Warnf("Upload to %v failed: %v", u.url, err)
	}
	u.lastFailLog = now
	u.failsSince = 0
}

func (u *Uploader) Stats() Stats {
	s := Stats{
		Dispatched: u.dispatched.Load(),
		Succeeded:  u.succeeded.Load(),
		Failed:     u.failed.Load(),
		Dropped:    u.dropped.Load(),
		InFlight:   u.inFlight.Load(),
	}
	u.latencyLock.Lock()
	s.AvgLatency = u.latency.Average()
	s.MaxLatency = u.latency.Max
	u.latencyLock.Unlock()
	return s
}

// Close cancels all in-flight uploads. It does not wait for them.
func (u *Uploader) Close() {
	u.cancel()
}
