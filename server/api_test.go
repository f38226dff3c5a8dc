package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cyclopcam/camrelay/server/camera"
	"github.com/cyclopcam/camrelay/server/config"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

// feedSource delivers MJPEG frames that the test pushes into it
type feedSource struct {
	frames chan []byte
	closed chan struct{}
}

func newFeedSource() *feedSource {
	return &feedSource{
		frames: make(chan []byte, 10),
		closed: make(chan struct{}),
	}
}

func (f *feedSource) ReadFrame() (*camera.RawFrame, error) {
	select {
	case b := <-f.frames:
		return &camera.RawFrame{Width: 640, Height: 480, Format: camera.PixelFormatMJPEG, Data: b}, nil
	case <-f.closed:
		return nil, camera.ErrNoFrame
	case <-time.After(20 * time.Millisecond):
		return nil, camera.ErrNoFrame
	}
}

func (f *feedSource) Close() error {
	close(f.closed)
	return nil
}

var testJPEG = []byte{0xff, 0xd8, 0xff, 0xe0, 1, 2, 3, 4, 0xff, 0xd9}

func newTestServer(t *testing.T) (*Server, *feedSource, *httptest.Server) {
	cfg := config.Default()
	cfg.CameraID = "cam7"
	cfg.FPS = 50
	cfg.ReadRetryMS = 1
	src := newFeedSource()
	s, err := NewServer(logs.NewTestingLog(t), cfg, src)
	require.NoError(t, err)
	web := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Shutdown()
		web.Close()
	})
	return s, src, web
}

// Push a frame through the capture loop, and wait for it to be published
func publish(t *testing.T, s *Server, src *feedSource, jpeg []byte) uint64 {
	before := s.Buffer().Seq()
	src.frames <- jpeg
	require.Eventually(t, func() bool { return s.Buffer().Seq() > before }, 2*time.Second, time.Millisecond)
	return s.Buffer().Seq()
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestSnapshot(t *testing.T) {
	s, src, web := newTestServer(t)

	resp, body := get(t, web.URL+"/snapshot.jpg")
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.Equal(t, "No frame available yet", string(body))

	publish(t, s, src, testJPEG)
	resp, body = get(t, web.URL+"/snapshot.jpg")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))
	require.Equal(t, "max-age=0", resp.Header.Get("Cache-Control"))
	require.Equal(t, "1", resp.Header.Get("X-Frame-Seq"))
	require.Equal(t, testJPEG, body)
}

func TestSnapshotRateLimit(t *testing.T) {
	_, _, web := newTestServer(t)
	limited := 0
	for i := 0; i < 30; i++ {
		resp, _ := get(t, web.URL+"/snapshot.jpg")
		if resp.StatusCode == http.StatusTooManyRequests {
			limited++
		}
	}
	require.Greater(t, limited, 0)
}

func TestPingAndStatus(t *testing.T) {
	s, src, web := newTestServer(t)

	resp, body := get(t, web.URL+"/api/ping")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), `"time"`)

	status := statusJSON{}
	_, body = get(t, web.URL+"/api/status")
	require.NoError(t, json.Unmarshal(body, &status))
	require.Equal(t, "cam7", status.CameraID)
	require.EqualValues(t, 0, status.LatestSeq)
	require.EqualValues(t, -1, status.LatestAgeMS)
	require.False(t, status.UploadsEnabled)

	publish(t, s, src, testJPEG)
	publish(t, s, src, testJPEG)
	_, body = get(t, web.URL+"/api/status")
	require.NoError(t, json.Unmarshal(body, &status))
	require.EqualValues(t, 2, status.LatestSeq)
	require.GreaterOrEqual(t, status.LatestAgeMS, int64(0))
	require.EqualValues(t, 2, status.Capture.FramesPublished)
}

func TestStreamEndsOnShutdown(t *testing.T) {
	s, src, web := newTestServer(t)
	publish(t, s, src, testJPEG)

	resp, err := http.Get(web.URL + "/stream.mjpg")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "multipart/x-mixed-replace"))

	first := make([]byte, len("--frame\r\n"))
	_, err = io.ReadFull(resp.Body, first)
	require.NoError(t, err)
	require.Equal(t, "--frame\r\n", string(first))
	require.Eventually(t, func() bool { return s.activeStreams.Load() == 1 }, time.Second, time.Millisecond)

	start := time.Now()
	go s.Shutdown()
	select {
	case err := <-s.ShutdownComplete:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Shutdown did not complete")
	}
	require.Less(t, time.Since(start), 2*time.Second)

	// The stream drains and ends
	_, err = io.Copy(io.Discard, resp.Body)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.activeStreams.Load() == 0 }, time.Second, time.Millisecond)
}

func TestUnknownRoute(t *testing.T) {
	_, _, web := newTestServer(t)
	resp, _ := get(t, web.URL+"/nope")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
