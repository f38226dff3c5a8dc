package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/cyclopcam/camrelay/server/capture"
	"github.com/cyclopcam/camrelay/server/streamer"
	"github.com/cyclopcam/camrelay/server/uploader"
	"github.com/cyclopcam/www"
	"github.com/go-chi/httprate"
	"github.com/julienschmidt/httprouter"
)

func (s *Server) setupHttpRoutes() {
	logEveryRequest := false
	router := httprouter.New()

	unprotected := func(method, route string, handle httprouter.Handle) {
		www.Handle(s.Log, router, method, route, func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
			if logEveryRequest {
				s.Log.Infof("HTTP %v %v", method, r.URL.Path)
			}
			handle(w, r, params)
		})
	}

	// We create a unique rate limiter for each endpoint, so we don't need httprate.KeyByEndpoint
	ratelimited := func(method, route string, handle func(w http.ResponseWriter, r *http.Request), requestLimit int, windowLength time.Duration) {
		limited := httprate.Limit(requestLimit, windowLength, httprate.WithKeyFuncs(httprate.KeyByIP))
		www.Handle(s.Log, router, method, route, func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
			limited(http.HandlerFunc(handle)).ServeHTTP(w, r)
		})
	}

	unprotected("GET", "/stream.mjpg", s.httpStreamMJPEG)
	unprotected("GET", "/stream.ws", s.httpStreamWebSocket)
	ratelimited("GET", "/snapshot.jpg", s.httpSnapshot, 20, time.Second)
	unprotected("GET", "/api/ping", s.httpPing)
	ratelimited("GET", "/api/status", s.httpStatus, 10, time.Second)

	s.httpRouter = router
}

func (s *Server) httpStreamMJPEG(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	ctx, cancel := s.streamContext(r)
	defer cancel()

	n := s.activeStreams.Add(1)
	defer s.activeStreams.Add(-1)
	s.Log.Infof("MJPEG stream to %v starting (%v active)", r.RemoteAddr, n)

	m := &streamer.MJPEG{
		Buffer:   s.buffer,
		Interval: s.Config.FrameInterval(),
		Log:      s.Log,
	}
	err := m.Serve(ctx, w)
	s.Log.Infof("MJPEG stream to %v ended after %v frames: %v", r.RemoteAddr, m.PartsSent(), err)
}

func (s *Server) httpStreamWebSocket(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	ctx, cancel := s.streamContext(r)
	defer cancel()

	c, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already sent an HTTP error
		s.Log.Warnf("Websocket upgrade from %v failed: %v", r.RemoteAddr, err)
		return
	}

	s.activeStreams.Add(1)
	defer s.activeStreams.Add(-1)
	streamer.NewWebSocketStreamer(s.Log, s.buffer, s.Config.FrameInterval(), 0).Run(ctx, c)
}

func (s *Server) httpSnapshot(w http.ResponseWriter, r *http.Request) {
	www.CacheNever(w)
	frame := s.buffer.Snapshot()
	if frame == nil {
		www.SendError(w, "No frame available yet", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("X-Frame-Seq", fmt.Sprintf("%v", frame.Seq))
	w.Write(frame.Data)
}

func (s *Server) httpPing(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	type pingJSON struct {
		Time int64 `json:"time"`
	}
	ping := &pingJSON{
		Time: time.Now().Unix(),
	}
	www.SendJSON(w, ping)
}

type statusJSON struct {
	CameraID       string         `json:"cameraID"`
	Uptime         float64        `json:"uptime"`      // Seconds
	LatestSeq      uint64         `json:"latestSeq"`   // Zero if no frame has been captured yet
	LatestAgeMS    int64          `json:"latestAgeMS"` // -1 if no frame has been captured yet
	ActiveStreams  int64          `json:"activeStreams"`
	UploadsEnabled bool           `json:"uploadsEnabled"`
	Capture        capture.Stats  `json:"capture"`
	Upload         uploader.Stats `json:"upload"`
}

func (s *Server) httpStatus(w http.ResponseWriter, r *http.Request) {
	www.CacheNever(w)
	status := statusJSON{
		CameraID:       s.Config.CameraID,
		Uptime:         time.Since(s.startedAt).Seconds(),
		LatestAgeMS:    -1,
		ActiveStreams:  s.activeStreams.Load(),
		UploadsEnabled: s.uploader.Enabled(),
		Capture:        s.capture.Stats(),
		Upload:         s.uploader.Stats(),
	}
	if frame := s.buffer.Snapshot(); frame != nil {
		status.LatestSeq = frame.Seq
		status.LatestAgeMS = time.Since(frame.Time).Milliseconds()
	}
	www.SendJSON(w, &status)
}
