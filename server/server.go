package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cyclopcam/camrelay/server/camera"
	"github.com/cyclopcam/camrelay/server/capture"
	"github.com/cyclopcam/camrelay/server/config"
	"github.com/cyclopcam/camrelay/server/framebuf"
	"github.com/cyclopcam/camrelay/server/uploader"
	"github.com/cyclopcam/logs"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

type Server struct {
	Log              logs.Log
	Config           *config.Config
	ShutdownComplete chan error // Receives one value when Shutdown is done

	startedAt     time.Time
	signalIn      chan os.Signal
	httpServer    *http.Server
	httpRouter    *httprouter.Router
	wsUpgrader    websocket.Upgrader
	buffer        *framebuf.Buffer
	source        camera.Source
	capture       *capture.Loop
	uploader      *uploader.Uploader
	activeStreams atomic.Int64

	// Cancelled when we start shutting down. Stream handlers watch this, because
	// http.Server.Shutdown does not interrupt active requests.
	ctx          context.Context
	cancel       context.CancelFunc
	captureDone  chan struct{}
	shutdownOnce sync.Once
}

// NewServer wires up the capture pipeline around source, and starts capturing.
// The server takes ownership of source.
func NewServer(logger logs.Log, cfg *config.Config, source camera.Source) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		Log:              logger,
		Config:           cfg,
		ShutdownComplete: make(chan error, 1),
		startedAt:        time.Now(),
		buffer:           framebuf.New(),
		source:           source,
		ctx:              ctx,
		cancel:           cancel,
		captureDone:      make(chan struct{}),
	}
	s.wsUpgrader.CheckOrigin = func(r *http.Request) bool { return true }

	s.uploader = uploader.New(logger, uploader.Options{
		URL:         cfg.AnalysisURL,
		CameraID:    cfg.CameraID,
		Timeout:     cfg.UploadTimeout(),
		MaxInFlight: cfg.MaxInFlightUploads,
	})
	if s.uploader.Enabled() {
		logger.Infof("Uploading every %v frames from camera '%v' to %v", cfg.UploadEvery, cfg.CameraID, cfg.AnalysisURL)
	} else {
		logger.Infof("No analysis URL configured. Uploads are disabled")
	}

	s.capture = capture.New(logger, capture.Options{
		UploadEvery: cfg.UploadEvery,
		ReadRetry:   cfg.ReadRetry(),
		Yield:       cfg.Yield(),
	}, source, camera.NewJPEGEncoder(cfg.JPEGQuality), s.buffer, s.uploader)

	s.setupHttpRoutes()

	go func() {
		s.capture.Run(ctx)
		close(s.captureDone)
	}()

	return s, nil
}

// Buffer returns the frame buffer that the capture loop publishes to
func (s *Server) Buffer() *framebuf.Buffer {
	return s.buffer
}

// Handler returns the HTTP router, for serving from something other than ListenHTTP
func (s *Server) Handler() http.Handler {
	return s.httpRouter
}

// ListenHTTP serves on Config.ListenAddress until Shutdown is called.
// After a clean shutdown the return value is http.ErrServerClosed.
func (s *Server) ListenHTTP() error {
	ln, err := net.Listen("tcp", s.Config.ListenAddress)
	if err != nil {
		return err
	}
	s.Log.Infof("Listening on %v", ln.Addr())
	s.httpServer = &http.Server{
		Handler:           s.httpRouter,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.Serve(ln)
}

func (s *Server) ListenForKillSignals() {
	s.Log.Infof("ListenForKillSignals starting")
	s.signalIn = make(chan os.Signal, 1)
	signal.Notify(s.signalIn, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig, ok := <-s.signalIn
		if ok {
			s.Log.Infof("Received OS signal '%v'. ListenForKillSignals will exit after shutdown", sig.String())
			s.Shutdown()
		} else {
			// Shutdown() was called by something other than ourselves, and it closed signalIn
			s.Log.Infof("signalIn closed. ListenForKillSignals will exit now")
		}
	}()
}

// Shutdown stops the HTTP server, ends all streams, stops capture, and closes the camera.
// It is safe to call more than once.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(s.shutdown)
}

func (s *Server) shutdown() {
	s.Log.Infof("Shutdown")
	if s.signalIn != nil {
		signal.Stop(s.signalIn)
		close(s.signalIn)
	}

	// End streams and capture first, otherwise the HTTP server would wait for streams that never finish
	s.cancel()

	var firstErr error
	if s.httpServer != nil {
		s.Log.Infof("Closing HTTP server")
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}

	select {
	case <-s.captureDone:
	case <-time.After(2 * time.Second):
		s.Log.Warnf("Capture loop did not stop in time")
	}
	s.uploader.Close()
	if err := s.source.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	if firstErr != nil {
		s.Log.Warnf("Shutdown complete, with error: %v", firstErr)
	} else {
		s.Log.Infof("Shutdown complete")
	}
	s.ShutdownComplete <- firstErr
}

// streamContext returns a context that ends when either the request or the server ends
func (s *Server) streamContext(r *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(r.Context())
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// IsCleanExit returns true if err is the result of a normal Shutdown
func IsCleanExit(err error) bool {
	return err == nil || errors.Is(err, http.ErrServerClosed)
}
