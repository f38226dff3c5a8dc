package main

import (
	"fmt"
	"os"

	"github.com/akamensky/argparse"
	"github.com/coreos/go-systemd/daemon"
	"github.com/cyclopcam/camrelay/server"
	"github.com/cyclopcam/camrelay/server/camera"
	"github.com/cyclopcam/camrelay/server/config"
	"github.com/cyclopcam/logs"
)

func main() {
	parser := argparse.NewParser("camrelay", "Relay a local camera to web clients and an analysis server")
	configFile := parser.String("c", "config", &argparse.Options{Help: "JSON configuration file (default " + config.DefaultFilename + ", if it exists)", Default: ""})
	cameraID := parser.String("", "camera", &argparse.Options{Help: "Camera identity sent with uploads", Default: ""})
	analysisURL := parser.String("", "url", &argparse.Options{Help: "Analysis server upload URL, eg http://192.168.1.10:5000/upload_frame", Default: ""})
	deviceIndex := parser.Int("", "device", &argparse.Options{Help: "Camera device index (0 = /dev/video0)", Default: -1})
	listen := parser.String("", "listen", &argparse.Options{Help: "HTTP listen address, eg 0.0.0.0:8000", Default: ""})
	synthetic := parser.Flag("", "synthetic", &argparse.Options{Help: "Use a generated test pattern instead of a camera", Default: false})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	if *cameraID != "" {
		cfg.CameraID = *cameraID
	}
	if *analysisURL != "" {
		cfg.AnalysisURL = *analysisURL
	}
	if *deviceIndex >= 0 {
		cfg.DeviceIndex = *deviceIndex
	}
	if *listen != "" {
		cfg.ListenAddress = *listen
	}
	if err := cfg.Validate(); err != nil {
		logger.Errorf("Invalid configuration: %v", err)
		os.Exit(1)
	}

	var source camera.Source
	if *synthetic {
		logger.Infof("Using synthetic %v x %v test pattern", cfg.Width, cfg.Height)
		source = camera.NewSyntheticSource(cfg.Width, cfg.Height, cfg.FPS)
	} else {
		cam, err := camera.OpenWebcam(logger, camera.WebcamOptions{
			DeviceIndex: cfg.DeviceIndex,
			Width:       cfg.Width,
			Height:      cfg.Height,
			FPS:         cfg.FPS,
		})
		if err != nil {
			logger.Errorf("%v", err)
			os.Exit(1)
		}
		source = cam
	}

	srv, err := server.NewServer(logger, cfg, source)
	if err != nil {
		source.Close()
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	srv.ListenForKillSignals()

	// Tell systemd that we're alive
	daemon.SdNotify(false, daemon.SdNotifyReady)

	err = srv.ListenHTTP()
	if !server.IsCleanExit(err) {
		logger.Errorf("ListenHTTP returned: %v", err)
		srv.Shutdown()
		<-srv.ShutdownComplete
		logger.Close()
		os.Exit(1)
	}

	<-srv.ShutdownComplete
	logger.Close()
}
