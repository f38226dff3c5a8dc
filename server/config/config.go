package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"time"
)

const DefaultFilename = "camrelay.json"

type Config struct {
	CameraID           string `json:"cameraID"`           // Sent with every upload, so that the analysis server knows where a frame came from
	AnalysisURL        string `json:"analysisURL"`        // eg http://192.168.1.10:5000/upload_frame. Empty disables uploads.
	DeviceIndex        int    `json:"deviceIndex"`        // 0 = /dev/video0
	FPS                int    `json:"fps"`                // Target capture and streaming frame rate
	Width              int    `json:"width"`              // Capture width
	Height             int    `json:"height"`             // Capture height
	JPEGQuality        int    `json:"jpegQuality"`        // 1..100
	ListenAddress      string `json:"listenAddress"`      // eg 0.0.0.0:8000
	UploadEvery        int    `json:"uploadEvery"`        // Upload every Nth frame
	UploadTimeoutMS    int    `json:"uploadTimeoutMS"`    // Whole-request upload timeout. At most 500.
	MaxInFlightUploads int    `json:"maxInFlightUploads"` // Frames are dropped when this many uploads are already busy
	ReadRetryMS        int    `json:"readRetryMS"`        // Pause after the camera fails to produce a frame
	YieldMS            int    `json:"yieldMS"`            // Pause between capture iterations
}

// Default returns the configuration that we use when there is no config file
func Default() *Config {
	return &Config{
		CameraID:           "cam1",
		DeviceIndex:        0,
		FPS:                30,
		Width:              640,
		Height:             480,
		JPEGQuality:        80,
		ListenAddress:      "0.0.0.0:8000",
		UploadEvery:        3,
		UploadTimeoutMS:    500,
		MaxInFlightUploads: 4,
		ReadRetryMS:        100,
		YieldMS:            5,
	}
}

// LoadConfig reads filename on top of the defaults.
// If filename is empty, we try DefaultFilename, and it's not an error for that file to be missing.
func LoadConfig(filename string) (*Config, error) {
	cfg := Default()
	optional := false
	if filename == "" {
		filename = DefaultFilename
		optional = true
	}
	raw, err := os.ReadFile(filename)
	if err != nil {
		if optional && errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("Error loading %v: %w", filename, err)
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("Error loading as JSON %v: %w", filename, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("Invalid config %v: %w", filename, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.CameraID == "" {
		return errors.New("cameraID may not be empty")
	}
	if c.AnalysisURL != "" {
		u, err := url.Parse(c.AnalysisURL)
		if err != nil {
			return fmt.Errorf("analysisURL: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("analysisURL must be http or https, not '%v'", u.Scheme)
		}
	}
	if c.DeviceIndex < 0 {
		return fmt.Errorf("deviceIndex %v is negative", c.DeviceIndex)
	}
	if c.FPS < 1 || c.FPS > 240 {
		return fmt.Errorf("fps %v is out of range (1..240)", c.FPS)
	}
	if c.Width < 16 || c.Height < 16 {
		return fmt.Errorf("Resolution %v x %v is too small", c.Width, c.Height)
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return fmt.Errorf("jpegQuality %v is out of range (1..100)", c.JPEGQuality)
	}
	if _, _, err := net.SplitHostPort(c.ListenAddress); err != nil {
		return fmt.Errorf("listenAddress: %w", err)
	}
	if c.UploadEvery < 1 {
		return fmt.Errorf("uploadEvery must be at least 1")
	}
	if c.UploadTimeoutMS < 1 || c.UploadTimeoutMS > 500 {
		return fmt.Errorf("uploadTimeoutMS %v is out of range (1..500)", c.UploadTimeoutMS)
	}
	if c.MaxInFlightUploads < 1 {
		return fmt.Errorf("maxInFlightUploads must be at least 1")
	}
	if c.ReadRetryMS < 1 {
		return fmt.Errorf("readRetryMS must be at least 1")
	}
	if c.YieldMS < 0 {
		return fmt.Errorf("yieldMS is negative")
	}
	return nil
}

// FrameInterval is the time between two frames at the target frame rate
func (c *Config) FrameInterval() time.Duration {
	return time.Second / time.Duration(c.FPS)
}

func (c *Config) UploadTimeout() time.Duration {
	return time.Duration(c.UploadTimeoutMS) * time.Millisecond
}

func (c *Config) ReadRetry() time.Duration {
	return time.Duration(c.ReadRetryMS) * time.Millisecond
}

func (c *Config) Yield() time.Duration {
	return time.Duration(c.YieldMS) * time.Millisecond
}
