// Package config loads and validates the application configuration from a
// JSON file. Fields omitted from the file keep their defaults, so partial
// configs are safe.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rcret/carCount/internal/geometry"
	"github.com/rcret/carCount/internal/lanes"
)

// maxConfigSize bounds how much config JSON we will read.
const maxConfigSize = 1 * 1024 * 1024

// Config is the root configuration.
type Config struct {
	// Stream is the video source: an RTSP URL, a device index or a file path.
	Stream string `json:"stream"`

	// Database is the sqlite file path. ":memory:" is accepted for dev runs.
	Database string `json:"database"`

	// Model files for the DNN detector.
	ModelWeights string `json:"model_weights"`
	ModelConfig  string `json:"model_config"`
	ModelNames   string `json:"model_names"`

	// Detection tuning.
	InputSize     int      `json:"input_size"`
	ConfThreshold float32  `json:"conf_threshold"`
	IoUThreshold  float32  `json:"iou_threshold"`
	Classes       []string `json:"classes"`

	// Lane geometry and counting direction.
	Lanes lanes.LaneConfig `json:"lanes"`

	// RecentEvents bounds the in-memory recent-events tail served by /api/stats.
	RecentEvents int `json:"recent_events"`

	// TrackIdleWindow is a duration string like "5m"; tracks idle longer than
	// this are evicted from the counter's history.
	TrackIdleWindow string `json:"track_idle_window"`

	// Reconnect backoff: duration strings like "1s" and "30s".
	BackoffBase string `json:"backoff_base"`
	BackoffMax  string `json:"backoff_max"`

	// JPEGQuality for the cached annotated frame, 1-100.
	JPEGQuality int `json:"jpeg_quality"`
}

// Default returns the built-in configuration: a 960x720 frame split into two
// stacked lane polygons with the counting line at y=360.
func Default() *Config {
	return &Config{
		Stream:        "0",
		Database:      "counts.db",
		ModelWeights:  "models/yolov4-tiny.weights",
		ModelConfig:   "models/yolov4-tiny.cfg",
		ModelNames:    "models/coco.names",
		InputSize:     416,
		ConfThreshold: 0.4,
		IoUThreshold:  0.5,
		Classes:       []string{"car", "truck", "bus", "motorcycle"},
		Lanes: lanes.LaneConfig{
			Lane1Polygon: geometry.Polygon{
				{X: 0, Y: 0}, {X: 960, Y: 0}, {X: 960, Y: 360}, {X: 0, Y: 360},
			},
			Lane2Polygon: geometry.Polygon{
				{X: 0, Y: 360}, {X: 960, Y: 360}, {X: 960, Y: 720}, {X: 0, Y: 720},
			},
			CountingLine: geometry.Line{{X: 0, Y: 360}, {X: 960, Y: 360}},
			Direction:    lanes.DirectionAny,
		},
		RecentEvents:    50,
		TrackIdleWindow: "5m",
		BackoffBase:     "1s",
		BackoffMax:      "30s",
		JPEGQuality:     80,
	}
}

// Load reads a config file and merges it over the defaults. The path must
// have a .json extension and the file must be under maxConfigSize.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxConfigSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxConfigSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Unmarshal over the defaults so omitted fields keep their values.
	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration. Errors here are fatal at startup; the
// pipeline never runs on a half-valid config.
func (c *Config) Validate() error {
	if c.Stream == "" {
		return fmt.Errorf("stream source must not be empty")
	}
	if c.Database == "" {
		return fmt.Errorf("database path must not be empty")
	}
	if c.ConfThreshold < 0 || c.ConfThreshold > 1 {
		return fmt.Errorf("conf_threshold must be between 0 and 1, got %f", c.ConfThreshold)
	}
	if c.IoUThreshold < 0 || c.IoUThreshold > 1 {
		return fmt.Errorf("iou_threshold must be between 0 and 1, got %f", c.IoUThreshold)
	}
	if c.InputSize <= 0 {
		return fmt.Errorf("input_size must be positive, got %d", c.InputSize)
	}
	if len(c.Classes) == 0 {
		return fmt.Errorf("classes must not be empty")
	}
	if c.RecentEvents < 1 {
		return fmt.Errorf("recent_events must be at least 1, got %d", c.RecentEvents)
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return fmt.Errorf("jpeg_quality must be between 1 and 100, got %d", c.JPEGQuality)
	}
	for _, field := range []struct {
		name  string
		value string
	}{
		{"track_idle_window", c.TrackIdleWindow},
		{"backoff_base", c.BackoffBase},
		{"backoff_max", c.BackoffMax},
	} {
		if field.value == "" {
			continue
		}
		if _, err := time.ParseDuration(field.value); err != nil {
			return fmt.Errorf("invalid %s %q: %w", field.name, field.value, err)
		}
	}
	if err := c.Lanes.Validate(); err != nil {
		return fmt.Errorf("invalid lane geometry: %w", err)
	}
	return nil
}

// GetTrackIdleWindow parses TrackIdleWindow, falling back to the default.
func (c *Config) GetTrackIdleWindow() time.Duration {
	return parseDurationOr(c.TrackIdleWindow, 5*time.Minute)
}

// GetBackoffBase parses BackoffBase, falling back to the default.
func (c *Config) GetBackoffBase() time.Duration {
	return parseDurationOr(c.BackoffBase, time.Second)
}

// GetBackoffMax parses BackoffMax, falling back to the default.
func (c *Config) GetBackoffMax() time.Duration {
	return parseDurationOr(c.BackoffMax, 30*time.Second)
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
