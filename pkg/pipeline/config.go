package pipeline

import (
	"time"

	"github.com/teslashibe/go-stillcam/pkg/frame"
	"github.com/teslashibe/go-stillcam/pkg/gate"
	"github.com/teslashibe/go-stillcam/pkg/sampler"
)

// Config holds all tunable parameters for the capture pipeline.
type Config struct {
	// Sampling
	SampleInterval time.Duration // Target period between samples
	FrameWidth     int           // Motion frame width before rotation
	FrameHeight    int           // Motion frame height before rotation
	Rotation       frame.Rotation

	// Motion
	PixelThreshold uint8       // Per-pixel noise floor (0-255)
	Gate           gate.Config // Motion threshold and settle delay

	// Pause handling
	ReseedOnResume bool // Drop the cached frame when sampling restarts
	StartPaused    bool // Wait for Start before sampling

	// Capture sequencing
	ImagesPerObject int           // Sides per object, 0 for unlimited
	IdleTimeout     time.Duration // Hold after this long without activity, 0 disables

	// Live preview
	LiveFrameInterval time.Duration // Minimum gap between live frames, 0 disables
	LiveJPEGQuality   int
}

// DefaultConfig returns the tuned browser-capture behaviour.
func DefaultConfig() Config {
	return Config{
		SampleInterval: 100 * time.Millisecond, // 10 samples per second
		FrameWidth:     sampler.DefaultWidth,
		FrameHeight:    sampler.DefaultHeight,
		Rotation:       frame.Rotate0,

		PixelThreshold: frame.DefaultPixelThreshold,
		Gate:           gate.DefaultConfig(),

		ReseedOnResume: true,

		ImagesPerObject: 0,
		IdleTimeout:     0,

		LiveFrameInterval: 0,
		LiveJPEGQuality:   70,
	}
}

// RelayConfig returns settings for the relay agent: two sides per object,
// a 10s idle hold and a live preview at 5 fps.
func RelayConfig() Config {
	cfg := DefaultConfig()
	cfg.ImagesPerObject = 2
	cfg.IdleTimeout = 10 * time.Second
	cfg.LiveFrameInterval = 200 * time.Millisecond
	return cfg
}

// Validate checks if the config values are within valid ranges.
// Returns a list of validation errors, or nil if valid.
func (c *Config) Validate() []string {
	var errors []string

	if c.SampleInterval <= 0 {
		errors = append(errors, "sample_interval must be positive")
	}
	if c.FrameWidth < 16 || c.FrameHeight < 16 {
		errors = append(errors, "frame size must be at least 16x16")
	}
	if _, err := frame.ParseRotation(int(c.Rotation)); err != nil {
		errors = append(errors, "rotation must be 0, 90, 180 or 270")
	}
	if c.Gate.Threshold < 0 || c.Gate.Threshold >= c.FrameWidth*c.FrameHeight {
		errors = append(errors, "motion threshold must be below the frame pixel count")
	}
	if c.Gate.SettleDelay <= 0 {
		errors = append(errors, "settle_delay must be positive")
	}
	if c.ImagesPerObject < 0 {
		errors = append(errors, "images_per_object must be 0 or more")
	}
	if c.IdleTimeout < 0 || c.LiveFrameInterval < 0 {
		errors = append(errors, "durations must not be negative")
	}
	if c.LiveJPEGQuality < 0 || c.LiveJPEGQuality > 100 {
		errors = append(errors, "live_jpeg_quality must be between 0 and 100")
	}

	return errors
}
