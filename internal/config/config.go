// Package config loads go-stillcam settings from the environment.
// Command-line flags in cmd/ override these values.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/teslashibe/go-stillcam/pkg/camera"
	"github.com/teslashibe/go-stillcam/pkg/emitter"
	"github.com/teslashibe/go-stillcam/pkg/frame"
	"github.com/teslashibe/go-stillcam/pkg/pipeline"
)

// Run modes for cmd/stillcam.
const (
	ModeLocal = "local"
	ModeRelay = "relay"
)

// Config holds the capture agent and relay settings.
type Config struct {
	CameraIndex  int    `env:"STILLCAM_CAMERA_INDEX"  envDefault:"0"`
	CameraPreset string `env:"STILLCAM_CAMERA_PRESET" envDefault:"default"`

	Mode        string `env:"STILLCAM_MODE"         envDefault:"local"`
	OutputDir   string `env:"STILLCAM_OUTPUT_DIR"   envDefault:"./images"`
	ClearOutput bool   `env:"STILLCAM_CLEAR_OUTPUT" envDefault:"false"`
	Format      string `env:"STILLCAM_FORMAT"       envDefault:"png"`
	JPEGQuality int    `env:"STILLCAM_JPEG_QUALITY" envDefault:"85"`

	RelayURL string `env:"STILLCAM_RELAY_URL" envDefault:"http://localhost:5000"`
	AgentID  string `env:"STILLCAM_AGENT_ID"`

	SampleInterval  time.Duration `env:"STILLCAM_SAMPLE_INTERVAL"   envDefault:"100ms"`
	MotionThreshold int           `env:"STILLCAM_MOTION_THRESHOLD"  envDefault:"17562"`
	SettleDelay     time.Duration `env:"STILLCAM_SETTLE_DELAY"      envDefault:"1350ms"`
	ImagesPerObject int           `env:"STILLCAM_IMAGES_PER_OBJECT" envDefault:"0"`
	IdleTimeout     time.Duration `env:"STILLCAM_IDLE_TIMEOUT"      envDefault:"0s"`
	LiveInterval    time.Duration `env:"STILLCAM_LIVE_INTERVAL"     envDefault:"200ms"`
	Rotation        int           `env:"STILLCAM_ROTATION"          envDefault:"0"`
	StartPaused     bool          `env:"STILLCAM_START_PAUSED"      envDefault:"false"`

	Port     string `env:"PORT"      envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load parses the environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks if the config values are within valid ranges.
// Returns a list of validation errors, or nil if valid.
func (c *Config) Validate() []string {
	var errors []string

	if c.Mode != ModeLocal && c.Mode != ModeRelay {
		errors = append(errors, "mode must be local or relay")
	}
	if _, err := emitter.ParseFormat(c.Format); err != nil {
		errors = append(errors, "format must be png or jpeg")
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		errors = append(errors, "jpeg_quality must be between 1 and 100")
	}
	if camera.GetPreset(c.CameraPreset) == nil {
		errors = append(errors, fmt.Sprintf("camera_preset must be one of %v", camera.PresetNames()))
	}
	if c.Mode == ModeRelay && c.RelayURL == "" {
		errors = append(errors, "relay_url is required in relay mode")
	}
	if c.Mode == ModeLocal && c.OutputDir == "" {
		errors = append(errors, "output_dir is required in local mode")
	}

	p := c.Pipeline()
	errors = append(errors, p.Validate()...)

	return errors
}

// Pipeline builds the capture loop configuration. Relay mode starts from
// pipeline.RelayConfig, local mode from pipeline.DefaultConfig; explicit
// settings override either.
func (c *Config) Pipeline() pipeline.Config {
	p := pipeline.DefaultConfig()
	if c.Mode == ModeRelay {
		p = pipeline.RelayConfig()
	}

	p.SampleInterval = c.SampleInterval
	p.Gate.Threshold = c.MotionThreshold
	p.Gate.SettleDelay = c.SettleDelay
	if r, err := frame.ParseRotation(c.Rotation); err == nil {
		p.Rotation = r
	}
	p.StartPaused = c.StartPaused
	if c.ImagesPerObject > 0 {
		p.ImagesPerObject = c.ImagesPerObject
	}
	if c.IdleTimeout > 0 {
		p.IdleTimeout = c.IdleTimeout
	}
	p.LiveFrameInterval = c.LiveInterval
	return p
}
