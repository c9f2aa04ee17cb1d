// Package camera provides runtime-configurable webcam settings.
// Values map onto OpenCV capture properties in pkg/webcam.
package camera

// Config holds all camera configuration parameters.
// These can be modified via the camera API at runtime.
type Config struct {
	// === Resolution ===
	Width     int `json:"width"`     // Requested frame width in pixels
	Height    int `json:"height"`    // Requested frame height in pixels
	Framerate int `json:"framerate"` // Requested FPS

	// === Exposure ===
	// AutoExposure lets the driver pick exposure. When false, Exposure is used.
	AutoExposure bool `json:"auto_exposure"`

	// Exposure in driver units. On V4L2 this is an absolute time in
	// 100us steps; on many UVC backends it is a log2 value from -13 to 0.
	Exposure float64 `json:"exposure"`

	// Brightness in driver units (0-255). -1 keeps the driver default.
	Brightness int `json:"brightness"`

	// === White balance ===
	AutoWhiteBalance bool `json:"auto_white_balance"`

	// WBTemperature is the manual white balance in Kelvin (2800 to 6500).
	WBTemperature int `json:"wb_temperature"`

	// === Focus ===
	AutoFocus bool `json:"auto_focus"`

	// Focus is the manual focus position (0 to 255, larger is nearer).
	Focus int `json:"focus"`
}

// Device limits accepted by Validate.
const (
	MaxWidth       = 3840
	MaxHeight      = 2160
	MaxFramerate   = 120
	MinExposure    = -13.0
	MaxExposure    = 10000.0
	MinWBTemp      = 2800
	MaxWBTemp      = 6500
	MaxFocus       = 255
	MaxBrightness  = 255
	KeepBrightness = -1
)

// DefaultConfig returns the 640x480 auto-everything configuration the
// capture page asked browsers for.
func DefaultConfig() Config {
	return Config{
		Width:     640,
		Height:    480,
		Framerate: 30,

		AutoExposure: true,
		Exposure:     0,
		Brightness:   KeepBrightness,

		AutoWhiteBalance: true,
		WBTemperature:    4600,

		AutoFocus: true,
		Focus:     0,
	}
}

// Validate checks if the config values are within valid ranges.
// Returns a list of validation errors, or nil if valid.
func (c *Config) Validate() []string {
	var errors []string

	// Resolution
	if c.Width < 160 || c.Width > MaxWidth {
		errors = append(errors, "width must be between 160 and 3840")
	}
	if c.Height < 120 || c.Height > MaxHeight {
		errors = append(errors, "height must be between 120 and 2160")
	}
	if c.Framerate < 1 || c.Framerate > MaxFramerate {
		errors = append(errors, "framerate must be between 1 and 120")
	}

	// Exposure
	if !c.AutoExposure && (c.Exposure < MinExposure || c.Exposure > MaxExposure) {
		errors = append(errors, "exposure must be between -13 and 10000")
	}
	if c.Brightness != KeepBrightness && (c.Brightness < 0 || c.Brightness > MaxBrightness) {
		errors = append(errors, "brightness must be -1 (driver default) or between 0 and 255")
	}

	// White balance
	if !c.AutoWhiteBalance && (c.WBTemperature < MinWBTemp || c.WBTemperature > MaxWBTemp) {
		errors = append(errors, "wb_temperature must be between 2800 and 6500")
	}

	// Focus
	if !c.AutoFocus && (c.Focus < 0 || c.Focus > MaxFocus) {
		errors = append(errors, "focus must be between 0 and 255")
	}

	return errors
}

// Capabilities returns the ranges accepted by Validate.
func Capabilities() map[string]interface{} {
	return map[string]interface{}{
		"max_width":      MaxWidth,
		"max_height":     MaxHeight,
		"max_framerate":  MaxFramerate,
		"exposure_range": []float64{MinExposure, MaxExposure},
		"wb_range":       []int{MinWBTemp, MaxWBTemp},
		"focus_range":    []int{0, MaxFocus},
		"presets":        PresetNames(),
	}
}
