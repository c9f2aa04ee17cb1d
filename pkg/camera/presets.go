package camera

// Preset names for common configurations
const (
	PresetDefault     = "default"
	Preset720p        = "720p"
	Preset1080p       = "1080p"
	PresetLowLight    = "lowlight"
	PresetManualFocus = "manual-focus"
)

// Presets returns all available preset configurations.
func Presets() map[string]Config {
	return map[string]Config{
		PresetDefault:     DefaultConfig(),
		Preset720p:        HD720Config(),
		Preset1080p:       HD1080Config(),
		PresetLowLight:    LowLightConfig(),
		PresetManualFocus: ManualFocusConfig(),
	}
}

// PresetNames returns the list of available preset names.
func PresetNames() []string {
	return []string{
		PresetDefault,
		Preset720p,
		Preset1080p,
		PresetLowLight,
		PresetManualFocus,
	}
}

// GetPreset returns a preset config by name, or nil if not found.
func GetPreset(name string) *Config {
	if cfg, ok := Presets()[name]; ok {
		return &cfg
	}
	return nil
}

// HD720Config returns 720p HD configuration.
func HD720Config() Config {
	cfg := DefaultConfig()
	cfg.Width = 1280
	cfg.Height = 720
	return cfg
}

// HD1080Config returns 1080p Full HD configuration.
// Most USB webcams drop to 15 fps at this size.
func HD1080Config() Config {
	cfg := DefaultConfig()
	cfg.Width = 1920
	cfg.Height = 1080
	cfg.Framerate = 15
	return cfg
}

// LowLightConfig trades frame rate for a longer manual exposure and a
// brighter image.
func LowLightConfig() Config {
	cfg := DefaultConfig()
	cfg.Framerate = 10
	cfg.AutoExposure = false
	cfg.Exposure = -4
	cfg.Brightness = 160
	return cfg
}

// ManualFocusConfig pins focus and white balance so consecutive frames
// of a static scene stay identical. Autofocus hunting reads as motion.
func ManualFocusConfig() Config {
	cfg := HD720Config()
	cfg.AutoFocus = false
	cfg.Focus = 30
	cfg.AutoWhiteBalance = false
	cfg.WBTemperature = 4600
	return cfg
}
