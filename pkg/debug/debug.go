// Package debug provides global debug logging flags
package debug

import "log/slog"

// Enabled controls whether debug logging is active
var Enabled bool

// Cycles controls whether per-cycle motion metrics are logged.
// At 10 samples per second this is very verbose; use --debug-cycles to enable.
var Cycles bool

// Log logs at debug level only if debug mode is enabled
func Log(logger *slog.Logger, msg string, args ...any) {
	if Enabled {
		logger.Debug(msg, args...)
	}
}

// CycleLog logs a per-cycle line only if cycle debugging is enabled
func CycleLog(logger *slog.Logger, msg string, args ...any) {
	if Cycles {
		logger.Info(msg, args...)
	}
}
