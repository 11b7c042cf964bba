package config

import (
	"slices"

	"github.com/MrWong99/earshot/pkg/vad"
)

// ConfigDiff describes what changed between two configs.
// Log level and the VAD policy are hot-reloaded; every other change needs a
// restart and only sets RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	PolicyChanged bool
	NewPolicy     vad.Policy

	// RecalibrateAfterChanged is set when listen.recalibrate_after changed.
	RecalibrateAfterChanged bool
	NewRecalibrateAfter     int

	// RestartRequired lists the top-level sections whose change cannot be
	// applied to a running listener.
	RestartRequired []string
}

// Changed reports whether d records any difference.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.PolicyChanged || d.RecalibrateAfterChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !policyEqual(old.VAD, new.VAD) {
		d.PolicyChanged = true
		d.NewPolicy = new.VAD
	}

	if old.Listen.RecalibrateAfter != new.Listen.RecalibrateAfter {
		d.RecalibrateAfterChanged = true
		d.NewRecalibrateAfter = new.Listen.RecalibrateAfter
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || old.Server.LogFormat != new.Server.LogFormat {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Listen.CalibrationWindow != new.Listen.CalibrationWindow || old.Listen.OutputDir != new.Listen.OutputDir {
		d.RestartRequired = append(d.RestartRequired, "listen")
	}

	return d
}

// policyEqual compares two policies field by field.
func policyEqual(a, b vad.Policy) bool {
	return slices.Equal(a.Buckets, b.Buckets) &&
		a.MarginHigh == b.MarginHigh &&
		a.MarginLow == b.MarginLow &&
		a.MinCalibrationFrames == b.MinCalibrationFrames &&
		a.SmoothingWindow == b.SmoothingWindow &&
		a.ArmingFrames == b.ArmingFrames &&
		a.SilenceTimeoutFrames == b.SilenceTimeoutFrames &&
		a.MaxDuration == b.MaxDuration &&
		a.AttemptTimeout == b.AttemptTimeout
}
