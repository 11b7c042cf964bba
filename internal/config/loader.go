package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultSampleRate        = 16000
	DefaultFrameSize         = 1024
	DefaultCalibrationWindow = 2 * time.Second
)

// KnownSources lists the built-in frame source names. [Validate] warns
// about names outside this list since a caller may register its own.
var KnownSources = []string{SourcePortAudio, SourceWebSocket, SourceWAV}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills defaults and validates
// the result. An empty document yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields of cfg in place.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.LogFormat == "" {
		cfg.Server.LogFormat = LogFormatText
	}
	if cfg.Audio.Source == "" {
		cfg.Audio.Source = SourcePortAudio
	}
	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = DefaultSampleRate
	}
	if cfg.Audio.FrameSize == 0 {
		cfg.Audio.FrameSize = DefaultFrameSize
	}
	if cfg.Audio.Codec == "" {
		cfg.Audio.Codec = "pcm16"
	}
	if cfg.Listen.CalibrationWindow == 0 {
		cfg.Listen.CalibrationWindow = DefaultCalibrationWindow
	}
	cfg.VAD = cfg.VAD.WithDefaults()
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}

	// Audio
	a := cfg.Audio
	if a.Source == "" {
		errs = append(errs, errors.New("audio.source is required"))
	} else if !slices.Contains(KnownSources, a.Source) {
		slog.Warn("unknown audio source; it must be registered before startup",
			"source", a.Source,
			"known", KnownSources,
		)
	}
	if a.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", a.SampleRate))
	}
	if a.FrameSize <= 0 {
		errs = append(errs, fmt.Errorf("audio.frame_size %d must be positive", a.FrameSize))
	}
	if a.Codec != "" && !a.Codec.IsValid() {
		errs = append(errs, fmt.Errorf("audio.codec %q is invalid; valid values: pcm16, mulaw, alaw, opus", a.Codec))
	}
	switch a.Source {
	case SourceWebSocket:
		if a.URL == "" {
			errs = append(errs, errors.New("audio.url is required when source is websocket"))
		}
	case SourceWAV:
		if a.Path == "" {
			errs = append(errs, errors.New("audio.path is required when source is wav"))
		}
	}

	// Listen
	if cfg.Listen.CalibrationWindow < 0 {
		errs = append(errs, fmt.Errorf("listen.calibration_window %s must not be negative", cfg.Listen.CalibrationWindow))
	}
	if cfg.Listen.RecalibrateAfter < 0 {
		errs = append(errs, fmt.Errorf("listen.recalibrate_after %d must not be negative", cfg.Listen.RecalibrateAfter))
	}
	if fd := a.FrameDuration(); fd > 0 && cfg.Listen.CalibrationWindow > 0 &&
		cfg.CalibrationFrames() < cfg.VAD.MinCalibrationFrames {
		slog.Warn("listen.calibration_window is shorter than vad.min_calibration_frames; every calibration will be degenerate",
			"window", cfg.Listen.CalibrationWindow,
			"frame_duration", fd,
			"min_calibration_frames", cfg.VAD.MinCalibrationFrames,
		)
	}

	// VAD
	if err := cfg.VAD.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("vad: %w", err))
	}

	return errors.Join(errs...)
}
