// Package config provides the configuration schema, loader, frame source
// registry and hot-reload watcher for the earshot listener.
package config

import (
	"time"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/vad"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogFormatText || f == LogFormatJSON
}

// Built-in frame source names.
const (
	SourcePortAudio = "portaudio"
	SourceWebSocket = "websocket"
	SourceWAV       = "wav"
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server ServerConfig `yaml:"server"`
	Audio  AudioConfig  `yaml:"audio"`
	Listen ListenConfig `yaml:"listen"`

	// VAD tunes calibration and segmentation. Omitted fields take the
	// values of [vad.DefaultPolicy].
	VAD vad.Policy `yaml:"vad"`
}

// ServerConfig holds the ops HTTP server and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address serving /metrics, /healthz and /readyz
	// (e.g., ":9464"). Empty disables the ops server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Defaults to info.
	LogLevel LogLevel `yaml:"log_level"`

	// LogFormat selects text or JSON log output. Defaults to text.
	LogFormat LogFormat `yaml:"log_format"`
}

// AudioConfig selects and configures the frame source.
type AudioConfig struct {
	// Source names a factory in the [Registry]: portaudio, websocket or wav.
	Source string `yaml:"source"`

	// SampleRate of delivered frames in Hz. Defaults to 16000.
	SampleRate int `yaml:"sample_rate"`

	// FrameSize is the number of samples per frame. Defaults to 1024.
	FrameSize int `yaml:"frame_size"`

	// Device is the PortAudio input device name. Empty selects the default
	// input device.
	Device string `yaml:"device"`

	// URL is the WebSocket endpoint streaming remote microphone audio.
	URL string `yaml:"url"`

	// Codec of WebSocket payloads. Defaults to pcm16.
	Codec audio.Codec `yaml:"codec"`

	// Path is the WAV file replayed by the wav source.
	Path string `yaml:"path"`
}

// FrameDuration returns the duration of one frame.
func (a AudioConfig) FrameDuration() time.Duration {
	return audio.FrameDuration(a.SampleRate, a.FrameSize)
}

// ListenConfig controls the listening loop around the engine.
type ListenConfig struct {
	// CalibrationWindow is how much ambient audio is sampled per
	// calibration. Defaults to 2s.
	CalibrationWindow time.Duration `yaml:"calibration_window"`

	// RecalibrateAfter forces a fresh calibration after this many attempts.
	// 0 keeps a profile until a policy change or an explicit request.
	RecalibrateAfter int `yaml:"recalibrate_after"`

	// OutputDir receives one WAV file per accepted utterance. Empty
	// disables writing.
	OutputDir string `yaml:"output_dir"`
}

// CalibrationFrames returns the number of frames in the calibration window,
// rounded up, never less than one.
func (c *Config) CalibrationFrames() int {
	fd := c.Audio.FrameDuration()
	if fd <= 0 {
		return 1
	}
	n := int((c.Listen.CalibrationWindow + fd - 1) / fd)
	return max(n, 1)
}
