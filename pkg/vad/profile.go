package vad

import (
	"fmt"
	"strings"
)

// EnvironmentClass buckets the ambient noise level measured during calibration.
// Classes are ordered from quietest to loudest.
type EnvironmentClass int

const (
	// QuietRoom is a near-silent room (library, night).
	QuietRoom EnvironmentClass = iota

	// LowNoise is a quiet room with a fan or distant hum.
	LowNoise

	// ModerateNoise is an ordinary room with a PC fan or air conditioning.
	ModerateNoise

	// HighNoise is a loud environment.
	HighNoise
)

var environmentNames = [...]string{
	QuietRoom:     "quiet_room",
	LowNoise:      "low_noise",
	ModerateNoise: "moderate_noise",
	HighNoise:     "high_noise",
}

// String returns the snake_case name of the class, e.g. "low_noise".
func (c EnvironmentClass) String() string {
	if c < 0 || int(c) >= len(environmentNames) {
		return fmt.Sprintf("EnvironmentClass(%d)", int(c))
	}
	return environmentNames[c]
}

// IsValid reports whether c is one of the four defined classes.
func (c EnvironmentClass) IsValid() bool {
	return c >= QuietRoom && c <= HighNoise
}

// MarshalText implements [encoding.TextMarshaler].
func (c EnvironmentClass) MarshalText() ([]byte, error) {
	if !c.IsValid() {
		return nil, fmt.Errorf("vad: invalid environment class %d", int(c))
	}
	return []byte(c.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler]. Names are matched
// case-insensitively; "QUIET_ROOM" and "quiet_room" are equivalent.
func (c *EnvironmentClass) UnmarshalText(text []byte) error {
	name := strings.ToLower(strings.TrimSpace(string(text)))
	for i, n := range environmentNames {
		if n == name {
			*c = EnvironmentClass(i)
			return nil
		}
	}
	return fmt.Errorf("vad: unknown environment class %q; valid values: quiet_room, low_noise, moderate_noise, high_noise", text)
}

// FrameClass is the hysteresis classification of one (smoothed) frame energy.
type FrameClass int

const (
	// FrameSilence is below the silence threshold.
	FrameSilence FrameClass = iota

	// FrameNoise lies between the two thresholds: ambient noise while
	// waiting, ambiguous while recording.
	FrameNoise

	// FrameSpeech is at or above the speech threshold.
	FrameSpeech
)

// String returns "silence", "noise", or "speech".
func (c FrameClass) String() string {
	switch c {
	case FrameSilence:
		return "silence"
	case FrameNoise:
		return "noise"
	case FrameSpeech:
		return "speech"
	default:
		return fmt.Sprintf("FrameClass(%d)", int(c))
	}
}

// NoiseStats summarises the frame energies of a calibration window.
type NoiseStats struct {
	// Mean is the arithmetic mean energy.
	Mean float64

	// StdDev is the population standard deviation.
	StdDev float64

	// Ceiling estimates the 95th-percentile energy as Mean + 2·StdDev.
	Ceiling float64

	// Min and Max are the extreme energies observed.
	Min, Max float64

	// Frames is the number of frames analysed.
	Frames int
}

// Profile is the immutable outcome of one calibration pass. It is a plain
// value: copies are independent and safe to share read-only across
// sequential segmenter runs.
//
// SilenceThreshold < SpeechThreshold always holds for profiles produced by a
// [Calibrator] with a valid [Policy].
type Profile struct {
	Environment      EnvironmentClass
	SpeechThreshold  float64
	SilenceThreshold float64
	MinSpeechFrames  int
	Noise            NoiseStats

	// Degenerate is set when the window was too short, held invalid
	// energies, or had no variance. Short and invalid windows fall back to
	// the QUIET_ROOM bucket.
	Degenerate bool
}

// Classify applies the profile's hysteresis thresholds to energy.
func (p Profile) Classify(energy float64) FrameClass {
	switch {
	case energy >= p.SpeechThreshold:
		return FrameSpeech
	case energy < p.SilenceThreshold:
		return FrameSilence
	default:
		return FrameNoise
	}
}

// IsZero reports whether p is the zero Profile (never calibrated).
func (p Profile) IsZero() bool {
	return p == Profile{}
}
