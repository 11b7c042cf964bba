package vad

import (
	"errors"
	"fmt"
	"time"
)

// Bucket is the base policy for one environment class.
type Bucket struct {
	// Class this bucket describes.
	Class EnvironmentClass `yaml:"class"`

	// UpperMean is the exclusive upper bound of calibration mean energy for
	// this bucket. Ignored for the last bucket, which is open-ended.
	UpperMean float64 `yaml:"upper_mean"`

	// Speech is the base speech threshold.
	Speech float64 `yaml:"speech"`

	// Silence is the base silence threshold. Must be below Speech.
	Silence float64 `yaml:"silence"`

	// MinSpeechFrames is the number of speech-classified frames an attempt
	// must accumulate before trailing silence can accept it.
	MinSpeechFrames int `yaml:"min_speech_frames"`
}

// Policy holds every tuning constant of the calibrator and the segmenter.
// The defaults ([DefaultPolicy]) assume 16 kHz input in 1024-sample (64 ms)
// frames and RMS energy on the int16 scale. They are deployment tuning
// values, not derived constants: retune per microphone and room.
type Policy struct {
	// Buckets must list QuietRoom, LowNoise, ModerateNoise, HighNoise in
	// that order with strictly ascending UpperMean.
	Buckets []Bucket `yaml:"buckets"`

	// MarginHigh is added to the noise ceiling to get the minimum speech
	// threshold. MarginLow does the same for the silence threshold.
	// MarginHigh > MarginLow >= 0.
	MarginHigh float64 `yaml:"margin_high"`
	MarginLow  float64 `yaml:"margin_low"`

	// MinCalibrationFrames is the shortest window that is analysed; shorter
	// windows are degenerate.
	MinCalibrationFrames int `yaml:"min_calibration_frames"`

	// SmoothingWindow is the moving-average length applied to raw frame
	// energies. 1 disables smoothing.
	SmoothingWindow int `yaml:"smoothing_window"`

	// ArmingFrames is how many speech frames must be seen while waiting
	// (without an intervening silence frame) before recording is armed.
	ArmingFrames int `yaml:"arming_frames"`

	// SilenceTimeoutFrames is the run of trailing silence frames that ends a
	// recording.
	SilenceTimeoutFrames int `yaml:"silence_timeout_frames"`

	// MaxDuration caps the buffered audio of one recording.
	MaxDuration time.Duration `yaml:"max_duration"`

	// AttemptTimeout is the wall-clock budget for speech to arm a recording.
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

// DefaultPolicy returns the four-bucket policy tuned on a 16 kHz desktop
// microphone.
func DefaultPolicy() Policy {
	return Policy{
		Buckets: []Bucket{
			{Class: QuietRoom, UpperMean: 15, Speech: 80, Silence: 30, MinSpeechFrames: 3},
			{Class: LowNoise, UpperMean: 50, Speech: 180, Silence: 90, MinSpeechFrames: 4},
			{Class: ModerateNoise, UpperMean: 100, Speech: 300, Silence: 120, MinSpeechFrames: 5},
			{Class: HighNoise, Speech: 400, Silence: 150, MinSpeechFrames: 6},
		},
		MarginHigh:           60,
		MarginLow:            20,
		MinCalibrationFrames: 2,
		SmoothingWindow:      3,
		ArmingFrames:         2,
		SilenceTimeoutFrames: 20,
		MaxDuration:          15 * time.Second,
		AttemptTimeout:       10 * time.Second,
	}
}

// WithDefaults returns a copy of p with zero-valued fields taken from
// [DefaultPolicy]. Margins are only defaulted when both are zero, since a
// zero MarginLow is meaningful on its own.
func (p Policy) WithDefaults() Policy {
	d := DefaultPolicy()
	if len(p.Buckets) == 0 {
		p.Buckets = d.Buckets
	} else {
		p.Buckets = append([]Bucket(nil), p.Buckets...)
	}
	if p.MarginHigh == 0 && p.MarginLow == 0 {
		p.MarginHigh, p.MarginLow = d.MarginHigh, d.MarginLow
	}
	if p.MinCalibrationFrames == 0 {
		p.MinCalibrationFrames = d.MinCalibrationFrames
	}
	if p.SmoothingWindow == 0 {
		p.SmoothingWindow = d.SmoothingWindow
	}
	if p.ArmingFrames == 0 {
		p.ArmingFrames = d.ArmingFrames
	}
	if p.SilenceTimeoutFrames == 0 {
		p.SilenceTimeoutFrames = d.SilenceTimeoutFrames
	}
	if p.MaxDuration == 0 {
		p.MaxDuration = d.MaxDuration
	}
	if p.AttemptTimeout == 0 {
		p.AttemptTimeout = d.AttemptTimeout
	}
	return p
}

// Validate checks that p is coherent. It returns a joined error listing all
// failures found.
func (p Policy) Validate() error {
	var errs []error

	if len(p.Buckets) != len(environmentNames) {
		errs = append(errs, fmt.Errorf("buckets: got %d, want %d (quiet_room, low_noise, moderate_noise, high_noise)", len(p.Buckets), len(environmentNames)))
	}
	for i, b := range p.Buckets {
		prefix := fmt.Sprintf("buckets[%d]", i)
		if b.Class != EnvironmentClass(i) {
			errs = append(errs, fmt.Errorf("%s.class is %s, want %s", prefix, b.Class, EnvironmentClass(i)))
		}
		if b.Silence < 0 || b.Speech <= b.Silence {
			errs = append(errs, fmt.Errorf("%s: need 0 <= silence < speech, got silence=%g speech=%g", prefix, b.Silence, b.Speech))
		}
		if b.MinSpeechFrames < 1 {
			errs = append(errs, fmt.Errorf("%s.min_speech_frames must be >= 1", prefix))
		}
		if i == 0 {
			continue
		}
		prev := p.Buckets[i-1]
		if i < len(p.Buckets)-1 && b.UpperMean <= prev.UpperMean {
			errs = append(errs, fmt.Errorf("%s.upper_mean %g must be above %g", prefix, b.UpperMean, prev.UpperMean))
		}
		if b.Speech < prev.Speech || b.Silence < prev.Silence || b.MinSpeechFrames < prev.MinSpeechFrames {
			errs = append(errs, fmt.Errorf("%s: base values must not decrease from buckets[%d]", prefix, i-1))
		}
	}
	if len(p.Buckets) > 0 && p.Buckets[0].UpperMean <= 0 {
		errs = append(errs, errors.New("buckets[0].upper_mean must be positive"))
	}

	if p.MarginLow < 0 || p.MarginHigh <= p.MarginLow {
		errs = append(errs, fmt.Errorf("need margin_high > margin_low >= 0, got %g and %g", p.MarginHigh, p.MarginLow))
	}
	if len(p.Buckets) > 0 {
		q := p.Buckets[0]
		if p.MarginHigh > q.Speech || p.MarginLow > q.Silence {
			errs = append(errs, errors.New("margins must not exceed the quiet_room base thresholds"))
		}
	}
	if p.MinCalibrationFrames < 1 {
		errs = append(errs, errors.New("min_calibration_frames must be >= 1"))
	}
	if p.SmoothingWindow < 1 {
		errs = append(errs, errors.New("smoothing_window must be >= 1"))
	}
	if p.ArmingFrames < 1 {
		errs = append(errs, errors.New("arming_frames must be >= 1"))
	}
	if p.SilenceTimeoutFrames < 1 {
		errs = append(errs, errors.New("silence_timeout_frames must be >= 1"))
	}
	if p.MaxDuration <= 0 {
		errs = append(errs, errors.New("max_duration must be positive"))
	}
	if p.AttemptTimeout <= 0 {
		errs = append(errs, errors.New("attempt_timeout must be positive"))
	}
	return errors.Join(errs...)
}

// Bucket returns the bucket for class.
func (p Policy) Bucket(class EnvironmentClass) (Bucket, bool) {
	for _, b := range p.Buckets {
		if b.Class == class {
			return b, true
		}
	}
	return Bucket{}, false
}

// bucketFor returns the bucket whose range contains mean. p must be valid.
func (p Policy) bucketFor(mean float64) Bucket {
	last := len(p.Buckets) - 1
	for _, b := range p.Buckets[:last] {
		if mean < b.UpperMean {
			return b
		}
	}
	return p.Buckets[last]
}
