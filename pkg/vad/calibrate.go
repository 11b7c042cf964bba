package vad

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/MrWong99/earshot/pkg/audio"
)

// Calibrator derives a [Profile] from a window of ambient-only frames. It
// holds no mutable state and is safe for concurrent use.
type Calibrator struct {
	policy Policy
}

// NewCalibrator returns a Calibrator for policy. Zero fields are filled from
// [DefaultPolicy]; an invalid policy is rejected.
func NewCalibrator(policy Policy) (*Calibrator, error) {
	policy = policy.WithDefaults()
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("vad: invalid policy: %w", err)
	}
	return &Calibrator{policy: policy}, nil
}

// Policy returns the effective policy, with defaults applied.
func (c *Calibrator) Policy() Policy {
	return c.policy
}

// Calibrate measures the energy of every frame and calibrates on the result.
func (c *Calibrator) Calibrate(frames []audio.AudioFrame) Profile {
	energies := make([]float64, len(frames))
	for i, f := range frames {
		energies[i] = EnergyOf(f)
	}
	return c.CalibrateEnergies(energies)
}

// CalibrateSource reads exactly n frames from src and calibrates on them.
// The caller guarantees the window contains no intentional speech.
func (c *Calibrator) CalibrateSource(ctx context.Context, src audio.Source, n int) (Profile, error) {
	frames := make([]audio.AudioFrame, 0, n)
	for len(frames) < n {
		f, err := src.ReadFrame(ctx)
		if errors.Is(err, audio.ErrSourceClosed) {
			break
		}
		if err != nil {
			return Profile{}, fmt.Errorf("vad: calibration read: %w", err)
		}
		frames = append(frames, f)
	}
	return c.Calibrate(frames), nil
}

// CalibrateEnergies derives a profile from raw frame energies.
//
// Environment class is chosen by mean energy. Each threshold is the class
// base value raised, never lowered, to stay a fixed margin above the noise
// ceiling (mean + 2·stddev). A window shorter than MinCalibrationFrames or
// one containing non-finite or negative energies is degenerate and uses the
// QUIET_ROOM bucket. A window without variance is classified by its mean like
// any other but is still flagged degenerate. Calibration never fails.
func (c *Calibrator) CalibrateEnergies(energies []float64) Profile {
	stats, ok := noiseStats(energies)
	if !ok || len(energies) < c.policy.MinCalibrationFrames {
		return c.fromBucket(c.policy.Buckets[0], NoiseStats{Frames: len(energies)}, true)
	}
	// A flat window is a muted input or a constant hum.
	return c.fromBucket(c.policy.bucketFor(stats.Mean), stats, stats.StdDev == 0)
}

func (c *Calibrator) fromBucket(b Bucket, stats NoiseStats, degenerate bool) Profile {
	return Profile{
		Environment:      b.Class,
		SpeechThreshold:  math.Max(b.Speech, stats.Ceiling+c.policy.MarginHigh),
		SilenceThreshold: math.Max(b.Silence, stats.Ceiling+c.policy.MarginLow),
		MinSpeechFrames:  b.MinSpeechFrames,
		Noise:            stats,
		Degenerate:       degenerate,
	}
}

// noiseStats computes the window statistics. It reports false for an empty
// window or one containing NaN, ±Inf, or negative values.
func noiseStats(energies []float64) (NoiseStats, bool) {
	if len(energies) == 0 {
		return NoiseStats{}, false
	}
	st := NoiseStats{Frames: len(energies), Min: math.Inf(1), Max: math.Inf(-1)}
	var sum float64
	for _, e := range energies {
		if math.IsNaN(e) || math.IsInf(e, 0) || e < 0 {
			return NoiseStats{Frames: len(energies)}, false
		}
		sum += e
		st.Min = math.Min(st.Min, e)
		st.Max = math.Max(st.Max, e)
	}
	n := float64(len(energies))
	st.Mean = sum / n

	var sq float64
	for _, e := range energies {
		d := e - st.Mean
		sq += d * d
	}
	st.StdDev = math.Sqrt(sq / n)
	if st.Min == st.Max {
		st.StdDev = 0
	}
	st.Ceiling = st.Mean + 2*st.StdDev
	return st, true
}
