// Package vad implements adaptive, energy-based voice activity segmentation.
//
// The package has two collaborating parts:
//
//   - [Calibrator] characterises the acoustic environment from a short window
//     of ambient-only frames and derives a [Profile]: an environment class,
//     hysteresis thresholds, and a minimum-speech-duration policy.
//   - [Segmenter] consumes a live stream of frames with a [Profile] and runs a
//     bounded state machine per utterance attempt, producing a [Result] that
//     is either Accepted (with the buffered frames), Rejected, or TimedOut.
//
// All tuning constants live in [Policy] so they can be audited, loaded from
// configuration, and tested independently of the state machine.
//
// The engine is synchronous and pull-based. It never sleeps, spins, or starts
// goroutines; a [Session] performs O(1) work per frame. A [Profile] is an
// immutable value and may be reused across sequential sessions.
package vad

import (
	"math"

	"github.com/MrWong99/earshot/pkg/audio"
)

// FrameEnergy returns the root-mean-square amplitude of samples. It returns 0
// for an empty slice.
func FrameEnergy(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// EnergyOf returns the RMS energy of a frame's PCM data.
func EnergyOf(f audio.AudioFrame) float64 {
	return FrameEnergy(f.Samples())
}
