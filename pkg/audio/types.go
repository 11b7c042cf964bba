package audio

import "time"

// AudioFrame represents a single frame of audio data flowing through the listener.
// Frames are the atomic unit the voice activity engine reasons about: captured
// from a [Source], measured for energy, buffered by a recording session, and
// finally handed downstream as part of an utterance.
//
// A frame is immutable once captured. Whoever holds it (a calibration window
// or a recording session) owns it until it is consumed.
type AudioFrame struct {
	// PCM audio data as little-endian int16 samples.
	Data []byte

	// SampleRate in Hz (e.g., 16000 for STT input).
	SampleRate int

	// Channels: 1 for mono. The engine only accepts mono frames; sources
	// downmix before delivery.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration

	// Seq is the monotonically increasing sequence index assigned by the
	// source. The first frame of a stream has Seq 0.
	Seq uint64
}

// Samples decodes Data into int16 samples. A trailing odd byte is ignored.
func (f AudioFrame) Samples() []int16 {
	return BytesToInt16s(f.Data)
}

// NumSamples returns the number of samples per channel in the frame.
func (f AudioFrame) NumSamples() int {
	ch := f.Channels
	if ch <= 0 {
		ch = 1
	}
	return len(f.Data) / 2 / ch
}

// Duration returns the playback duration of the frame. It returns 0 when the
// sample rate is unknown.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.NumSamples()) * time.Second / time.Duration(f.SampleRate)
}

// FrameDuration returns the duration of a frame of frameSize samples at
// sampleRate. It returns 0 for non-positive inputs.
func FrameDuration(sampleRate, frameSize int) time.Duration {
	if sampleRate <= 0 || frameSize <= 0 {
		return 0
	}
	return time.Duration(frameSize) * time.Second / time.Duration(sampleRate)
}

// FramesFromPCM splits a contiguous mono PCM16 buffer into frames of
// frameSize samples. A trailing partial frame is dropped. Sequence indices
// start at 0 and timestamps are derived from the sample rate.
func FramesFromPCM(pcm []byte, sampleRate, frameSize int) []AudioFrame {
	if frameSize <= 0 {
		return nil
	}
	step := frameSize * 2
	n := len(pcm) / step
	frames := make([]AudioFrame, 0, n)
	dur := FrameDuration(sampleRate, frameSize)
	for i := range n {
		frames = append(frames, AudioFrame{
			Data:       pcm[i*step : (i+1)*step],
			SampleRate: sampleRate,
			Channels:   1,
			Timestamp:  time.Duration(i) * dur,
			Seq:        uint64(i),
		})
	}
	return frames
}

// JoinPCM concatenates the PCM data of frames into one contiguous buffer.
func JoinPCM(frames []AudioFrame) []byte {
	size := 0
	for _, f := range frames {
		size += len(f.Data)
	}
	out := make([]byte, 0, size)
	for _, f := range frames {
		out = append(out, f.Data...)
	}
	return out
}
