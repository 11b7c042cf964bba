package vad_test

import (
	"testing"
	"time"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/vad"
)

const (
	testRate      = 16000
	testFrameSize = 1024 // 64 ms
	frameDur      = 64 * time.Millisecond
)

// frameWithEnergy returns a mono frame whose RMS energy is exactly energy
// (rounded to the int16 grid).
func frameWithEnergy(seq uint64, energy float64) audio.AudioFrame {
	samples := make([]int16, testFrameSize)
	for i := range samples {
		v := int16(energy)
		if i%2 == 1 {
			v = -v
		}
		samples[i] = v
	}
	return audio.AudioFrame{
		Data:       audio.Int16sToBytes(samples),
		SampleRate: testRate,
		Channels:   1,
		Timestamp:  time.Duration(seq) * frameDur,
		Seq:        seq,
	}
}

// stream builds consecutive frames from runs of (count, energy).
func stream(runs ...run) []audio.AudioFrame {
	var frames []audio.AudioFrame
	for _, r := range runs {
		for range r.n {
			frames = append(frames, frameWithEnergy(uint64(len(frames)), r.energy))
		}
	}
	return frames
}

type run struct {
	n      int
	energy float64
}

// fakeClock advances only when told to.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

// testProfile is a LOW_NOISE profile matching the default policy.
func testProfile() vad.Profile {
	return vad.Profile{
		Environment:      vad.LowNoise,
		SpeechThreshold:  180,
		SilenceThreshold: 90,
		MinSpeechFrames:  4,
	}
}

// exactPolicy disables smoothing so frame classes map 1:1 onto energies.
func exactPolicy() vad.Policy {
	p := vad.DefaultPolicy()
	p.SmoothingWindow = 1
	return p
}

func newSegmenter(t *testing.T, p vad.Policy, prof vad.Profile, clk *fakeClock, opts ...vad.Option) *vad.Segmenter {
	t.Helper()
	opts = append([]vad.Option{vad.WithClock(clk.Now)}, opts...)
	seg, err := vad.NewSegmenter(p, prof, opts...)
	if err != nil {
		t.Fatalf("NewSegmenter: %v", err)
	}
	return seg
}

// feed pushes frames one by one, advancing the clock by one frame duration
// before each push. It returns the result and the index of the frame that
// resolved the session, or -1 if it did not resolve.
func feed(sess *vad.Session, clk *fakeClock, frames []audio.AudioFrame) (vad.Result, int) {
	for i, f := range frames {
		clk.Advance(frameDur)
		if res, done := sess.Push(f); done {
			return res, i
		}
	}
	return vad.Result{}, -1
}
