package vad_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/audio/mock"
	"github.com/MrWong99/earshot/pkg/vad"
)

func TestSession_AcceptsUtteranceAfterTrailingSilence(t *testing.T) {
	clk := newFakeClock()
	seg := newSegmenter(t, exactPolicy(), testProfile(), clk)
	sess := seg.NewSession()

	frames := stream(run{5, 40}, run{10, 500}, run{20, 10}, run{5, 40})
	res, idx := feed(sess, clk, frames)

	if idx != 34 {
		t.Fatalf("resolved at frame %d, want 34", idx)
	}
	if res.Outcome != vad.OutcomeAccepted {
		t.Fatalf("Outcome = %s, want accepted", res.Outcome)
	}
	if len(res.Frames) != 30 {
		t.Fatalf("len(Frames) = %d, want 30", len(res.Frames))
	}
	if first, last := res.Frames[0].Seq, res.Frames[len(res.Frames)-1].Seq; first != 5 || last != 34 {
		t.Errorf("frames span seq %d..%d, want 5..34", first, last)
	}
	for i := 1; i < len(res.Frames); i++ {
		if res.Frames[i].Seq != res.Frames[i-1].Seq+1 {
			t.Fatalf("gap between seq %d and %d", res.Frames[i-1].Seq, res.Frames[i].Seq)
		}
	}
	if res.SpeechFrames != 10 {
		t.Errorf("SpeechFrames = %d, want 10", res.SpeechFrames)
	}
	if res.Overrun || res.FalseTriggers != 0 {
		t.Errorf("Overrun=%v FalseTriggers=%d, want false/0", res.Overrun, res.FalseTriggers)
	}
	if res.Environment != vad.LowNoise {
		t.Errorf("Environment = %s, want low_noise", res.Environment)
	}
	if res.Duration() != 30*frameDur {
		t.Errorf("Duration = %v, want %v", res.Duration(), 30*frameDur)
	}
	if len(res.PCM()) != 30*testFrameSize*2 {
		t.Errorf("len(PCM) = %d, want %d", len(res.PCM()), 30*testFrameSize*2)
	}
	if res.Elapsed != 35*frameDur {
		t.Errorf("Elapsed = %v, want %v", res.Elapsed, 35*frameDur)
	}
	if sess.State() != vad.StateAccepted {
		t.Errorf("State = %s, want accepted", sess.State())
	}
}

func TestSession_SingleSpikeDoesNotArm(t *testing.T) {
	clk := newFakeClock()
	seg := newSegmenter(t, exactPolicy(), testProfile(), clk)
	sess := seg.NewSession()

	frames := stream(run{1, 500}, run{1, 40}, run{1, 500}, run{30, 40})
	if _, idx := feed(sess, clk, frames); idx != -1 {
		t.Fatalf("resolved at frame %d, want unresolved", idx)
	}
	if sess.State() != vad.StateWaiting {
		t.Errorf("State = %s, want waiting", sess.State())
	}
}

func TestSession_DefaultSmoothingShortBursts(t *testing.T) {
	// Profile of a muted microphone: QUIET_ROOM defaults.
	quiet := vad.Profile{
		Environment:      vad.QuietRoom,
		SpeechThreshold:  80,
		SilenceThreshold: 30,
		MinSpeechFrames:  3,
	}
	tests := []struct {
		name              string
		spikes            int
		wantIdx           int
		wantOutcome       vad.Outcome
		wantFalseTriggers int
		wantSpeech        int
	}{
		{"single click never arms", 1, -1, vad.OutcomeRejected, 0, 0},
		{"two loud frames fold back", 2, -1, vad.OutcomeRejected, 1, 0},
		{"three loud frames are accepted", 3, 29, vad.OutcomeAccepted, 0, 3},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			clk := newFakeClock()
			sess := newSegmenter(t, vad.DefaultPolicy(), quiet, clk).NewSession()

			res, idx := feed(sess, clk, stream(run{5, 0}, run{tc.spikes, 500}, run{60, 0}))
			if idx != tc.wantIdx {
				t.Fatalf("resolved at frame %d, want %d", idx, tc.wantIdx)
			}
			if idx < 0 {
				res = sess.Finish()
			}
			if res.Outcome != tc.wantOutcome {
				t.Fatalf("Outcome = %s, want %s", res.Outcome, tc.wantOutcome)
			}
			if res.FalseTriggers != tc.wantFalseTriggers {
				t.Errorf("FalseTriggers = %d, want %d", res.FalseTriggers, tc.wantFalseTriggers)
			}
			if res.SpeechFrames != tc.wantSpeech {
				t.Errorf("SpeechFrames = %d, want %d", res.SpeechFrames, tc.wantSpeech)
			}
		})
	}
}

func TestSession_NoiseWhileWaitingKeepsOnset(t *testing.T) {
	clk := newFakeClock()
	seg := newSegmenter(t, exactPolicy(), testProfile(), clk)
	sess := seg.NewSession()

	feed(sess, clk, stream(run{1, 500}, run{3, 120}, run{1, 500}))
	if sess.State() != vad.StateArmed {
		t.Fatalf("State = %s, want armed", sess.State())
	}

	// Onset remains the first speech frame, so the noise frames are kept.
	rest := stream(run{5, 0}, run{3, 500}, run{20, 10})[5:]
	res, idx := feed(sess, clk, rest)
	if idx < 0 || res.Outcome != vad.OutcomeAccepted {
		t.Fatalf("not accepted: idx=%d outcome=%s", idx, res.Outcome)
	}
	if res.Frames[0].Seq != 0 || len(res.Frames) != 28 {
		t.Errorf("frames start at %d len %d, want 0 and 28", res.Frames[0].Seq, len(res.Frames))
	}
	if res.SpeechFrames != 5 {
		t.Errorf("SpeechFrames = %d, want 5", res.SpeechFrames)
	}
}

func TestSession_NoiseWhileArmedIsNeutral(t *testing.T) {
	clk := newFakeClock()
	seg := newSegmenter(t, exactPolicy(), testProfile(), clk)
	sess := seg.NewSession()

	frames := stream(run{4, 500}, run{10, 40}, run{5, 120}, run{10, 40})
	res, idx := feed(sess, clk, frames)
	if idx != 28 {
		t.Fatalf("resolved at frame %d, want 28", idx)
	}
	if res.Outcome != vad.OutcomeAccepted || len(res.Frames) != 29 {
		t.Errorf("Outcome=%s len=%d, want accepted with 29 frames", res.Outcome, len(res.Frames))
	}
}

func TestSession_FalseTriggerThenTimeout(t *testing.T) {
	p := exactPolicy()
	p.AttemptTimeout = 2 * time.Second
	clk := newFakeClock()
	seg := newSegmenter(t, p, testProfile(), clk)
	sess := seg.NewSession()

	var states []vad.State
	frames := stream(run{2, 500}, run{40, 40})
	for i, f := range frames {
		clk.Advance(frameDur)
		res, done := sess.Push(f)
		states = append(states, sess.State())
		if !done {
			continue
		}
		if i != 31 {
			t.Fatalf("resolved at frame %d, want 31", i)
		}
		if res.Outcome != vad.OutcomeTimedOut {
			t.Fatalf("Outcome = %s, want timed_out", res.Outcome)
		}
		if res.FalseTriggers != 1 {
			t.Errorf("FalseTriggers = %d, want 1", res.FalseTriggers)
		}
		if res.Frames != nil {
			t.Errorf("timed out result carries %d frames", len(res.Frames))
		}
		if res.Elapsed != 32*frameDur {
			t.Errorf("Elapsed = %v, want %v", res.Elapsed, 32*frameDur)
		}
		break
	}
	if states[1] != vad.StateArmed {
		t.Errorf("state after frame 1 = %s, want armed", states[1])
	}
	if states[21] != vad.StateWaiting {
		t.Errorf("state after frame 21 = %s, want waiting", states[21])
	}
}

func TestSession_FalseTriggerThenAccept(t *testing.T) {
	clk := newFakeClock()
	seg := newSegmenter(t, exactPolicy(), testProfile(), clk)
	sess := seg.NewSession()

	res, idx := feed(sess, clk, stream(run{2, 500}, run{20, 40}, run{6, 500}, run{20, 40}))
	if idx != 47 {
		t.Fatalf("resolved at frame %d, want 47", idx)
	}
	if res.Outcome != vad.OutcomeAccepted || res.FalseTriggers != 1 {
		t.Errorf("Outcome=%s FalseTriggers=%d, want accepted/1", res.Outcome, res.FalseTriggers)
	}
	if res.Frames[0].Seq != 22 {
		t.Errorf("onset seq = %d, want 22", res.Frames[0].Seq)
	}
}

func TestSession_Overrun(t *testing.T) {
	p := exactPolicy()
	p.MaxDuration = time.Second
	clk := newFakeClock()
	seg := newSegmenter(t, p, testProfile(), clk)
	sess := seg.NewSession()

	res, idx := feed(sess, clk, stream(run{40, 500}))
	if idx != 15 {
		t.Fatalf("resolved at frame %d, want 15", idx)
	}
	if res.Outcome != vad.OutcomeAccepted || !res.Overrun {
		t.Fatalf("Outcome=%s Overrun=%v, want accepted overrun", res.Outcome, res.Overrun)
	}
	if len(res.Frames) != 15 || res.SpeechFrames != 15 {
		t.Errorf("len(Frames)=%d SpeechFrames=%d, want 15/15", len(res.Frames), res.SpeechFrames)
	}
	if res.Duration() > p.MaxDuration {
		t.Errorf("Duration %v exceeds MaxDuration %v", res.Duration(), p.MaxDuration)
	}
}

func TestSession_FormatChangeRejected(t *testing.T) {
	tests := []struct {
		name   string
		frames func() []audio.AudioFrame
	}{
		{
			name: "sample rate change",
			frames: func() []audio.AudioFrame {
				fs := stream(run{3, 500})
				fs[2].SampleRate = 8000
				return fs
			},
		},
		{
			name: "stereo first frame",
			frames: func() []audio.AudioFrame {
				fs := stream(run{1, 500})
				fs[0].Channels = 2
				return fs
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			clk := newFakeClock()
			sess := newSegmenter(t, exactPolicy(), testProfile(), clk).NewSession()
			res, idx := feed(sess, clk, tc.frames())
			if idx < 0 {
				t.Fatal("session did not resolve")
			}
			if res.Outcome != vad.OutcomeRejected || res.Reason != vad.ReasonFormatChanged {
				t.Errorf("got %s/%s, want rejected/format_changed", res.Outcome, res.Reason)
			}
		})
	}
}

func TestSession_PushAfterResolution(t *testing.T) {
	clk := newFakeClock()
	sess := newSegmenter(t, exactPolicy(), testProfile(), clk).NewSession()
	first := sess.Finish()
	if first.Outcome != vad.OutcomeRejected || first.Reason != vad.ReasonStreamEnded {
		t.Fatalf("Finish = %s/%s, want rejected/stream_ended", first.Outcome, first.Reason)
	}
	res, done := sess.Push(frameWithEnergy(0, 500))
	if !done || res.Outcome != first.Outcome || res.Reason != first.Reason {
		t.Errorf("Push after resolution = %+v, %v", res, done)
	}
	if again := sess.Finish(); again.Outcome != vad.OutcomeRejected {
		t.Errorf("second Finish = %s", again.Outcome)
	}
}

func TestSession_Expire(t *testing.T) {
	clk := newFakeClock()
	seg := newSegmenter(t, exactPolicy(), testProfile(), clk)

	waiting := seg.NewSession()
	res, done := waiting.Expire()
	if !done || res.Outcome != vad.OutcomeTimedOut {
		t.Errorf("Expire while waiting = %s, %v; want timed_out, true", res.Outcome, done)
	}

	armed := seg.NewSession()
	feed(armed, clk, stream(run{3, 500}))
	if _, done := armed.Expire(); done {
		t.Error("Expire resolved an armed session")
	}
	if armed.State() != vad.StateArmed {
		t.Errorf("State = %s, want armed", armed.State())
	}
}

func TestSession_Deadline(t *testing.T) {
	clk := newFakeClock()
	start := clk.Now()
	sess := newSegmenter(t, exactPolicy(), testProfile(), clk).NewSession()
	if want := start.Add(10 * time.Second); !sess.Deadline().Equal(want) {
		t.Errorf("Deadline = %v, want %v", sess.Deadline(), want)
	}
}

func TestSession_Observer(t *testing.T) {
	var events []vad.FrameEvent
	clk := newFakeClock()
	seg := newSegmenter(t, exactPolicy(), testProfile(), clk,
		vad.WithObserver(func(e vad.FrameEvent) { events = append(events, e) }))
	sess := seg.NewSession()

	feed(sess, clk, stream(run{1, 40}, run{1, 120}, run{2, 500}))
	if len(events) != 4 {
		t.Fatalf("got %d events, want 4", len(events))
	}
	want := []struct {
		class vad.FrameClass
		state vad.State
	}{
		{vad.FrameSilence, vad.StateWaiting},
		{vad.FrameNoise, vad.StateWaiting},
		{vad.FrameSpeech, vad.StateWaiting},
		{vad.FrameSpeech, vad.StateArmed},
	}
	for i, w := range want {
		e := events[i]
		if e.Seq != uint64(i) || e.Class != w.class || e.State != w.state {
			t.Errorf("event %d = %+v, want class %s state %s", i, e, w.class, w.state)
		}
	}
	if events[3].Energy != 500 || events[3].Smoothed != 500 {
		t.Errorf("event 3 energy = %v/%v, want 500/500", events[3].Energy, events[3].Smoothed)
	}
}

func TestSegmenter_Run(t *testing.T) {
	boom := errors.New("socket reset")

	tests := []struct {
		name        string
		src         *mock.Source
		wantOutcome vad.Outcome
		wantReason  vad.RejectReason
		wantFrames  int
		wantErr     error
	}{
		{
			name:        "stream ends while waiting",
			src:         &mock.Source{Frames: stream(run{5, 40})},
			wantOutcome: vad.OutcomeRejected,
			wantReason:  vad.ReasonStreamEnded,
		},
		{
			name:        "stream ends armed with enough speech",
			src:         &mock.Source{Frames: stream(run{6, 500})},
			wantOutcome: vad.OutcomeAccepted,
			wantFrames:  6,
		},
		{
			name:        "stream ends armed with too little speech",
			src:         &mock.Source{Frames: stream(run{2, 500}, run{3, 40})},
			wantOutcome: vad.OutcomeRejected,
			wantReason:  vad.ReasonStreamEnded,
		},
		{
			name:    "source error",
			src:     &mock.Source{Frames: stream(run{3, 500}), ReadErr: boom},
			wantErr: boom,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			seg, err := vad.NewSegmenter(exactPolicy(), testProfile())
			if err != nil {
				t.Fatalf("NewSegmenter: %v", err)
			}
			res, err := seg.Run(context.Background(), tc.src)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("err = %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Outcome != tc.wantOutcome || res.Reason != tc.wantReason {
				t.Errorf("got %s/%q, want %s/%q", res.Outcome, res.Reason, tc.wantOutcome, tc.wantReason)
			}
			if len(res.Frames) != tc.wantFrames {
				t.Errorf("len(Frames) = %d, want %d", len(res.Frames), tc.wantFrames)
			}
		})
	}
}

func TestSegmenter_RunSmoothedBurst(t *testing.T) {
	// 1 s of speech followed by 1.5 s of near silence, with default
	// smoothing: the trailing silence is long enough to end the recording.
	seg, err := vad.NewSegmenter(vad.DefaultPolicy(), testProfile())
	if err != nil {
		t.Fatalf("NewSegmenter: %v", err)
	}
	src := &mock.Source{Frames: stream(run{5, 40}, run{16, 500}, run{23, 10})}

	res, err := seg.Run(context.Background(), src)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != vad.OutcomeAccepted {
		t.Fatalf("Outcome = %s, want accepted", res.Outcome)
	}
	if src.Delivered() != 43 {
		t.Errorf("delivered %d frames, want 43", src.Delivered())
	}
	if res.Frames[0].Seq != 5 || len(res.Frames) != 38 {
		t.Errorf("frames start %d len %d, want 5 and 38", res.Frames[0].Seq, len(res.Frames))
	}
	if res.SpeechFrames != 16 {
		t.Errorf("SpeechFrames = %d, want 16", res.SpeechFrames)
	}
}

func TestSegmenter_RunCancelled(t *testing.T) {
	seg, err := vad.NewSegmenter(exactPolicy(), testProfile())
	if err != nil {
		t.Fatalf("NewSegmenter: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = seg.Run(ctx, &mock.Source{Frames: stream(run{10, 500})})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestSegmenter_RunStalledSourceTimesOut(t *testing.T) {
	p := exactPolicy()
	p.AttemptTimeout = 50 * time.Millisecond
	seg, err := vad.NewSegmenter(p, testProfile())
	if err != nil {
		t.Fatalf("NewSegmenter: %v", err)
	}
	in := make(chan audio.AudioFrame)
	src := audio.NewChannelSource(in, audio.Format{})
	defer src.Close()

	res, err := seg.Run(context.Background(), src)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != vad.OutcomeTimedOut {
		t.Errorf("Outcome = %s, want timed_out", res.Outcome)
	}
}

func TestNewSegmenter_InvalidProfile(t *testing.T) {
	tests := []struct {
		name string
		prof vad.Profile
	}{
		{"zero profile", vad.Profile{}},
		{"inverted thresholds", vad.Profile{SpeechThreshold: 50, SilenceThreshold: 80, MinSpeechFrames: 3}},
		{"zero min speech", vad.Profile{SpeechThreshold: 180, SilenceThreshold: 90}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := vad.NewSegmenter(vad.DefaultPolicy(), tc.prof); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestState_Strings(t *testing.T) {
	for s, want := range map[vad.State]string{
		vad.StateWaiting:  "waiting",
		vad.StateArmed:    "armed",
		vad.StateAccepted: "accepted",
		vad.StateRejected: "rejected",
		vad.StateTimedOut: "timed_out",
	} {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", int(s), s.String(), want)
		}
		if s.Terminal() != (s >= vad.StateAccepted) {
			t.Errorf("%s.Terminal() = %v", s, s.Terminal())
		}
	}
}
