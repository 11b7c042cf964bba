package vad

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/earshot/pkg/audio"
)

// State is the state of a recording [Session].
type State int

const (
	// StateWaiting listens for speech to arm a recording.
	StateWaiting State = iota

	// StateArmed is recording: every frame is buffered.
	StateArmed

	// StateAccepted, StateRejected and StateTimedOut are terminal.
	StateAccepted
	StateRejected
	StateTimedOut
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateArmed:
		return "armed"
	case StateAccepted:
		return "accepted"
	case StateRejected:
		return "rejected"
	case StateTimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether s ends a session.
func (s State) Terminal() bool {
	return s >= StateAccepted
}

// Outcome is the terminal result kind of an utterance attempt. TimedOut and
// Rejected are ordinary outcomes, not errors.
type Outcome int

const (
	OutcomeAccepted Outcome = iota
	OutcomeRejected
	OutcomeTimedOut
)

// String returns "accepted", "rejected", or "timed_out".
func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeRejected:
		return "rejected"
	case OutcomeTimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// RejectReason explains a Rejected outcome.
type RejectReason string

const (
	// ReasonStreamEnded: the source ended before enough speech was recorded.
	ReasonStreamEnded RejectReason = "stream_ended"

	// ReasonFormatChanged: a frame's sample rate or channel count differed
	// from the first frame of the session.
	ReasonFormatChanged RejectReason = "format_changed"
)

// Result is the outcome of one utterance attempt.
type Result struct {
	Outcome Outcome

	// Reason is set for Rejected outcomes.
	Reason RejectReason

	// Frames holds the utterance, from speech onset through the last
	// buffered frame, for Accepted outcomes.
	Frames []audio.AudioFrame

	// SpeechFrames is the speech-frame count of the accepted recording.
	SpeechFrames int

	// FalseTriggers counts recordings folded back into waiting because they
	// did not reach the profile's MinSpeechFrames.
	FalseTriggers int

	// Overrun is set when recording hit Policy.MaxDuration and was accepted
	// without waiting for trailing silence.
	Overrun bool

	// Environment is the class of the profile the attempt ran with.
	Environment EnvironmentClass

	// Elapsed is the wall-clock time from session start to resolution.
	Elapsed time.Duration
}

// Duration returns the audio duration of Frames.
func (r Result) Duration() time.Duration {
	var d time.Duration
	for _, f := range r.Frames {
		d += f.Duration()
	}
	return d
}

// PCM returns the utterance as one contiguous PCM16 buffer.
func (r Result) PCM() []byte {
	return audio.JoinPCM(r.Frames)
}

// FrameEvent reports the classification of one frame to an [Observer].
type FrameEvent struct {
	Seq      uint64
	Energy   float64 // raw RMS
	Smoothed float64 // after moving average
	Class    FrameClass
	State    State // after the frame was processed
}

// Observer receives one event per processed frame. It runs synchronously on
// the caller's goroutine and must not block.
type Observer func(FrameEvent)

// Option configures a [Segmenter].
type Option func(*Segmenter)

// WithClock replaces time.Now for attempt deadlines and elapsed time.
func WithClock(now func() time.Time) Option {
	return func(s *Segmenter) {
		if now != nil {
			s.now = now
		}
	}
}

// WithObserver registers o to receive per-frame events.
func WithObserver(o Observer) Option {
	return func(s *Segmenter) { s.observer = o }
}

// Segmenter runs utterance attempts against one calibration profile. It is
// immutable after construction; each attempt gets its own [Session].
type Segmenter struct {
	policy   Policy
	profile  Profile
	now      func() time.Time
	observer Observer
}

// NewSegmenter returns a Segmenter for policy and profile. Zero policy
// fields are filled from [DefaultPolicy].
func NewSegmenter(policy Policy, profile Profile, opts ...Option) (*Segmenter, error) {
	policy = policy.WithDefaults()
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("vad: invalid policy: %w", err)
	}
	if profile.SilenceThreshold >= profile.SpeechThreshold || profile.MinSpeechFrames < 1 {
		return nil, fmt.Errorf("vad: invalid profile: silence=%g speech=%g min_speech_frames=%d",
			profile.SilenceThreshold, profile.SpeechThreshold, profile.MinSpeechFrames)
	}
	s := &Segmenter{policy: policy, profile: profile, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Profile returns the calibration profile the segmenter runs with.
func (s *Segmenter) Profile() Profile {
	return s.profile
}

// NewSession starts a new utterance attempt. The attempt deadline is
// Policy.AttemptTimeout from now.
func (s *Segmenter) NewSession() *Session {
	start := s.now()
	return &Session{
		seg:      s,
		smoother: NewSmoother(s.policy.SmoothingWindow),
		start:    start,
		deadline: start.Add(s.policy.AttemptTimeout),
	}
}

// Run pulls frames from src until the attempt resolves. Only source failures
// and ctx cancellation are returned as errors; an abandoned attempt flushes
// nothing. While waiting, each read is bounded by the attempt deadline so a
// stalled source still times out.
func (s *Segmenter) Run(ctx context.Context, src audio.Source) (Result, error) {
	sess := s.NewSession()
	for {
		readCtx, cancel := ctx, context.CancelFunc(func() {})
		if sess.State() == StateWaiting {
			remaining := sess.deadline.Sub(s.now())
			if remaining <= 0 {
				res, _ := sess.Expire()
				return res, nil
			}
			readCtx, cancel = context.WithTimeout(ctx, remaining)
		}
		f, err := src.ReadFrame(readCtx)
		cancel()

		switch {
		case err == nil:
		case errors.Is(err, audio.ErrSourceClosed):
			return sess.Finish(), nil
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil && sess.State() == StateWaiting:
			res, _ := sess.Expire()
			return res, nil
		default:
			return Result{}, err
		}

		if res, done := sess.Push(f); done {
			return res, nil
		}
	}
}

// Session is the mutable, single-owner state of one utterance attempt (a
// recording session). It is not safe for concurrent use. Discard it once it
// has resolved.
type Session struct {
	seg      *Segmenter
	smoother *Smoother
	state    State

	start, deadline time.Time

	format   audio.Format
	buf      []audio.AudioFrame
	buffered time.Duration
	armedAt  time.Time

	speech        int // speech frames since onset
	silence       int // consecutive trailing silence frames while armed
	falseTriggers int

	result Result
}

// State returns the current state.
func (s *Session) State() State {
	return s.state
}

// Deadline returns the wall-clock deadline for arming a recording.
func (s *Session) Deadline() time.Time {
	return s.deadline
}

// Push feeds the next frame. It reports true once the session has resolved;
// further pushes return the same result. Frames must arrive in increasing
// Seq order.
func (s *Session) Push(f audio.AudioFrame) (Result, bool) {
	if s.state.Terminal() {
		return s.result, true
	}

	format := audio.Format{SampleRate: f.SampleRate, Channels: max(f.Channels, 1)}
	if s.format == (audio.Format{}) {
		s.format = format
	}
	if format != s.format || format.Channels != 1 {
		return s.reject(ReasonFormatChanged), true
	}

	now := s.seg.now()
	raw := EnergyOf(f)
	smoothed := s.smoother.Push(raw)
	class := s.seg.profile.Classify(smoothed)
	if class == FrameSpeech && raw < s.seg.profile.SpeechThreshold {
		// Smoothing smears a loud frame over its neighbours. Only frames
		// that are loud on their own count as speech.
		class = FrameNoise
	}

	switch s.state {
	case StateWaiting:
		s.wait(f, class, now)
	case StateArmed:
		s.record(f, class, now)
	}

	if s.seg.observer != nil {
		s.seg.observer(FrameEvent{Seq: f.Seq, Energy: raw, Smoothed: smoothed, Class: class, State: s.state})
	}
	return s.result, s.state.Terminal()
}

func (s *Session) wait(f audio.AudioFrame, class FrameClass, now time.Time) {
	switch class {
	case FrameSpeech:
		s.speech++
		s.append(f)
	case FrameNoise:
		// Ambient noise keeps the speech count; it is buffered only once
		// an onset has been seen.
		if len(s.buf) > 0 {
			s.append(f)
		}
	case FrameSilence:
		s.clear()
	}

	if s.speech >= s.seg.policy.ArmingFrames {
		s.state = StateArmed
		s.armedAt = now
		s.silence = 0
		return
	}
	if !now.Before(s.deadline) {
		s.finish(StateTimedOut, Result{Outcome: OutcomeTimedOut})
	}
}

func (s *Session) record(f audio.AudioFrame, class FrameClass, now time.Time) {
	if s.overrun(f, now) {
		s.accept(true)
		return
	}
	s.append(f)

	switch class {
	case FrameSpeech:
		s.silence = 0
		s.speech++
	case FrameSilence:
		s.silence++
	}

	if s.silence < s.seg.policy.SilenceTimeoutFrames {
		return
	}
	if s.speech >= s.seg.profile.MinSpeechFrames {
		s.accept(false)
		return
	}

	// Too short to be speech: a cough, click or door. Keep listening.
	s.falseTriggers++
	s.clear()
	s.state = StateWaiting
	if !now.Before(s.deadline) {
		s.finish(StateTimedOut, Result{Outcome: OutcomeTimedOut})
	}
}

// overrun reports whether buffering f would take the recording past
// Policy.MaxDuration. Frames without a known sample rate fall back to the
// wall-clock time since arming.
func (s *Session) overrun(f audio.AudioFrame, now time.Time) bool {
	limit := s.seg.policy.MaxDuration
	if d := f.Duration(); d > 0 {
		return s.buffered+d > limit
	}
	return now.Sub(s.armedAt) >= limit
}

func (s *Session) append(f audio.AudioFrame) {
	s.buf = append(s.buf, f)
	s.buffered += f.Duration()
}

func (s *Session) clear() {
	s.buf = nil
	s.buffered = 0
	s.speech = 0
	s.silence = 0
}

func (s *Session) accept(overrun bool) {
	s.finish(StateAccepted, Result{
		Outcome:      OutcomeAccepted,
		Frames:       s.buf,
		SpeechFrames: s.speech,
		Overrun:      overrun,
	})
}

func (s *Session) reject(reason RejectReason) Result {
	s.finish(StateRejected, Result{Outcome: OutcomeRejected, Reason: reason})
	return s.result
}

func (s *Session) finish(state State, r Result) {
	r.FalseTriggers = s.falseTriggers
	r.Environment = s.seg.profile.Environment
	r.Elapsed = s.seg.now().Sub(s.start)
	s.state = state
	s.result = r
	s.buf = nil
}

// Finish resolves the session at end of stream. A recording that already
// holds enough speech is accepted; anything else is rejected with
// [ReasonStreamEnded].
func (s *Session) Finish() Result {
	if s.state.Terminal() {
		return s.result
	}
	if s.state == StateArmed && s.speech >= s.seg.profile.MinSpeechFrames {
		s.accept(false)
		return s.result
	}
	return s.reject(ReasonStreamEnded)
}

// Expire resolves a waiting session as TimedOut when its deadline passed
// without a frame arriving, and reports whether the session is resolved. An
// armed session is unaffected since recording is bounded by MaxDuration
// instead.
func (s *Session) Expire() (Result, bool) {
	if s.state == StateWaiting {
		s.finish(StateTimedOut, Result{Outcome: OutcomeTimedOut})
	}
	return s.result, s.state.Terminal()
}
