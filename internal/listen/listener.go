// Package listen drives the voice activity engine against a live frame
// source. A [Listener] owns the source, caches the current calibration
// profile, and runs one utterance attempt after another, recalibrating when
// asked to, when the policy changes, or every RecalibrateAfter attempts.
//
// Calibrate, Listen and Run read from the source and must not be called
// concurrently with each other. Profile, Recalibrate, SetPolicy,
// SetRecalibrateAfter, Calibrated and LastFrame are safe for concurrent use.
package listen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/vad"
)

// Handler receives every resolved attempt from [Listener.Run]. A non-nil
// error stops the loop.
type Handler func(ctx context.Context, id string, res vad.Result) error

// Config holds the dependencies of a [Listener].
type Config struct {
	// Source supplies frames. Required. The listener does not close it.
	Source audio.Source

	// Policy tunes calibration and segmentation. Zero fields take defaults.
	Policy vad.Policy

	// CalibrationFrames is the number of frames read per calibration pass.
	// Required.
	CalibrationFrames int

	// RecalibrateAfter forces a calibration pass after this many attempts.
	// Zero disables periodic recalibration.
	RecalibrateAfter int

	// Metrics receives calibration, attempt and frame metrics. Defaults to
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Now replaces time.Now for attempt deadlines.
	Now func() time.Time
}

// Listener runs calibration and utterance attempts on one source.
type Listener struct {
	src     *trackingSource
	frames  int
	metrics *observe.Metrics
	now     func() time.Time

	mu         sync.Mutex
	recalAfter int
	calibrator *vad.Calibrator
	policy     vad.Policy // the policy profile was calibrated under
	profile    vad.Profile
	calibrated bool
	stale      bool
	attempts   int // since the last calibration
}

// New validates cfg and returns a Listener. No frames are read until the
// first call to Calibrate, Listen or Run.
func New(cfg Config) (*Listener, error) {
	if cfg.Source == nil {
		return nil, errors.New("listen: source is required")
	}
	if cfg.CalibrationFrames < 1 {
		return nil, fmt.Errorf("listen: calibration frames must be positive, got %d", cfg.CalibrationFrames)
	}
	if cfg.RecalibrateAfter < 0 {
		return nil, fmt.Errorf("listen: recalibrate_after must be >= 0, got %d", cfg.RecalibrateAfter)
	}
	cal, err := vad.NewCalibrator(cfg.Policy)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Listener{
		src:        &trackingSource{Source: cfg.Source},
		frames:     cfg.CalibrationFrames,
		recalAfter: cfg.RecalibrateAfter,
		metrics:    cfg.Metrics,
		now:        cfg.Now,
		calibrator: cal,
	}, nil
}

// Profile returns the cached calibration profile and whether one exists.
func (l *Listener) Profile() (vad.Profile, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.profile, l.calibrated
}

// Calibrated reports whether a profile is cached.
func (l *Listener) Calibrated() bool {
	_, ok := l.Profile()
	return ok
}

// LastFrame returns when the source last delivered a frame, or the zero time.
func (l *Listener) LastFrame() time.Time {
	return l.src.last()
}

// Recalibrate makes the next attempt start with a fresh calibration pass.
// The cached profile stays available until then.
func (l *Listener) Recalibrate() {
	l.mu.Lock()
	l.stale = true
	l.mu.Unlock()
}

// SetPolicy replaces the policy and schedules a recalibration. An attempt
// already in progress keeps the policy and profile it started with.
func (l *Listener) SetPolicy(p vad.Policy) error {
	cal, err := vad.NewCalibrator(p)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	l.mu.Lock()
	l.calibrator = cal
	l.stale = true
	l.mu.Unlock()
	return nil
}

// SetRecalibrateAfter changes how many attempts run between automatic
// calibration passes. Zero disables periodic recalibration.
func (l *Listener) SetRecalibrateAfter(n int) error {
	if n < 0 {
		return fmt.Errorf("listen: recalibrate_after must be >= 0, got %d", n)
	}
	l.mu.Lock()
	l.recalAfter = n
	l.mu.Unlock()
	return nil
}

// Calibrate reads one calibration window from the source and caches the
// resulting profile. The caller guarantees the window holds no intentional
// speech.
func (l *Listener) Calibrate(ctx context.Context) (vad.Profile, error) {
	l.mu.Lock()
	cal := l.calibrator
	l.mu.Unlock()

	ctx, span := observe.StartSpan(ctx, "listen.calibrate",
		trace.WithAttributes(attribute.Int("frames", l.frames)))
	defer span.End()

	prof, err := cal.CalibrateSource(ctx, l.src, l.frames)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return vad.Profile{}, fmt.Errorf("listen: calibrate: %w", err)
	}

	l.mu.Lock()
	l.policy = cal.Policy()
	l.profile = prof
	l.calibrated = true
	l.attempts = 0
	// A policy swap during the pass leaves the new calibrator pending.
	l.stale = cal != l.calibrator
	l.mu.Unlock()

	env := prof.Environment.String()
	span.SetAttributes(
		attribute.String("environment", env),
		attribute.Bool("degenerate", prof.Degenerate),
		attribute.Float64("speech_threshold", prof.SpeechThreshold),
		attribute.Float64("silence_threshold", prof.SilenceThreshold),
	)
	l.metrics.RecordCalibration(ctx, env, prof.Degenerate, prof.Noise.Ceiling)

	log := observe.Logger(ctx)
	attrs := []any{
		"environment", env,
		"speech_threshold", prof.SpeechThreshold,
		"silence_threshold", prof.SilenceThreshold,
		"min_speech_frames", prof.MinSpeechFrames,
		"noise_mean", prof.Noise.Mean,
		"noise_ceiling", prof.Noise.Ceiling,
		"frames", prof.Noise.Frames,
	}
	if prof.Degenerate {
		log.Warn("calibration window degenerate", attrs...)
	} else {
		log.Info("calibrated", attrs...)
	}
	return prof, nil
}

// needsCalibration reports whether the next attempt must calibrate first.
func (l *Listener) needsCalibration() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.calibrated || l.stale || (l.recalAfter > 0 && l.attempts >= l.recalAfter)
}

// Listen runs one utterance attempt, calibrating first when needed. TimedOut
// and Rejected outcomes are returned as results, not errors; only source
// failures and ctx cancellation are errors.
func (l *Listener) Listen(ctx context.Context) (vad.Result, error) {
	_, res, err := l.attempt(ctx)
	return res, err
}

func (l *Listener) attempt(ctx context.Context) (string, vad.Result, error) {
	if l.needsCalibration() {
		if _, err := l.Calibrate(ctx); err != nil {
			return "", vad.Result{}, err
		}
	}

	l.mu.Lock()
	policy := l.policy
	prof := l.profile
	l.mu.Unlock()

	id := uuid.NewString()
	ctx = observe.ContextWithAttempt(ctx, id)
	ctx, span := observe.StartSpan(ctx, "listen.attempt",
		trace.WithAttributes(attribute.String("environment", prof.Environment.String())))
	defer span.End()
	log := observe.Logger(ctx)

	seg, err := vad.NewSegmenter(policy, prof,
		vad.WithClock(l.now),
		vad.WithObserver(l.observer(ctx, log)),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return id, vad.Result{}, fmt.Errorf("listen: %w", err)
	}

	res, err := seg.Run(ctx, l.src)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return id, vad.Result{}, fmt.Errorf("listen: attempt %s: %w", id, err)
	}

	l.mu.Lock()
	l.attempts++
	l.mu.Unlock()

	span.SetAttributes(
		attribute.String("outcome", res.Outcome.String()),
		attribute.Int("frames", len(res.Frames)),
		attribute.Int("false_triggers", res.FalseTriggers),
	)
	rec := observe.AttemptRecord{
		Outcome:       res.Outcome.String(),
		Elapsed:       res.Elapsed,
		FalseTriggers: res.FalseTriggers,
		Overrun:       res.Overrun,
	}
	if res.Outcome == vad.OutcomeAccepted {
		rec.Utterance = res.Duration()
	}
	l.metrics.RecordAttempt(ctx, rec)

	switch res.Outcome {
	case vad.OutcomeAccepted:
		log.Info("utterance accepted",
			"frames", len(res.Frames),
			"speech_frames", res.SpeechFrames,
			"duration", res.Duration(),
			"overrun", res.Overrun,
			"false_triggers", res.FalseTriggers,
			"environment", res.Environment.String(),
		)
	case vad.OutcomeTimedOut:
		log.Info("no speech before timeout",
			"elapsed", res.Elapsed,
			"false_triggers", res.FalseTriggers,
		)
	default:
		log.Info("attempt rejected", "reason", string(res.Reason))
	}
	return id, res, nil
}

// observer counts frame classes and logs state transitions.
func (l *Listener) observer(ctx context.Context, log *slog.Logger) vad.Observer {
	prev := vad.StateWaiting
	return func(ev vad.FrameEvent) {
		l.metrics.RecordFrame(ctx, ev.Class.String())
		switch {
		case prev == vad.StateWaiting && ev.State == vad.StateArmed:
			log.Debug("speech onset, recording", "seq", ev.Seq, "energy", ev.Smoothed)
		case prev == vad.StateArmed && ev.State == vad.StateWaiting:
			log.Debug("false trigger, waiting", "seq", ev.Seq)
		}
		prev = ev.State
	}
}

// Once runs one attempt like [Listener.Listen] and hands the result to h
// under the attempt's id, the same id its logs and span carry. The ctx
// passed to h carries the id as well (see [observe.AttemptID]).
func (l *Listener) Once(ctx context.Context, h Handler) (vad.Result, error) {
	id, res, err := l.attempt(ctx)
	if err != nil {
		return vad.Result{}, err
	}
	if err := h(observe.ContextWithAttempt(ctx, id), id, res); err != nil {
		return res, fmt.Errorf("listen: handler: %w", err)
	}
	return res, nil
}

// Run calls Listen in a loop and hands every result to h. It returns nil
// once the source is exhausted, the ctx error on cancellation, and any
// handler or source error otherwise.
func (l *Listener) Run(ctx context.Context, h Handler) error {
	for {
		id, res, err := l.attempt(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if err := h(observe.ContextWithAttempt(ctx, id), id, res); err != nil {
			return fmt.Errorf("listen: handler: %w", err)
		}
		if res.Outcome == vad.OutcomeRejected && res.Reason == vad.ReasonStreamEnded {
			slog.Info("frame source exhausted, listener stopping")
			return nil
		}
	}
}

// trackingSource records when the wrapped source last delivered a frame.
type trackingSource struct {
	audio.Source
	lastNano atomic.Int64
}

func (t *trackingSource) ReadFrame(ctx context.Context) (audio.AudioFrame, error) {
	f, err := t.Source.ReadFrame(ctx)
	if err == nil {
		t.lastNano.Store(time.Now().UnixNano())
	}
	return f, err
}

func (t *trackingSource) last() time.Time {
	n := t.lastNano.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
