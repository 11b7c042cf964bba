// Package observe provides application-wide observability primitives for
// earshot: OpenTelemetry metrics, tracing, trace-aware structured logging,
// and HTTP middleware for the ops server.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported
// for Prometheus scraping via [InitProvider]. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// meterName is the instrumentation scope name used for all earshot metrics.
const meterName = "github.com/MrWong99/earshot"

// Metrics holds all OpenTelemetry metric instruments for the listener.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Calibration ---

	// Calibrations counts calibration passes. Attributes:
	//   attribute.String("environment", ...), attribute.String("degenerate", "true"|"false")
	Calibrations metric.Int64Counter

	// NoiseFloor records the noise ceiling (mean + 2·stddev) measured by
	// each calibration, in RMS energy units.
	NoiseFloor metric.Float64Histogram

	// --- Attempts ---

	// Attempts counts resolved utterance attempts. Attribute:
	//   attribute.String("outcome", "accepted"|"rejected"|"timed_out")
	Attempts metric.Int64Counter

	// FalseTriggers counts recordings folded back into waiting.
	FalseTriggers metric.Int64Counter

	// Overruns counts recordings accepted at the maximum duration.
	Overruns metric.Int64Counter

	// UtteranceDuration records the audio duration of accepted utterances.
	UtteranceDuration metric.Float64Histogram

	// AttemptDuration records wall-clock time from attempt start to outcome.
	AttemptDuration metric.Float64Histogram

	// Frames counts classified frames. Attribute:
	//   attribute.String("class", "speech"|"noise"|"silence")
	Frames metric.Int64Counter

	// --- Ops server ---

	// OpsRequestDuration tracks ops server request time, including
	// Prometheus scrapes. Attributes:
	//   attribute.String("route", "GET /readyz"|"GET /metrics"|...|"unmatched"),
	//   attribute.Int("status", ...)
	OpsRequestDuration metric.Float64Histogram

	// ReadinessChecks counts readiness check evaluations. Attributes:
	//   attribute.String("check", "calibration"|"source"|...),
	//   attribute.String("result", "ok"|"fail")
	ReadinessChecks metric.Int64Counter
}

// utteranceBuckets spans a short command up to the default 15 s cap.
var utteranceBuckets = []float64{0.25, 0.5, 1, 2, 3, 5, 8, 12, 15, 20}

// energyBuckets spans quiet rooms up to loud environments on the int16 RMS scale.
var energyBuckets = []float64{5, 10, 15, 25, 50, 75, 100, 200, 400, 800, 1600}

// opsBuckets spans a cheap health probe up to a slow scrape.
var opsBuckets = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Calibration.
	if met.Calibrations, err = m.Int64Counter("earshot.calibrations",
		metric.WithDescription("Total calibration passes by environment class."),
	); err != nil {
		return nil, err
	}
	if met.NoiseFloor, err = m.Float64Histogram("earshot.noise_floor",
		metric.WithDescription("Noise ceiling measured by calibration (RMS energy)."),
		metric.WithExplicitBucketBoundaries(energyBuckets...),
	); err != nil {
		return nil, err
	}

	// Attempts.
	if met.Attempts, err = m.Int64Counter("earshot.attempts",
		metric.WithDescription("Total utterance attempts by outcome."),
	); err != nil {
		return nil, err
	}
	if met.FalseTriggers, err = m.Int64Counter("earshot.false_triggers",
		metric.WithDescription("Recordings discarded for too little speech."),
	); err != nil {
		return nil, err
	}
	if met.Overruns, err = m.Int64Counter("earshot.overruns",
		metric.WithDescription("Recordings accepted at the maximum duration."),
	); err != nil {
		return nil, err
	}
	if met.UtteranceDuration, err = m.Float64Histogram("earshot.utterance.duration",
		metric.WithDescription("Audio duration of accepted utterances."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(utteranceBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AttemptDuration, err = m.Float64Histogram("earshot.attempt.duration",
		metric.WithDescription("Wall-clock time from attempt start to outcome."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(utteranceBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Frames, err = m.Int64Counter("earshot.frames",
		metric.WithDescription("Classified frames by class."),
	); err != nil {
		return nil, err
	}

	// Ops server.
	if met.OpsRequestDuration, err = m.Float64Histogram("earshot.ops.request.duration",
		metric.WithDescription("Ops server request latency by route and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(opsBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ReadinessChecks, err = m.Int64Counter("earshot.readiness.checks",
		metric.WithDescription("Readiness check evaluations by check and result."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordCalibration records one calibration pass.
func (m *Metrics) RecordCalibration(ctx context.Context, environment string, degenerate bool, ceiling float64) {
	m.Calibrations.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("environment", environment),
			attribute.String("degenerate", strconv.FormatBool(degenerate)),
		),
	)
	m.NoiseFloor.Record(ctx, ceiling, metric.WithAttributes(attribute.String("environment", environment)))
}

// AttemptRecord is the metric view of one resolved attempt.
type AttemptRecord struct {
	Outcome       string
	Elapsed       time.Duration
	Utterance     time.Duration // zero unless accepted
	FalseTriggers int
	Overrun       bool
}

// RecordAttempt records the counters and histograms of one resolved attempt.
func (m *Metrics) RecordAttempt(ctx context.Context, r AttemptRecord) {
	outcome := metric.WithAttributes(attribute.String("outcome", r.Outcome))
	m.Attempts.Add(ctx, 1, outcome)
	m.AttemptDuration.Record(ctx, r.Elapsed.Seconds(), outcome)
	if r.FalseTriggers > 0 {
		m.FalseTriggers.Add(ctx, int64(r.FalseTriggers))
	}
	if r.Overrun {
		m.Overruns.Add(ctx, 1)
	}
	if r.Utterance > 0 {
		m.UtteranceDuration.Record(ctx, r.Utterance.Seconds())
	}
}

// RecordFrame counts one classified frame.
func (m *Metrics) RecordFrame(ctx context.Context, class string) {
	m.Frames.Add(ctx, 1, metric.WithAttributes(attribute.String("class", class)))
}

// RecordOpsRequest records one served ops request.
func (m *Metrics) RecordOpsRequest(ctx context.Context, route string, status int, d time.Duration) {
	m.OpsRequestDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("route", route),
			attribute.Int("status", status),
		),
	)
}

// RecordReadiness counts one readiness check result and adds it as an event
// to the span in ctx, normally the ops request span of /readyz.
func (m *Metrics) RecordReadiness(ctx context.Context, check string, err error) {
	result := "ok"
	if err != nil {
		result = "fail"
	}
	attrs := []attribute.KeyValue{
		attribute.String("check", check),
		attribute.String("result", result),
	}
	m.ReadinessChecks.Add(ctx, 1, metric.WithAttributes(attrs...))
	if err != nil {
		attrs = append(attrs, attribute.String("error", err.Error()))
	}
	trace.SpanFromContext(ctx).AddEvent("readiness check", trace.WithAttributes(attrs...))
}
