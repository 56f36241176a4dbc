// Package observe provides the observability primitives shared by soundlearn:
// OpenTelemetry metrics, tracing helpers, trace-aware logging, and the HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported to
// Prometheus by [InitProvider]. [DefaultMetrics] returns a package-level
// instance bound to the global provider; tests should use [NewMetrics] with
// their own [metric.MeterProvider].
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all soundlearn metrics.
const meterName = "github.com/MrWong99/soundlearn"

// Metrics holds all OpenTelemetry instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// StageDuration tracks the time spent in one canonicalization stage. Use
	// with attribute.String("stage", ...).
	StageDuration metric.Float64Histogram

	// ProcessDuration tracks a complete canonicalization run.
	ProcessDuration metric.Float64Histogram

	// AnalysisDuration tracks round trips to the analysis service.
	AnalysisDuration metric.Float64Histogram

	// --- Counters ---

	// Takes counts processed recordings. Use with
	// attribute.String("source", ...), attribute.String("outcome", ...).
	Takes metric.Int64Counter

	// Rejections counts recordings refused by the quality gate. Use with
	// attribute.String("reason", ...).
	Rejections metric.Int64Counter

	// AnalysisRequests counts analysis uploads. Use with
	// attribute.String("status", ...).
	AnalysisRequests metric.Int64Counter

	// CaptureChunks counts compressed chunks produced by capture sessions.
	CaptureChunks metric.Int64Counter

	// --- Gauges ---

	// ActiveRecordings tracks capture sessions currently recording.
	ActiveRecordings metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attribute.String("method", ...), attribute.String("route", ...),
	// attribute.Int("status", ...).
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds for short offline
// processing steps.
var latencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5,
}

// remoteBuckets are histogram boundaries in seconds for network calls.
var remoteBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] using mp. Returns an error
// if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.StageDuration, err = m.Float64Histogram("soundlearn.pipeline.stage.duration",
		metric.WithDescription("Latency of a single canonicalization stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProcessDuration, err = m.Float64Histogram("soundlearn.pipeline.duration",
		metric.WithDescription("Latency of a complete canonicalization run."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AnalysisDuration, err = m.Float64Histogram("soundlearn.analysis.duration",
		metric.WithDescription("Latency of analysis service requests."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(remoteBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Takes, err = m.Int64Counter("soundlearn.takes",
		metric.WithDescription("Total processed recordings by source and outcome."),
	); err != nil {
		return nil, err
	}
	if met.Rejections, err = m.Int64Counter("soundlearn.rejections",
		metric.WithDescription("Total recordings rejected by the quality gate, by reason."),
	); err != nil {
		return nil, err
	}
	if met.AnalysisRequests, err = m.Int64Counter("soundlearn.analysis.requests",
		metric.WithDescription("Total analysis service requests by status."),
	); err != nil {
		return nil, err
	}
	if met.CaptureChunks, err = m.Int64Counter("soundlearn.capture.chunks",
		metric.WithDescription("Total compressed chunks produced by capture sessions."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.ActiveRecordings, err = m.Int64UpDownCounter("soundlearn.active_recordings",
		metric.WithDescription("Number of capture sessions currently recording."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("soundlearn.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call from [otel.GetMeterProvider]. Panics if instrument creation
// fails.
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

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordStage records the duration of one pipeline stage.
func (m *Metrics) RecordStage(ctx context.Context, stage string, seconds float64) {
	m.StageDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordTake counts one processed recording.
func (m *Metrics) RecordTake(ctx context.Context, source, outcome string) {
	m.Takes.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("source", source),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordRejection counts one recording rejected for reason.
func (m *Metrics) RecordRejection(ctx context.Context, reason string) {
	m.Rejections.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordAnalysisRequest counts one analysis request and its latency.
func (m *Metrics) RecordAnalysisRequest(ctx context.Context, status string, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.AnalysisRequests.Add(ctx, 1, attrs)
	m.AnalysisDuration.Record(ctx, seconds, attrs)
}
