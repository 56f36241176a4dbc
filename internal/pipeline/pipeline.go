// Package pipeline turns a compressed capture stream into the canonical WAV
// container after checking that the recording is usable.
//
// Processing runs decode, analyze, normalize and encode in order. It is all
// or nothing: a rejected or failed recording produces no output.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/soundlearn/internal/observe"
	"github.com/MrWong99/soundlearn/pkg/audio"
	"github.com/MrWong99/soundlearn/pkg/audio/normalize"
	"github.com/MrWong99/soundlearn/pkg/audio/quality"
	"github.com/MrWong99/soundlearn/pkg/audio/stream"
	"github.com/MrWong99/soundlearn/pkg/audio/wav"
)

// DefaultMinDuration is the shortest accepted recording in seconds.
const DefaultMinDuration = 0.1

// Warning is an advisory finding that does not reject a recording.
type Warning string

// WarningTooQuiet marks a recording whose average amplitude is below
// [quality.QuietThreshold].
const WarningTooQuiet Warning = "too_quiet"

// Result is the outcome of a successful [Pipeline.Process].
type Result struct {
	// Blob is the canonical WAV container. It is owned by the caller.
	Blob []byte

	// Quality holds the metrics measured before normalization.
	Quality quality.Metrics

	// Warnings lists advisory findings.
	Warnings []Warning

	// Format is the format of the decoded capture stream.
	Format audio.Format

	// Samples is the number of samples per channel.
	Samples int
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithMinDuration sets the minimum accepted duration in seconds.
func WithMinDuration(seconds float64) Option {
	return func(p *Pipeline) { p.minDuration = seconds }
}

// WithTargetPeak sets the normalization target.
func WithTargetPeak(peak float64) Option {
	return func(p *Pipeline) { p.targetPeak = peak }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// Pipeline canonicalizes recordings. It holds no per-call state and is safe
// for concurrent use.
type Pipeline struct {
	minDuration float64
	targetPeak  float64
	metrics     *observe.Metrics
}

// New returns a pipeline with the given options applied over the defaults.
func New(opts ...Option) *Pipeline {
	p := &Pipeline{
		minDuration: DefaultMinDuration,
		targetPeak:  normalize.DefaultTarget,
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// Process decodes compressed, gates it on quality, normalizes it and encodes
// the canonical container.
//
// The context is only checked before work starts; a started run is not
// interrupted.
func (p *Pipeline) Process(ctx context.Context, compressed []byte) (res *Result, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ctx, span := observe.StartSpan(ctx, "pipeline.process",
		trace.WithAttributes(attribute.Int("pipeline.input_bytes", len(compressed))))
	start := time.Now()
	defer func() {
		p.metrics.ProcessDuration.Record(ctx, time.Since(start).Seconds())
		if reason := Reason(err); reason != "" && reason != "internal" {
			p.metrics.RecordRejection(ctx, reason)
		}
		observe.EndSpan(span, err)
	}()

	var buf audio.Buffer
	err = p.stage(ctx, "decode", func() error {
		var derr error
		buf, derr = stream.Decode(compressed)
		if derr != nil {
			return fmt.Errorf("%w: %w", ErrDecode, derr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var q quality.Metrics
	err = p.stage(ctx, "analyze", func() error {
		if verr := buf.Validate(); verr != nil {
			if errors.Is(verr, audio.ErrEmptyBuffer) {
				return fmt.Errorf("%w: no audio captured", ErrRecordingTooShort)
			}
			return fmt.Errorf("%w: %w", ErrDecode, verr)
		}
		q = quality.Analyze(buf)
		if q.Duration < p.minDuration {
			return fmt.Errorf("%w: %.3fs is below the %.3fs minimum", ErrRecordingTooShort, q.Duration, p.minDuration)
		}
		if q.IsClipping {
			return fmt.Errorf("%w: peak %.4f", ErrSignalClipping, q.MaxAmplitude)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var normalized audio.Buffer
	err = p.stage(ctx, "normalize", func() error {
		normalized = normalize.Peak(buf, p.targetPeak)
		if verr := normalized.Validate(); verr != nil {
			return fmt.Errorf("pipeline: normalize: %w", verr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var blob []byte
	err = p.stage(ctx, "encode", func() error {
		var eerr error
		blob, eerr = wav.Encode(normalized)
		if eerr != nil {
			return fmt.Errorf("pipeline: encode: %w", eerr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	res = &Result{
		Blob:    blob,
		Quality: q,
		Format:  buf.Format(),
		Samples: buf.Len(),
	}
	if q.IsTooQuiet {
		res.Warnings = append(res.Warnings, WarningTooQuiet)
	}
	span.SetAttributes(
		attribute.Float64("audio.duration", q.Duration),
		attribute.Float64("audio.max_amplitude", q.MaxAmplitude),
	)
	observe.Logger(ctx).Debug("pipeline: recording canonicalized",
		"duration", q.Duration,
		"max_amplitude", q.MaxAmplitude,
		"avg_amplitude", q.AvgAmplitude,
		"warnings", len(res.Warnings),
	)
	return res, nil
}

// stage runs fn inside a child span and records its duration.
func (p *Pipeline) stage(ctx context.Context, name string, fn func() error) error {
	_, span := observe.StartSpan(ctx, "pipeline."+name)
	start := time.Now()
	err := fn()
	p.metrics.RecordStage(ctx, name, time.Since(start).Seconds())
	observe.EndSpan(span, err)
	return err
}
