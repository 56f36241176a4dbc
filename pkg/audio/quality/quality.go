// Package quality computes the level metrics used to accept or reject a
// recorded take before it is canonicalised.
package quality

import (
	"math"

	"github.com/MrWong99/soundlearn/pkg/audio"
)

const (
	// ClipThreshold is the peak amplitude above which a take counts as clipping.
	ClipThreshold = 0.99

	// QuietThreshold is the mean absolute amplitude below which a take counts
	// as too quiet.
	QuietThreshold = 0.01
)

// Metrics summarises the level of a decoded take. Values are computed once
// by [Analyze] and never modified.
type Metrics struct {
	// Duration in seconds.
	Duration float64 `json:"duration"`

	// MaxAmplitude is the largest absolute sample value, in [0, 1].
	MaxAmplitude float64 `json:"maxAmplitude"`

	// AvgAmplitude is the mean absolute sample value, in [0, 1].
	AvgAmplitude float64 `json:"avgAmplitude"`

	// IsClipping is true when MaxAmplitude exceeds [ClipThreshold].
	IsClipping bool `json:"isClipping"`

	// IsTooQuiet is true when AvgAmplitude is below [QuietThreshold].
	IsTooQuiet bool `json:"isTooQuiet"`
}

// Analyze measures channel 0 of buf in a single pass. Other channels are not
// inspected; the first channel stands in for the overall level.
//
// An empty buffer yields zero amplitudes and IsTooQuiet. Analyze has no side
// effects and is safe to call concurrently on independent buffers.
func Analyze(buf audio.Buffer) Metrics {
	var samples []float64
	if len(buf.Channels) > 0 {
		samples = buf.Channels[0]
	}

	var peak, sum float64
	for _, s := range samples {
		a := math.Abs(s)
		if a > peak {
			peak = a
		}
		sum += a
	}

	var avg float64
	if len(samples) > 0 {
		avg = sum / float64(len(samples))
	}

	return Metrics{
		Duration:     buf.Duration(),
		MaxAmplitude: peak,
		AvgAmplitude: avg,
		IsClipping:   peak > ClipThreshold,
		IsTooQuiet:   avg < QuietThreshold,
	}
}
