// Package normalize rescales decoded PCM buffers to a target peak level.
package normalize

import (
	"math"

	"github.com/MrWong99/soundlearn/pkg/audio"
)

// DefaultTarget is the peak level takes are normalised to. It leaves headroom
// below full scale.
const DefaultTarget = 0.9

// Peak returns a copy of buf scaled so that its largest absolute sample,
// measured across every channel, equals target. Silence (peak 0) is returned
// unchanged. The input buffer is never modified.
//
// No clamping is applied: for target <= 1 the scaled samples stay within
// [-target, target] by construction.
func Peak(buf audio.Buffer, target float64) audio.Buffer {
	peak := PeakLevel(buf)
	scale := 1.0
	if peak > 0 {
		scale = target / peak
	}

	out := audio.Buffer{
		Channels:   make([][]float64, len(buf.Channels)),
		SampleRate: buf.SampleRate,
	}
	for i, ch := range buf.Channels {
		scaled := make([]float64, len(ch))
		for j, s := range ch {
			scaled[j] = s * scale
		}
		out.Channels[i] = scaled
	}
	return out
}

// PeakLevel returns the largest absolute sample value across all channels.
func PeakLevel(buf audio.Buffer) float64 {
	var peak float64
	for _, ch := range buf.Channels {
		for _, s := range ch {
			peak = math.Max(peak, math.Abs(s))
		}
	}
	return peak
}
