package audio

import (
	"fmt"
	"math"
)

// Int16sToBytes converts int16 PCM samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// BytesToInt16s converts little-endian bytes to int16 PCM samples. A trailing
// odd byte is ignored.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}

// Deinterleave splits interleaved int16 PCM into per-channel float samples
// normalised to [-1.0, 1.0]. Negative samples are scaled by 32768 and
// positive samples by 32767, the inverse of [Quantize]. Trailing samples that
// do not form a whole frame are dropped.
func Deinterleave(pcm []int16, channels int) [][]float64 {
	if channels <= 0 {
		return nil
	}
	frames := len(pcm) / channels
	out := make([][]float64, channels)
	for ch := range out {
		out[ch] = make([]float64, frames)
	}
	for i := range frames {
		for ch := range channels {
			out[ch][i] = Dequantize(pcm[i*channels+ch])
		}
	}
	return out
}

// Quantize converts a float sample in [-1.0, 1.0] to int16. Negative values
// scale by 32768 and non-negative values by 32767, rounding to nearest; the
// result is clamped to the int16 range.
func Quantize(s float64) int16 {
	var q float64
	if s < 0 {
		q = math.Round(s * 32768)
	} else {
		q = math.Round(s * 32767)
	}
	if q > math.MaxInt16 {
		q = math.MaxInt16
	} else if q < math.MinInt16 {
		q = math.MinInt16
	}
	return int16(q)
}

// Dequantize is the inverse of [Quantize].
func Dequantize(q int16) float64 {
	if q < 0 {
		return float64(q) / 32768
	}
	return float64(q) / 32767
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
