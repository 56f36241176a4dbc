package audio

import (
	"errors"
	"fmt"
	"time"
)

// AudioFrame is one block of interleaved PCM delivered by a capture [Stream].
// Frames are the unit the capture session feeds into the compressed-stream
// encoder.
type AudioFrame struct {
	// Data holds little-endian int16 samples, interleaved by channel.
	Data []byte

	// SampleRate in Hz as reported by the device (e.g., 48000).
	SampleRate int

	// Channels is the interleaving factor of Data.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Validate reports whether f describes a usable PCM layout.
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("audio: sample rate must be positive, got %d", f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("audio: channel count must be positive, got %d", f.Channels)
	}
	return nil
}

// String returns a human-readable form such as "48000Hz stereo".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// ErrEmptyBuffer is returned by [Buffer.Validate] for a buffer without samples.
var ErrEmptyBuffer = errors.New("audio: buffer has no samples")

// Buffer is a decoded PCM buffer: one float slice per channel, samples in the
// range [-1.0, 1.0].
//
// All channel slices have equal length. Buffers handed to analysis or
// encoding must hold at least one sample; use [Buffer.Validate] to check.
type Buffer struct {
	// Channels holds per-channel sample data. Channels[0] is the first
	// (left or mono) channel.
	Channels [][]float64

	// SampleRate in Hz.
	SampleRate int
}

// NewBuffer allocates a zeroed buffer of the given shape.
func NewBuffer(channels, length, sampleRate int) Buffer {
	b := Buffer{Channels: make([][]float64, channels), SampleRate: sampleRate}
	for i := range b.Channels {
		b.Channels[i] = make([]float64, length)
	}
	return b
}

// NumChannels returns the channel count.
func (b Buffer) NumChannels() int { return len(b.Channels) }

// Len returns the number of samples per channel.
func (b Buffer) Len() int {
	if len(b.Channels) == 0 {
		return 0
	}
	return len(b.Channels[0])
}

// Duration returns the buffer length in seconds. Zero for an unset sample rate.
func (b Buffer) Duration() float64 {
	if b.SampleRate <= 0 {
		return 0
	}
	return float64(b.Len()) / float64(b.SampleRate)
}

// Format returns the buffer's sample rate and channel count.
func (b Buffer) Format() Format {
	return Format{SampleRate: b.SampleRate, Channels: b.NumChannels()}
}

// Validate checks the buffer invariants: a positive sample rate, at least one
// channel, equal channel lengths and a non-zero length.
func (b Buffer) Validate() error {
	if b.SampleRate <= 0 {
		return fmt.Errorf("audio: sample rate must be positive, got %d", b.SampleRate)
	}
	if len(b.Channels) == 0 {
		return errors.New("audio: buffer has no channels")
	}
	n := len(b.Channels[0])
	for i, ch := range b.Channels[1:] {
		if len(ch) != n {
			return fmt.Errorf("audio: channel %d has %d samples, channel 0 has %d", i+1, len(ch), n)
		}
	}
	if n == 0 {
		return ErrEmptyBuffer
	}
	return nil
}

// Clone returns a deep copy of b.
func (b Buffer) Clone() Buffer {
	out := Buffer{Channels: make([][]float64, len(b.Channels)), SampleRate: b.SampleRate}
	for i, ch := range b.Channels {
		out.Channels[i] = append([]float64(nil), ch...)
	}
	return out
}
