package audio_test

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/MrWong99/soundlearn/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func TestBytesToInt16s_RoundTrip(t *testing.T) {
	want := []int16{0, 1, -1, 32767, -32768, 1234}
	got := audio.BytesToInt16s(audio.Int16sToBytes(want))
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestBytesToInt16s_MatchesEncodingBinary(t *testing.T) {
	b := samplesToBytes([]int16{-2, 300})
	got := audio.BytesToInt16s(b)
	if got[0] != -2 || got[1] != 300 {
		t.Errorf("got %v, want [-2 300]", got)
	}
}

func TestBytesToInt16s_OddByteIgnored(t *testing.T) {
	got := audio.BytesToInt16s([]byte{0x01, 0x00, 0xff})
	if len(got) != 1 || got[0] != 1 {
		t.Errorf("got %v, want [1]", got)
	}
}

func TestQuantize(t *testing.T) {
	tests := []struct {
		in   float64
		want int16
	}{
		{0, 0},
		{1, 32767},
		{-1, -32768},
		{0.5, 16384},   // round(16383.5)
		{-0.5, -16384}, // round(-16384)
		{1.5, 32767},   // clamped
		{-2, -32768},   // clamped
	}
	for _, tt := range tests {
		if got := audio.Quantize(tt.in); got != tt.want {
			t.Errorf("Quantize(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestDequantize_InverseWithinOneStep(t *testing.T) {
	step := math.Pow(2, -15)
	for _, s := range []float64{-0.9, -0.123456, 0, 0.000031, 0.5, 0.9} {
		got := audio.Dequantize(audio.Quantize(s))
		if math.Abs(got-s) > step {
			t.Errorf("round trip of %v = %v, off by more than 2^-15", s, got)
		}
	}
}

func TestDeinterleave(t *testing.T) {
	pcm := []int16{32767, -32768, 0, 16384, 0}
	got := audio.Deinterleave(pcm, 2)
	if len(got) != 2 {
		t.Fatalf("channels = %d, want 2", len(got))
	}
	// The trailing sample does not form a whole frame.
	if len(got[0]) != 2 || len(got[1]) != 2 {
		t.Fatalf("frames = %d/%d, want 2/2", len(got[0]), len(got[1]))
	}
	if got[0][0] != 1 || got[1][0] != -1 {
		t.Errorf("first frame = (%v, %v), want (1, -1)", got[0][0], got[1][0])
	}
	if got[0][1] != 0 {
		t.Errorf("got[0][1] = %v, want 0", got[0][1])
	}
}

func TestBuffer_Validate(t *testing.T) {
	tests := []struct {
		name    string
		buf     audio.Buffer
		wantErr bool
		isEmpty bool
	}{
		{"ok", audio.NewBuffer(2, 10, 16000), false, false},
		{"no rate", audio.Buffer{Channels: [][]float64{{0}}}, true, false},
		{"no channels", audio.Buffer{SampleRate: 8000}, true, false},
		{"ragged", audio.Buffer{Channels: [][]float64{{0, 0}, {0}}, SampleRate: 8000}, true, false},
		{"empty", audio.NewBuffer(1, 0, 8000), true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.buf.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.isEmpty && !errors.Is(err, audio.ErrEmptyBuffer) {
				t.Errorf("expected ErrEmptyBuffer, got %v", err)
			}
		})
	}
}

func TestBuffer_DurationAndClone(t *testing.T) {
	b := audio.NewBuffer(1, 401, 4000)
	if got := b.Duration(); got != 0.10025 {
		t.Errorf("Duration() = %v, want 0.10025", got)
	}
	c := b.Clone()
	c.Channels[0][0] = 0.5
	if b.Channels[0][0] != 0 {
		t.Error("Clone shares sample storage with the original")
	}
}

func TestFormat_String(t *testing.T) {
	tests := []struct {
		f    audio.Format
		want string
	}{
		{audio.Format{SampleRate: 48000, Channels: 2}, "48000Hz stereo"},
		{audio.Format{SampleRate: 16000, Channels: 1}, "16000Hz mono"},
		{audio.Format{SampleRate: 48000, Channels: 6}, "48000Hz 6ch"},
	}
	for _, tt := range tests {
		if got := tt.f.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestDeviceLock(t *testing.T) {
	var l audio.DeviceLock
	if err := l.TryLock(); err != nil {
		t.Fatalf("first TryLock: %v", err)
	}
	if err := l.TryLock(); !errors.Is(err, audio.ErrDeviceBusy) {
		t.Fatalf("second TryLock = %v, want ErrDeviceBusy", err)
	}
	l.Unlock()
	if l.Held() {
		t.Error("lock still held after Unlock")
	}
	if err := l.TryLock(); err != nil {
		t.Errorf("TryLock after Unlock: %v", err)
	}
}

func TestDrainBuffered(t *testing.T) {
	ch := make(chan int, 4)
	ch <- 1
	ch <- 2
	if n := audio.DrainBuffered(ch); n != 2 {
		t.Errorf("DrainBuffered = %d, want 2", n)
	}
	close(ch)
	if n := audio.DrainBuffered(ch); n != 0 {
		t.Errorf("DrainBuffered on closed = %d, want 0", n)
	}
}
