// Package stream implements the compressed capture stream produced by a
// recording session: a small header followed by length-prefixed codec packets
// and a terminator carrying the exact sample count.
//
// Layout (little-endian):
//
//	header      "SLCS" | version u8 | codec u8 | channels u16 | sample rate u32
//	packet      length u16 (1..65535) | payload
//	terminator  length u16 (= 0) | frames per channel u32
//
// Each packet carries one 20 ms frame. The [Encoder] emits every header,
// packet and terminator as a separate chunk so that a recorder can
// accumulate them in order; concatenating the chunks yields the stream that
// [Decode] accepts.
package stream

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/MrWong99/soundlearn/pkg/audio"
)

const (
	magic      = "SLCS"
	version    = 1
	headerSize = 12

	// frameMs is the duration of audio carried by one packet.
	frameMs = 20
)

var (
	// ErrMalformed is returned by [Decode] for data that does not follow the
	// stream layout.
	ErrMalformed = errors.New("stream: malformed capture stream")

	// ErrUnsupportedCodec is returned for a codec id or format the package
	// cannot handle.
	ErrUnsupportedCodec = errors.New("stream: unsupported codec")
)

// Codec identifies the packet payload encoding.
type Codec uint8

const (
	// CodecPCM16 stores interleaved little-endian int16 samples unchanged.
	CodecPCM16 Codec = 1

	// CodecOpus stores one Opus packet per frame.
	CodecOpus Codec = 2
)

// String returns the configuration name of the codec.
func (c Codec) String() string {
	switch c {
	case CodecPCM16:
		return "pcm16"
	case CodecOpus:
		return "opus"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

// ParseCodec maps a configuration name ("opus", "pcm16") to a [Codec].
func ParseCodec(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "pcm16":
		return CodecPCM16, nil
	case "opus":
		return CodecOpus, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedCodec, name)
}

// frameEncoder turns exactly one frame of interleaved PCM into a payload.
type frameEncoder interface {
	encode(pcm []int16) ([]byte, error)
}

// frameDecoder turns one payload back into interleaved PCM.
type frameDecoder interface {
	decode(payload []byte) ([]int16, error)
}

// FrameSize returns the number of samples per channel in one packet at rate.
func FrameSize(rate int) int {
	n := rate * frameMs / 1000
	if n < 1 {
		n = 1
	}
	return n
}

// Supports reports whether codec c can carry audio in format f.
func Supports(c Codec, f audio.Format) error {
	if err := f.Validate(); err != nil {
		return err
	}
	if f.SampleRate > math.MaxUint32 || f.Channels > math.MaxUint16 {
		return fmt.Errorf("%w: format %s out of range", ErrUnsupportedCodec, f)
	}
	switch c {
	case CodecPCM16:
		if FrameSize(f.SampleRate)*f.Channels*2 > math.MaxUint16 {
			return fmt.Errorf("%w: pcm16 frame too large for %s", ErrUnsupportedCodec, f)
		}
		return nil
	case CodecOpus:
		return opusSupports(f)
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedCodec, c)
}

func newFrameEncoder(c Codec, f audio.Format) (frameEncoder, error) {
	switch c {
	case CodecPCM16:
		return pcmCodec{}, nil
	case CodecOpus:
		return newOpusEncoder(f)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedCodec, c)
}

func newFrameDecoder(c Codec, f audio.Format) (frameDecoder, error) {
	switch c {
	case CodecPCM16:
		return pcmCodec{}, nil
	case CodecOpus:
		return newOpusDecoder(f)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedCodec, c)
}

// ─── Encoder ──────────────────────────────────────────────────────────────────

// Encoder packs interleaved PCM into a capture stream, delivering each chunk
// to an emit callback in stream order.
//
// An Encoder is not safe for concurrent use. It may be reused for several
// streams by calling [Encoder.Begin] again after [Encoder.Flush].
type Encoder struct {
	codec    Codec
	format   audio.Format
	frameLen int
	emit     func(chunk []byte)

	enc     frameEncoder
	pending []int16
	frames  uint64
	open    bool
}

// NewEncoder returns an encoder for codec c and format f. Chunks are passed to
// emit; the encoder does not retain them.
func NewEncoder(c Codec, f audio.Format, emit func(chunk []byte)) (*Encoder, error) {
	if err := Supports(c, f); err != nil {
		return nil, err
	}
	if emit == nil {
		return nil, errors.New("stream: emit callback must not be nil")
	}
	return &Encoder{
		codec:    c,
		format:   f,
		frameLen: FrameSize(f.SampleRate),
		emit:     emit,
	}, nil
}

// Codec returns the payload codec.
func (e *Encoder) Codec() Codec { return e.codec }

// Format returns the PCM format the encoder accepts.
func (e *Encoder) Format() audio.Format { return e.format }

// Begin starts a new stream and emits its header chunk. Any unflushed audio
// from a previous stream is discarded.
func (e *Encoder) Begin() error {
	enc, err := newFrameEncoder(e.codec, e.format)
	if err != nil {
		return err
	}
	e.enc = enc
	e.pending = e.pending[:0]
	e.frames = 0
	e.open = true

	h := make([]byte, headerSize)
	copy(h, magic)
	h[4] = version
	h[5] = byte(e.codec)
	binary.LittleEndian.PutUint16(h[6:8], uint16(e.format.Channels))
	binary.LittleEndian.PutUint32(h[8:12], uint32(e.format.SampleRate))
	e.emit(h)
	return nil
}

// Write appends interleaved samples and emits a packet for every complete
// frame. A trailing partial frame is kept until the next Write or Flush.
func (e *Encoder) Write(pcm []int16) error {
	if !e.open {
		return errors.New("stream: write before Begin")
	}
	if len(pcm)%e.format.Channels != 0 {
		return fmt.Errorf("stream: %d samples is not a multiple of %d channels", len(pcm), e.format.Channels)
	}
	e.pending = append(e.pending, pcm...)
	e.frames += uint64(len(pcm) / e.format.Channels)

	step := e.frameLen * e.format.Channels
	n := 0
	for ; n+step <= len(e.pending); n += step {
		if err := e.writePacket(e.pending[n : n+step]); err != nil {
			return err
		}
	}
	e.pending = append(e.pending[:0], e.pending[n:]...)
	return nil
}

// Flush pads and emits the final partial frame, then emits the terminator
// chunk. The stream is finished afterwards.
func (e *Encoder) Flush() error {
	if !e.open {
		return errors.New("stream: flush before Begin")
	}
	if len(e.pending) > 0 {
		frame := make([]int16, e.frameLen*e.format.Channels)
		copy(frame, e.pending)
		if err := e.writePacket(frame); err != nil {
			return err
		}
		e.pending = e.pending[:0]
	}
	if e.frames > math.MaxUint32 {
		return fmt.Errorf("stream: %d frames exceed the terminator range", e.frames)
	}
	t := make([]byte, 6)
	binary.LittleEndian.PutUint32(t[2:], uint32(e.frames))
	e.emit(t)
	e.open = false
	return nil
}

// Frames returns the number of samples per channel written to the current
// stream so far.
func (e *Encoder) Frames() uint64 { return e.frames }

func (e *Encoder) writePacket(frame []int16) error {
	payload, err := e.enc.encode(frame)
	if err != nil {
		return err
	}
	if len(payload) == 0 || len(payload) > math.MaxUint16 {
		return fmt.Errorf("stream: %s packet of %d bytes cannot be framed", e.codec, len(payload))
	}
	chunk := make([]byte, 2+len(payload))
	binary.LittleEndian.PutUint16(chunk, uint16(len(payload)))
	copy(chunk[2:], payload)
	e.emit(chunk)
	return nil
}

// ─── Decoder ──────────────────────────────────────────────────────────────────

// Header describes a parsed stream header.
type Header struct {
	Codec  Codec
	Format audio.Format
}

// ParseHeader validates and returns the stream header at the start of data.
func ParseHeader(data []byte) (Header, error) {
	if len(data) < headerSize {
		return Header{}, fmt.Errorf("%w: %d bytes is shorter than the header", ErrMalformed, len(data))
	}
	if string(data[:4]) != magic {
		return Header{}, fmt.Errorf("%w: bad magic %q", ErrMalformed, data[:4])
	}
	if data[4] != version {
		return Header{}, fmt.Errorf("%w: version %d", ErrMalformed, data[4])
	}
	h := Header{
		Codec: Codec(data[5]),
		Format: audio.Format{
			Channels:   int(binary.LittleEndian.Uint16(data[6:8])),
			SampleRate: int(binary.LittleEndian.Uint32(data[8:12])),
		},
	}
	if err := Supports(h.Codec, h.Format); err != nil {
		if errors.Is(err, ErrUnsupportedCodec) {
			return Header{}, err
		}
		return Header{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return h, nil
}

// Decode parses a complete capture stream into a PCM buffer. Packets are
// decoded in order; when a terminator is present the result is truncated to
// the frame count it records. A stream without a terminator keeps every
// decoded frame.
func Decode(data []byte) (audio.Buffer, error) {
	h, err := ParseHeader(data)
	if err != nil {
		return audio.Buffer{}, err
	}
	dec, err := newFrameDecoder(h.Codec, h.Format)
	if err != nil {
		return audio.Buffer{}, err
	}

	var pcm []int16
	total := -1
	rest := data[headerSize:]
	for len(rest) > 0 {
		if len(rest) < 2 {
			return audio.Buffer{}, fmt.Errorf("%w: truncated packet length", ErrMalformed)
		}
		n := int(binary.LittleEndian.Uint16(rest))
		rest = rest[2:]
		if n == 0 {
			if len(rest) != 4 {
				return audio.Buffer{}, fmt.Errorf("%w: terminator followed by %d bytes", ErrMalformed, len(rest))
			}
			total = int(binary.LittleEndian.Uint32(rest))
			break
		}
		if len(rest) < n {
			return audio.Buffer{}, fmt.Errorf("%w: packet of %d bytes, %d remaining", ErrMalformed, n, len(rest))
		}
		samples, err := dec.decode(rest[:n])
		if err != nil {
			return audio.Buffer{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		pcm = append(pcm, samples...)
		rest = rest[n:]
	}

	ch := h.Format.Channels
	if total >= 0 {
		if total*ch > len(pcm) {
			return audio.Buffer{}, fmt.Errorf("%w: terminator claims %d frames, decoded %d", ErrMalformed, total, len(pcm)/ch)
		}
		pcm = pcm[:total*ch]
	}
	return audio.Buffer{
		Channels:   audio.Deinterleave(pcm, ch),
		SampleRate: h.Format.SampleRate,
	}, nil
}
