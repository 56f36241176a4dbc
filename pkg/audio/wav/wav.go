// Package wav encodes decoded takes into the canonical container: a 44-byte
// RIFF/WAVE header followed by mono 16-bit little-endian linear PCM.
package wav

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/MrWong99/soundlearn/pkg/audio"
)

// Fixed layout constants of the canonical container.
const (
	HeaderSize     = 44
	BitsPerSample  = 16
	BytesPerSample = BitsPerSample / 8
	FormatPCM      = 1
	fmtChunkSize   = 16
	outputChannels = 1
)

// ErrInvalid is returned by [Decode] and [Info] for data that is not a
// canonical container.
var ErrInvalid = errors.New("wav: invalid container")

// Header mirrors the 44-byte canonical header field by field.
type Header struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // file size - 8
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16
	AudioFormat   uint16  // 1 = linear PCM
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32 // SampleRate * NumChannels * BytesPerSample
	BlockAlign    uint16 // NumChannels * BytesPerSample
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // data size in bytes
}

// Encode serialises channel 0 of buf into the canonical container. Samples are
// quantised with [audio.Quantize]. The output is deterministic: equal buffers
// produce byte-identical containers.
func Encode(buf audio.Buffer) ([]byte, error) {
	if err := buf.Validate(); err != nil {
		return nil, fmt.Errorf("wav: encode: %w", err)
	}
	samples := buf.Channels[0]
	dataSize := uint32(len(samples) * BytesPerSample)

	h := newHeader(uint32(buf.SampleRate), dataSize)

	out := bytes.NewBuffer(make([]byte, 0, HeaderSize+int(dataSize)))
	if err := binary.Write(out, binary.LittleEndian, h); err != nil {
		return nil, fmt.Errorf("wav: write header: %w", err)
	}

	pcm := make([]byte, dataSize)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(audio.Quantize(s)))
	}
	out.Write(pcm)
	return out.Bytes(), nil
}

func newHeader(sampleRate, dataSize uint32) Header {
	return Header{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     HeaderSize - 8 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: fmtChunkSize,
		AudioFormat:   FormatPCM,
		NumChannels:   outputChannels,
		SampleRate:    sampleRate,
		ByteRate:      sampleRate * outputChannels * BytesPerSample,
		BlockAlign:    outputChannels * BytesPerSample,
		BitsPerSample: BitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}
}

// Info parses and validates the header of a canonical container.
func Info(data []byte) (Header, error) {
	var h Header
	if len(data) < HeaderSize {
		return h, fmt.Errorf("%w: need at least %d bytes, got %d", ErrInvalid, HeaderSize, len(data))
	}
	if err := binary.Read(bytes.NewReader(data[:HeaderSize]), binary.LittleEndian, &h); err != nil {
		return h, fmt.Errorf("%w: read header: %v", ErrInvalid, err)
	}
	switch {
	case string(h.ChunkID[:]) != "RIFF":
		return h, fmt.Errorf("%w: missing RIFF marker", ErrInvalid)
	case string(h.Format[:]) != "WAVE":
		return h, fmt.Errorf("%w: missing WAVE marker", ErrInvalid)
	case string(h.Subchunk1ID[:]) != "fmt ":
		return h, fmt.Errorf("%w: missing fmt chunk", ErrInvalid)
	case string(h.Subchunk2ID[:]) != "data":
		return h, fmt.Errorf("%w: missing data chunk", ErrInvalid)
	case h.AudioFormat != FormatPCM:
		return h, fmt.Errorf("%w: unsupported audio format %d", ErrInvalid, h.AudioFormat)
	case h.BitsPerSample != BitsPerSample:
		return h, fmt.Errorf("%w: unsupported bit depth %d", ErrInvalid, h.BitsPerSample)
	case h.NumChannels == 0:
		return h, fmt.Errorf("%w: zero channels", ErrInvalid)
	case h.SampleRate == 0:
		return h, fmt.Errorf("%w: zero sample rate", ErrInvalid)
	}
	if int(h.Subchunk2Size) > len(data)-HeaderSize {
		return h, fmt.Errorf("%w: data size %d exceeds payload %d", ErrInvalid, h.Subchunk2Size, len(data)-HeaderSize)
	}
	return h, nil
}

// Decode parses a container produced by [Encode] back into a buffer, using
// [audio.Dequantize] so that a round trip stays within one quantisation step.
// Multi-channel PCM is split per channel.
func Decode(data []byte) (audio.Buffer, error) {
	h, err := Info(data)
	if err != nil {
		return audio.Buffer{}, err
	}
	pcm := audio.BytesToInt16s(data[HeaderSize : HeaderSize+int(h.Subchunk2Size)])
	return audio.Buffer{
		Channels:   audio.Deinterleave(pcm, int(h.NumChannels)),
		SampleRate: int(h.SampleRate),
	}, nil
}

// Duration returns the playback length of a canonical container in seconds.
func Duration(data []byte) (float64, error) {
	h, err := Info(data)
	if err != nil {
		return 0, err
	}
	frames := h.Subchunk2Size / (uint32(h.NumChannels) * BytesPerSample)
	return float64(frames) / float64(h.SampleRate), nil
}
