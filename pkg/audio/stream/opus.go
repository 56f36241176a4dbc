package stream

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/soundlearn/pkg/audio"
)

// maxOpusPacket is the largest payload requested from the Opus encoder.
const maxOpusPacket = 4000

// opusSupports reports whether Opus can carry format f.
func opusSupports(f audio.Format) error {
	switch f.SampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		return fmt.Errorf("%w: opus cannot carry %d Hz", ErrUnsupportedCodec, f.SampleRate)
	}
	if f.Channels < 1 || f.Channels > 2 {
		return fmt.Errorf("%w: opus cannot carry %d channels", ErrUnsupportedCodec, f.Channels)
	}
	return nil
}

// opusEncoder wraps a gopus encoder. One instance per stream keeps the
// encoder state continuous across consecutive frames.
type opusEncoder struct {
	enc       *gopus.Encoder
	frameSize int
}

func newOpusEncoder(f audio.Format) (*opusEncoder, error) {
	enc, err := gopus.NewEncoder(f.SampleRate, f.Channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("stream: create opus encoder: %w", err)
	}
	return &opusEncoder{enc: enc, frameSize: FrameSize(f.SampleRate)}, nil
}

func (e *opusEncoder) encode(pcm []int16) ([]byte, error) {
	packet, err := e.enc.Encode(pcm, e.frameSize, maxOpusPacket)
	if err != nil {
		return nil, fmt.Errorf("stream: opus encode: %w", err)
	}
	return packet, nil
}

// opusDecoder wraps a gopus decoder for a single stream.
type opusDecoder struct {
	dec       *gopus.Decoder
	frameSize int
}

func newOpusDecoder(f audio.Format) (*opusDecoder, error) {
	dec, err := gopus.NewDecoder(f.SampleRate, f.Channels)
	if err != nil {
		return nil, fmt.Errorf("stream: create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec, frameSize: FrameSize(f.SampleRate)}, nil
}

func (d *opusDecoder) decode(packet []byte) ([]int16, error) {
	pcm, err := d.dec.Decode(packet, d.frameSize, false)
	if err != nil {
		return nil, fmt.Errorf("opus decode: %w", err)
	}
	return pcm, nil
}
