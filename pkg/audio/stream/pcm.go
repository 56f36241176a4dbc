package stream

import (
	"fmt"

	"github.com/MrWong99/soundlearn/pkg/audio"
)

// pcmCodec is the lossless passthrough codec.
type pcmCodec struct{}

func (pcmCodec) encode(pcm []int16) ([]byte, error) {
	return audio.Int16sToBytes(pcm), nil
}

func (pcmCodec) decode(payload []byte) ([]int16, error) {
	if len(payload)%2 != 0 {
		return nil, fmt.Errorf("pcm16: odd payload length %d", len(payload))
	}
	return audio.BytesToInt16s(payload), nil
}
