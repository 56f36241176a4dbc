//go:build !noportaudio

package main

import (
	"github.com/MrWong99/soundlearn/internal/app"
	"github.com/MrWong99/soundlearn/internal/config"
	"github.com/MrWong99/soundlearn/pkg/audio"
	"github.com/MrWong99/soundlearn/pkg/audio/portaudio"
)

// deviceFactory opens the PortAudio default input device. Build with
// -tags noportaudio for uploads-only binaries without cgo.
var deviceFactory app.DeviceFactory = func(cc config.CaptureConfig) (audio.Device, error) {
	d, err := portaudio.New(portaudio.Config{
		SampleRate:      cc.SampleRate,
		Channels:        cc.Channels,
		FramesPerBuffer: cc.FramesPerBuffer,
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}
