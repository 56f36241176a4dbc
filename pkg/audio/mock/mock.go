// Package mock provides in-memory implementations of [audio.Device] and
// [audio.Stream] for use in unit tests.
//
// All mocks are safe for concurrent use. They record method calls so that
// tests can assert on call counts, and expose fields that control results.
//
// Typical usage:
//
//	dev := mock.NewDevice(audio.Format{SampleRate: 16000, Channels: 1})
//	stream, _ := dev.Acquire(ctx)
//	stream.Start()
//	dev.Stream().Push(pcm) // deliver one frame
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/soundlearn/pkg/audio"
)

// ─── Device ───────────────────────────────────────────────────────────────────

// Device is a mock implementation of [audio.Device]. It enforces the same
// exclusivity as real devices: a second Acquire before Close returns
// [audio.ErrDeviceBusy].
type Device struct {
	lock audio.DeviceLock

	mu sync.Mutex

	// Format is reported by acquired streams.
	Format audio.Format

	// AcquireError, when set, is returned by Acquire.
	AcquireError error

	// FrameBuffer is the capacity of the frames channel. Defaults to 64.
	FrameBuffer int

	// CallCountAcquire records how many times Acquire was called.
	CallCountAcquire int

	stream *Stream
}

// Compile-time interface assertions.
var (
	_ audio.Device = (*Device)(nil)
	_ audio.Stream = (*Stream)(nil)
)

// NewDevice returns a mock device delivering frames in format f.
func NewDevice(f audio.Format) *Device {
	return &Device{Format: f}
}

// Acquire implements [audio.Device].
func (d *Device) Acquire(_ context.Context) (audio.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountAcquire++
	if d.AcquireError != nil {
		return nil, d.AcquireError
	}
	if err := d.lock.TryLock(); err != nil {
		return nil, err
	}
	size := d.FrameBuffer
	if size <= 0 {
		size = 64
	}
	d.stream = &Stream{
		format: d.Format,
		frames: make(chan audio.AudioFrame, size),
		lock:   &d.lock,
	}
	return d.stream, nil
}

// Stream returns the most recently acquired stream, or nil.
func (d *Device) Stream() *Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stream
}

// Held reports whether a stream currently holds the device.
func (d *Device) Held() bool { return d.lock.Held() }

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [audio.Stream]. Tests feed frames with
// [Stream.Push] and simulate device loss with [Stream.Revoke].
type Stream struct {
	format audio.Format
	frames chan audio.AudioFrame
	lock   *audio.DeviceLock

	mu      sync.Mutex
	active  bool
	closed  bool
	elapsed time.Duration

	// StartError, when set, is returned by Start.
	StartError error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Format implements [audio.Stream].
func (s *Stream) Format() audio.Format { return s.format }

// Frames implements [audio.Stream].
func (s *Stream) Frames() <-chan audio.AudioFrame { return s.frames }

// Start implements [audio.Stream].
func (s *Stream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStart++
	if s.StartError != nil {
		return s.StartError
	}
	s.active = true
	return nil
}

// Stop implements [audio.Stream].
func (s *Stream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStop++
	s.active = false
	return nil
}

// Active implements [audio.Stream].
func (s *Stream) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Close implements [audio.Stream]. It closes the frames channel and releases
// the device.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if s.closed {
		return nil
	}
	s.closed = true
	s.active = false
	close(s.frames)
	s.lock.Unlock()
	return nil
}

// Push delivers interleaved int16 samples as one frame. It reports false and
// drops the frame when the stream is not active, mirroring a device that only
// produces audio while started.
func (s *Stream) Push(pcm []int16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active || s.closed {
		return false
	}
	frame := audio.AudioFrame{
		Data:       audio.Int16sToBytes(pcm),
		SampleRate: s.format.SampleRate,
		Channels:   s.format.Channels,
		Timestamp:  s.elapsed,
	}
	if s.format.SampleRate > 0 && s.format.Channels > 0 {
		s.elapsed += time.Duration(len(pcm)/s.format.Channels) * time.Second / time.Duration(s.format.SampleRate)
	}
	s.frames <- frame
	return true
}

// Revoke simulates the device stopping on its own: [Stream.Active] turns
// false without a Stop call.
func (s *Stream) Revoke() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
}
