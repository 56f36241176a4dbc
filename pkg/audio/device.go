// Package audio defines the PCM types, sample conversions and capture-device
// interfaces shared by the soundlearn capture pipeline.
//
// The two device abstractions are:
//
//   - [Device]: a microphone that can be acquired exclusively and returns a [Stream].
//   - [Stream]: the acquired handle, delivering [AudioFrame] values while started.
//
// Implementations live in adapter packages (e.g., audio/portaudio). The
// decoded representation used by analysis and encoding is [Buffer].
package audio

import (
	"context"
	"errors"
	"sync"
)

// ErrDeviceBusy is returned by [Device.Acquire] when the device is already
// held by another owner. Devices are never shared.
var ErrDeviceBusy = errors.New("audio: device is held by another session")

// ErrNoDevice is returned by [Device.Acquire] when no input device exists or
// access to it was not granted.
var ErrNoDevice = errors.New("audio: no input device available")

// Device is a capture device that can be acquired by one owner at a time.
//
// Implementations must be safe for concurrent use.
type Device interface {
	// Acquire opens the device and returns an exclusive [Stream]. A second
	// Acquire before the first stream is closed fails with [ErrDeviceBusy].
	Acquire(ctx context.Context) (Stream, error)
}

// Stream is an acquired capture handle.
//
// A Stream may be started and stopped repeatedly. Frames are delivered on the
// channel returned by [Stream.Frames] only between Start and Stop. The channel
// is closed by [Stream.Close].
type Stream interface {
	// Format reports the sample rate and channel count of delivered frames.
	Format() Format

	// Frames returns the read-only channel of captured frames.
	Frames() <-chan AudioFrame

	// Start begins capturing.
	Start() error

	// Stop ends capturing. Frames already buffered on the channel remain
	// readable.
	Stop() error

	// Active reports whether the device is capturing right now. It turns false
	// on Stop and also when the device stops delivering on its own (revoked
	// permission, unplugged hardware).
	Active() bool

	// Close releases the device. Safe to call more than once.
	Close() error
}

// DeviceLock is the exclusive-ownership guard shared by [Device]
// implementations. The zero value is unlocked.
type DeviceLock struct {
	mu   sync.Mutex
	held bool
}

// TryLock marks the device as held. It returns [ErrDeviceBusy] if it already is.
func (l *DeviceLock) TryLock() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return ErrDeviceBusy
	}
	l.held = true
	return nil
}

// Unlock releases the device. Unlocking an unheld lock is a no-op.
func (l *DeviceLock) Unlock() {
	l.mu.Lock()
	l.held = false
	l.mu.Unlock()
}

// Held reports whether the device is currently held.
func (l *DeviceLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}
