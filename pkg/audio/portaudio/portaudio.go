// Package portaudio implements [audio.Device] on top of the system default
// input device using PortAudio's blocking read API.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/soundlearn/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Device = (*Device)(nil)
	_ audio.Stream = (*Stream)(nil)
)

// Config selects the capture format.
type Config struct {
	SampleRate      int
	Channels        int
	FramesPerBuffer int

	// FrameQueue is the capacity of the frames channel. Defaults to 64.
	FrameQueue int
}

// Device is the default PortAudio input device. Only one [Stream] may be
// open at a time.
type Device struct {
	cfg  Config
	lock audio.DeviceLock
}

// New returns a device that captures in the given format.
func New(cfg Config) (*Device, error) {
	f := audio.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("portaudio: %w", err)
	}
	if cfg.FramesPerBuffer <= 0 {
		return nil, fmt.Errorf("portaudio: frames per buffer must be positive, got %d", cfg.FramesPerBuffer)
	}
	if cfg.FrameQueue <= 0 {
		cfg.FrameQueue = 64
	}
	return &Device{cfg: cfg}, nil
}

// Acquire initialises PortAudio and opens the default input stream.
func (d *Device) Acquire(ctx context.Context) (audio.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := d.lock.TryLock(); err != nil {
		return nil, err
	}
	s, err := d.open()
	if err != nil {
		d.lock.Unlock()
		return nil, err
	}
	return s, nil
}

func (d *Device) open() (*Stream, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	if _, err := portaudio.DefaultInputDevice(); err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("%w: %v", audio.ErrNoDevice, err)
	}
	buf := make([]int16, d.cfg.FramesPerBuffer*d.cfg.Channels)
	pa, err := portaudio.OpenDefaultStream(d.cfg.Channels, 0, float64(d.cfg.SampleRate), d.cfg.FramesPerBuffer, buf)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("%w: open stream: %v", audio.ErrNoDevice, err)
	}
	return &Stream{
		pa:     pa,
		buf:    buf,
		format: audio.Format{SampleRate: d.cfg.SampleRate, Channels: d.cfg.Channels},
		frames: make(chan audio.AudioFrame, d.cfg.FrameQueue),
		lock:   &d.lock,
	}, nil
}

// Stream is an open PortAudio input stream.
type Stream struct {
	pa     *portaudio.Stream
	buf    []int16
	format audio.Format
	frames chan audio.AudioFrame
	lock   *audio.DeviceLock

	mu       sync.Mutex
	active   bool
	stopping bool
	closed   bool
	loopDone chan struct{}
	elapsed  time.Duration
}

// Format implements [audio.Stream].
func (s *Stream) Format() audio.Format { return s.format }

// Frames implements [audio.Stream].
func (s *Stream) Frames() <-chan audio.AudioFrame { return s.frames }

// Start implements [audio.Stream]. It starts the PortAudio stream and a
// goroutine that reads buffers into the frames channel.
func (s *Stream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("portaudio: stream is closed")
	}
	if s.active {
		return nil
	}
	if err := s.pa.Start(); err != nil {
		return fmt.Errorf("portaudio: start: %w", err)
	}
	s.active = true
	s.stopping = false
	s.loopDone = make(chan struct{})
	go s.readLoop(s.loopDone)
	return nil
}

func (s *Stream) readLoop(done chan struct{}) {
	defer close(done)
	for {
		s.mu.Lock()
		stop := s.stopping
		s.mu.Unlock()
		if stop {
			return
		}

		err := s.pa.Read()
		if err != nil && !errors.Is(err, portaudio.InputOverflowed) {
			slog.Warn("portaudio: read failed, capture stopped", "err", err)
			s.mu.Lock()
			s.active = false
			s.mu.Unlock()
			return
		}

		frame := audio.AudioFrame{
			Data:       audio.Int16sToBytes(s.buf),
			SampleRate: s.format.SampleRate,
			Channels:   s.format.Channels,
			Timestamp:  s.elapsed,
		}
		s.elapsed += time.Duration(len(s.buf)/s.format.Channels) * time.Second / time.Duration(s.format.SampleRate)
		select {
		case s.frames <- frame:
		default:
			slog.Warn("portaudio: frame queue full, dropping frame", "timestamp", frame.Timestamp)
		}
	}
}

// Stop implements [audio.Stream]. It waits for the read goroutine to finish
// its current buffer before stopping PortAudio.
func (s *Stream) Stop() error {
	s.mu.Lock()
	done := s.loopDone
	s.stopping = true
	s.active = false
	s.loopDone = nil
	s.mu.Unlock()

	if done == nil {
		return nil
	}
	<-done
	if err := s.pa.Stop(); err != nil {
		return fmt.Errorf("portaudio: stop: %w", err)
	}
	return nil
}

// Active implements [audio.Stream].
func (s *Stream) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Close implements [audio.Stream]. It stops capture if needed, closes the
// PortAudio stream, terminates the library and releases the device.
func (s *Stream) Close() error {
	stopErr := s.Stop()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.frames)
	closeErr := s.pa.Close()
	termErr := portaudio.Terminate()
	s.lock.Unlock()
	return errors.Join(stopErr, closeErr, termErr)
}
