// Package capture owns the recording device for the lifetime of a capture
// session and accumulates the compressed stream it produces.
//
// A [Session] moves through Uninitialized → Initialized → Recording →
// Stopped. Recording may be re-entered from Stopped; [Session.Cleanup]
// returns the session to Uninitialized from any state. A [Reconciler] polls
// the device and publishes changes in its activity, since a device may stop
// delivering audio on its own.
package capture

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/soundlearn/internal/observe"
	"github.com/MrWong99/soundlearn/pkg/audio"
	"github.com/MrWong99/soundlearn/pkg/audio/stream"
)

// State is the lifecycle state of a [Session].
type State int

const (
	Uninitialized State = iota
	Initialized
	Recording
	Stopped
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	case Recording:
		return "recording"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements [encoding.TextUnmarshaler].
func (s *State) UnmarshalText(b []byte) error {
	for _, st := range []State{Uninitialized, Initialized, Recording, Stopped} {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("capture: unknown state %q", b)
}

// Option configures a [Session].
type Option func(*Session)

// WithCodec selects the compressed stream codec. Default: [stream.CodecOpus].
func WithCodec(c stream.Codec) Option {
	return func(s *Session) { s.codec = c }
}

// WithOnChunk registers a callback invoked with every compressed chunk as it
// is produced, in stream order. The chunk must not be modified.
func WithOnChunk(fn func(chunk []byte)) Option {
	return func(s *Session) { s.onChunk = fn }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// run is the bookkeeping for one Start..Stop cycle.
type run struct {
	stop chan struct{}
	done chan struct{}

	// chunks is guarded by Session.chunkMu until done is closed.
	chunks [][]byte

	// Set before done is closed.
	blob []byte
	err  error
}

// Session is a single-owner recording session over an [audio.Device].
//
// All methods are safe for concurrent use.
type Session struct {
	device  audio.Device
	codec   stream.Codec
	onChunk func([]byte)
	metrics *observe.Metrics

	mu     sync.Mutex
	state  State
	stream audio.Stream
	enc    *stream.Encoder
	cur    *run

	chunkMu sync.Mutex
	acc     *run // receives encoder output
}

// New returns an uninitialized session over device.
func New(device audio.Device, opts ...Option) *Session {
	s := &Session{
		device: device,
		codec:  stream.CodecOpus,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsRecordingActive reports whether the device is capturing right now. It can
// be false while [Session.State] is Recording if the device stopped on its own.
func (s *Session) IsRecordingActive() bool {
	s.mu.Lock()
	st := s.stream
	s.mu.Unlock()
	return st != nil && st.Active()
}

// Initialize acquires the device and prepares the stream encoder for its
// format.
func (s *Session) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Uninitialized {
		return ErrAlreadyInitialized
	}

	st, err := s.device.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}
	enc, err := stream.NewEncoder(s.codec, st.Format(), s.emit)
	if err != nil {
		_ = st.Close()
		return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}

	s.stream = st
	s.enc = enc
	s.state = Initialized
	slog.Info("capture: device acquired", "format", st.Format().String(), "codec", s.codec.String())
	return nil
}

// Start clears any previous recording and begins capturing a new compressed
// stream.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case Uninitialized:
		return ErrNotInitialized
	case Recording:
		return ErrAlreadyRecording
	}

	// A previous Stop may have returned early on its context; its flush
	// must finish before encoder output moves to the new run.
	if s.cur != nil {
		<-s.cur.done
		s.cur = nil
	}

	r := &run{stop: make(chan struct{}), done: make(chan struct{})}
	s.chunkMu.Lock()
	s.acc = r
	s.chunkMu.Unlock()

	if err := s.enc.Begin(); err != nil {
		return fmt.Errorf("capture: begin stream: %w", err)
	}
	if err := s.stream.Start(); err != nil {
		return fmt.Errorf("capture: start device: %w", err)
	}

	s.cur = r
	s.state = Recording
	go s.capture(s.stream, s.enc, r)

	s.metrics.ActiveRecordings.Add(ctx, 1)
	slog.Info("capture: recording started")
	return nil
}

// Stop ends the recording and returns the complete compressed stream. The
// device is stopped, buffered frames are encoded, the encoder is flushed and
// the chunks are concatenated in order.
//
// If ctx ends before the flush completes, Stop returns ctx's error. The
// session is Stopped either way, the flush finishes in the background and
// the result stays available from [Session.LastRecording].
func (s *Session) Stop(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	if s.state != Recording {
		s.mu.Unlock()
		return nil, ErrNotRecording
	}
	r := s.cur
	if err := s.stream.Stop(); err != nil {
		slog.Warn("capture: device stop failed", "err", err)
	}
	close(r.stop)
	s.state = Stopped
	s.mu.Unlock()

	s.metrics.ActiveRecordings.Add(ctx, -1)

	blob, err := r.result(ctx)
	if err != nil {
		return nil, err
	}
	slog.Info("capture: recording stopped", "chunks", len(r.chunks), "bytes", len(blob))
	return blob, nil
}

// LastRecording returns the compressed stream of the most recent recording
// once its flush has finished. It is meant for callers whose Stop returned
// early on a context error. The recording is discarded by the next Start or
// by Cleanup; without one it returns [ErrNoRecording].
func (s *Session) LastRecording(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	r := s.cur
	state := s.state
	s.mu.Unlock()

	if state != Stopped || r == nil {
		return nil, ErrNoRecording
	}
	return r.result(ctx)
}

// result waits for the run to finish flushing.
func (r *run) result(ctx context.Context) ([]byte, error) {
	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if r.err != nil {
		return nil, fmt.Errorf("capture: encode stream: %w", r.err)
	}
	return r.blob, nil
}

// Cleanup stops any recording, releases the device and discards accumulated
// chunks. It always returns nil and may be called repeatedly.
func (s *Session) Cleanup() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Recording {
		if err := s.stream.Stop(); err != nil {
			slog.Warn("capture: device stop failed", "err", err)
		}
		close(s.cur.stop)
		s.metrics.ActiveRecordings.Add(context.Background(), -1)
	}
	if s.cur != nil {
		<-s.cur.done
		s.cur = nil
	}
	if s.stream != nil {
		if err := s.stream.Close(); err != nil {
			slog.Warn("capture: device release failed", "err", err)
		}
		slog.Info("capture: device released")
	}

	s.stream = nil
	s.enc = nil
	s.state = Uninitialized
	s.chunkMu.Lock()
	s.acc = nil
	s.chunkMu.Unlock()
	return nil
}

// emit appends a chunk produced by the encoder.
func (s *Session) emit(chunk []byte) {
	s.chunkMu.Lock()
	if s.acc != nil {
		s.acc.chunks = append(s.acc.chunks, chunk)
	}
	s.chunkMu.Unlock()

	s.metrics.CaptureChunks.Add(context.Background(), 1)
	if s.onChunk != nil {
		s.onChunk(chunk)
	}
}

// capture encodes device frames until r.stop is closed or the frame channel
// closes, then encodes whatever is still buffered and flushes the encoder.
func (s *Session) capture(st audio.Stream, enc *stream.Encoder, r *run) {
	defer close(r.done)

	frames := st.Frames()
	var werr error
	write := func(f audio.AudioFrame) {
		if werr != nil {
			return
		}
		if err := enc.Write(audio.BytesToInt16s(f.Data)); err != nil {
			werr = err
			slog.Warn("capture: encode frame failed", "err", err)
		}
	}

loop:
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				break loop
			}
			write(f)
		case <-r.stop:
			for {
				select {
				case f, ok := <-frames:
					if !ok {
						break loop
					}
					write(f)
				default:
					break loop
				}
			}
		}
	}

	if werr != nil {
		r.err = werr
		return
	}
	if err := enc.Flush(); err != nil {
		r.err = err
		return
	}
	s.chunkMu.Lock()
	r.blob = bytes.Join(r.chunks, nil)
	s.chunkMu.Unlock()
	slog.Debug("capture: stream flushed", "frames", enc.Frames())
}
