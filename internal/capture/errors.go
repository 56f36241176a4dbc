package capture

import "errors"

// Session errors. They are returned wrapped with detail; match with
// [errors.Is].
var (
	// ErrDeviceUnavailable is returned by [Session.Initialize] when the
	// microphone cannot be acquired: no device, permission denied, or held by
	// another session.
	ErrDeviceUnavailable = errors.New("capture: recording device unavailable")

	// ErrAlreadyInitialized is returned by [Session.Initialize] when the
	// session already holds a device.
	ErrAlreadyInitialized = errors.New("capture: session already initialized")

	// ErrNotInitialized is returned by [Session.Start] before Initialize.
	ErrNotInitialized = errors.New("capture: session not initialized")

	// ErrAlreadyRecording is returned by [Session.Start] while recording.
	ErrAlreadyRecording = errors.New("capture: already recording")

	// ErrNotRecording is returned by [Session.Stop] when not recording.
	ErrNotRecording = errors.New("capture: not recording")

	// ErrNoRecording is returned by [Session.LastRecording] when no stopped
	// recording is held.
	ErrNoRecording = errors.New("capture: no finished recording")
)

// Describe returns a message suitable for showing to the person recording.
// Errors that are not session errors yield a generic message.
func Describe(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDeviceUnavailable):
		return "Microphone is not available. Check that it is connected and that access was granted."
	case errors.Is(err, ErrAlreadyInitialized):
		return "The recorder is already set up."
	case errors.Is(err, ErrNotInitialized):
		return "The recorder is not set up yet."
	case errors.Is(err, ErrAlreadyRecording):
		return "A recording is already in progress."
	case errors.Is(err, ErrNotRecording):
		return "There is no recording in progress."
	case errors.Is(err, ErrNoRecording):
		return "There is no finished recording."
	default:
		return "Recording failed."
	}
}
