package pipeline

import "errors"

// Pipeline errors. Returned wrapped with detail; match with [errors.Is].
var (
	// ErrDecode is returned when the compressed capture stream cannot be
	// decoded.
	ErrDecode = errors.New("pipeline: cannot decode capture stream")

	// ErrRecordingTooShort is returned when the decoded audio is empty or
	// shorter than the configured minimum duration.
	ErrRecordingTooShort = errors.New("pipeline: recording too short")

	// ErrSignalClipping is returned when channel 0 exceeds the clipping
	// threshold.
	ErrSignalClipping = errors.New("pipeline: audio signal is clipping")
)

// Reason returns a short machine-readable identifier for a pipeline error:
// "decode", "too_short" or "clipping". Other errors yield "internal" and nil
// yields "".
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDecode):
		return "decode"
	case errors.Is(err, ErrRecordingTooShort):
		return "too_short"
	case errors.Is(err, ErrSignalClipping):
		return "clipping"
	default:
		return "internal"
	}
}

// IsRejection reports whether err is a quality-gate rejection rather than an
// unreadable input or internal failure.
func IsRejection(err error) bool {
	return errors.Is(err, ErrRecordingTooShort) || errors.Is(err, ErrSignalClipping)
}

// Describe returns a message suitable for showing to the person recording.
func Describe(err error) string {
	switch Reason(err) {
	case "":
		return ""
	case "decode":
		return "The recording could not be read. Please try again."
	case "too_short":
		return "Recording too short. Hold the button a little longer."
	case "clipping":
		return "Audio signal is clipping. Move away from the microphone or speak more softly."
	default:
		return "Audio processing failed."
	}
}
