package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/MrWong99/soundlearn/internal/capture"
	"github.com/MrWong99/soundlearn/internal/observe"
	"github.com/MrWong99/soundlearn/internal/pipeline"
	"github.com/MrWong99/soundlearn/internal/takes"
)

// apiError is the JSON body of every error response.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// requestError marks a malformed request.
type requestError struct{ msg string }

func (e *requestError) Error() string { return "server: bad request: " + e.msg }

func badRequest(msg string) error { return &requestError{msg: msg} }

// classify maps err to an HTTP status and response body.
func classify(err error) (int, apiError) {
	var (
		reqErr   *requestError
		tooLarge *http.MaxBytesError
	)
	switch {
	case errors.As(err, &reqErr):
		return http.StatusBadRequest, apiError{"bad_request", reqErr.msg}
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge, apiError{"too_large", "The recording is too large."}
	case errors.Is(err, takes.ErrNotFound):
		return http.StatusNotFound, apiError{"not_found", "No such take."}
	case errors.Is(err, capture.ErrDeviceUnavailable):
		return http.StatusServiceUnavailable, apiError{"device_unavailable", capture.Describe(err)}
	case errors.Is(err, capture.ErrAlreadyInitialized):
		return http.StatusConflict, apiError{"already_initialized", capture.Describe(err)}
	case errors.Is(err, capture.ErrNotInitialized):
		return http.StatusConflict, apiError{"not_initialized", capture.Describe(err)}
	case errors.Is(err, capture.ErrAlreadyRecording):
		return http.StatusConflict, apiError{"already_recording", capture.Describe(err)}
	case errors.Is(err, capture.ErrNotRecording):
		return http.StatusConflict, apiError{"not_recording", capture.Describe(err)}
	case errors.Is(err, pipeline.ErrDecode):
		return http.StatusBadRequest, apiError{pipeline.Reason(err), pipeline.Describe(err)}
	case pipeline.IsRejection(err):
		return http.StatusUnprocessableEntity, apiError{pipeline.Reason(err), pipeline.Describe(err)}
	default:
		return http.StatusInternalServerError, apiError{"internal", "Something went wrong. Please try again."}
	}
}

// writeError classifies err, logs server-side failures and writes the error
// response.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := classify(err)
	log := observe.Logger(r.Context())
	if status >= http.StatusInternalServerError {
		log.Error("server: request failed", "err", err, "status", status)
	} else {
		log.Debug("server: request rejected", "err", err, "status", status)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
