package analysis

import (
	"encoding/json"
	"fmt"
)

// FrequencyFeatures describes the spectral content of a recording.
type FrequencyFeatures struct {
	Fundamental float64   `json:"fundamental"`
	Spectrum    []float64 `json:"spectrum"`
	Centroid    float64   `json:"centroid"`
}

// AmplitudeFeatures describes the loudness contour of a recording.
type AmplitudeFeatures struct {
	Envelope []float64 `json:"envelope"`
	RMS      float64   `json:"rms"`
}

// Response is the analysis service's answer for one recording.
type Response struct {
	FrequencyFeatures FrequencyFeatures `json:"frequency_features"`
	AmplitudeFeatures AmplitudeFeatures `json:"amplitude_features"`

	// SimilarityScore compares the recording to the configured reference.
	// Nil when the service has no reference to compare against.
	SimilarityScore *float64 `json:"similarity_score,omitempty"`

	// Raw is the response body exactly as received.
	Raw json.RawMessage `json:"-"`
}

// StatusError is returned when the service answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("analysis: service returned HTTP %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether retrying later or elsewhere could succeed.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}
