// Package takes persists accepted recordings ("takes") together with their
// quality metrics and analysis results.
//
// Two backends implement [Store]: [FileStore] keeps a JSON-lines index and one
// WAV file per take in a directory; [PostgresStore] keeps everything in a
// single PostgreSQL table.
package takes

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/soundlearn/pkg/audio/quality"
)

// ErrNotFound is returned for an unknown or malformed take ID.
var ErrNotFound = errors.New("takes: not found")

// Source records how a take entered the system.
type Source string

const (
	SourceUpload Source = "upload"
	SourceDevice Source = "device"
)

// Take is the metadata of one stored recording. The canonical audio is stored
// alongside and fetched with [Store.Audio].
type Take struct {
	ID         string          `json:"id"`
	CreatedAt  time.Time       `json:"createdAt"`
	Source     Source          `json:"source"`
	Quality    quality.Metrics `json:"quality"`
	Warnings   []string        `json:"warnings,omitempty"`
	SampleRate int             `json:"sampleRate"`
	Samples    int             `json:"samples"`

	// Analysis is the analysis service's response body, if any.
	Analysis json.RawMessage `json:"analysis,omitempty"`

	// SimilarityScore is copied out of Analysis for listing and sorting.
	SimilarityScore *float64 `json:"similarityScore,omitempty"`
}

// NewTake returns a take with a fresh ID and the current time.
func NewTake(source Source) Take {
	return Take{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		Source:    source,
	}
}

// Store persists takes. Implementations must be safe for concurrent use.
type Store interface {
	// Save stores t and its canonical audio. The ID must be a UUID.
	Save(ctx context.Context, t Take, wav []byte) error

	// Get returns the take with the given ID or [ErrNotFound].
	Get(ctx context.Context, id string) (*Take, error)

	// Audio returns the canonical WAV container of a take or [ErrNotFound].
	Audio(ctx context.Context, id string) ([]byte, error)

	// List returns up to limit takes, newest first. A non-positive limit
	// returns all takes.
	List(ctx context.Context, limit int) ([]Take, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend's resources.
	Close() error
}

// validID reports whether id is a well-formed UUID and returns its canonical
// form.
func validID(id string) (string, bool) {
	u, err := uuid.Parse(id)
	if err != nil {
		return "", false
	}
	return u.String(), true
}
