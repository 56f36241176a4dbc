package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/MrWong99/soundlearn/internal/observe"
	"github.com/MrWong99/soundlearn/internal/pipeline"
	"github.com/MrWong99/soundlearn/internal/takes"
)

// WarningAnalysisFailed is added to a take stored without analysis because
// the analysis service could not be reached or refused the recording.
const WarningAnalysisFailed = "analysis_failed"

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Take outcomes reported on the takes counter.
const (
	outcomeAccepted = "accepted"
	outcomeRejected = "rejected"
	outcomeInvalid  = "invalid"
	outcomeError    = "error"
)

// takeResponse is the body returned for a newly stored take.
type takeResponse struct {
	Take     takes.Take      `json:"take"`
	Warnings []string        `json:"warnings"`
	Analysis json.RawMessage `json:"analysis,omitempty"`
}

// ingest canonicalises compressed, analyses and stores the result.
func (s *Server) ingest(ctx context.Context, source takes.Source, compressed []byte) (*takeResponse, error) {
	res, err := s.Pipeline().Process(ctx, compressed)
	if err != nil {
		s.metrics.RecordTake(ctx, string(source), outcomeFor(err))
		return nil, err
	}

	t := takes.NewTake(source)
	t.Quality = res.Quality
	t.SampleRate = res.Format.SampleRate
	t.Samples = res.Samples
	for _, w := range res.Warnings {
		t.Warnings = append(t.Warnings, string(w))
	}

	if s.analyzer != nil {
		resp, aerr := s.analyzer.Analyze(ctx, res.Blob)
		if aerr != nil {
			observe.Logger(ctx).Warn("server: storing take without analysis", "take_id", t.ID, "err", aerr)
			t.Warnings = append(t.Warnings, WarningAnalysisFailed)
		} else {
			t.Analysis = resp.Raw
			t.SimilarityScore = resp.SimilarityScore
		}
	}

	if err := s.store.Save(ctx, t, res.Blob); err != nil {
		s.metrics.RecordTake(ctx, string(source), outcomeError)
		return nil, fmt.Errorf("server: save take: %w", err)
	}
	s.metrics.RecordTake(ctx, string(source), outcomeAccepted)

	observe.Logger(ctx).Info("server: take stored",
		"take_id", t.ID,
		"source", source,
		"duration", t.Quality.Duration,
		"warnings", t.Warnings,
	)

	warnings := t.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	return &takeResponse{Take: t, Warnings: warnings, Analysis: t.Analysis}, nil
}

func outcomeFor(err error) string {
	switch {
	case pipeline.IsRejection(err):
		return outcomeRejected
	case errors.Is(err, pipeline.ErrDecode):
		return outcomeInvalid
	default:
		return outcomeError
	}
}

// handleUpload accepts a compressed capture stream either as the raw request
// body or as the "file" field of a multipart form.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	data, err := readUpload(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp, err := s.ingest(r.Context(), takes.SourceUpload, data)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/takes/"+resp.Take.ID)
	writeJSON(w, http.StatusCreated, resp)
}

func readUpload(r *http.Request) ([]byte, error) {
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mt != "multipart/form-data" {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, fmt.Errorf("server: read body: %w", err)
		}
		return data, nil
	}

	f, _, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, err
		}
		return nil, badRequest(`multipart upload needs a "file" field`)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("server: read upload: %w", err)
	}
	return data, nil
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, r, badRequest("limit must be a positive integer"))
			return
		}
		limit = min(n, maxListLimit)
	}
	list, err := s.store.List(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []takes.Take{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"takes": list})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	data, err := s.store.Audio(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": id + ".wav"}))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
