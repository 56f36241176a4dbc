package analysis_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/soundlearn/internal/analysis"
	"github.com/MrWong99/soundlearn/internal/resilience"
)

const featureJSON = `{
	"frequency_features": {"fundamental": 220.5, "spectrum": [0.1, 0.7, 0.2], "centroid": 812.25},
	"amplitude_features": {"envelope": [0.2, 0.9, 0.4], "rms": 0.31},
	"similarity_score": 0.87
}`

var testWAV = []byte("RIFF\x24\x00\x00\x00WAVEfmt test payload")

func newServer(t *testing.T, h http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func TestAnalyze_UploadContract(t *testing.T) {
	t.Parallel()
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/audio/analyze" {
			t.Errorf("request = %s %s, want POST /api/audio/analyze", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Accept"); got != "application/json" {
			t.Errorf("Accept = %q", got)
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("FormFile: %v", err)
			http.Error(w, "no file", http.StatusBadRequest)
			return
		}
		defer f.Close()
		if hdr.Filename != "recording.wav" {
			t.Errorf("filename = %q, want recording.wav", hdr.Filename)
		}
		if ct := hdr.Header.Get("Content-Type"); ct != "audio/wav" {
			t.Errorf("part Content-Type = %q, want audio/wav", ct)
		}
		data, _ := io.ReadAll(f)
		if !bytes.Equal(data, testWAV) {
			t.Error("uploaded bytes differ from the recording")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, featureJSON)
	})

	c, err := analysis.New(srv.URL + "/api/")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	resp, err := c.Analyze(context.Background(), testWAV)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if resp.FrequencyFeatures.Fundamental != 220.5 || len(resp.FrequencyFeatures.Spectrum) != 3 {
		t.Errorf("FrequencyFeatures = %+v", resp.FrequencyFeatures)
	}
	if resp.AmplitudeFeatures.RMS != 0.31 {
		t.Errorf("RMS = %v, want 0.31", resp.AmplitudeFeatures.RMS)
	}
	if resp.SimilarityScore == nil || *resp.SimilarityScore != 0.87 {
		t.Errorf("SimilarityScore = %v, want 0.87", resp.SimilarityScore)
	}
	if !bytes.Equal(resp.Raw, []byte(featureJSON)) {
		t.Error("Raw does not hold the body as received")
	}
}

func TestAnalyze_NoSimilarityScore(t *testing.T) {
	t.Parallel()
	srv := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"frequency_features":{"fundamental":1},"amplitude_features":{"rms":0}}`)
	})
	c, _ := analysis.New(srv.URL)
	resp, err := c.Analyze(context.Background(), testWAV)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if resp.SimilarityScore != nil {
		t.Errorf("SimilarityScore = %v, want nil", *resp.SimilarityScore)
	}
}

func TestAnalyze_ClientErrorCarriesText(t *testing.T) {
	t.Parallel()
	var backupCalls atomic.Int32
	srv := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "Unsupported audio format", http.StatusUnprocessableEntity)
	})
	backup := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		backupCalls.Add(1)
		_, _ = io.WriteString(w, featureJSON)
	})

	c, _ := analysis.New(srv.URL, analysis.WithFallbacks(backup.URL), analysis.WithBreaker(1, time.Hour))
	_, err := c.Analyze(context.Background(), testWAV)

	var se *analysis.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if se.StatusCode != http.StatusUnprocessableEntity || se.Body != "Unsupported audio format" {
		t.Errorf("StatusError = %d %q", se.StatusCode, se.Body)
	}
	if backupCalls.Load() != 0 {
		t.Error("fallback tried for a client error")
	}
	if s := c.Breakers()[srv.URL]; s != resilience.StateClosed {
		t.Errorf("primary breaker = %v, want closed", s)
	}
}

func TestAnalyze_FailsOverOnServerError(t *testing.T) {
	t.Parallel()
	var primaryCalls atomic.Int32
	primary := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		primaryCalls.Add(1)
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	})
	backup := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, featureJSON)
	})

	c, _ := analysis.New(primary.URL, analysis.WithFallbacks(backup.URL), analysis.WithBreaker(1, time.Hour))
	for range 3 {
		if _, err := c.Analyze(context.Background(), testWAV); err != nil {
			t.Fatalf("Analyze: %v", err)
		}
	}
	if primaryCalls.Load() != 1 {
		t.Errorf("primary called %d times, want 1 (breaker open afterwards)", primaryCalls.Load())
	}
	if !c.Available() {
		t.Error("Available() = false with a healthy fallback")
	}
}

func TestAnalyze_Unavailable(t *testing.T) {
	t.Parallel()
	srv := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	})
	c, _ := analysis.New(srv.URL, analysis.WithBreaker(2, time.Hour))

	for range 2 {
		_, err := c.Analyze(context.Background(), testWAV)
		if !errors.Is(err, analysis.ErrUnavailable) {
			t.Fatalf("err = %v, want ErrUnavailable", err)
		}
		var se *analysis.StatusError
		if !errors.As(err, &se) || se.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("err = %v, want wrapped 503", err)
		}
	}
	if c.Available() {
		t.Error("Available() = true after the breaker opened")
	}
	if _, err := c.Analyze(context.Background(), testWAV); !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
}

func TestAnalyze_InvalidJSON(t *testing.T) {
	t.Parallel()
	srv := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "<html>oops</html>")
	})
	c, _ := analysis.New(srv.URL)
	if _, err := c.Analyze(context.Background(), testWAV); err == nil {
		t.Fatal("expected error for non-JSON body")
	}
}

func TestNew_RequiresBaseURL(t *testing.T) {
	t.Parallel()
	if _, err := analysis.New(""); err == nil {
		t.Error("expected error for empty base URL")
	}
}
