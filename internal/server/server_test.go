package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/soundlearn/internal/analysis"
	"github.com/MrWong99/soundlearn/internal/observe"
	"github.com/MrWong99/soundlearn/internal/pipeline"
	"github.com/MrWong99/soundlearn/internal/server"
	"github.com/MrWong99/soundlearn/internal/takes"
	"github.com/MrWong99/soundlearn/pkg/audio"
	"github.com/MrWong99/soundlearn/pkg/audio/stream"
	"github.com/MrWong99/soundlearn/pkg/audio/wav"
)

// ─── Helpers ──────────────────────────────────────────────────────────────────

type fixture struct {
	srv     *server.Server
	handler http.Handler
	store   *takes.FileStore
	metrics *observe.Metrics
	reader  *sdkmetric.ManualReader
}

func newFixture(t *testing.T, opts ...server.Option) *fixture {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	store, err := takes.OpenFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	base := []server.Option{
		server.WithMetrics(m),
		server.WithMetricsHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, "# metrics\n")
		})),
	}
	srv := server.New(store, pipeline.New(pipeline.WithMetrics(m)), append(base, opts...)...)
	return &fixture{srv: srv, handler: srv.Handler(), store: store, metrics: m, reader: reader}
}

func (f *fixture) do(t *testing.T, method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

// recording encodes n mono samples of a 220 Hz sine at amp as a PCM16
// capture stream at 4000 Hz.
func recording(t *testing.T, n int, amp float64) []byte {
	t.Helper()
	const rate = 4000
	var out bytes.Buffer
	enc, err := stream.NewEncoder(stream.CodecPCM16, audio.Format{SampleRate: rate, Channels: 1}, func(c []byte) { out.Write(c) })
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	if err := enc.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	pcm := make([]int16, n)
	for i := range pcm {
		pcm[i] = audio.Quantize(amp * math.Sin(2*math.Pi*220*float64(i)/rate))
	}
	if err := enc.Write(pcm); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := enc.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	return out.Bytes()
}

type takeBody struct {
	Take     takes.Take      `json:"take"`
	Warnings []string        `json:"warnings"`
	Analysis json.RawMessage `json:"analysis"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func takeCounts(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	counts := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "soundlearn.takes" {
				continue
			}
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				src, _ := dp.Attributes.Value("source")
				out, _ := dp.Attributes.Value("outcome")
				counts[src.AsString()+"/"+out.AsString()] = dp.Value
			}
		}
	}
	return counts
}

type fakeAnalyzer struct {
	mu    sync.Mutex
	calls int
	resp  *analysis.Response
	err   error
}

func (a *fakeAnalyzer) Analyze(_ context.Context, wavData []byte) (*analysis.Response, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if _, err := wav.Info(wavData); err != nil {
		return nil, err
	}
	return a.resp, a.err
}

func (a *fakeAnalyzer) Available() bool { return a.err == nil }

// ─── Upload ───────────────────────────────────────────────────────────────────

func TestUpload_RawBodyRoundTrip(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, "POST", "/api/takes", bytes.NewReader(recording(t, 2000, 0.5)), "application/octet-stream")
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST status = %d, body %s", rec.Code, rec.Body)
	}
	body := decode[takeBody](t, rec)
	if body.Take.Source != takes.SourceUpload {
		t.Errorf("source = %q, want upload", body.Take.Source)
	}
	if body.Take.Samples != 2000 || body.Take.SampleRate != 4000 {
		t.Errorf("take = %+v", body.Take)
	}
	if rec.Header().Get("Location") != "/api/takes/"+body.Take.ID {
		t.Errorf("Location = %q", rec.Header().Get("Location"))
	}
	if body.Warnings == nil || len(body.Warnings) != 0 {
		t.Errorf("warnings = %v, want empty list", body.Warnings)
	}

	get := f.do(t, "GET", "/api/takes/"+body.Take.ID, nil, "")
	if get.Code != http.StatusOK {
		t.Fatalf("GET status = %d", get.Code)
	}
	if got := decode[takes.Take](t, get); got.ID != body.Take.ID {
		t.Errorf("GET id = %q, want %q", got.ID, body.Take.ID)
	}

	audioRec := f.do(t, "GET", "/api/takes/"+body.Take.ID+"/audio", nil, "")
	if audioRec.Code != http.StatusOK {
		t.Fatalf("audio status = %d", audioRec.Code)
	}
	if ct := audioRec.Header().Get("Content-Type"); ct != "audio/wav" {
		t.Errorf("Content-Type = %q, want audio/wav", ct)
	}
	h, err := wav.Info(audioRec.Body.Bytes())
	if err != nil {
		t.Fatalf("wav.Info: %v", err)
	}
	if h.SampleRate != 4000 || h.NumChannels != 1 || h.Subchunk2Size != 4000 {
		t.Errorf("header = %+v", h)
	}

	list := f.do(t, "GET", "/api/takes", nil, "")
	got := decode[struct {
		Takes []takes.Take `json:"takes"`
	}](t, list)
	if len(got.Takes) != 1 {
		t.Errorf("list = %d takes, want 1", len(got.Takes))
	}

	if c := takeCounts(t, f.reader); c["upload/accepted"] != 1 {
		t.Errorf("take counts = %v", c)
	}
}

func TestUpload_Multipart(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "recording.bin")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	_, _ = part.Write(recording(t, 1000, 0.5))
	_ = mw.Close()

	rec := f.do(t, "POST", "/api/takes", &buf, mw.FormDataContentType())
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
}

func TestUpload_MultipartWithoutFile(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("name", "value")
	_ = mw.Close()

	rec := f.do(t, "POST", "/api/takes", &buf, mw.FormDataContentType())
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if body := decode[errorBody](t, rec); body.Error != "bad_request" {
		t.Errorf("error = %q", body.Error)
	}
}

func TestUpload_Rejections(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		body     func(t *testing.T) []byte
		wantCode int
		wantErr  string
		wantMsg  string
	}{
		{
			name:     "too short",
			body:     func(t *testing.T) []byte { return recording(t, 200, 0.5) },
			wantCode: http.StatusUnprocessableEntity,
			wantErr:  "too_short",
			wantMsg:  "Recording too short. Hold the button a little longer.",
		},
		{
			name:     "clipping",
			body:     func(t *testing.T) []byte { return recording(t, 2000, 1.0) },
			wantCode: http.StatusUnprocessableEntity,
			wantErr:  "clipping",
			wantMsg:  "Audio signal is clipping. Move away from the microphone or speak more softly.",
		},
		{
			name:     "not a capture stream",
			body:     func(*testing.T) []byte { return []byte("definitely not audio") },
			wantCode: http.StatusBadRequest,
			wantErr:  "decode",
		},
		{
			name:     "empty body",
			body:     func(*testing.T) []byte { return nil },
			wantCode: http.StatusBadRequest,
			wantErr:  "decode",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			rec := f.do(t, "POST", "/api/takes", bytes.NewReader(tt.body(t)), "")
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantCode, rec.Body)
			}
			body := decode[errorBody](t, rec)
			if body.Error != tt.wantErr {
				t.Errorf("error = %q, want %q", body.Error, tt.wantErr)
			}
			if tt.wantMsg != "" && body.Message != tt.wantMsg {
				t.Errorf("message = %q, want %q", body.Message, tt.wantMsg)
			}
			if list, _ := f.store.List(context.Background(), 0); len(list) != 0 {
				t.Errorf("rejected upload stored %d takes", len(list))
			}
		})
	}
}

func TestUpload_RejectionCounted(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.do(t, "POST", "/api/takes", bytes.NewReader(recording(t, 100, 0.5)), "")
	f.do(t, "POST", "/api/takes", bytes.NewReader([]byte("junk")), "")

	c := takeCounts(t, f.reader)
	if c["upload/rejected"] != 1 || c["upload/invalid"] != 1 {
		t.Errorf("take counts = %v, want one rejected and one invalid", c)
	}
}

func TestUpload_TooLarge(t *testing.T) {
	t.Parallel()
	f := newFixture(t, server.WithMaxUploadBytes(64))
	rec := f.do(t, "POST", "/api/takes", bytes.NewReader(recording(t, 2000, 0.5)), "")
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
}

func TestUpload_TooQuietWarning(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	rec := f.do(t, "POST", "/api/takes", bytes.NewReader(recording(t, 2000, 0.005)), "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	body := decode[takeBody](t, rec)
	if len(body.Warnings) != 1 || body.Warnings[0] != string(pipeline.WarningTooQuiet) {
		t.Errorf("warnings = %v, want [too_quiet]", body.Warnings)
	}
}

// ─── Analysis ─────────────────────────────────────────────────────────────────

func TestUpload_WithAnalysis(t *testing.T) {
	t.Parallel()
	score := 0.87
	raw := json.RawMessage(`{"similarity_score":0.87}`)
	a := &fakeAnalyzer{resp: &analysis.Response{SimilarityScore: &score, Raw: raw}}
	f := newFixture(t, server.WithAnalyzer(a))

	rec := f.do(t, "POST", "/api/takes", bytes.NewReader(recording(t, 2000, 0.5)), "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	body := decode[takeBody](t, rec)
	if a.calls != 1 {
		t.Errorf("analyzer calls = %d, want 1", a.calls)
	}
	if string(body.Analysis) != string(raw) {
		t.Errorf("analysis = %s, want %s", body.Analysis, raw)
	}
	if body.Take.SimilarityScore == nil || *body.Take.SimilarityScore != score {
		t.Errorf("similarity = %v", body.Take.SimilarityScore)
	}

	stored, err := f.store.Get(context.Background(), body.Take.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(stored.Analysis) == 0 {
		t.Error("stored take lost its analysis")
	}
}

func TestUpload_AnalysisFailureStillStores(t *testing.T) {
	t.Parallel()
	a := &fakeAnalyzer{err: errors.New("analysis: unavailable")}
	f := newFixture(t, server.WithAnalyzer(a))

	rec := f.do(t, "POST", "/api/takes", bytes.NewReader(recording(t, 2000, 0.5)), "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	body := decode[takeBody](t, rec)
	if len(body.Warnings) != 1 || body.Warnings[0] != server.WarningAnalysisFailed {
		t.Errorf("warnings = %v, want [%s]", body.Warnings, server.WarningAnalysisFailed)
	}
	if body.Analysis != nil {
		t.Errorf("analysis = %s, want none", body.Analysis)
	}
}

// ─── Retrieval ────────────────────────────────────────────────────────────────

func TestGet_NotFound(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	for _, path := range []string{
		"/api/takes/3f0e4c1a-7d1b-4f6e-9a55-0d8a1e2b3c4d",
		"/api/takes/not-a-uuid",
		"/api/takes/3f0e4c1a-7d1b-4f6e-9a55-0d8a1e2b3c4d/audio",
	} {
		rec := f.do(t, "GET", path, nil, "")
		if rec.Code != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", path, rec.Code)
		}
	}
}

func TestList_Limit(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	for range 3 {
		if rec := f.do(t, "POST", "/api/takes", bytes.NewReader(recording(t, 1000, 0.5)), ""); rec.Code != http.StatusCreated {
			t.Fatalf("upload status = %d", rec.Code)
		}
	}

	rec := f.do(t, "GET", "/api/takes?limit=2", nil, "")
	got := decode[struct {
		Takes []takes.Take `json:"takes"`
	}](t, rec)
	if len(got.Takes) != 2 {
		t.Errorf("limit=2 returned %d takes", len(got.Takes))
	}

	for _, bad := range []string{"0", "-1", "many"} {
		if rec := f.do(t, "GET", "/api/takes?limit="+bad, nil, ""); rec.Code != http.StatusBadRequest {
			t.Errorf("limit=%s status = %d, want 400", bad, rec.Code)
		}
	}
}

func TestList_EmptyIsArray(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	rec := f.do(t, "GET", "/api/takes", nil, "")
	if got := rec.Body.String(); got != "{\"takes\":[]}\n" {
		t.Errorf("body = %q", got)
	}
}

// ─── Ambient routes ───────────────────────────────────────────────────────────

func TestAmbientRoutes(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		if rec := f.do(t, "GET", path, nil, ""); rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, rec.Code)
		}
	}
}

func TestSessionRoutesAbsentWithoutDevice(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	if rec := f.do(t, "POST", "/api/session/initialize", nil, ""); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestSetPipeline(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	rec := f.do(t, "POST", "/api/takes", bytes.NewReader(recording(t, 1000, 0.5)), "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d", rec.Code)
	}

	f.srv.SetPipeline(pipeline.New(pipeline.WithMinDuration(1), pipeline.WithMetrics(f.metrics)))
	rec = f.do(t, "POST", "/api/takes", bytes.NewReader(recording(t, 1000, 0.5)), "")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status after SetPipeline = %d, want 422", rec.Code)
	}
}
