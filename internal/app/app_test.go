package app_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/soundlearn/internal/app"
	"github.com/MrWong99/soundlearn/internal/config"
	"github.com/MrWong99/soundlearn/internal/observe"
	"github.com/MrWong99/soundlearn/internal/takes"
	"github.com/MrWong99/soundlearn/pkg/audio"
	"github.com/MrWong99/soundlearn/pkg/audio/mock"
	"github.com/MrWong99/soundlearn/pkg/audio/stream"
)

// testConfig returns a defaulted config storing takes under a temp dir.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Server:  config.ServerConfig{ListenAddr: "127.0.0.1:0"},
		Capture: config.CaptureConfig{Codec: "pcm16", SampleRate: 4000},
		Storage: config.StorageConfig{Dir: t.TempDir()},
	}
	cfg.ApplyDefaults()
	return cfg
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newApp(t *testing.T, cfg *config.Config, opts ...app.Option) *app.App {
	t.Helper()
	opts = append([]app.Option{app.WithMetrics(testMetrics(t))}, opts...)
	a, err := app.New(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

func recording(t *testing.T, n int) []byte {
	t.Helper()
	var out bytes.Buffer
	enc, err := stream.NewEncoder(stream.CodecPCM16, audio.Format{SampleRate: 4000, Channels: 1}, func(c []byte) { out.Write(c) })
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	_ = enc.Begin()
	pcm := make([]int16, n)
	for i := range pcm {
		pcm[i] = audio.Quantize(0.5 * math.Sin(float64(i)/3))
	}
	_ = enc.Write(pcm)
	_ = enc.Flush()
	return out.Bytes()
}

func post(t *testing.T, h http.Handler, path string, body []byte) int {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", path, bytes.NewReader(body)))
	return rec.Code
}

func TestNew_FileStoreFromConfig(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	a := newApp(t, cfg)

	if code := post(t, a.Handler(), "/api/takes", recording(t, 1000)); code != http.StatusCreated {
		t.Fatalf("upload status = %d, want 201", code)
	}

	store, err := takes.OpenFileStore(cfg.Storage.Dir)
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	if list, _ := store.List(context.Background(), 0); len(list) != 1 {
		t.Errorf("store holds %d takes, want 1", len(list))
	}
}

func TestNew_InvalidPostgresDSN(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Storage.PostgresDSN = "postgres://%zz"
	if _, err := app.New(context.Background(), cfg, app.WithMetrics(testMetrics(t))); err == nil {
		t.Fatal("expected error for malformed DSN")
	}
}

func TestNew_SessionRoutesWithDevice(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)

	without := newApp(t, cfg)
	if code := post(t, without.Handler(), "/api/session/initialize", nil); code != http.StatusNotFound {
		t.Errorf("without device: status = %d, want 404", code)
	}

	dev := mock.NewDevice(audio.Format{SampleRate: 4000, Channels: 1})
	with := newApp(t, testConfig(t), app.WithDevice(dev))
	if code := post(t, with.Handler(), "/api/session/initialize", nil); code != http.StatusOK {
		t.Fatalf("with device: status = %d, want 200", code)
	}
	if !dev.Held() {
		t.Error("device not acquired by initialize")
	}

	if err := with.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if dev.Held() {
		t.Error("device still held after Shutdown")
	}
}

func TestNew_DeviceFactory(t *testing.T) {
	t.Parallel()

	t.Run("missing backend", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig(t)
		cfg.Capture.Device = config.DevicePortAudio
		_, err := app.New(context.Background(), cfg, app.WithMetrics(testMetrics(t)))
		if !errors.Is(err, app.ErrNoDeviceBackend) {
			t.Fatalf("New = %v, want ErrNoDeviceBackend", err)
		}
	})

	t.Run("registered backend", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig(t)
		cfg.Capture.Device = config.DevicePortAudio
		dev := mock.NewDevice(audio.Format{SampleRate: 4000, Channels: 1})
		var got config.CaptureConfig
		a := newApp(t, cfg, app.WithDeviceFactory(func(cc config.CaptureConfig) (audio.Device, error) {
			got = cc
			return dev, nil
		}))
		if got.SampleRate != 4000 {
			t.Errorf("factory saw sample rate %d, want 4000", got.SampleRate)
		}
		if code := post(t, a.Handler(), "/api/session/initialize", nil); code != http.StatusOK {
			t.Fatalf("initialize status = %d, want 200", code)
		}
		if !dev.Held() {
			t.Error("device from factory not acquired")
		}
	})

	t.Run("backend error", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig(t)
		cfg.Capture.Device = config.DevicePortAudio
		_, err := app.New(context.Background(), cfg,
			app.WithMetrics(testMetrics(t)),
			app.WithDeviceFactory(func(config.CaptureConfig) (audio.Device, error) {
				return nil, audio.ErrNoDevice
			}),
		)
		if !errors.Is(err, audio.ErrNoDevice) {
			t.Fatalf("New = %v, want ErrNoDevice", err)
		}
	})
}

func TestApplyConfig(t *testing.T) {
	t.Parallel()
	lv := new(slog.LevelVar)
	a := newApp(t, testConfig(t), app.WithLogLevel(lv))

	if code := post(t, a.Handler(), "/api/takes", recording(t, 1000)); code != http.StatusCreated {
		t.Fatalf("upload status = %d, want 201", code)
	}

	a.ApplyConfig(nil, config.ConfigDiff{
		LogLevelChanged: true,
		NewLogLevel:     config.LogDebug,
		PipelineChanged: true,
		NewPipeline:     config.PipelineConfig{MinDuration: 1, TargetPeak: 0.9},
	})

	if lv.Level() != slog.LevelDebug {
		t.Errorf("log level = %v, want debug", lv.Level())
	}
	if code := post(t, a.Handler(), "/api/takes", recording(t, 1000)); code != http.StatusUnprocessableEntity {
		t.Errorf("upload after raising min_duration = %d, want 422", code)
	}
}

func TestReadyz_AnalysisDegraded(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Analysis.BaseURL = "http://127.0.0.1:1"
	a := newApp(t, cfg)

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("readyz = %d, want 200 while breakers are closed", rec.Code)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	t.Parallel()
	a := newApp(t, testConfig(t), app.WithDevice(mock.NewDevice(audio.Format{SampleRate: 4000, Channels: 1})))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	t.Parallel()
	a := newApp(t, testConfig(t))
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}
