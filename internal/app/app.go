// Package app wires all soundlearn subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP and runs the background loops, and Shutdown
// tears everything down in order.
//
// For testing, inject implementations via functional options (WithStore,
// WithDevice, ...). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/soundlearn/internal/analysis"
	"github.com/MrWong99/soundlearn/internal/capture"
	"github.com/MrWong99/soundlearn/internal/config"
	"github.com/MrWong99/soundlearn/internal/health"
	"github.com/MrWong99/soundlearn/internal/observe"
	"github.com/MrWong99/soundlearn/internal/pipeline"
	"github.com/MrWong99/soundlearn/internal/server"
	"github.com/MrWong99/soundlearn/internal/takes"
	"github.com/MrWong99/soundlearn/pkg/audio"
	"github.com/MrWong99/soundlearn/pkg/audio/stream"
)

// ErrNoDeviceBackend is returned by [New] when the config selects a capture
// device but no [DeviceFactory] was registered for it.
var ErrNoDeviceBackend = errors.New("app: no capture device backend available")

// DeviceFactory opens the capture device selected by the config. Hardware
// backends are registered from the binary so that uploads-only builds do not
// link them.
type DeviceFactory func(cc config.CaptureConfig) (audio.Device, error)

// shutdownGrace bounds the HTTP server's graceful shutdown.
const shutdownGrace = 10 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	// Subsystems, initialised in New, torn down in Shutdown.
	store      takes.Store
	device     audio.Device
	newDevice  DeviceFactory
	session    *capture.Session
	reconciler *capture.Reconciler
	analyzer   *analysis.Client
	server     *server.Server
	httpServer *http.Server
	watcher    *config.Watcher
	logLevel   *slog.LevelVar
	metrics    *observe.Metrics

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a take store instead of opening one from config.
func WithStore(s takes.Store) Option {
	return func(a *App) { a.store = s }
}

// WithDevice injects a capture device instead of opening one from config.
func WithDevice(d audio.Device) Option {
	return func(a *App) { a.device = d }
}

// WithDeviceFactory registers the constructor used when the config selects a
// capture device and none was injected with [WithDevice].
func WithDeviceFactory(f DeviceFactory) Option {
	return func(a *App) { a.newDevice = f }
}

// WithWatcher runs w during [App.Run] so config edits are applied live.
func WithWatcher(w *config.Watcher) Option {
	return func(a *App) { a.watcher = w }
}

// WithLogLevel lets live config changes adjust lv.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// WithMetrics sets the metrics sink shared by all subsystems.
// Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Take store ────────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Capture session ───────────────────────────────────────────────
	if err := a.initCapture(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init capture: %w", err)
	}

	// ── 3. Analysis client ───────────────────────────────────────────────
	if err := a.initAnalysis(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init analysis: %w", err)
	}

	// ── 4. HTTP server ───────────────────────────────────────────────────
	a.initServer()

	slog.Info("app initialised",
		"device", cfg.Capture.Device,
		"analysis", cfg.Analysis.BaseURL != "",
		"postgres", cfg.Storage.PostgresDSN != "",
	)
	return a, nil
}

func (a *App) initStore(ctx context.Context) error {
	if a.store == nil {
		switch {
		case a.cfg.Storage.PostgresDSN != "":
			s, err := takes.OpenPostgresStore(ctx, a.cfg.Storage.PostgresDSN)
			if err != nil {
				return err
			}
			a.store = s
			slog.Info("take store: postgres")
		default:
			s, err := takes.OpenFileStore(a.cfg.Storage.Dir)
			if err != nil {
				return err
			}
			a.store = s
			slog.Info("take store: files", "dir", a.cfg.Storage.Dir)
		}
	}
	a.closers = append(a.closers, a.store.Close)
	return nil
}

func (a *App) initCapture() error {
	cc := a.cfg.Capture
	if a.device == nil && cc.Device != config.DeviceNone {
		if a.newDevice == nil {
			return fmt.Errorf("%w: %q", ErrNoDeviceBackend, cc.Device)
		}
		d, err := a.newDevice(cc)
		if err != nil {
			return err
		}
		a.device = d
	}
	if a.device == nil {
		return nil
	}

	codec, err := stream.ParseCodec(cc.Codec)
	if err != nil {
		return err
	}
	a.session = capture.New(a.device,
		capture.WithCodec(codec),
		capture.WithMetrics(a.metrics),
	)
	a.reconciler = capture.NewReconciler(a.session, cc.PollInterval)
	a.closers = append(a.closers, a.session.Cleanup)
	return nil
}

func (a *App) initAnalysis() error {
	ac := a.cfg.Analysis
	if ac.BaseURL == "" {
		return nil
	}
	c, err := analysis.New(ac.BaseURL,
		analysis.WithHTTPClient(&http.Client{Timeout: ac.Timeout}),
		analysis.WithFallbacks(ac.FallbackURLs...),
		analysis.WithBreaker(ac.MaxFailures, ac.ResetTimeout),
		analysis.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}
	a.analyzer = c
	return nil
}

func (a *App) initServer() {
	checkers := []health.Checker{
		{Name: "storage", Check: a.store.Ping},
	}
	opts := []server.Option{
		server.WithMetrics(a.metrics),
		server.WithMaxUploadBytes(a.cfg.Server.MaxUploadBytes),
	}
	if a.analyzer != nil {
		checkers = append(checkers, health.Checker{
			Name:     "analysis",
			Optional: true,
			Check: func(context.Context) error {
				if !a.analyzer.Available() {
					return errors.New("every analysis endpoint's circuit breaker is open")
				}
				return nil
			},
		})
		opts = append(opts, server.WithAnalyzer(a.analyzer))
	}
	if a.session != nil {
		opts = append(opts, server.WithSession(a.session, a.reconciler))
	}
	opts = append(opts, server.WithHealth(health.New(checkers...)))

	a.server = server.New(a.store, newPipeline(a.cfg.Pipeline, a.metrics), opts...)
	a.httpServer = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func newPipeline(pc config.PipelineConfig, m *observe.Metrics) *pipeline.Pipeline {
	return pipeline.New(
		pipeline.WithMinDuration(pc.MinDuration),
		pipeline.WithTargetPeak(pc.TargetPeak),
		pipeline.WithMetrics(m),
	)
}

// Handler returns the application's HTTP handler.
func (a *App) Handler() http.Handler { return a.httpServer.Handler }

// ApplyConfig applies the live-reloadable parts of a config change. It is a
// [config.ChangeFunc].
func (a *App) ApplyConfig(_ *config.Config, d config.ConfigDiff) {
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(d.NewLogLevel.SlogLevel())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.PipelineChanged {
		a.server.SetPipeline(newPipeline(d.NewPipeline, a.metrics))
		slog.Info("pipeline settings changed",
			"min_duration", d.NewPipeline.MinDuration,
			"target_peak", d.NewPipeline.TargetPeak,
		)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and runs the session reconciler and config watcher until
// ctx is cancelled or the listener fails. It returns nil after a clean stop.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("http server listening", "addr", a.httpServer.Addr, "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.httpServer.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.httpServer.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return a.httpServer.Shutdown(shutdownCtx)
	})

	if a.reconciler != nil {
		g.Go(func() error { return a.reconciler.Run(ctx) })
	}
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(ctx) })
	}

	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown releases the capture device and closes the take store. It
// respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs every registered closer after a failed New.
func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}
