// Package server exposes the soundlearn HTTP API: take upload and retrieval,
// the local capture session and its WebSocket event feed, health probes and
// Prometheus metrics.
package server

import (
	"context"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/soundlearn/internal/analysis"
	"github.com/MrWong99/soundlearn/internal/capture"
	"github.com/MrWong99/soundlearn/internal/health"
	"github.com/MrWong99/soundlearn/internal/observe"
	"github.com/MrWong99/soundlearn/internal/pipeline"
	"github.com/MrWong99/soundlearn/internal/takes"
)

// DefaultMaxUploadBytes caps upload bodies when [WithMaxUploadBytes] is not
// given.
const DefaultMaxUploadBytes = 32 << 20

// Analyzer sends canonical recordings to the analysis service.
// *analysis.Client satisfies it.
type Analyzer interface {
	Analyze(ctx context.Context, wav []byte) (*analysis.Response, error)
	Available() bool
}

// Compile-time interface check.
var _ Analyzer = (*analysis.Client)(nil)

// Option configures a [Server].
type Option func(*Server)

// WithAnalyzer enables analysis of accepted takes.
func WithAnalyzer(a Analyzer) Option {
	return func(s *Server) { s.analyzer = a }
}

// WithSession mounts the /api/session routes driving sess. rec publishes the
// session's state on the events feed.
func WithSession(sess *capture.Session, rec *capture.Reconciler) Option {
	return func(s *Server) {
		s.session = sess
		s.reconciler = rec
	}
}

// WithHealth serves /healthz and /readyz from h.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithMetricsHandler replaces the /metrics handler. Default: promhttp.Handler().
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithMaxUploadBytes caps upload bodies. Non-positive values are ignored.
func WithMaxUploadBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxUpload = n
		}
	}
}

// Server implements the HTTP API. It is safe for concurrent use.
type Server struct {
	store    takes.Store
	pipeline atomic.Pointer[pipeline.Pipeline]
	analyzer Analyzer

	session    *capture.Session
	reconciler *capture.Reconciler

	health         *health.Handler
	metrics        *observe.Metrics
	metricsHandler http.Handler
	maxUpload      int64
}

// New returns a server storing takes in store and canonicalising them with p.
func New(store takes.Store, p *pipeline.Pipeline, opts ...Option) *Server {
	s := &Server{
		store:     store,
		maxUpload: DefaultMaxUploadBytes,
	}
	s.pipeline.Store(p)
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.metricsHandler == nil {
		s.metricsHandler = promhttp.Handler()
	}
	if s.health == nil {
		s.health = health.New()
	}
	return s
}

// SetPipeline swaps the pipeline used for subsequent takes.
func (s *Server) SetPipeline(p *pipeline.Pipeline) { s.pipeline.Store(p) }

// Pipeline returns the pipeline currently in use.
func (s *Server) Pipeline() *pipeline.Pipeline { return s.pipeline.Load() }

// Handler returns the routed API wrapped in [observe.Middleware].
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/takes", s.handleUpload)
	mux.HandleFunc("GET /api/takes", s.handleList)
	mux.HandleFunc("GET /api/takes/{id}", s.handleGet)
	mux.HandleFunc("GET /api/takes/{id}/audio", s.handleAudio)

	if s.session != nil {
		mux.HandleFunc("GET /api/session", s.handleSessionState)
		mux.HandleFunc("POST /api/session/initialize", s.handleSessionInitialize)
		mux.HandleFunc("POST /api/session/start", s.handleSessionStart)
		mux.HandleFunc("POST /api/session/stop", s.handleSessionStop)
		mux.HandleFunc("POST /api/session/cleanup", s.handleSessionCleanup)
		if s.reconciler != nil {
			mux.HandleFunc("GET /api/session/events", s.handleSessionEvents)
		}
	}

	s.health.Register(mux)
	mux.Handle("GET /metrics", s.metricsHandler)

	return observe.Middleware(s.metrics)(mux)
}
