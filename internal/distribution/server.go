// Package distribution serves the HTTP surface of the server: the REST API
// over stream sources and playback sessions, HTTP-TS live playback, HLS
// playlists and the metrics endpoint, on HTTP/1.1 and HTTP/3.
package distribution

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"

	"github.com/zsiec/livecore/internal/certs"
	"github.com/zsiec/livecore/internal/hls"
	"github.com/zsiec/livecore/internal/ingest"
	"github.com/zsiec/livecore/internal/ingest/srt"
	"github.com/zsiec/livecore/internal/stream"
)

const (
	readHeaderTimeout      = 10 * time.Second
	defaultShutdownTimeout = 10 * time.Second
)

// Puller starts and stops SRT caller-mode pulls.
type Puller interface {
	Pull(ctx context.Context, req srt.PullRequest) error
	Stop(key string) error
	ActivePulls() []srt.PullRequest
}

// IngestLister returns the active publish connections.
type IngestLister func() []ingest.Stats

// ServerConfig holds the configuration for the distribution Server.
type ServerConfig struct {
	Addr            string
	HTTP3Addr       string
	Cert            *certs.CertInfo
	ShutdownTimeout time.Duration

	Streams        *stream.Registry
	HLS            *hls.Manager
	Pulls          Puller
	Ingest         IngestLister
	MetricsHandler http.Handler

	// BaseContext bounds background work started by API calls, such as
	// pulls. Defaults to context.Background().
	BaseContext context.Context

	Logger *slog.Logger
}

// Server routes HTTP requests to the stream registry and its consumers.
type Server struct {
	config   ServerConfig
	log      *slog.Logger
	sessions *sessionTable
	router   *chi.Mux
	h3       *http3.Server
}

// NewServer creates a distribution Server with the given configuration.
// It returns an error if required fields are missing.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Streams == nil {
		return nil, errors.New("distribution: Streams is required")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.BaseContext == nil {
		config.BaseContext = context.Background()
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = defaultShutdownTimeout
	}

	s := &Server{
		config:   config,
		log:      config.Logger.With("component", "distribution"),
		sessions: newSessionTable(),
	}
	s.router = s.routes()
	return s, nil
}

// Handler returns the router serving every endpoint.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.RequestID)
	r.Use(requestLogger(s.log))
	r.Use(chimiddleware.Recoverer)
	r.Use(corsMiddleware)
	r.Use(s.altSvcMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.config.MetricsHandler != nil {
		r.Handle("/metrics", s.config.MetricsHandler)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/streams", s.handleListStreams)
		r.Route("/streams/{vhost}/{app}/{stream}", func(r chi.Router) {
			r.Get("/", s.handleGetStream)
			r.Delete("/", s.handleRemoveStream)
			r.Put("/cache", s.handleSetCache)
		})

		r.Get("/sessions", s.handleListSessions)
		r.Post("/sessions/{id}/pause", s.handlePauseSession)
		r.Delete("/sessions/{id}", s.handleCloseSession)

		r.Get("/ingest", s.handleListIngest)

		r.Get("/pulls", s.handleListPulls)
		r.Post("/pulls", s.handleCreatePull)
		r.Delete("/pulls/{vhost}/{app}/{stream}", s.handleStopPull)

		if s.config.Cert != nil {
			r.Get("/cert-hash", s.handleCertHash)
		}
	})

	r.Get("/live/{vhost}/{app}/{stream}.ts", s.handleLiveTS)
	r.Get("/hls/{vhost}/{app}/{stream}/*", s.handleHLS)

	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// altSvcMiddleware advertises the HTTP/3 listener on TCP responses.
func (s *Server) altSvcMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h3 := s.h3; h3 != nil && r.ProtoMajor < 3 {
			_ = h3.SetQUICHeaders(w.Header())
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// Start serves HTTP/1.1 on Addr until the context is cancelled, then shuts
// down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("http shutdown", "error", err)
			srv.Close()
		}
	})
	defer stop()

	s.log.Info("HTTP server listening", "addr", s.config.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// PrepareHTTP3 configures the HTTP/3 server so TCP responses can advertise
// it. It must be called before Start and StartHTTP3 when HTTP/3 is wanted.
func (s *Server) PrepareHTTP3() error {
	if s.config.Cert == nil {
		return errors.New("distribution: Cert is required for HTTP/3")
	}
	if s.config.HTTP3Addr == "" {
		return errors.New("distribution: HTTP3Addr is required for HTTP/3")
	}
	s.h3 = &http3.Server{
		Addr:    s.config.HTTP3Addr,
		Handler: s.router,
		TLSConfig: http3.ConfigureTLSConfig(&tls.Config{
			Certificates: []tls.Certificate{s.config.Cert.TLSCert},
		}),
		QUICConfig: &quic.Config{
			MaxIdleTimeout: 30 * time.Second,
			Allow0RTT:      true,
		},
	}
	return nil
}

// StartHTTP3 serves HTTP/3 until the context is cancelled.
func (s *Server) StartHTTP3(ctx context.Context) error {
	if s.h3 == nil {
		if err := s.PrepareHTTP3(); err != nil {
			return err
		}
	}

	s.log.Info("HTTP/3 server listening", "addr", s.config.HTTP3Addr)

	stop := context.AfterFunc(ctx, func() { s.h3.Close() })
	defer stop()

	err := s.h3.ListenAndServe()
	if ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("http3 server: %w", err)
}
