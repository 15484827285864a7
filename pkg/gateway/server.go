// Package gateway is the agent-facing HTTP surface: the legacy SSE transport
// (GET /sse plus POST /messages), the streamable transport (/mcp), and the
// administrative read/patch endpoints consumed by the dashboard.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/mcpxhq/mcpx/pkg/aggregator"
	"github.com/mcpxhq/mcpx/pkg/config"
	"github.com/mcpxhq/mcpx/pkg/metrics"
	"github.com/mcpxhq/mcpx/pkg/sessions"
	"github.com/mcpxhq/mcpx/pkg/targets"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// Options configure the HTTP server.
type Options struct {
	// Addr is the listen address. Defaults to ":9000".
	Addr string
	// MessagesPath is advertised to SSE clients in the endpoint event.
	MessagesPath string
	// InboundBuffer bounds each SSE session's inbound queue.
	InboundBuffer int
	// DeliverTimeout is how long a POST /messages waits on a full inbound
	// queue before reporting backpressure.
	DeliverTimeout time.Duration
	// MaxBodyBytes caps inbound message bodies.
	MaxBodyBytes int64
	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Addr == "" {
		opts.Addr = ":9000"
	}
	if opts.MessagesPath == "" {
		opts.MessagesPath = "/messages"
	}
	if opts.InboundBuffer <= 0 {
		opts.InboundBuffer = 16
	}
	if opts.DeliverTimeout <= 0 {
		opts.DeliverTimeout = 10 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 4 << 20
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	return opts
}

// Server wires the transports, registry, aggregator, and admin surface into
// one HTTP handler.
type Server struct {
	opts     Options
	logger   *zap.Logger
	registry *sessions.Registry
	agg      *aggregator.Aggregator
	targets  *targets.Manager
	store    *config.Store
	recorder *metrics.Recorder

	handler http.Handler

	httpMu     sync.Mutex
	httpServer *http.Server
}

// NewServer assembles the routes and middleware chain.
func NewServer(
	registry *sessions.Registry,
	agg *aggregator.Aggregator,
	mgr *targets.Manager,
	store *config.Store,
	recorder *metrics.Recorder,
	logger *zap.Logger,
	opts *Options,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		opts:     opts.withDefaults(),
		logger:   logger.Named("gateway"),
		registry: registry,
		agg:      agg,
		targets:  mgr,
		store:    store,
		recorder: recorder,
	}

	r := mux.NewRouter()
	r.HandleFunc("/sse", s.handleSSE).Methods(http.MethodGet)
	r.HandleFunc("/messages", s.handleSSEMessage).Methods(http.MethodPost)
	r.HandleFunc("/mcp", s.handleStreamable).Methods(http.MethodGet, http.MethodPost, http.MethodDelete)
	r.HandleFunc("/system-state", s.handleSystemState).Methods(http.MethodGet)
	r.HandleFunc("/config", s.handleConfigPatch).Methods(http.MethodPatch)
	r.HandleFunc("/targets/{name}", s.handleTargetPatch).Methods(http.MethodPatch)
	r.HandleFunc("/targets/{name}/env", s.handleTargetEnv).Methods(http.MethodPost)
	r.HandleFunc("/targets/{name}/retry", s.handleTargetRetry).Methods(http.MethodPost)
	r.HandleFunc("/targets/{name}/auth", s.handleTargetAuth).Methods(http.MethodPost)
	r.Handle("/metrics", recorder.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodPatch},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{sessionIDHeader},
	}).Handler(r)
	s.handler = s.accessLog(handler)
	return s
}

// Handler exposes the assembled HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe runs the HTTP server until ctx is cancelled or the listener
// fails. On cancellation every session is closed with an administrative
// shutdown reason before the listener drains.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.httpMu.Lock()
	if s.httpServer != nil {
		addr := s.httpServer.Addr
		s.httpMu.Unlock()
		return fmt.Errorf("gateway: server already running on %s", addr)
	}
	srv := &http.Server{Addr: s.opts.Addr, Handler: s.handler}
	s.httpServer = srv
	s.httpMu.Unlock()
	defer func() {
		s.httpMu.Lock()
		if s.httpServer == srv {
			s.httpServer = nil
		}
		s.httpMu.Unlock()
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("listening", zap.String("addr", s.opts.Addr))

	select {
	case <-ctx.Done():
		s.registry.CloseAll(sessions.ReasonShutdown)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown stops the embedded HTTP server if it is running.
func (s *Server) Shutdown(ctx context.Context) error {
	s.httpMu.Lock()
	srv := s.httpServer
	s.httpServer = nil
	s.httpMu.Unlock()
	if srv == nil {
		return nil
	}
	s.registry.CloseAll(sessions.ReasonShutdown)
	return srv.Shutdown(ctx)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(sw, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status()),
			zap.Duration("elapsed", time.Since(start)))
	})
}

// statusWriter records the status code and keeps http.Flusher reachable for
// the SSE stream.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) status() int {
	if w.code == 0 {
		return http.StatusOK
	}
	return w.code
}
