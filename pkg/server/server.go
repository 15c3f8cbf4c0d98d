// Package server exposes the coordinator over HTTP: unary and streaming
// LLM runs, vector-store operations and embeddings, behind CORS, optional
// API-key auth, per-client rate limiting and per-route concurrency caps.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/llmadapter/coordinator/pkg/config"
	"github.com/llmadapter/coordinator/pkg/coordinator"
	"github.com/llmadapter/coordinator/pkg/llms"
	"github.com/llmadapter/coordinator/pkg/logger"
	"github.com/llmadapter/coordinator/pkg/plugins"
	"github.com/llmadapter/coordinator/pkg/protocol"
)

// Server is the HTTP front end. Every request builds its own Coordinator so
// subprocess pools and store clients never leak across requests.
type Server struct {
	catalog  *plugins.Registry
	defaults config.Defaults
	cfg      config.ServerDefaults
	auth     *AuthConfig
	logger   *slog.Logger
	schemas  *requestSchemas
	metrics  *metrics
	rate     *rateLimiter
	limiters map[string]*limiter
	handler  http.Handler
}

// Option configures a Server.
type Option func(*Server)

// WithAuth enables API-key authentication.
func WithAuth(auth AuthConfig) Option {
	return func(s *Server) {
		if auth.Enabled {
			s.auth = &auth
		}
	}
}

// WithServerLogger overrides the default logger.
func WithServerLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New builds the server and its route table.
func New(catalog *plugins.Registry, defaults config.Defaults, opts ...Option) (*Server, error) {
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}

	s := &Server{
		catalog:  catalog,
		defaults: defaults,
		cfg:      defaults.Server,
		logger:   logger.GetLogger(),
		schemas:  schemas,
		metrics:  newMetrics(),
		limiters: make(map[string]*limiter),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.cfg.RateLimit.Enabled {
		s.rate = newRateLimiter(s.cfg.RateLimit)
	}
	lim := s.cfg.Limiter
	queueTimeout := time.Duration(lim.QueueTimeoutMs) * time.Millisecond
	for _, route := range []string{"run", "stream", "vector", "vector_stream", "embeddings"} {
		s.limiters[route] = newLimiter(lim.MaxConcurrent, lim.MaxQueueSize, queueTimeout)
	}

	s.handler = s.buildRouter()
	return s, nil
}

// Handler returns the fully wired middleware chain and routes.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(corsMiddleware(s.cfg.CORS))
	if s.cfg.SecurityHeadersEnabled {
		r.Use(securityHeaders)
	}
	if s.auth != nil {
		r.Use(s.auth.middleware)
	}
	if s.rate != nil {
		r.Use(s.rate.middleware)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, CodeNotFound, "unknown route")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "method not allowed")
	})

	r.Post("/run", s.metrics.instrument("run", s.handleRun))
	r.Post("/stream", s.metrics.instrument("stream", s.handleStream))
	r.Post("/vector/run", s.metrics.instrument("vector_run", s.handleVectorRun))
	r.Post("/vector/stream", s.metrics.instrument("vector_stream", s.handleVectorStream))
	r.Post("/vector/embeddings/run", s.metrics.instrument("embeddings_run", s.handleEmbeddings))
	r.Get("/metrics", s.metrics.handler().ServeHTTP)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeResponse(w, map[string]string{"status": "ok"})
	})

	return r
}

// ListenAndServe runs until the context ends, then drains connections.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		s.logger.Info("server shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

// acquireRoute takes a concurrency permit, writing the rejection itself
// when none is available.
func (s *Server) acquireRoute(w http.ResponseWriter, r *http.Request, route string) (func(), bool) {
	release, status := s.limiters[route].acquire(r.Context())
	switch status {
	case acquireOK:
		return release, true
	case acquireBusy:
		writeError(w, http.StatusServiceUnavailable, CodeServerBusy, "server is at capacity")
	case acquireQueueTimeout:
		writeError(w, http.StatusServiceUnavailable, CodeQueueTimeout, "timed out waiting for a slot")
	case acquireAborted:
		writeError(w, StatusClientClosedRequest, CodeClientAborted, "client closed request")
	}
	return nil, false
}

// readValidated runs the shared request pipeline: media type, bounded body,
// JSON parse and schema validation. It writes the failure response itself.
func (s *Server) readValidated(w http.ResponseWriter, r *http.Request, schema interface{ Validate(any) error }, body *[]byte) bool {
	data, ok := readRequestBody(w, r,
		s.cfg.MaxRequestBytes,
		time.Duration(s.cfg.BodyReadTimeoutMs)*time.Millisecond)
	if !ok {
		return false
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid JSON")
		return false
	}
	if err := schema.Validate(doc); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, err.Error())
		return false
	}
	*body = data
	return true
}

func (s *Server) newCoordinator() *coordinator.Coordinator {
	return coordinator.New(s.catalog, s.defaults, coordinator.WithLogger(s.logger))
}

// requestContext bounds the request by the configured timeout; zero disables
// the bound.
func (s *Server) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	if s.cfg.RequestTimeoutMs <= 0 {
		return context.WithCancel(r.Context())
	}
	return context.WithTimeout(r.Context(), time.Duration(s.cfg.RequestTimeoutMs)*time.Millisecond)
}

// writeRunError maps a run failure onto the error envelope.
func (s *Server) writeRunError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case r.Context().Err() != nil:
		// Nothing useful can reach the client; record the status only.
		w.WriteHeader(StatusClientClosedRequest)
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, CodeTimeout, "request timed out")
	default:
		var perr *llms.ProviderError
		if errors.As(err, &perr) {
			writeError(w, http.StatusBadGateway, CodeProviderError, perr.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, CodeInternalError, err.Error())
	}
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var body []byte
	if !s.readValidated(w, r, s.schemas.call, &body) {
		return
	}
	spec, err := protocol.ParseCallSpec(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, err.Error())
		return
	}

	release, ok := s.acquireRoute(w, r, "run")
	if !ok {
		return
	}
	defer release()

	ctx, cancel := s.requestContext(r)
	defer cancel()

	coord := s.newCoordinator()
	defer coord.Close()

	resp, err := coord.Run(ctx, spec)
	if err != nil {
		s.writeRunError(w, r, err)
		return
	}
	writeResponse(w, resp)
}

func (s *Server) handleVectorRun(w http.ResponseWriter, r *http.Request) {
	var body []byte
	if !s.readValidated(w, r, s.schemas.vector, &body) {
		return
	}
	spec, err := protocol.ParseVectorSpec(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, err.Error())
		return
	}

	release, ok := s.acquireRoute(w, r, "vector")
	if !ok {
		return
	}
	defer release()

	ctx, cancel := s.requestContext(r)
	defer cancel()

	coord := s.newCoordinator()
	defer coord.Close()

	result, err := coord.Vectors().Run(ctx, *spec)
	if err != nil {
		s.writeRunError(w, r, err)
		return
	}
	writeResponse(w, result)
}

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	var body []byte
	if !s.readValidated(w, r, s.schemas.embedding, &body) {
		return
	}
	spec, err := protocol.ParseEmbeddingSpec(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, err.Error())
		return
	}

	release, ok := s.acquireRoute(w, r, "embeddings")
	if !ok {
		return
	}
	defer release()

	ctx, cancel := s.requestContext(r)
	defer cancel()

	coord := s.newCoordinator()
	defer coord.Close()

	result, err := coord.Vectors().RunEmbeddings(ctx, *spec)
	if err != nil {
		s.writeRunError(w, r, err)
		return
	}
	writeResponse(w, result)
}

// sseWriter frames events as server-sent data lines.
type sseWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	return &sseWriter{w: w, rc: http.NewResponseController(w)}
}

func (s *sseWriter) send(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	return s.rc.Flush()
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	var body []byte
	if !s.readValidated(w, r, s.schemas.call, &body) {
		return
	}
	spec, err := protocol.ParseCallSpec(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, err.Error())
		return
	}

	release, ok := s.acquireRoute(w, r, "stream")
	if !ok {
		return
	}
	defer release()

	ctx, cancel := s.requestContext(r)
	defer cancel()

	coord := s.newCoordinator()
	defer coord.Close()

	events, cancelStream, err := coord.Stream(ctx, spec)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, err.Error())
		return
	}
	defer cancelStream()

	sse := newSSEWriter(w)
	idle := time.Duration(s.cfg.StreamIdleTimeoutMs) * time.Millisecond
	watchdog := time.NewTimer(idle)
	defer watchdog.Stop()

	for {
		select {
		case ev, open := <-events:
			if !open {
				return
			}
			if err := sse.send(ev); err != nil {
				s.logger.Warn("stream write failed", "error", err)
				return
			}
			if !watchdog.Stop() {
				<-watchdog.C
			}
			watchdog.Reset(idle)
		case <-watchdog.C:
			_ = sse.send(protocol.ErrorEvent(CodeStreamIdleTimeout,
				"no events received within the idle window"))
			return
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				_ = sse.send(protocol.ErrorEvent(CodeTimeout, "request timed out"))
			}
			return
		}
	}
}

// handleVectorStream frames a vector run as a single-event stream so stream
// clients can use one transport for both coordinators.
func (s *Server) handleVectorStream(w http.ResponseWriter, r *http.Request) {
	var body []byte
	if !s.readValidated(w, r, s.schemas.vector, &body) {
		return
	}
	spec, err := protocol.ParseVectorSpec(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, err.Error())
		return
	}

	release, ok := s.acquireRoute(w, r, "vector_stream")
	if !ok {
		return
	}
	defer release()

	ctx, cancel := s.requestContext(r)
	defer cancel()

	coord := s.newCoordinator()
	defer coord.Close()

	sse := newSSEWriter(w)
	result, err := coord.Vectors().Run(ctx, *spec)
	if err != nil {
		_ = sse.send(errorEnvelope{Type: "error", Error: errorBody{Code: CodeInternalError, Message: err.Error()}})
		return
	}
	_ = sse.send(responseEnvelope{Type: "response", Data: result})
}
