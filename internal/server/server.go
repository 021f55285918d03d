// Package server exposes the pipeline over HTTP: message intake, routing
// dry-runs, provider health and Prometheus metrics.
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

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/haasonsaas/flowgate/internal/agent"
	"github.com/haasonsaas/flowgate/internal/agent/routing"
	"github.com/haasonsaas/flowgate/internal/gateway"
	"github.com/haasonsaas/flowgate/internal/observability"
	"github.com/haasonsaas/flowgate/pkg/models"
)

// Pipeline is the processing surface the server drives.
type Pipeline interface {
	ProcessMessage(ctx context.Context, msg *models.IncomingMessage, preResolved *models.RoutingDecision) *models.ProcessingResult
	Stats() agent.PipelineStats
}

// ProviderAdmin reports and resets provider health. The gateway implements it.
type ProviderAdmin interface {
	Health() []models.ProviderHealth
	Reset(id string) error
}

// Config configures a Server. Pipeline is required.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// MaxBodyBytes limits request bodies. Defaults to 1MiB.
	MaxBodyBytes int64

	// CORSAllowedOrigins enables CORS when non-empty.
	CORSAllowedOrigins []string

	// MetricsPath serves Gatherer when both are set.
	MetricsPath string
	Gatherer    prometheus.Gatherer

	Pipeline  Pipeline
	Router    routing.Router
	Providers ProviderAdmin

	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	Logger  *slog.Logger
}

// Server is the HTTP intake.
type Server struct {
	config  Config
	handler http.Handler
	logger  *slog.Logger

	httpServer *http.Server
	listener   net.Listener
}

// New builds the routes. Call Start to listen.
func New(cfg Config) (*Server, error) {
	if cfg.Pipeline == nil {
		return nil, errors.New("pipeline is required")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{config: cfg, logger: logger.With("component", "http")}

	r := mux.NewRouter()
	r.Use(s.observe)

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/v1/messages", s.handleMessage).Methods(http.MethodPost)
	r.HandleFunc("/v1/stats", s.handleStats).Methods(http.MethodGet)
	if cfg.Router != nil {
		r.HandleFunc("/v1/route", s.handleRoute).Methods(http.MethodPost)
	}
	if cfg.Providers != nil {
		r.HandleFunc("/v1/providers", s.handleProviders).Methods(http.MethodGet)
		r.HandleFunc("/v1/providers/{id}/reset", s.handleProviderReset).Methods(http.MethodPost)
	}
	if cfg.MetricsPath != "" && cfg.Gatherer != nil {
		r.Handle(cfg.MetricsPath, promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	var handler http.Handler = r
	if len(cfg.CORSAllowedOrigins) > 0 {
		handler = cors.New(cors.Options{
			AllowedOrigins: cfg.CORSAllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", "Authorization", "Traceparent"},
			MaxAge:         600,
		}).Handler(r)
	}
	s.handler = handler
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	if s.httpServer != nil {
		return errors.New("server already started")
	}
	listener, err := (&net.ListenConfig{}).Listen(ctx, "tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.config.ReadTimeout,
		WriteTimeout:      s.config.WriteTimeout,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("starting http server", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.config.Addr
	}
	return s.listener.Addr().String()
}

// Stop drains in-flight requests until ctx is done.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	err := s.httpServer.Shutdown(ctx)
	s.httpServer = nil
	s.listener = nil
	return err
}

// observe traces, measures and logs every matched route.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				path = tmpl
			}
		}

		ctx := s.config.Tracer.Extract(r.Context(), r.Header)
		ctx, span := s.config.Tracer.StartHTTP(ctx, r.Method, path)
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))
		observability.SpanAttrs(span, "http.status_code", rec.status)

		elapsed := time.Since(start)
		s.config.Metrics.RecordHTTPRequest(r.Method, path, strconv.Itoa(rec.status), elapsed.Seconds())
		s.logger.Debug("http request",
			"method", r.Method,
			"path", path,
			"status", rec.status,
			"duration_ms", elapsed.Milliseconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if s.config.Providers != nil {
		healthy := 0
		for _, h := range s.config.Providers.Health() {
			if h.Healthy {
				healthy++
			}
		}
		if healthy == 0 {
			status, code = "degraded", http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, map[string]string{"status": status})
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg models.IncomingMessage
	if !s.decode(w, r, &msg) {
		return
	}
	if msg.Channel == "" || msg.SenderID == "" {
		writeError(w, http.StatusBadRequest, "channel and sender_id are required")
		return
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}

	result := s.config.Pipeline.ProcessMessage(r.Context(), &msg, nil)
	if id := result.Metadata["request_id"]; id != "" {
		w.Header().Set("X-Request-ID", id)
	}
	if result.Failed() && result.Error != nil {
		s.logger.Warn("message processing failed",
			"request_id", result.Metadata["request_id"],
			"code", result.Error.Code,
			"stage", result.Error.Stage)
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	var msg models.IncomingMessage
	if !s.decode(w, r, &msg) {
		return
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}
	decision, err := s.config.Router.Route(r.Context(), &msg)
	if err != nil {
		if errors.Is(err, routing.ErrNoRoute) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.config.Pipeline.Stats())
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.config.Providers.Health())
}

func (s *Server) handleProviderReset(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.config.Providers.Reset(id); err != nil {
		if errors.Is(err, gateway.ErrUnknownProvider) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("provider circuit reset", "provider", id)
	w.WriteHeader(http.StatusNoContent)
}

// decode reads a bounded JSON body into v, writing a 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
