package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/discovery/internal/observability"
	"github.com/nexus-trading/discovery/internal/scanner"
)

// ScannerControl is the part of *scanner.Scanner the admin API drives.
type ScannerControl interface {
	State() scanner.State
	Metrics() scanner.Metrics
	Statistics() scanner.Statistics
	TriggerScan(ctx context.Context) (int, error)
	UpdateScanInterval(ms int64) error
}

// HealthReporter runs health checks on demand, normally
// *observability.HealthMonitor.
type HealthReporter interface {
	Check(ctx context.Context) observability.SystemHealth
}

// Deps are the components exposed over HTTP. Scanner and Health are
// required; nil optional fields answer 404.
type Deps struct {
	Scanner  ScannerControl
	Health   HealthReporter
	Listener observability.ListenerStatser
	Pool     observability.PoolProber
	Metrics  http.Handler
}

// Config controls the listening socket.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// Server is the read-mostly admin API of the discovery service.
type Server struct {
	cfg    Config
	deps   Deps
	router *mux.Router
	srv    *http.Server
}

// ErrorBody is the JSON error envelope.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	ErrCodeBadRequest  = "INVALID_INPUT"
	ErrCodeUnavailable = "UNAVAILABLE"
	ErrCodeInternal    = "INTERNAL_ERROR"
)

func NewServer(cfg Config, deps Deps) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}

	s := &Server{cfg: cfg, deps: deps, router: mux.NewRouter()}
	s.routes()

	c := cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	s.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      c.Handler(s.router),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	r := s.router
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/scanner/state", s.handleScannerState).Methods(http.MethodGet)
	r.HandleFunc("/scanner/metrics", s.handleScannerMetrics).Methods(http.MethodGet)
	r.HandleFunc("/scanner/scan", s.handleTriggerScan).Methods(http.MethodPost)
	r.HandleFunc("/scanner/interval", s.handleUpdateInterval).Methods(http.MethodPut)
	r.HandleFunc("/detector/statistics", s.handleStatistics).Methods(http.MethodGet)
	r.HandleFunc("/listener/stats", s.handleListenerStats).Methods(http.MethodGet)
	r.HandleFunc("/rpc/health", s.handleRPCHealth).Methods(http.MethodGet)
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics).Methods(http.MethodGet)
	}
}

// Handler returns the routed handler with CORS applied.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// ListenAndServe blocks until the server fails or ctx is cancelled, then
// shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.cfg.ListenAddr).Msg("api: listening")
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		log.Info().Msg("api: stopped")
		return nil
	}
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.deps.Health.Check(r.Context())
	writeJSON(w, h.HTTPStatus(), h)
}

func (s *Server) handleScannerState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Scanner.State())
}

func (s *Server) handleScannerMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Scanner.Metrics())
}

func (s *Server) handleStatistics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Scanner.Statistics())
}

func (s *Server) handleTriggerScan(w http.ResponseWriter, r *http.Request) {
	passed, err := s.deps.Scanner.TriggerScan(r.Context())
	if err != nil {
		log.Warn().Err(err).Msg("api: triggered scan failed")
		writeError(w, http.StatusBadGateway, ErrCodeUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"passed": passed})
}

type intervalRequest struct {
	IntervalMs int64 `json:"interval_ms"`
}

func (s *Server) handleUpdateInterval(w http.ResponseWriter, r *http.Request) {
	var req intervalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "body must be {\"interval_ms\": <int>}")
		return
	}
	if err := s.deps.Scanner.UpdateScanInterval(req.IntervalMs); err != nil {
		if errors.Is(err, scanner.ErrIntervalTooShort) {
			writeError(w, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"interval_ms": req.IntervalMs})
}

func (s *Server) handleListenerStats(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Listener == nil {
		writeError(w, http.StatusNotFound, ErrCodeUnavailable, "event listener disabled")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Listener.Stats())
}

func (s *Server) handleRPCHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Pool == nil {
		writeError(w, http.StatusNotFound, ErrCodeUnavailable, "rpc pool not configured")
		return
	}
	h := s.deps.Pool.HealthCheck(r.Context())
	status := http.StatusOK
	if h.Healthy == 0 {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("api: write response")
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]ErrorBody{"error": {Code: code, Message: msg}})
}
