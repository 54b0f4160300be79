// Package server exposes the engine's operation surface over HTTP: ingest,
// run, and score, plus run history, breaker administration, and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/nnennaai/nai/pkg/config"
	"github.com/nnennaai/nai/pkg/domain"
	"github.com/nnennaai/nai/pkg/engine"
	"github.com/nnennaai/nai/pkg/runstore"
	"github.com/nnennaai/nai/pkg/telemetry"
)

// EngineBuilder rebuilds an engine from freshly loaded settings. The server
// uses it when the settings file changes on disk; in-flight requests finish
// against the engine they started with.
type EngineBuilder func(cfg *config.Settings) (*engine.Engine, error)

// Server is the HTTP surface over one engine.
type Server struct {
	mu      sync.RWMutex
	eng     *engine.Engine
	build   EngineBuilder
	metrics *telemetry.SchedulerMetrics
	logger  *slog.Logger

	server        *http.Server
	metricsServer *http.Server
	addr          string
	metricsAddr   string
	watcher       *config.Watcher
	running       bool
}

// New creates a server over the engine. metrics may be nil; build may be nil
// to disable settings reloads.
func New(eng *engine.Engine, build EngineBuilder, metrics *telemetry.SchedulerMetrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{eng: eng, build: build, metrics: metrics, logger: logger}

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	s.server = &http.Server{
		Handler:           otelhttp.NewHandler(mux, "nai.server"),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/ingest", s.handleIngest)
	mux.HandleFunc("POST /v1/run", s.handleRun)
	mux.HandleFunc("POST /v1/score", s.handleScore)
	mux.HandleFunc("GET /v1/runs", s.handleListRuns)
	mux.HandleFunc("GET /v1/runs/{id}", s.handleGetRun)
	mux.HandleFunc("GET /v1/breakers", s.handleBreakers)
	mux.HandleFunc("POST /v1/breakers/reset", s.handleResetBreakers)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
}

// Start begins serving on addr and, when configPath is non-empty and a
// builder was provided, watches the settings file for changes. A non-empty
// metricsAddr serves /metrics on its own listener so scrapes stay off the
// service port.
func (s *Server) Start(ctx context.Context, addr, metricsAddr, configPath string) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	s.running = true
	s.mu.Unlock()

	if configPath != "" && s.build != nil {
		watcher, err := config.NewWatcher(configPath, s.reload, s.logger)
		if err != nil {
			return fmt.Errorf("create settings watcher: %w", err)
		}
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("start settings watcher: %w", err)
		}
		s.watcher = watcher
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.addr = ln.Addr().String()
	s.logger.Info("server listening", slog.String("addr", s.addr))
	go s.serve(s.server, ln)

	if metricsAddr != "" && s.metrics != nil {
		mln, err := net.Listen("tcp", metricsAddr)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("listen on %s: %w", metricsAddr, err)
		}
		s.metricsServer = &http.Server{
			Handler:           s.metrics.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		s.metricsAddr = mln.Addr().String()
		s.logger.Info("metrics listening", slog.String("addr", s.metricsAddr))
		go s.serve(s.metricsServer, mln)
	}
	return nil
}

func (s *Server) serve(srv *http.Server, ln net.Listener) {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("server failed", slog.String("error", err.Error()))
	}
}

// Stop shuts the server down gracefully and closes the current engine.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	if s.watcher != nil {
		_ = s.watcher.Stop()
	}
	if s.metricsServer != nil {
		if err := s.metricsServer.Shutdown(ctx); err != nil {
			return err
		}
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}
	return s.engine().Close(ctx)
}

// Handler exposes the routed handler for embedding in another server.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Addr reports the bound service address once Start has returned.
func (s *Server) Addr() string { return s.addr }

// MetricsAddr reports the bound metrics address, or "" when metrics share
// the service listener.
func (s *Server) MetricsAddr() string { return s.metricsAddr }

func (s *Server) engine() *engine.Engine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.eng
}

// reload swaps in an engine built from the changed settings file. The old
// engine's vector store contents do not carry over; reingestion follows a
// settings change, just as it does a restart.
func (s *Server) reload(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	next, err := s.build(cfg)
	if err != nil {
		return err
	}
	if err := next.Setup(context.Background()); err != nil {
		return err
	}

	s.mu.Lock()
	prev := s.eng
	s.eng = next
	s.mu.Unlock()

	if err := prev.Close(context.Background()); err != nil {
		s.logger.Warn("closing previous engine", slog.String("error", err.Error()))
	}
	return nil
}

type ingestRequest struct {
	Documents []domain.Document `json:"documents"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Documents) == 0 {
		writeError(w, http.StatusBadRequest, "documents is required")
		return
	}

	result, err := s.engine().Ingest(r.Context(), req.Documents, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type runRequest struct {
	Query       string `json:"query"`
	GroundTruth string `json:"ground_truth,omitempty"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	result, err := s.engine().Run(r.Context(), req.Query, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, statusFor(result.Outcome), result)
}

func (s *Server) handleScore(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	result, err := s.engine().Score(r.Context(), req.Query, req.GroundTruth, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, statusFor(result.Outcome), result)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	from, err := parseTimeParam(r, "from")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	to, err := parseTimeParam(r, "to")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	summaries, err := s.engine().Runs().List(r.Context(), from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": summaries})
}

func parseTimeParam(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s: %q is not RFC 3339", name, raw)
	}
	return t, nil
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	record, err := s.engine().Runs().Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, runstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleBreakers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine().BreakerStats())
}

func (s *Server) handleResetBreakers(w http.ResponseWriter, _ *http.Request) {
	s.engine().ResetBreakers()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func statusFor(outcome domain.RunOutcome) int {
	switch outcome {
	case domain.RunSucceeded, domain.RunDegraded:
		return http.StatusOK
	default:
		return http.StatusUnprocessableEntity
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
