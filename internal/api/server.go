package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/property-pipeline/internal/ingest"
	"github.com/JakeFAU/property-pipeline/internal/metrics"
	"github.com/JakeFAU/property-pipeline/internal/monitor"
)

const (
	defaultRunLimit = 100
	maxRunLimit     = 1000
	defaultTimeout  = 30 * time.Second
)

// AlertService is the alert triage surface of the monitor.
type AlertService interface {
	List(ctx context.Context, status ingest.AlertStatus) ([]ingest.Alert, error)
	Acknowledge(ctx context.Context, id string) (ingest.Alert, error)
	Resolve(ctx context.Context, id string) (ingest.Alert, error)
}

// Options configures the Server.
type Options struct {
	// APIKey, when set, is required on every /v1 request.
	APIKey string
	// Ready reports downstream readiness; nil means always ready.
	Ready   func(ctx context.Context) error
	Timeout time.Duration
}

// Server wires HTTP handlers to the alert service and run store.
type Server struct {
	router chi.Router
	alerts AlertService
	runs   ingest.ImportRunStore
	ready  func(ctx context.Context) error
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(alerts AlertService, runs ingest.ImportRunStore, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	s := &Server{
		alerts: alerts,
		runs:   runs,
		ready:  opts.Ready,
		logger: logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Route("/alerts", func(r chi.Router) {
			r.Get("/", s.listAlerts)
			r.Post("/{alert_id}/acknowledge", s.acknowledgeAlert)
			r.Post("/{alert_id}/resolve", s.resolveAlert)
		})
		r.Get("/import-runs", s.listImportRuns)
		r.Get("/import-runs/{run_id}", s.getImportRun)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	status := ingest.AlertStatus(r.URL.Query().Get("status"))
	switch status {
	case "", ingest.AlertNew, ingest.AlertAcknowledged, ingest.AlertResolved:
	default:
		writeError(w, http.StatusBadRequest, "status must be new, acknowledged or resolved")
		return
	}
	alerts, err := s.alerts.List(r.Context(), status)
	if err != nil {
		s.logger.Error("list alerts failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list alerts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (s *Server) acknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	s.transitionAlert(w, r, s.alerts.Acknowledge)
}

func (s *Server) resolveAlert(w http.ResponseWriter, r *http.Request) {
	s.transitionAlert(w, r, s.alerts.Resolve)
}

func (s *Server) transitionAlert(
	w http.ResponseWriter,
	r *http.Request,
	action func(context.Context, string) (ingest.Alert, error),
) {
	id := chi.URLParam(r, "alert_id")
	alert, err := action(r.Context(), id)
	switch {
	case errors.Is(err, ingest.ErrNotFound):
		writeError(w, http.StatusNotFound, "alert not found")
	case errors.Is(err, monitor.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		s.logger.Error("alert transition failed", zap.String("alert_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to update alert")
	default:
		writeJSON(w, http.StatusOK, map[string]any{"alert": alert})
	}
}

func (s *Server) listImportRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ingest.RunFilter{
		Provider: q.Get("provider"),
		GeoUnit:  q.Get("geo"),
		Limit:    defaultRunLimit,
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		filter.Since = since
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = min(limit, maxRunLimit)
	}

	runs, err := s.runs.ListRuns(r.Context(), filter)
	if err != nil {
		s.logger.Error("list import runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list import runs")
		return
	}
	out := make([]runView, len(runs))
	for i, run := range runs {
		out[i] = viewOf(run)
	}
	writeJSON(w, http.StatusOK, map[string]any{"import_runs": out})
}

func (s *Server) getImportRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "run_id")
	run, err := s.runs.GetRun(r.Context(), id)
	if errors.Is(err, ingest.ErrNotFound) {
		writeError(w, http.StatusNotFound, "import run not found")
		return
	}
	if err != nil {
		s.logger.Error("get import run failed", zap.String("import_run_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load import run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"import_run": viewOf(run)})
}

// runView adds the derived success rate to the stored row.
type runView struct {
	ingest.ImportRun
	SuccessRate float64 `json:"success_rate"`
}

func viewOf(run ingest.ImportRun) runView {
	return runView{ImportRun: run, SuccessRate: run.SuccessRate()}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.String("request_id", reqID),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
