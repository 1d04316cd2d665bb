// Package api exposes the HTTP interface for the SIM query gateway.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/telquery/simgate/internal/config"
	"github.com/telquery/simgate/internal/metrics"
	"github.com/telquery/simgate/internal/simquery"
)

// Querier is the slice of the orchestrator the HTTP layer needs.
type Querier interface {
	Query(ctx context.Context, iccid string) (simquery.QueryResult, error)
	ResetFailures(iccid string) int
}

// Server wires HTTP handlers to the query orchestrator.
type Server struct {
	router  chi.Router
	querier Querier
	clock   simquery.Clock
	logger  *zap.Logger
	cfg     config.ServerConfig
	started time.Time
}

// NewServer constructs a Server with middleware and routes.
func NewServer(querier Querier, clock simquery.Clock, cfg config.ServerConfig, logger *zap.Logger) *Server {
	s := &Server{
		querier: querier,
		clock:   clock,
		logger:  logger,
		cfg:     cfg,
		started: clock.Now(),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(time.Duration(cfg.TimeoutSeconds) * time.Second))

	r.Get("/health", s.health)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	limiter := newClientLimiter(cfg.RatePerMinute, cfg.RateBurst)
	r.Route("/api", func(r chi.Router) {
		r.Use(limiter.middleware)
		r.Post("/query-sim", s.querySim)
		r.Get("/query-sim", s.querySim)
		r.Post("/failures/{iccid}/reset", s.resetFailures)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(s.clock.Now().Sub(s.started).Seconds()),
		"heap_alloc_mb":  mem.HeapAlloc / (1 << 20),
		"goroutines":     runtime.NumGoroutine(),
	})
}

type queryRequest struct {
	ICCID string `json:"iccid"`
}

func (s *Server) querySim(w http.ResponseWriter, r *http.Request) {
	iccid := r.URL.Query().Get("iccid")
	if iccid == "" && r.Body != nil {
		var req queryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
			iccid = req.ICCID
		}
	}

	result, err := s.querier.Query(r.Context(), iccid)
	if err != nil {
		s.writeQueryError(w, iccid, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) resetFailures(w http.ResponseWriter, r *http.Request) {
	iccid := chi.URLParam(r, "iccid")
	if err := simquery.CheckICCID(iccid); err != nil {
		s.writeQueryError(w, iccid, err)
		return
	}
	dropped := s.querier.ResetFailures(iccid)
	s.logger.Info("failure counter reset",
		zap.String("iccid", iccid),
		zap.Int("dropped", dropped),
	)
	writeJSON(w, http.StatusOK, map[string]any{"iccid": iccid, "dropped": dropped})
}

// statusFor maps a failure classification to an HTTP status. Input problems
// and remote rejection are caller errors, denial is throttling, missing data
// is a miss; everything else is an upstream or infrastructure failure.
func statusFor(kind simquery.Kind) int {
	switch kind {
	case simquery.KindInvalidInput, simquery.KindRemoteRejected:
		return http.StatusBadRequest
	case simquery.KindDenied:
		return http.StatusTooManyRequests
	case simquery.KindNoData:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeQueryError(w http.ResponseWriter, iccid string, err error) {
	kind := simquery.KindOf(err)
	status := statusFor(kind)
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "600")
	}
	s.logger.Warn("request rejected",
		zap.String("iccid", iccid),
		zap.String("kind", string(kind)),
		zap.Int("status", status),
		zap.Error(err),
	)
	writeJSON(w, status, errorBody{
		Error:      string(kind),
		Suggestion: simquery.SuggestionOf(err),
		Details:    err.Error(),
	})
}

type errorBody struct {
	Error      string `json:"error"`
	Suggestion string `json:"suggestion"`
	Details    string `json:"details,omitempty"`
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			metrics.CountHTTPRequest(r.Method, strconv.Itoa(ww.status))
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeJSON(w, http.StatusInternalServerError, errorBody{
						Error:      "internal",
						Suggestion: "retry in a few minutes",
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	if d <= 0 {
		d = 180 * time.Second
	}
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

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
