// Package server implements the HTTP search API over the translated QA
// dataset: JWT-authenticated search, filtering, CSV export, statistics and
// the investment analysis endpoints.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/conversa-dev/conversa/store"
)

// Server wires the stores, token service and analysis index behind the
// HTTP router.
type Server struct {
	qa       store.QAStore
	users    store.UserStore
	tokens   *TokenService
	analysis *AnalysisIndex
	logger   *slog.Logger
	metrics  *Metrics
}

// New builds a Server. analysis may be nil when no analysis directory is
// configured; the investment endpoints then report 404.
func New(qa store.QAStore, users store.UserStore, tokens *TokenService, analysis *AnalysisIndex, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		qa:       qa,
		users:    users,
		tokens:   tokens,
		analysis: analysis,
		logger:   logger,
		metrics:  NewMetrics(),
	}
}

// Router assembles the chi router with all middleware and routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)

			r.Get("/auth/verify", s.handleVerify)
			r.Get("/search", s.handleSearch)
			r.Get("/qa/{id}", s.handleGetPair)
			r.Get("/filters", s.handleFilters)
			r.Get("/conversations", s.handleConversations)
			r.Get("/export", s.handleExport)
			r.Get("/stats", s.handleStats)

			r.Get("/investment-analysis", s.handleInvestmentSearch)
			r.Get("/investment-analysis/filters", s.handleInvestmentFilters)
			r.Get("/investment-analysis/stats", s.handleInvestmentStats)
		})

		r.Get("/health", s.handleHealth)
	})

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}))

	return r
}

// ListenAndServe runs the server until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	s.logger.Info("server listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// ============================================================================
// Middleware
// ============================================================================

type ctxKey string

const requestIDKey ctxKey = "request_id"

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		elapsed := time.Since(start)
		id, _ := r.Context().Value(requestIDKey).(string)
		s.logger.Info("request",
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", elapsed.Milliseconds())

		// Label by route pattern so /api/qa/{id} stays one series
		// instead of one per ID.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		s.metrics.ObserveRequest(r.Method, path, ww.Status(), elapsed)
	})
}

// ============================================================================
// Response helpers
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
