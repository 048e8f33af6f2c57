// Package api serves the REST interface over the nhi service layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/qualys/nhi/internal/auth"
	"github.com/qualys/nhi/internal/config"
	"github.com/qualys/nhi/internal/metrics"
	"github.com/qualys/nhi/internal/nhi"
)

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	cfg    config.ServerConfig
	router *chi.Mux
	http   *http.Server
	logger *slog.Logger

	nhi         *nhi.Service
	authService *auth.Service
	ready       []Pinger
}

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithReadiness adds a dependency checked by /ready.
func WithReadiness(p Pinger) ServerOption {
	return func(s *Server) {
		s.ready = append(s.ready, p)
	}
}

func NewServer(cfg config.ServerConfig, svc *nhi.Service, authService *auth.Service, opts ...ServerOption) *Server {
	s := &Server{
		cfg:         cfg,
		router:      chi.NewRouter(),
		logger:      slog.Default(),
		nhi:         svc,
		authService: authService,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.http = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(metrics.Middleware)
	s.router.Use(s.corsMiddleware())
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) corsMiddleware() func(http.Handler) http.Handler {
	allowOrigin := s.cfg.CORSAllowOrigin
	if allowOrigin == "" {
		allowOrigin = "*"
		s.logger.Warn("CORS Allow-Origin set to '*', configure server.cors_allow_origin in production")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type")
			w.Header().Set("Access-Control-Allow-Credentials", "true")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.healthCheck)
	s.router.Get("/ready", s.readyCheck)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", s.login)
		r.Post("/auth/refresh", s.refresh)

		r.Group(func(r chi.Router) {
			r.Use(s.authService.Middleware)

			r.Post("/auth/logout", s.logout)
			r.Get("/auth/me", s.getCurrentUser)

			r.Route("/connections", func(r chi.Router) {
				r.Get("/", s.listConnections)
				r.Post("/", s.createConnection)
			})

			r.Route("/sources/{sourceID}", func(r chi.Router) {
				r.Get("/", s.getSource)
				r.Patch("/", s.updateSource)
				r.Delete("/", s.deleteSource)
				r.Get("/scans", s.listScans)
				r.Post("/scans", s.triggerScan)
			})

			r.Get("/scans/{scanID}", s.getScan)

			r.Route("/projects/{projectID}", func(r chi.Router) {
				r.Get("/sources", s.listSources)
				r.Post("/sources", s.createSource)

				r.Get("/stats", s.getStats)
				r.Get("/reports/identities", s.identityReport)
				r.Get("/policy-executions", s.listRecentExecutions)
				r.Get("/remediations/{actionID}", s.getRemediation)
				r.Get("/notification-settings", s.getNotificationSettings)
				r.Put("/notification-settings", s.updateNotificationSettings)

				r.Route("/identities", func(r chi.Router) {
					r.Get("/", s.listIdentities)
					r.Route("/{identityID}", func(r chi.Router) {
						r.Get("/", s.getIdentity)
						r.Patch("/", s.updateIdentity)
						r.Post("/accept-risk", s.acceptRisk)
						r.Delete("/accept-risk", s.revokeRiskAcceptance)
						r.Get("/recommended-actions", s.recommendedActions)
						r.Get("/remediations", s.listRemediations)
						r.Post("/remediations", s.executeRemediation)
					})
				})

				r.Route("/policies", func(r chi.Router) {
					r.Get("/", s.listPolicies)
					r.Post("/", s.createPolicy)
					r.Get("/{policyID}", s.getPolicy)
					r.Put("/{policyID}", s.updatePolicy)
					r.Delete("/{policyID}", s.deletePolicy)
					r.Get("/{policyID}/executions", s.listPolicyExecutions)
				})
			})
		})
	})
}

func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *apiError   `json:"error,omitempty"`
	Meta    *apiMeta    `json:"meta,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiMeta struct {
	Total  int `json:"total"`
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
	})
}

func respondJSONWithMeta(w http.ResponseWriter, status int, data interface{}, meta *apiMeta) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
		Meta:    meta,
	})
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: false,
		Error: &apiError{
			Code:    code,
			Message: message,
		},
	})
}

// respondServiceError maps service layer errors onto HTTP statuses.
func (s *Server) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrForbidden):
		respondError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, nhi.ErrNotFound):
		respondError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, nhi.ErrInvalidInput):
		respondError(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, nhi.ErrScanAlreadyQueued):
		respondError(w, http.StatusConflict, "scan_already_queued", err.Error())
	default:
		s.logger.Error("request failed",
			"method", r.Method, "path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()), "error", err)
		respondError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

func (s *Server) readyCheck(w http.ResponseWriter, r *http.Request) {
	for _, p := range s.ready {
		if err := p.Ping(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", "error", err)
			respondError(w, http.StatusServiceUnavailable, "unavailable", "dependency not available")
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
