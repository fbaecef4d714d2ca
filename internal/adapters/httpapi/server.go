// Package httpapi exposes the analysis, sandbox, quarantine, incident and
// reputation operations over an authenticated JSON API.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/nathan/mailsentry/internal/config"
	"github.com/nathan/mailsentry/internal/incident"
	"github.com/nathan/mailsentry/internal/pipeline"
	"github.com/nathan/mailsentry/internal/quarantine"
	"github.com/nathan/mailsentry/internal/reputation"
	"github.com/nathan/mailsentry/internal/sandbox"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server represents the HTTP API server
type Server struct {
	cfg        config.ServerConfig
	pipeline   *pipeline.Service
	sandbox    *sandbox.Orchestrator
	quarantine *quarantine.Manager
	incidents  *incident.Engine
	reputation *reputation.Service
	logger     *zap.Logger
	server     *http.Server
}

// New creates a new HTTP API server
func New(
	cfg config.ServerConfig,
	pipelineSvc *pipeline.Service,
	sandboxSvc *sandbox.Orchestrator,
	quarantineSvc *quarantine.Manager,
	incidentSvc *incident.Engine,
	reputationSvc *reputation.Service,
	logger *zap.Logger,
) (*Server, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for HTTP API server")
	}

	return &Server{
		cfg:        cfg,
		pipeline:   pipelineSvc,
		sandbox:    sandboxSvc,
		quarantine: quarantineSvc,
		incidents:  incidentSvc,
		reputation: reputationSvc,
		logger:     logger,
	}, nil
}

// Start runs the server until the context is cancelled
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:         s.cfg.ListenAddress,
		Handler:      router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		s.logger.Info("Shutting down HTTP API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Error shutting down HTTP API server", zap.Error(err))
		}
	}()

	s.logger.Info("Starting HTTP API server", zap.String("address", s.cfg.ListenAddress))
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// setupRoutes configures all HTTP routes and middleware
func (s *Server) setupRoutes() *mux.Router {
	router := mux.NewRouter()

	// Unauthenticated operational endpoints
	router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.loggingMiddleware)
	v1.Use(s.authMiddleware)

	v1.HandleFunc("/emails/analyze", s.handleAnalyzeEmail).Methods("POST")
	v1.HandleFunc("/analyses/{email_id}", s.handleGetAnalysis).Methods("GET")

	v1.HandleFunc("/sandbox/submit", s.handleSandboxSubmit).Methods("POST")
	v1.HandleFunc("/sandbox/{analysis_id}", s.handleSandboxStatus).Methods("GET")
	v1.HandleFunc("/sandbox/{analysis_id}", s.handleSandboxCancel).Methods("DELETE")

	v1.HandleFunc("/quarantine", s.handleQuarantineList).Methods("GET")
	v1.HandleFunc("/quarantine/bulk", s.handleQuarantineBulk).Methods("POST")
	v1.HandleFunc("/quarantine/{id}", s.handleQuarantineGet).Methods("GET")
	v1.HandleFunc("/quarantine/{id}/action", s.handleQuarantineAction).Methods("POST")

	v1.HandleFunc("/incidents", s.handleIncidentList).Methods("GET")
	v1.HandleFunc("/incidents/{id}", s.handleIncidentGet).Methods("GET")
	v1.HandleFunc("/incidents/{id}/assign", s.handleIncidentAssign).Methods("POST")
	v1.HandleFunc("/incidents/{id}/resolve", s.handleIncidentResolve).Methods("POST")

	v1.HandleFunc("/reputation/{domain}", s.handleReputationGet).Methods("GET")
	v1.HandleFunc("/reputation/{domain}/history", s.handleReputationHistory).Methods("GET")

	return router
}

// Middleware functions

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("HTTP API request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote", r.RemoteAddr),
			zap.Duration("duration", time.Since(start)))
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(s.cfg.APIKey)) != 1 {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Utility functions

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
