// Package api exposes the executor over HTTP: execution submission,
// health and metrics.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cordonlabs/cordon/pkg/health"
	"github.com/cordonlabs/cordon/pkg/log"
	"github.com/cordonlabs/cordon/pkg/metrics"
	"github.com/cordonlabs/cordon/pkg/orchestrator"
	"github.com/cordonlabs/cordon/pkg/types"
)

// maxRequestBody caps a submitted execution request (4 MiB)
const maxRequestBody = 4 << 20

// Server is the HTTP front of the executor
type Server struct {
	orch    *orchestrator.Orchestrator
	checks  *health.Registry
	httpSrv *http.Server
	logger  zerolog.Logger
}

// NewServer creates an API server
func NewServer(orch *orchestrator.Orchestrator, checks *health.Registry) *Server {
	s := &Server{
		orch:   orch,
		checks: checks,
		logger: log.WithComponent("api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/execute", s.handleExecute)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", metrics.Handler())

	s.httpSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start listens on addr and serves until Stop. Blocks.
func (s *Server) Start(addr string) error {
	s.httpSrv.Addr = addr
	s.logger.Info().Str("addr", addr).Msg("api listening")
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}

// Stop drains in-flight requests
func (s *Server) Stop(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req types.ExecutionRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	// The bearer token doubles as the policy-resolution credential.
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		req.CallerToken = strings.TrimPrefix(auth, "Bearer ")
	}

	result := s.orch.Execute(r.Context(), &req)

	status := http.StatusOK
	if !result.Success && result.Error != nil && result.Error.Kind == types.ErrKindBadRequest {
		status = http.StatusBadRequest
	}
	s.writeJSON(w, r, status, result)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	healthy, results := s.checks.Check(ctx)
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, r, status, map[string]any{
		"healthy": healthy,
		"checks":  results,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	metrics.APIRequestsTotal.WithLabelValues(r.URL.Path, strconv.Itoa(status)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("failed to write response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	s.writeJSON(w, r, status, map[string]string{"error": msg})
}
