package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cordonlabs/cordon/pkg/config"
	"github.com/cordonlabs/cordon/pkg/health"
	"github.com/cordonlabs/cordon/pkg/orchestrator"
	"github.com/cordonlabs/cordon/pkg/sandbox"
	"github.com/cordonlabs/cordon/pkg/types"
)

type stubRunner struct {
	got sandbox.ExecRequest
}

func (s *stubRunner) IsAvailable(context.Context) bool { return true }

func (s *stubRunner) Execute(_ context.Context, req sandbox.ExecRequest) (*types.SandboxResult, error) {
	s.got = req
	return &types.SandboxResult{Stdout: "ok", ExitCode: 0}, nil
}

func testServer(t *testing.T) (*Server, *stubRunner) {
	t.Helper()
	cfg := config.Default()
	cfg.ExecutionMode = string(types.ModeIsolated)
	runner := &stubRunner{}
	orch := orchestrator.New(cfg, runner, nil)
	checks := health.NewRegistry(&health.FuncChecker{
		CheckName: "backend",
		Probe:     func(context.Context) error { return nil },
	})
	return NewServer(orch, checks), runner
}

func TestExecuteEndpoint(t *testing.T) {
	srv, _ := testServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/execute",
		strings.NewReader(`{"payload":"console.log(1)"}`))
	w := httptest.NewRecorder()
	srv.httpSrv.Handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"success":true`)
	assert.Contains(t, w.Body.String(), `"stdout":"ok"`)
}

func TestExecuteEndpointBadJSON(t *testing.T) {
	srv, _ := testServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/execute", strings.NewReader("{nope"))
	w := httptest.NewRecorder()
	srv.httpSrv.Handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExecuteEndpointBadRequestShape(t *testing.T) {
	srv, _ := testServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/execute", strings.NewReader(`{"payload":""}`))
	w := httptest.NewRecorder()
	srv.httpSrv.Handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `"success":false`)
	assert.Contains(t, w.Body.String(), string(types.ErrKindBadRequest))
}

func TestExecuteEndpointMethodNotAllowed(t *testing.T) {
	srv, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/execute", nil)
	w := httptest.NewRecorder()
	srv.httpSrv.Handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHealthzEndpoint(t *testing.T) {
	srv, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.httpSrv.Handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"healthy":true`)
}

func TestHealthzUnhealthy(t *testing.T) {
	cfg := config.Default()
	cfg.ExecutionMode = string(types.ModeIsolated)
	orch := orchestrator.New(cfg, &stubRunner{}, nil)
	checks := health.NewRegistry(&health.FuncChecker{
		CheckName: "backend",
		Probe:     func(context.Context) error { return types.ErrBackendUnavailable },
	})
	srv := NewServer(orch, checks)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.httpSrv.Handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	srv.httpSrv.Handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "cordon_")
}
