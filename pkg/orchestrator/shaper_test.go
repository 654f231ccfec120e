package orchestrator

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cordonlabs/cordon/pkg/types"
)

func TestShapeSuccess(t *testing.T) {
	res := shape(types.ModeIsolated, "corr-1", &types.SandboxResult{
		Stdout:          "out",
		ExitCode:        0,
		ExecutionTimeMs: 12,
	}, nil, nil, nil)

	require.True(t, res.Success)
	require.NotNil(t, res.Data)
	assert.Equal(t, "out", res.Data.Stdout)
	assert.Equal(t, int64(12), res.Data.ExecutionTimeMs)
	assert.Nil(t, res.Error)
}

func TestShapePayloadFailuresAreSuccess(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		exitCode int
	}{
		{"timeout", types.ErrTimeout, types.ExitCodeTimeout},
		{"out of memory", types.ErrOutOfMemory, types.ExitCodeOutOfMemory},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := shape(types.ModeIsolated, "corr-1",
				&types.SandboxResult{ExitCode: tt.exitCode}, nil, nil, tt.err)

			require.True(t, res.Success, "payload failures carry through the data block")
			assert.Equal(t, tt.exitCode, res.Data.ExitCode)
		})
	}
}

func TestShapeInfrastructureFailuresAreErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind types.ErrorKind
	}{
		{"bad request", types.ErrBadRequest, types.ErrKindBadRequest},
		{"backend unavailable", types.ErrBackendUnavailable, types.ErrKindBackendUnavailable},
		{"queue full", types.ErrQueueFull, types.ErrKindQueueFull},
		{"wrapped", fmt.Errorf("context: %w", types.ErrQueueFull), types.ErrKindQueueFull},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := shape(types.ModeIsolated, "corr-1", nil, nil, nil, tt.err)

			require.False(t, res.Success)
			require.NotNil(t, res.Error)
			assert.Equal(t, tt.kind, res.Error.Kind)
			assert.Nil(t, res.Data)
			assert.Empty(t, res.Error.CorrelationID, "only internal errors carry a correlation id")
		})
	}
}

func TestShapeInternalErrorCarriesCorrelationID(t *testing.T) {
	res := shape(types.ModeIsolated, "corr-42", nil, nil, nil, errors.New("unexpected"))

	require.False(t, res.Success)
	assert.Equal(t, types.ErrKindInternal, res.Error.Kind)
	assert.Equal(t, "corr-42", res.Error.CorrelationID)
}

func TestShapeStartFailedWithoutResult(t *testing.T) {
	// StartFailed does not surface as an error kind, but with no sandbox
	// result there is nothing to report in a data block either.
	res := shape(types.ModeIsolated, "corr-1", nil, nil, nil, types.ErrStartFailed)

	require.False(t, res.Success)
	assert.Equal(t, types.ErrKindStartFailed, res.Error.Kind)
}

func TestShapeCarriesAuditAndPolicy(t *testing.T) {
	audit := []types.AuditEntry{{Hostname: "api.example.com", Blocked: true}}
	pinfo := &types.PolicyInfo{Source: "caller", AllowedDomains: []string{"api.example.com"}}

	res := shape(types.ModeIsolatedProxiedPolicied, "corr-1",
		&types.SandboxResult{ExitCode: 0}, audit, pinfo, nil)

	require.True(t, res.Success)
	assert.Equal(t, audit, res.Data.NetworkLog)
	assert.Equal(t, pinfo, res.Data.PolicyInfo)
}
