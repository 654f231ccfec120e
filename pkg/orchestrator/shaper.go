package orchestrator

import (
	"github.com/cordonlabs/cordon/pkg/types"
)

// shape funnels every execution outcome into the single response shape.
// Payload-level failures (crashes, timeouts, memory kills) are successful
// executions whose exit code carries the story; only infrastructure
// failures surface as errors.
func shape(mode types.ExecutionMode, correlationID string, sres *types.SandboxResult, audit []types.AuditEntry, pinfo *types.PolicyInfo, err error) *types.ExecutionResult {
	if err != nil {
		kind := types.KindOf(err)
		if types.KindSurfacesAsError(kind) || sres == nil {
			e := &types.ExecutionError{
				Message: err.Error(),
				Kind:    kind,
			}
			if kind == types.ErrKindInternal {
				e.CorrelationID = correlationID
			}
			return &types.ExecutionResult{Success: false, Error: e}
		}
	}

	data := &types.ExecutionData{
		ExecutionMode: string(mode),
		NetworkLog:    audit,
		PolicyInfo:    pinfo,
	}
	if sres != nil {
		data.Stdout = sres.Stdout
		data.Stderr = sres.Stderr
		data.ExitCode = sres.ExitCode
		data.ExecutionTimeMs = sres.ExecutionTimeMs
	}
	return &types.ExecutionResult{Success: true, Data: data}
}
