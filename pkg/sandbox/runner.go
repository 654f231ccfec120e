package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/cordonlabs/cordon/pkg/log"
	"github.com/cordonlabs/cordon/pkg/metrics"
	"github.com/cordonlabs/cordon/pkg/runtime"
	"github.com/cordonlabs/cordon/pkg/types"
)

// ExecRequest is one payload handed to a runner
type ExecRequest struct {
	ExecutionID string

	// Payload is the script text; it becomes /sandbox/payload.js.
	Payload string

	// Env is the complete environment the payload sees. The runner adds
	// proxy variables when ProxyEndpoint is set, nothing else.
	Env map[string]string

	Mode   types.ExecutionMode
	Limits types.Limits

	// ProxyEndpoint is the host:port of the egress proxy for proxied modes.
	ProxyEndpoint string
}

// Runner executes payloads in one isolation backend
type Runner interface {
	// IsAvailable reports whether the backend is usable on this host.
	IsAvailable(ctx context.Context) bool

	// Execute runs one payload. For Timeout, OutOfMemory and payload
	// crashes the result is populated alongside the classifying error;
	// for start failures the result is nil.
	Execute(ctx context.Context, req ExecRequest) (*types.SandboxResult, error)
}

// Ledger records live execution ids so the startup sweep can identify
// orphans from prior crashes
type Ledger interface {
	MarkStarted(id string) error
	MarkFinished(id string) error
	ActiveIDs() ([]string, error)
}

// Config holds container runner configuration
type Config struct {
	Image       string
	WorkDirRoot string

	// NetnsPath is the operator-provisioned restricted network namespace
	// attached in proxied modes. Its egress ACL must admit only the proxy
	// endpoint.
	NetnsPath string

	// NodePath is the payload interpreter inside the image.
	NodePath string

	MaxConcurrent int
	QueueDepth    int
	QueueWait     time.Duration

	// StreamCap caps each output stream; 0 means DefaultStreamCap.
	StreamCap int
}

// ContainerRunner executes payloads in disposable containerd containers
type ContainerRunner struct {
	rt     *runtime.ContainerdRuntime
	cfg    Config
	lim    *limiter
	ledger Ledger
	logger zerolog.Logger
}

// NewContainerRunner creates a container-backed runner. The ledger is
// optional; without it the sweep relies on name prefixes alone.
func NewContainerRunner(rt *runtime.ContainerdRuntime, cfg Config, ledger Ledger) *ContainerRunner {
	if cfg.NodePath == "" {
		cfg.NodePath = "/nodejs/bin/node"
	}
	if cfg.QueueWait <= 0 {
		cfg.QueueWait = 5 * time.Second
	}
	return &ContainerRunner{
		rt:     rt,
		cfg:    cfg,
		lim:    newLimiter(cfg.MaxConcurrent, cfg.QueueDepth, cfg.QueueWait),
		ledger: ledger,
		logger: log.WithComponent("sandbox"),
	}
}

// IsAvailable probes the containerd backend
func (r *ContainerRunner) IsAvailable(ctx context.Context) bool {
	return r.rt.IsAvailable(ctx)
}

// Execute runs one payload in a fresh container. Working directory,
// container and snapshot are destroyed on every exit path.
func (r *ContainerRunner) Execute(ctx context.Context, req ExecRequest) (*types.SandboxResult, error) {
	if req.Mode == types.ModeDirect {
		return nil, fmt.Errorf("%w: container runner cannot run direct mode", types.ErrBadRequest)
	}

	release, err := r.lim.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	if r.ledger != nil {
		if err := r.ledger.MarkStarted(req.ExecutionID); err != nil {
			r.logger.Warn().Err(err).Str("execution_id", req.ExecutionID).Msg("ledger mark-started failed")
		}
		defer func() {
			if err := r.ledger.MarkFinished(req.ExecutionID); err != nil {
				r.logger.Warn().Err(err).Str("execution_id", req.ExecutionID).Msg("ledger mark-finished failed")
			}
		}()
	}

	workDir, err := createWorkDir(r.cfg.WorkDirRoot, req.ExecutionID, req.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrStartFailed, err)
	}
	defer removeWorkDir(workDir)

	stdout := newCappedBuffer(r.cfg.StreamCap)
	stderr := newCappedBuffer(r.cfg.StreamCap)

	netns := ""
	if req.Mode.Proxied() {
		netns = r.cfg.NetnsPath
	}

	spec := runtime.SandboxSpec{
		ID:        types.ResourcePrefix + req.ExecutionID,
		Image:     r.cfg.Image,
		Command:   []string{r.cfg.NodePath, runtime.PayloadMountPath + "/" + payloadFileName},
		Env:       buildEnv(req),
		WorkDir:   workDir,
		Limits:    req.Limits,
		NetnsPath: netns,
		Stdout:    stdout,
		Stderr:    stderr,
	}

	start := time.Now()
	exitCode, runErr := r.rt.RunSandbox(ctx, spec)
	elapsed := time.Since(start).Milliseconds()

	result := &types.SandboxResult{
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		ExitCode:        exitCode,
		ExecutionTimeMs: elapsed,
	}

	switch {
	case runErr == nil:
		return result, nil
	case errors.Is(runErr, types.ErrTimeout), errors.Is(runErr, types.ErrOutOfMemory):
		return result, runErr
	case errors.Is(runErr, context.Canceled), errors.Is(runErr, context.DeadlineExceeded):
		result.ExitCode = types.ExitCodeTimeout
		return result, types.ErrTimeout
	default:
		return nil, runErr
	}
}

// ReclaimOrphans removes sandbox containers and working directories left
// behind by prior crashes. Runs once at process startup.
func (r *ContainerRunner) ReclaimOrphans(ctx context.Context) (int, error) {
	removed := 0

	ids, err := r.rt.ListSandboxIDs(ctx)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := r.rt.RemoveSandbox(ctx, id); err != nil {
			r.logger.Warn().Err(err).Str("sandbox_id", id).Msg("failed to reclaim orphan container")
			continue
		}
		removed++
	}

	dirs, err := sweepWorkDirs(r.cfg.WorkDirRoot)
	if err != nil {
		return removed, err
	}
	removed += dirs

	if r.ledger != nil {
		stale, err := r.ledger.ActiveIDs()
		if err != nil {
			r.logger.Warn().Err(err).Msg("failed to read ledger active set")
		} else {
			for _, id := range stale {
				if err := r.ledger.MarkFinished(id); err != nil {
					r.logger.Warn().Err(err).Str("execution_id", id).Msg("failed to clear stale ledger entry")
				}
			}
		}
	}

	if removed > 0 {
		metrics.SandboxesReclaimed.Add(float64(removed))
		r.logger.Info().Int("count", removed).Msg("reclaimed orphaned sandbox resources")
	}
	return removed, nil
}

// buildEnv flattens the request environment plus proxy variables into the
// form the OCI spec expects. Sorted for determinism.
func buildEnv(req ExecRequest) []string {
	env := make([]string, 0, len(req.Env)+3)
	for k, v := range req.Env {
		env = append(env, k+"="+v)
	}
	if req.ProxyEndpoint != "" {
		env = append(env,
			"HTTP_PROXY=http://"+req.ProxyEndpoint,
			"HTTPS_PROXY=http://"+req.ProxyEndpoint,
			"NO_PROXY=localhost,127.0.0.1",
		)
	}
	sort.Strings(env)
	return env
}
