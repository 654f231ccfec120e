package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/cordonlabs/cordon/pkg/log"
	"github.com/cordonlabs/cordon/pkg/types"
)

// DirectRunner executes payloads as plain host processes. No isolation
// beyond a scrubbed environment and the wall-clock limit; only for
// operator-trusted payloads.
type DirectRunner struct {
	nodePath    string
	workDirRoot string
	streamCap   int
	logger      zerolog.Logger
}

// NewDirectRunner creates a host-process runner. nodePath empty means
// "node" resolved on PATH.
func NewDirectRunner(nodePath, workDirRoot string, streamCap int) *DirectRunner {
	if nodePath == "" {
		nodePath = "node"
	}
	return &DirectRunner{
		nodePath:    nodePath,
		workDirRoot: workDirRoot,
		streamCap:   streamCap,
		logger:      log.WithComponent("sandbox"),
	}
}

// IsAvailable reports whether the interpreter resolves on this host
func (r *DirectRunner) IsAvailable(_ context.Context) bool {
	_, err := exec.LookPath(r.nodePath)
	return err == nil
}

// Execute runs the payload as a child process. The environment is built
// from scratch; nothing from the executor's own environment leaks in.
func (r *DirectRunner) Execute(ctx context.Context, req ExecRequest) (*types.SandboxResult, error) {
	if req.Mode != types.ModeDirect {
		return nil, fmt.Errorf("%w: direct runner only runs direct mode", types.ErrBadRequest)
	}

	workDir, err := createWorkDir(r.workDirRoot, req.ExecutionID, req.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrStartFailed, err)
	}
	defer removeWorkDir(workDir)

	wall := time.Duration(req.Limits.WallClockMs) * time.Millisecond
	runCtx, cancel := context.WithTimeout(ctx, wall)
	defer cancel()

	stdout := newCappedBuffer(r.streamCap)
	stderr := newCappedBuffer(r.streamCap)

	cmd := exec.CommandContext(runCtx, r.nodePath, filepath.Join(workDir, payloadFileName))
	cmd.Dir = workDir
	cmd.Env = append([]string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + workDir,
	}, buildEnv(req)...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = 3 * time.Second

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start).Milliseconds()

	result := &types.SandboxResult{
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		ExecutionTimeMs: elapsed,
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		result.ExitCode = types.ExitCodeTimeout
		return result, types.ErrTimeout
	}

	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
		return result, nil
	case errors.As(runErr, &exitErr):
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	default:
		return nil, fmt.Errorf("%w: %v", types.ErrStartFailed, runErr)
	}
}
