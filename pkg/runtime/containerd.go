package runtime

import (
	"context"
	"fmt"
	"io"
	"strings"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"

	"github.com/cordonlabs/cordon/pkg/log"
	"github.com/cordonlabs/cordon/pkg/types"
)

const (
	// DefaultNamespace is the containerd namespace for sandbox containers
	DefaultNamespace = "cordon"

	// DefaultSocketPath is the default containerd socket
	DefaultSocketPath = "/run/containerd/containerd.sock"

	// PayloadMountPath is where the execution working directory appears
	// inside the sandbox, read-only.
	PayloadMountPath = "/sandbox"

	// ScratchMountPath is the only writable path inside the sandbox.
	ScratchMountPath = "/tmp"

	// scratchSizeBytes caps the tmpfs scratch area.
	scratchSizeBytes = 64 * 1024 * 1024

	// killGracePeriod is how long a terminate signal gets before force-kill.
	killGracePeriod = 3 * time.Second

	// cfsPeriodUs is the CFS scheduler period used for CPU quotas.
	cfsPeriodUs = 100_000
)

// forbiddenImagePaths are binaries a payload image must not contain. The
// isolation claim rests on the image being runtime-only; startup fails when
// the invariant is violated.
var forbiddenImagePaths = []string{
	"/bin/sh",
	"/bin/bash",
	"/usr/bin/apt",
	"/usr/bin/apt-get",
	"/usr/bin/apk",
	"/usr/bin/curl",
	"/usr/bin/wget",
	"/usr/bin/nc",
}

// SandboxSpec describes one disposable sandbox container
type SandboxSpec struct {
	// ID names the container; must carry types.ResourcePrefix for the sweep.
	ID string

	Image string

	// Command overrides the image entrypoint.
	Command []string

	// Env is the complete environment visible inside the sandbox.
	Env []string

	// WorkDir is bind-mounted read-only at PayloadMountPath.
	WorkDir string

	Limits types.Limits

	// NetnsPath attaches the sandbox to a pre-provisioned network namespace
	// whose egress ACL admits only the proxy endpoint. Empty means no
	// network beyond loopback.
	NetnsPath string

	// Stdout and Stderr receive the payload's output streams.
	Stdout io.Writer
	Stderr io.Writer
}

// ContainerdRuntime is the single narrow adapter to the isolation backend
type ContainerdRuntime struct {
	client    *containerd.Client
	namespace string
	logger    zerolog.Logger
}

// NewContainerdRuntime connects to containerd
func NewContainerdRuntime(socketPath string) (*ContainerdRuntime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrBackendUnavailable, err)
	}

	return &ContainerdRuntime{
		client:    client,
		namespace: DefaultNamespace,
		logger:    log.WithComponent("runtime"),
	}, nil
}

// Close closes the containerd client connection
func (r *ContainerdRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// IsAvailable reports whether the backend answers health probes
func (r *ContainerdRuntime) IsAvailable(ctx context.Context) bool {
	if r.client == nil {
		return false
	}
	serving, err := r.client.IsServing(ctx)
	return err == nil && serving
}

// PullImage pulls the sandbox image, retrying once with backoff on failure
func (r *ContainerdRuntime) PullImage(ctx context.Context, imageRef string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	_, err := r.client.Pull(ctx, imageRef, containerd.WithPullUnpack)
	if err == nil {
		return nil
	}

	r.logger.Warn().
		Err(err).
		Str("image", imageRef).
		Msg("image pull failed, retrying once")

	select {
	case <-time.After(2 * time.Second):
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", types.ErrImagePullFailed, ctx.Err())
	}

	if _, err := r.client.Pull(ctx, imageRef, containerd.WithPullUnpack); err != nil {
		return fmt.Errorf("%w: %v", types.ErrImagePullFailed, err)
	}
	return nil
}

// VerifyImageInvariants fails when the sandbox image carries a shell,
// package manager, or generic network utility. Runs once at startup.
func (r *ContainerdRuntime) VerifyImageInvariants(ctx context.Context, imageRef string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	image, err := r.client.GetImage(ctx, imageRef)
	if err != nil {
		return fmt.Errorf("failed to inspect image %s: %w", imageRef, err)
	}

	diffIDs, err := image.RootFS(ctx)
	if err != nil {
		return fmt.Errorf("failed to read image rootfs: %w", err)
	}
	if len(diffIDs) == 0 {
		return fmt.Errorf("image %s has no layers", imageRef)
	}

	// Walk the unpacked snapshot through the content store manifest: list
	// layer file names and refuse known tool paths.
	paths, err := r.imagePaths(ctx, image)
	if err != nil {
		return fmt.Errorf("failed to enumerate image contents: %w", err)
	}
	for _, forbidden := range forbiddenImagePaths {
		if _, ok := paths[strings.TrimPrefix(forbidden, "/")]; ok {
			return fmt.Errorf("image %s violates the runtime-only invariant: contains %s", imageRef, forbidden)
		}
	}
	return nil
}

// RunSandbox executes one payload: create, start, wait with deadline,
// collect exit status, destroy. The container and its snapshot are removed
// on every exit path.
func (r *ContainerdRuntime) RunSandbox(ctx context.Context, spec SandboxSpec) (exitCode int, err error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	image, err := r.client.GetImage(ctx, spec.Image)
	if err != nil {
		return 0, fmt.Errorf("%w: image %s not present: %v", types.ErrStartFailed, spec.Image, err)
	}

	container, err := r.client.NewContainer(
		ctx,
		spec.ID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.ID+"-snapshot", image),
		containerd.WithNewSpec(r.sandboxSpecOpts(image, spec)...),
	)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to create container: %v", types.ErrStartFailed, err)
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(namespaces.WithNamespace(context.WithoutCancel(ctx), r.namespace), 30*time.Second)
		defer cancel()
		if derr := container.Delete(cleanupCtx, containerd.WithSnapshotCleanup); derr != nil {
			r.logger.Error().
				Err(derr).
				Str("sandbox_id", spec.ID).
				Msg("failed to delete sandbox container")
		}
	}()

	task, err := container.NewTask(ctx, cio.NewCreator(cio.WithStreams(nil, spec.Stdout, spec.Stderr)))
	if err != nil {
		return 0, fmt.Errorf("%w: failed to create task: %v", types.ErrStartFailed, err)
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(namespaces.WithNamespace(context.WithoutCancel(ctx), r.namespace), 30*time.Second)
		defer cancel()
		if _, derr := task.Delete(cleanupCtx, containerd.WithProcessKill); derr != nil {
			r.logger.Error().
				Err(derr).
				Str("sandbox_id", spec.ID).
				Msg("failed to delete sandbox task")
		}
	}()

	statusC, err := task.Wait(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to wait on task: %v", types.ErrStartFailed, err)
	}

	if err := task.Start(ctx); err != nil {
		return 0, fmt.Errorf("%w: failed to start task: %v", types.ErrStartFailed, err)
	}

	deadline := time.Duration(spec.Limits.WallClockMs) * time.Millisecond
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case status := <-statusC:
		code, _, werr := status.Result()
		if werr != nil {
			return 0, fmt.Errorf("task wait failed: %w", werr)
		}
		if int(code) == types.ExitCodeOutOfMemory {
			return types.ExitCodeOutOfMemory, types.ErrOutOfMemory
		}
		return int(code), nil

	case <-timer.C:
		r.killTask(ctx, task, spec.ID)
		return types.ExitCodeTimeout, types.ErrTimeout

	case <-ctx.Done():
		r.killTask(ctx, task, spec.ID)
		return types.ExitCodeTimeout, ctx.Err()
	}
}

// killTask sends SIGTERM, waits the grace period, then SIGKILLs
func (r *ContainerdRuntime) killTask(ctx context.Context, task containerd.Task, id string) {
	ctx = namespaces.WithNamespace(context.WithoutCancel(ctx), r.namespace)

	if err := task.Kill(ctx, syscall.SIGTERM); err != nil {
		r.logger.Debug().Err(err).Str("sandbox_id", id).Msg("SIGTERM failed")
	}

	waitCtx, cancel := context.WithTimeout(ctx, killGracePeriod)
	defer cancel()
	statusC, err := task.Wait(waitCtx)
	if err == nil {
		select {
		case <-statusC:
			return
		case <-waitCtx.Done():
		}
	}

	if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
		r.logger.Error().Err(err).Str("sandbox_id", id).Msg("SIGKILL failed")
	}
}

// sandboxSpecOpts builds the OCI spec implementing the isolation contract:
// read-only rootfs, all capabilities dropped, no new privileges, cgroup
// memory and CPU caps, tmpfs noexec scratch, read-only payload mount, and
// either no network or an operator-provisioned restricted namespace.
func (r *ContainerdRuntime) sandboxSpecOpts(image containerd.Image, spec SandboxSpec) []oci.SpecOpts {
	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(spec.Env),
		oci.WithRootFSReadonly(),
		oci.WithCapabilities(nil),
		oci.WithNoNewPrivileges,
		oci.WithMemoryLimit(uint64(spec.Limits.MemoryBytes)),
		oci.WithCPUCFS(int64(spec.Limits.CPUShare*cfsPeriodUs), cfsPeriodUs),
		oci.WithMounts([]specs.Mount{
			{
				Source:      spec.WorkDir,
				Destination: PayloadMountPath,
				Type:        "bind",
				Options:     []string{"ro", "rbind"},
			},
			{
				Source:      "tmpfs",
				Destination: ScratchMountPath,
				Type:        "tmpfs",
				Options:     []string{"noexec", "nosuid", "nodev", fmt.Sprintf("size=%d", scratchSizeBytes)},
			},
		}),
	}

	if len(spec.Command) > 0 {
		opts = append(opts, oci.WithProcessArgs(spec.Command...))
	}

	if spec.NetnsPath != "" {
		opts = append(opts, oci.WithLinuxNamespace(specs.LinuxNamespace{
			Type: specs.NetworkNamespace,
			Path: spec.NetnsPath,
		}))
	}

	return opts
}

// ListSandboxIDs returns the ids of all containers in the cordon namespace
// that carry the reserved resource prefix
func (r *ContainerdRuntime) ListSandboxIDs(ctx context.Context) ([]string, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	containers, err := r.client.Containers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		if strings.HasPrefix(c.ID(), types.ResourcePrefix) {
			ids = append(ids, c.ID())
		}
	}
	return ids, nil
}

// RemoveSandbox force-removes a container and its snapshot. Used by the
// startup reclamation sweep.
func (r *ContainerdRuntime) RemoveSandbox(ctx context.Context, id string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		// Already gone.
		return nil
	}

	if task, err := container.Task(ctx, nil); err == nil {
		if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil {
			r.logger.Warn().Err(err).Str("sandbox_id", id).Msg("failed to delete orphan task")
		}
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("failed to delete container %s: %w", id, err)
	}
	return nil
}
