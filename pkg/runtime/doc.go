/*
Package runtime provides the containerd-backed isolation backend for
sandbox executions.

The runtime wraps containerd's client API to run one disposable container
per execution: pull and verify the sandbox image, generate a locked-down
OCI spec, run the payload to completion under resource limits, and destroy
the container and snapshot on every exit path.

# Sandbox Properties

Every sandbox container gets:

  - Read-only root filesystem
  - No capabilities, no new privileges
  - Memory hard limit (organic kill surfaces as exit 137)
  - CPU share via CFS quota
  - Payload mounted read-only at /sandbox
  - Small tmpfs scratch at /tmp (noexec, nosuid, nodev)
  - Either the default namespace (loopback only) or an
    operator-provisioned bridged namespace whose egress ACL admits only
    the proxy endpoint

# Image Invariants

VerifyImageInvariants walks the image manifest layers and refuses images
that ship an interactive surface: /bin/sh, /bin/bash, apt, apk, curl, wget,
nc. The sandbox image must be a runtime-only image; package and binary
allowlists in policies are advisory precisely because this check is the
enforcement point.

# Lifecycle

RunSandbox is synchronous:

 1. Create container with a fresh snapshot and the generated spec
 2. Create task with the caller's stdout/stderr writers
 3. Start, then wait on the exit channel
 4. On wall-clock expiry: SIGTERM, grace period, SIGKILL, exit 124
 5. Organic exit 137 is classified as a memory kill
 6. Deferred cleanup deletes task, container and snapshot even when the
    surrounding context is already cancelled

Containers are named with the reserved "cordon-" prefix so ListSandboxIDs
and RemoveSandbox can reclaim orphans left behind by a crashed executor.

# Usage

	rt, err := runtime.NewContainerdRuntime("")
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.PullImage(ctx, image); err != nil {
		return err
	}
	if err := rt.VerifyImageInvariants(ctx, image); err != nil {
		return err
	}

	exitCode, err := rt.RunSandbox(ctx, runtime.SandboxSpec{
		ID:      "cordon-" + executionID,
		Image:   image,
		Command: []string{"/nodejs/bin/node", "/sandbox/payload.js"},
		Limits:  limits,
		Stdout:  stdout,
		Stderr:  stderr,
	})
*/
package runtime
