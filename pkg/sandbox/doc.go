/*
Package sandbox turns one execution request into one payload run on an
isolation backend.

Two Runner implementations exist. ContainerRunner is the production path:
a disposable containerd container per execution, with a bounded concurrency
limiter, per-execution working directories, and capped output capture.
DirectRunner runs the payload as a plain host process with a scrubbed
environment; it exists for operator-trusted payloads and tests.

# Execution Flow (ContainerRunner)

 1. Acquire a concurrency slot; a full queue or an expired queueing
    deadline fails fast with ErrQueueFull
 2. Record the execution id in the ledger
 3. Create the working directory (cordon-<id>-<random>) and write
    payload.js into it
 4. Run the container; stdout and stderr drain into capped buffers
    (1 MiB per stream, truncation marker on overflow)
 5. Tear everything down: working directory, container, snapshot,
    ledger entry, on every exit path

Timeouts and memory kills return a populated result alongside the
classifying error; the exit code carries the sentinel (124 or 137). Start
failures return no result.

# Orphan Reclamation

A crashed executor leaves containers, working directories and ledger
entries behind. ReclaimOrphans runs at startup and removes everything
matching the reserved name prefix, then clears stale ledger entries.
*/
package sandbox
