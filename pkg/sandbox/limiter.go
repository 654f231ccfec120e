package sandbox

import (
	"context"
	"time"

	"github.com/cordonlabs/cordon/pkg/metrics"
	"github.com/cordonlabs/cordon/pkg/types"
)

// limiter enforces the concurrency ceiling on simultaneous sandboxes.
// Executions over the ceiling wait in a bounded queue; exceeding either the
// queue depth or the queueing deadline fails with ErrQueueFull.
type limiter struct {
	slots    chan struct{}
	queue    chan struct{}
	maxWait  time.Duration
}

func newLimiter(ceiling, queueDepth int, maxWait time.Duration) *limiter {
	if ceiling <= 0 {
		ceiling = 1
	}
	if queueDepth < 0 {
		queueDepth = 0
	}
	return &limiter{
		slots:   make(chan struct{}, ceiling),
		queue:   make(chan struct{}, ceiling+queueDepth),
		maxWait: maxWait,
	}
}

// acquire blocks until a sandbox slot is free. The returned release must be
// called exactly once.
func (l *limiter) acquire(ctx context.Context) (release func(), err error) {
	// Reserve a queue position first; a full queue fails immediately.
	select {
	case l.queue <- struct{}{}:
	default:
		return nil, types.ErrQueueFull
	}
	metrics.SandboxQueueDepth.Inc()
	defer metrics.SandboxQueueDepth.Dec()

	timer := time.NewTimer(l.maxWait)
	defer timer.Stop()

	select {
	case l.slots <- struct{}{}:
		<-l.queue
		metrics.SandboxesActive.Inc()
		return func() {
			<-l.slots
			metrics.SandboxesActive.Dec()
		}, nil
	case <-timer.C:
		<-l.queue
		return nil, types.ErrQueueFull
	case <-ctx.Done():
		<-l.queue
		return nil, ctx.Err()
	}
}
