package sandbox

import "sync"

// DefaultStreamCap is the per-stream output cap (1 MiB)
const DefaultStreamCap = 1 << 20

// TruncationMarker is appended when a stream exceeds its cap
const TruncationMarker = "\n[output truncated]"

// cappedBuffer captures a payload output stream up to a byte cap. Writes
// beyond the cap are counted but discarded; String appends the truncation
// marker when anything was dropped. Safe for concurrent writes, which the
// container IO plumbing may perform.
type cappedBuffer struct {
	mu      sync.Mutex
	buf     []byte
	cap     int
	dropped int64
}

func newCappedBuffer(capBytes int) *cappedBuffer {
	if capBytes <= 0 {
		capBytes = DefaultStreamCap
	}
	return &cappedBuffer{cap: capBytes}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	room := b.cap - len(b.buf)
	if room > 0 {
		take := min(room, len(p))
		b.buf = append(b.buf, p[:take]...)
		b.dropped += int64(len(p) - take)
	} else {
		b.dropped += int64(len(p))
	}
	// Always report full write: the stream must keep draining.
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dropped > 0 {
		return string(b.buf) + TruncationMarker
	}
	return string(b.buf)
}

func (b *cappedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped > 0
}
