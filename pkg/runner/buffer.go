package runner

import (
	"sync"

	"loom/pkg/protocol"
)

// frameBuffer is a bounded FIFO of recent wire frames. When full, the
// oldest frames are evicted. It backs replay-on-attach for late consumers;
// ledger persistence does not go through this buffer, so eviction can only
// ever lose live frames, never durable state.
type frameBuffer struct {
	mu     sync.Mutex
	frames []protocol.Frame
	cap    int
}

func newFrameBuffer(capacity int) *frameBuffer {
	return &frameBuffer{
		frames: make([]protocol.Frame, 0, capacity),
		cap:    capacity,
	}
}

// Add appends a frame, evicting the oldest when full.
func (b *frameBuffer) Add(f protocol.Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.frames) >= b.cap {
		copy(b.frames, b.frames[1:])
		b.frames[len(b.frames)-1] = f
	} else {
		b.frames = append(b.frames, f)
	}
}

// Snapshot returns a copy of the buffered frames, oldest first.
func (b *frameBuffer) Snapshot() []protocol.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.frames) == 0 {
		return nil
	}
	out := make([]protocol.Frame, len(b.frames))
	copy(out, b.frames)
	return out
}

// Len returns the number of buffered frames.
func (b *frameBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}
