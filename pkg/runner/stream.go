package runner

import (
	"sync"

	"loom/pkg/protocol"
)

// defaultConsumerBuffer is the per-consumer channel depth. A consumer that
// falls further behind than this starts losing frames.
const defaultConsumerBuffer = 64

// defaultReplayDepth is how many recent frames a Broadcaster retains for
// replay to late-attaching consumers.
const defaultReplayDepth = 256

// Consumer is a live attachment to a streaming turn. Frames arrive on C
// until the turn's terminal frame, after which C is closed. Call Close to
// detach early. A consumer that stops reading only loses frames to
// channel-full drops; it never blocks the turn or ledger persistence.
// Consumers de-duplicate on (StreamID, Seq).
type Consumer struct {
	C chan protocol.Frame

	once sync.Once
	done chan struct{}
}

func newConsumer(buffered int) *Consumer {
	return &Consumer{
		C:    make(chan protocol.Frame, buffered),
		done: make(chan struct{}),
	}
}

// Close detaches the consumer. Safe to call multiple times and safe to
// call while the turn is still streaming.
func (c *Consumer) Close() {
	c.once.Do(func() { close(c.done) })
}

// send delivers a frame without ever blocking: a full channel or a closed
// consumer drops the frame.
func (c *Consumer) send(f protocol.Frame) {
	select {
	case <-c.done:
	default:
		select {
		case c.C <- f:
		default:
		}
	}
}

// Broadcaster fans frames out to any number of live consumers and retains
// a bounded replay window for consumers that attach mid-turn.
type Broadcaster struct {
	mu        sync.Mutex
	consumers map[*Consumer]struct{}
	recent    *frameBuffer
	closed    bool
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		consumers: make(map[*Consumer]struct{}),
		recent:    newFrameBuffer(defaultReplayDepth),
	}
}

// Attach registers a new consumer. Frames already published within the
// replay window are delivered first, so a reconnecting consumer can resume
// mid-turn and de-duplicate on (StreamID, Seq).
func (b *Broadcaster) Attach() *Consumer {
	b.mu.Lock()
	defer b.mu.Unlock()

	// The channel must hold the whole replay window up front, or the
	// oldest replayed frames would drop before the consumer's first read.
	replay := b.recent.Snapshot()
	c := newConsumer(len(replay) + defaultConsumerBuffer)
	for _, f := range replay {
		c.send(f)
	}
	if b.closed {
		close(c.C)
		return c
	}
	b.consumers[c] = struct{}{}
	return c
}

// Publish delivers a frame to every attached consumer, never blocking.
func (b *Broadcaster) Publish(f protocol.Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.recent.Add(f)
	for c := range b.consumers {
		c.send(f)
	}
}

// CloseAll ends the stream: every consumer channel is closed and further
// publishes are dropped.
func (b *Broadcaster) CloseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for c := range b.consumers {
		close(c.C)
		delete(b.consumers, c)
	}
}
