package transport

import (
	"fmt"
	"sync"

	"github.com/opd-ai/natpipe/limits"
)

// frameQueue is an unbounded FIFO between two memory transports. Unbounded so
// a callback sending on its own transport can never block its reader.
type frameQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	frames [][]byte
	closed bool
}

func newFrameQueue() *frameQueue {
	q := &frameQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *frameQueue) push(f []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.frames = append(q.frames, f)
	q.cond.Signal()
	return true
}

// pop blocks for the next frame. Frames queued before a close are still
// delivered unless the queue was closed with discard.
func (q *frameQueue) pop() ([]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.frames) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.frames) == 0 {
		return nil, ErrClosed
	}
	f := q.frames[0]
	q.frames[0] = nil
	q.frames = q.frames[1:]
	return f, nil
}

func (q *frameQueue) close(discard bool) {
	q.mu.Lock()
	q.closed = true
	if discard {
		q.frames = nil
	}
	q.cond.Broadcast()
	q.mu.Unlock()
}

// MemoryTransport is one end of an in-process duplex pipe.
type MemoryTransport struct {
	eventLoop
	inbox *frameQueue
	peer  *MemoryTransport
	mtu   int
}

// NewMemoryPair returns two connected in-memory transports. Packets sent on
// one are delivered to the other in order; closing either end closes both.
func NewMemoryPair() (*MemoryTransport, *MemoryTransport) {
	a := &MemoryTransport{eventLoop: eventLoop{kind: "memory"}, inbox: newFrameQueue(), mtu: limits.MemoryMTU}
	b := &MemoryTransport{eventLoop: eventLoop{kind: "memory"}, inbox: newFrameQueue(), mtu: limits.MemoryMTU}
	a.peer, b.peer = b, a
	return a, b
}

// SetMTU overrides the advertised MTU, for exercising MTU accounting.
func (m *MemoryTransport) SetMTU(mtu int) {
	m.mtu = mtu
}

// Start launches the reader goroutine.
func (m *MemoryTransport) Start() error {
	if err := m.begin(); err != nil {
		return err
	}
	go m.run(m.inbox.pop, func() {})
	return nil
}

// Send delivers an ordered packet to the peer.
func (m *MemoryTransport) Send(packet []byte) error {
	return m.send(channelOrdered, packet)
}

// SendRaw delivers a best-effort packet to the peer.
func (m *MemoryTransport) SendRaw(packet []byte) error {
	return m.send(channelRaw, packet)
}

func (m *MemoryTransport) send(channel byte, packet []byte) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if err := limits.ValidatePayload(packet, m.MTU()); err != nil {
		return fmt.Errorf("memory transport: %w", err)
	}
	if !m.peer.inbox.push(frame(channel, packet)) {
		return ErrClosed
	}
	return nil
}

// Close shuts both ends. Packets already queued for the peer are still
// delivered before it observes the close.
func (m *MemoryTransport) Close() error {
	if !m.markLocalClose() {
		return nil
	}
	m.inbox.close(true)
	m.peer.inbox.close(false)
	return nil
}

// MTU returns the largest accepted packet.
func (m *MemoryTransport) MTU() int {
	return limits.SubtractHeader(m.mtu, limits.ChannelHeader)
}
