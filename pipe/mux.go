package pipe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/natpipe/limits"
	"github.com/opd-ai/natpipe/transport"
	"github.com/sirupsen/logrus"
)

// DefaultOpenTimeout bounds how long an open request waits for OpenAccept.
const DefaultOpenTimeout = 10 * time.Second

// Config configures a Mux.
type Config struct {
	// Initiator is set on the side that opened the underlying connection.
	// It allocates odd pipe ids; the accepting side allocates even ones.
	Initiator bool
	// OpenTimeout defaults to DefaultOpenTimeout.
	OpenTimeout time.Duration
	// Clock defaults to RealClock.
	Clock Clock
}

// Events are the multiplexer-level callbacks. They run on the underlying
// transport's reader goroutine.
type Events struct {
	// OnOpen fires when the underlying transport is ready.
	OnOpen func()
	// OnPipeRequest surfaces a pipe the peer asked to open. Call Start on it
	// to accept or Close to refuse. Requests are refused when unset.
	OnPipeRequest func(p *Pipe, payload []byte)
	// OnSelfData delivers frames addressed to the multiplexer itself.
	OnSelfData func(payload []byte)
	// OnError reports a transport failure, after every pipe saw it.
	OnError func(err error)
	// OnClose fires once after every pipe was closed.
	OnClose func()
}

// Mux splits one ordered transport into independent pipes.
type Mux struct {
	t           transport.Transport
	clock       Clock
	openTimeout time.Duration
	initiator   bool

	// mu guards the id table. Lookups take the read lock; only insert and
	// erase take the write lock.
	mu     sync.RWMutex
	pipes  map[uint32]*Pipe
	nextID uint32

	evMu   sync.RWMutex
	events Events

	started    atomic.Bool
	closed     atomic.Bool
	closeFired atomic.Bool
}

// NewMux creates a multiplexer over t. Nothing is read until Start.
func NewMux(t transport.Transport, cfg Config) *Mux {
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultOpenTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock{}
	}
	first := uint32(2)
	if cfg.Initiator {
		first = 1
	}
	return &Mux{
		t:           t,
		clock:       cfg.Clock,
		openTimeout: cfg.OpenTimeout,
		initiator:   cfg.Initiator,
		pipes:       make(map[uint32]*Pipe),
		nextID:      first,
	}
}

// SetEvents installs the multiplexer callbacks.
func (m *Mux) SetEvents(events Events) {
	m.evMu.Lock()
	m.events = events
	m.evMu.Unlock()
}

func (m *Mux) snapshot() Events {
	m.evMu.RLock()
	defer m.evMu.RUnlock()
	return m.events
}

// Start attaches to the transport and starts it.
func (m *Mux) Start() error {
	if m.started.Swap(true) {
		return transport.ErrAlreadyStarted
	}
	m.t.SetEvents(transport.Events{
		OnOpen:   m.onOpen,
		OnPacket: m.onPacket,
		OnError:  m.onError,
		OnClose:  m.onClose,
	})
	return m.t.Start()
}

// OpenPipe reserves the next id of this side's parity and returns an
// Unopened pipe. Ids still in use are skipped, so a live id is never handed
// out twice.
func (m *Mux) OpenPipe() (*Pipe, error) {
	if m.closed.Load() {
		return nil, transport.ErrClosed
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pipes) >= 1<<31-1 {
		return nil, fmt.Errorf("pipe: id space exhausted")
	}
	id := m.nextID
	for id == 0 || m.pipes[id] != nil {
		id += 2
	}
	m.nextID = id + 2

	p := &Pipe{id: id, mux: m, state: StateUnopened}
	m.pipes[id] = p
	return p, nil
}

// Pipe looks up a live pipe by id.
func (m *Mux) Pipe(id uint32) (*Pipe, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pipes[id]
	return p, ok
}

// Len returns the number of live pipes.
func (m *Mux) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pipes)
}

// SendSelf sends a SelfData frame.
func (m *Mux) SendSelf(payload []byte) error {
	if err := limits.ValidatePayload(payload, m.SelfMTU()); err != nil {
		return fmt.Errorf("pipe: %w", err)
	}
	return m.t.Send(encodeFrame(FrameSelfData, 0, payload))
}

// MTU is the largest pipe payload: the transport MTU minus the frame header.
func (m *Mux) MTU() int {
	return limits.SubtractHeader(m.t.MTU(), HeaderSize)
}

// SelfMTU is the largest SelfData payload.
func (m *Mux) SelfMTU() int {
	return limits.SubtractHeader(m.t.MTU(), SelfHeaderSize)
}

// Close closes the underlying transport; every pipe then closes.
func (m *Mux) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	err := m.t.Close()
	if !m.started.Load() {
		// No reader will report the close.
		m.onClose()
	}
	return err
}

func (m *Mux) sendFrame(typ FrameType, id uint32, payload []byte) error {
	return m.t.Send(encodeFrame(typ, id, payload))
}

func (m *Mux) remove(p *Pipe) {
	m.mu.Lock()
	if m.pipes[p.id] == p {
		delete(m.pipes, p.id)
	}
	m.mu.Unlock()
}

func (m *Mux) isLocalID(id uint32) bool {
	return (id%2 == 1) == m.initiator
}

func (m *Mux) onOpen() {
	if ev := m.snapshot(); ev.OnOpen != nil {
		ev.OnOpen()
	}
}

func (m *Mux) onPacket(packet []byte) {
	f, err := decodeFrame(packet)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Mux.onPacket",
			"error":    err.Error(),
		}).Warn("Dropping malformed frame")
		return
	}

	switch f.typ {
	case FrameSelfData:
		if ev := m.snapshot(); ev.OnSelfData != nil {
			ev.OnSelfData(f.payload)
		}
	case FrameOpenRequest:
		m.onOpenRequest(f.id, f.payload)
	case FrameOpenAccept:
		if p, ok := m.Pipe(f.id); ok {
			p.onAccept()
		}
	case FrameData:
		if p, ok := m.Pipe(f.id); ok {
			p.onData(f.payload)
		}
	case FrameClose:
		if p, ok := m.Pipe(f.id); ok {
			logrus.WithFields(logrus.Fields{
				"function": "Mux.onPacket",
				"pipe_id":  f.id,
			}).Debug("Peer closed pipe")
			p.finish(false, nil)
		}
	}
}

func (m *Mux) onOpenRequest(id uint32, payload []byte) {
	if id == 0 || m.isLocalID(id) {
		logrus.WithFields(logrus.Fields{
			"function": "Mux.onOpenRequest",
			"pipe_id":  id,
		}).Warn("Dropping open request with this side's id parity")
		return
	}

	m.mu.Lock()
	if m.pipes[id] != nil || m.closed.Load() {
		m.mu.Unlock()
		return
	}
	p := &Pipe{id: id, mux: m, state: StateOpenRequestReceived}
	m.pipes[id] = p
	m.mu.Unlock()

	ev := m.snapshot()
	if ev.OnPipeRequest == nil {
		// Refused rather than dropped, so the opener does not sit out its
		// open timer.
		p.Close()
		return
	}
	ev.OnPipeRequest(p, payload)
}

// livePipes snapshots the id table.
func (m *Mux) livePipes() []*Pipe {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pipes := make([]*Pipe, 0, len(m.pipes))
	for _, p := range m.pipes {
		pipes = append(pipes, p)
	}
	return pipes
}

func (m *Mux) onError(err error) {
	logrus.WithFields(logrus.Fields{
		"function": "Mux.onError",
		"error":    err.Error(),
	}).Warn("Transport failed under multiplexer")

	for _, p := range m.livePipes() {
		p.onError(err)
	}
	if ev := m.snapshot(); ev.OnError != nil {
		ev.OnError(err)
	}
}

func (m *Mux) onClose() {
	m.closed.Store(true)
	if !m.closeFired.CompareAndSwap(false, true) {
		return
	}
	for _, p := range m.livePipes() {
		p.finish(false, nil)
	}
	logrus.WithFields(logrus.Fields{
		"function": "Mux.onClose",
	}).Debug("Multiplexer closed")
	if ev := m.snapshot(); ev.OnClose != nil {
		ev.OnClose()
	}
}
