package transport

import (
	"errors"
)

var (
	// ErrClosed is returned when sending on a transport that has been closed.
	ErrClosed = errors.New("transport: closed")
	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("transport: already started")
)

// Events are the callbacks a transport delivers. All callbacks for one
// transport run sequentially on that transport's reader goroutine, so a
// consumer never sees two of them concurrently. Nil callbacks are skipped.
type Events struct {
	// OnOpen fires once when the transport is ready, before any packet.
	OnOpen func()
	// OnPacket delivers an ordered packet sent with Send.
	OnPacket func(packet []byte)
	// OnRaw delivers a best-effort packet sent with SendRaw.
	OnRaw func(packet []byte)
	// OnError reports the failure that is about to close the transport.
	OnError func(err error)
	// OnClose fires exactly once after the transport stopped delivering.
	OnClose func()
}

// Transport is a bidirectional packet carrier. Implementations preserve
// packet boundaries and, for Send, packet order.
//
// Start launches the reader and must be called at most once. Send and
// SendRaw may be called from any goroutine, including from inside callbacks.
// Close is idempotent; when the transport was started, the reader observes
// the close and fires OnClose.
type Transport interface {
	SetEvents(events Events)
	Start() error
	Send(packet []byte) error
	SendRaw(packet []byte) error
	Close() error
	// MTU is the largest packet Send and SendRaw accept.
	MTU() int
}

// Frame channel markers. Every transport frame starts with one of them so raw
// packets can share a connection with ordered ones.
const (
	channelOrdered byte = 0x00
	channelRaw     byte = 0x01
)
