package transport

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// eventLoop holds the callback state shared by every transport and runs the
// single reader goroutine that delivers them.
type eventLoop struct {
	kind string

	mu     sync.RWMutex
	events Events

	started     atomic.Bool
	closed      atomic.Bool
	closedLocal atomic.Bool
}

// SetEvents installs the callbacks. It may be called before or after Start;
// callbacks installed later apply from the next delivery.
func (l *eventLoop) SetEvents(events Events) {
	l.mu.Lock()
	l.events = events
	l.mu.Unlock()
}

func (l *eventLoop) snapshot() Events {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.events
}

// begin marks the loop started, refusing a second start or a closed loop.
func (l *eventLoop) begin() error {
	if l.closed.Load() {
		return ErrClosed
	}
	if l.started.Swap(true) {
		return ErrAlreadyStarted
	}
	return nil
}

// markLocalClose records a Close call and reports whether it was the first.
func (l *eventLoop) markLocalClose() bool {
	if l.closedLocal.Swap(true) {
		return false
	}
	l.closed.Store(true)
	return true
}

// run is the reader goroutine body. read blocks for the next frame; release
// frees the underlying connection once reading stops.
func (l *eventLoop) run(read func() ([]byte, error), release func()) {
	if ev := l.snapshot(); ev.OnOpen != nil {
		ev.OnOpen()
	}

	var readErr error
	for {
		frame, err := read()
		if err != nil {
			readErr = err
			break
		}
		l.dispatch(frame)
	}

	l.closed.Store(true)
	release()

	ev := l.snapshot()
	if !l.closedLocal.Load() && !isBenignClose(readErr) {
		logrus.WithFields(logrus.Fields{
			"function":  "eventLoop.run",
			"transport": l.kind,
			"error":     readErr.Error(),
		}).Warn("Transport read failed")
		if ev.OnError != nil {
			ev.OnError(readErr)
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":  "eventLoop.run",
		"transport": l.kind,
		"local":     l.closedLocal.Load(),
	}).Debug("Transport closed")
	if ev.OnClose != nil {
		ev.OnClose()
	}
}

func (l *eventLoop) dispatch(frame []byte) {
	if len(frame) == 0 {
		return
	}
	ev := l.snapshot()
	switch frame[0] {
	case channelOrdered:
		if ev.OnPacket != nil {
			ev.OnPacket(frame[1:])
		}
	case channelRaw:
		if ev.OnRaw != nil {
			ev.OnRaw(frame[1:])
		}
	default:
		logrus.WithFields(logrus.Fields{
			"function":  "eventLoop.dispatch",
			"transport": l.kind,
			"channel":   frame[0],
		}).Debug("Dropping frame with unknown channel")
	}
}

// frame prefixes payload with its channel marker.
func frame(channel byte, payload []byte) []byte {
	buf := make([]byte, 1+len(payload))
	buf[0] = channel
	copy(buf[1:], payload)
	return buf
}

func isBenignClose(err error) bool {
	return err == nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) || errors.Is(err, ErrClosed)
}
