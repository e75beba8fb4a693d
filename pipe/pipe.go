package pipe

import (
	"errors"
	"fmt"
	"sync"

	"github.com/opd-ai/natpipe/limits"
	"github.com/sirupsen/logrus"
)

// State is a pipe's lifecycle position.
type State uint8

const (
	StateUnopened State = iota
	StateOpenRequestSent
	StateOpenRequestReceived
	StateOpened
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnopened:
		return "Unopened"
	case StateOpenRequestSent:
		return "OpenRequestSent"
	case StateOpenRequestReceived:
		return "OpenRequestReceived"
	case StateOpened:
		return "Opened"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

var (
	// ErrNotOpen is returned when sending on a pipe that is not Opened.
	ErrNotOpen = errors.New("pipe: not open")
	// ErrInvalidState is returned by Start outside Unopened and
	// OpenRequestReceived.
	ErrInvalidState = errors.New("pipe: invalid state for operation")
	// ErrOpenTimeout is reported when an open request was never accepted.
	ErrOpenTimeout = errors.New("pipe: open request timed out")
)

// PipeEvents are a pipe's callbacks. Data callbacks run on the transport's
// reader goroutine; OnClose runs wherever the pipe was closed.
type PipeEvents struct {
	// OnOpen fires when the peer accepts an open request this side sent, or
	// when this side accepts the peer's request.
	OnOpen func()
	// OnData delivers one Data frame payload.
	OnData func(data []byte)
	// OnError reports why the pipe is about to close.
	OnError func(err error)
	// OnClose fires exactly once when the pipe reaches Closed.
	OnClose func()
}

// Pipe is one logical connection inside a Mux. It holds a back-reference to
// its mux only for sending and for removing itself from the id table.
type Pipe struct {
	id  uint32
	mux *Mux

	mu     sync.Mutex
	state  State
	events PipeEvents
	timer  Timer
	err    error
}

// ID returns the pipe id.
func (p *Pipe) ID() uint32 { return p.id }

// State returns the current state.
func (p *Pipe) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Err returns the reason the pipe closed, if it closed on a failure.
func (p *Pipe) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// SetEvents installs the pipe callbacks.
func (p *Pipe) SetEvents(events PipeEvents) {
	p.mu.Lock()
	p.events = events
	p.mu.Unlock()
}

// MTU is the largest payload Send accepts.
func (p *Pipe) MTU() int {
	return p.mux.MTU()
}

// Start opens the pipe. On a locally created pipe it sends an OpenRequest
// carrying payload and arms the open timer. On a pipe the peer requested it
// accepts; a non-empty payload then follows as the first Data frame.
func (p *Pipe) Start(payload []byte) error {
	p.mu.Lock()
	switch p.state {
	case StateUnopened:
		if err := limits.ValidatePayload(payload, p.mux.MTU()); err != nil {
			p.mu.Unlock()
			return fmt.Errorf("pipe %d: %w", p.id, err)
		}
		p.state = StateOpenRequestSent
		p.timer = p.mux.clock.AfterFunc(p.mux.openTimeout, p.expire)
		p.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"function": "Pipe.Start",
			"pipe_id":  p.id,
			"size":     len(payload),
		}).Debug("Sending open request")
		if err := p.mux.sendFrame(FrameOpenRequest, p.id, payload); err != nil {
			p.finish(false, err)
			return err
		}
		return nil

	case StateOpenRequestReceived:
		p.state = StateOpened
		ev := p.events
		p.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"function": "Pipe.Start",
			"pipe_id":  p.id,
		}).Debug("Accepting open request")
		if err := p.mux.sendFrame(FrameOpenAccept, p.id, nil); err != nil {
			p.finish(false, err)
			return err
		}
		if ev.OnOpen != nil {
			ev.OnOpen()
		}
		if len(payload) > 0 {
			return p.Send(payload)
		}
		return nil

	default:
		state := p.state
		p.mu.Unlock()
		return fmt.Errorf("%w: start in state %s", ErrInvalidState, state)
	}
}

// Send transmits one Data frame. Pipes that are not Opened send nothing.
func (p *Pipe) Send(data []byte) error {
	if p.State() != StateOpened {
		return ErrNotOpen
	}
	if err := limits.ValidatePayload(data, p.MTU()); err != nil {
		return fmt.Errorf("pipe %d: %w", p.id, err)
	}
	return p.mux.sendFrame(FrameData, p.id, data)
}

// Close closes the pipe and tells the peer. Closing an Unopened pipe only
// releases its id. Close is idempotent.
func (p *Pipe) Close() error {
	p.finish(true, nil)
	return nil
}

// expire runs on the clock when an open request went unanswered.
func (p *Pipe) expire() {
	if p.State() != StateOpenRequestSent {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "Pipe.expire",
		"pipe_id":  p.id,
		"timeout":  p.mux.openTimeout.String(),
	}).Warn("Open request not accepted in time")
	p.finish(true, ErrOpenTimeout)
}

// onAccept handles OpenAccept for a request this side sent.
func (p *Pipe) onAccept() {
	p.mu.Lock()
	if p.state != StateOpenRequestSent {
		p.mu.Unlock()
		return
	}
	p.state = StateOpened
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	ev := p.events
	p.mu.Unlock()

	if ev.OnOpen != nil {
		ev.OnOpen()
	}
}

func (p *Pipe) onData(data []byte) {
	p.mu.Lock()
	opened := p.state == StateOpened
	ev := p.events
	p.mu.Unlock()

	if !opened {
		logrus.WithFields(logrus.Fields{
			"function": "Pipe.onData",
			"pipe_id":  p.id,
		}).Debug("Dropping data for pipe that is not open")
		return
	}
	if ev.OnData != nil {
		ev.OnData(data)
	}
}

func (p *Pipe) onError(err error) {
	p.mu.Lock()
	closed := p.state == StateClosed
	ev := p.events
	p.mu.Unlock()
	if !closed && ev.OnError != nil {
		ev.OnError(err)
	}
}

// finish moves the pipe to Closed exactly once, removes it from the mux and
// fires the callbacks. It reports whether this call made the transition.
func (p *Pipe) finish(notifyPeer bool, reason error) bool {
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return false
	}
	prev := p.state
	p.state = StateClosed
	p.err = reason
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	ev := p.events
	p.mu.Unlock()

	p.mux.remove(p)
	if notifyPeer && prev != StateUnopened {
		if err := p.mux.sendFrame(FrameClose, p.id, nil); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Pipe.finish",
				"pipe_id":  p.id,
				"error":    err.Error(),
			}).Debug("Close frame not sent")
		}
	}

	if reason != nil && ev.OnError != nil {
		ev.OnError(reason)
	}
	if ev.OnClose != nil {
		ev.OnClose()
	}
	return true
}
