package punch

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
)

// State is the negotiation's position.
type State uint8

const (
	StateNew State = iota
	StateClientHelloSent
	StateServerHelloSent
	StateStarted
	StateSuccess
	StateError
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "New"
	case StateClientHelloSent:
		return "ClientHelloSent"
	case StateServerHelloSent:
		return "ServerHelloSent"
	case StateStarted:
		return "Started"
	case StateSuccess:
		return "Success"
	case StateError:
		return "Error"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

var (
	// ErrUnexpectedRecord reports a record the current state does not expect.
	ErrUnexpectedRecord = errors.New("punch: unexpected record")
	// ErrAborted is reported when the negotiation was abandoned before the
	// job started.
	ErrAborted = errors.New("punch: negotiation aborted")
)

// Discoverer learns this side's public address. transport.STUNClient
// implements it.
type Discoverer interface {
	Discover(ctx context.Context) (ip string, port uint16, err error)
}

// Channel carries negotiation records to the peer, usually a pipe through
// the relay.
type Channel interface {
	Send(record []byte) error
}

// Config configures a negotiation Session.
type Config struct {
	// Initiator sends the first Describe and the Start record.
	Initiator bool
	Settings  Settings
	// Discoverer supplies the address advertised in Describe.
	Discoverer Discoverer
	// Network defaults to UDPNetwork.
	Network Network
	// Random defaults to crypto/rand.
	Random io.Reader
	// OnResult, when set, runs once with the outcome on the job goroutine
	// or wherever the negotiation failed.
	OnResult func(*Result, error)
}

// Session negotiates one hole-punch attempt with a peer and runs the job.
//
// The initiator sends Describe from Begin. The responder answers the peer's
// Describe with its own once Begin prepared it. Both build a job from the
// peer's Describe; the initiator then sends Start and launches, and the
// responder launches on Start.
type Session struct {
	cfg Config
	ch  Channel

	mu      sync.Mutex
	state   State
	local   *Describe
	peer    *Describe
	pending []byte
	job     *Job

	done   chan struct{}
	once   sync.Once
	result *Result
	err    error
}

// NewSession creates a negotiation in state New.
func NewSession(ch Channel, cfg Config) (*Session, error) {
	if ch == nil {
		return nil, errors.New("punch: nil channel")
	}
	if cfg.Discoverer == nil {
		return nil, errors.New("punch: nil discoverer")
	}
	if err := cfg.Settings.Validate(); err != nil {
		return nil, err
	}
	if cfg.Random == nil {
		cfg.Random = crand.Reader
	}
	return &Session{cfg: cfg, ch: ch, done: make(chan struct{})}, nil
}

// State returns the negotiation state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Local returns the Describe this side sent, once Begin prepared it.
func (s *Session) Local() *Describe {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

// Peer returns the peer's Describe once received.
func (s *Session) Peer() *Describe {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

// Conv derives a stream conversation id both sides agree on: the first four
// bytes of the initiator's magic.
func (s *Session) Conv() (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.local == nil || s.peer == nil {
		return 0, false
	}
	magic := s.peer.Magic
	if s.cfg.Initiator {
		magic = s.local.Magic
	}
	return binary.BigEndian.Uint32(magic[:4]), true
}

// Begin discovers the public address and generates the magic. The
// initiator then sends its Describe; a responder replies to a Describe that
// arrived earlier.
func (s *Session) Begin(ctx context.Context) error {
	ip, port, err := s.cfg.Discoverer.Discover(ctx)
	if err != nil {
		err = fmt.Errorf("punch: discover public address: %w", err)
		s.fail(err)
		return err
	}
	local := &Describe{
		NAT:     NATSymmetric,
		PortMin: s.cfg.Settings.PortMin,
		PortMax: s.cfg.Settings.PortMax,
		Rate:    uint16(s.cfg.Settings.ClampedRate()),
		Address: net.JoinHostPort(ip, strconv.Itoa(int(port))),
	}
	if _, err := io.ReadFull(s.cfg.Random, local.Magic[:]); err != nil {
		err = fmt.Errorf("punch: generate magic: %w", err)
		s.fail(err)
		return err
	}

	s.mu.Lock()
	if s.state != StateNew || s.local != nil {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: begin in state %s", ErrUnexpectedRecord, state)
	}
	s.local = local
	pending := s.pending
	s.pending = nil
	if s.cfg.Initiator {
		s.state = StateClientHelloSent
	}
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "Session.Begin",
		"initiator": s.cfg.Initiator,
		"address":   local.Address,
	}).Debug("Prepared describe record")

	if s.cfg.Initiator {
		if err := s.ch.Send(local.Serialize()); err != nil {
			err = fmt.Errorf("punch: send describe: %w", err)
			s.fail(err)
			return err
		}
		return nil
	}
	if pending != nil {
		s.Receive(pending)
	}
	return nil
}

// Receive handles one record from the channel. Any error moves the
// negotiation to Error and resolves it.
func (s *Session) Receive(record []byte) {
	typ, err := recordType(record)
	if err != nil {
		s.fail(err)
		return
	}
	switch typ {
	case RecordDescribe:
		peer, err := ParseDescribe(record)
		if err != nil {
			s.fail(err)
			return
		}
		s.onDescribe(peer, record)
	case RecordStart:
		s.onStart()
	}
}

func (s *Session) onDescribe(peer *Describe, raw []byte) {
	s.mu.Lock()
	switch {
	case s.cfg.Initiator && s.state == StateClientHelloSent && s.peer == nil:
	case !s.cfg.Initiator && s.state == StateNew && s.local != nil && s.peer == nil:
	case !s.cfg.Initiator && s.state == StateNew && s.pending == nil:
		// Answered once Begin prepared the local record.
		s.pending = append([]byte(nil), raw...)
		s.mu.Unlock()
		return
	default:
		state := s.state
		s.mu.Unlock()
		s.fail(fmt.Errorf("%w: describe in state %s", ErrUnexpectedRecord, state))
		return
	}
	s.peer = peer
	local := s.local
	s.mu.Unlock()

	job, err := s.newJob(local, peer)
	if err != nil {
		s.fail(err)
		return
	}

	if s.cfg.Initiator {
		s.mu.Lock()
		s.job = job
		s.state = StateStarted
		s.mu.Unlock()
		if err := s.ch.Send(startRecord()); err != nil {
			s.fail(fmt.Errorf("punch: send start: %w", err))
			return
		}
		s.launch(job)
		return
	}

	s.mu.Lock()
	s.job = job
	s.state = StateServerHelloSent
	s.mu.Unlock()
	if err := s.ch.Send(local.Serialize()); err != nil {
		s.fail(fmt.Errorf("punch: send describe: %w", err))
	}
}

func (s *Session) onStart() {
	s.mu.Lock()
	if s.cfg.Initiator || s.state != StateServerHelloSent {
		state := s.state
		s.mu.Unlock()
		s.fail(fmt.Errorf("%w: start in state %s", ErrUnexpectedRecord, state))
		return
	}
	s.state = StateStarted
	job := s.job
	s.mu.Unlock()
	s.launch(job)
}

func (s *Session) newJob(local, peer *Describe) (*Job, error) {
	host, port, err := peer.Host()
	if err != nil {
		return nil, err
	}
	settings := s.cfg.Settings
	settings.PortMin, settings.PortMax = peer.PortMin, peer.PortMax
	settings.Rate = agreedRate(settings.ClampedRate(), peer.Rate)
	logrus.WithFields(logrus.Fields{
		"function":  "Session.newJob",
		"local":     local.Rate,
		"peer":      peer.Rate,
		"effective": settings.Rate,
	}).Debug("Agreed rate")
	if settings.StartPort < settings.PortMin || settings.StartPort > settings.PortMax {
		settings.StartPort = 0
	}
	if settings.SequentialHint {
		settings.StartPort = hintedStart(settings, port)
	}
	return NewJob(JobConfig{
		Target:   host,
		Outbound: local.Magic,
		Inbound:  peer.Magic,
		Settings: settings,
		Network:  s.cfg.Network,
		Random:   s.cfg.Random,
	})
}

// agreedRate is the slower of both sides' rates. A peer reporting zero
// leaves the local rate in place.
func agreedRate(local int, peer uint16) int {
	if peer == 0 {
		return local
	}
	return min(local, clampRate(int(peer)))
}

func (s *Session) launch(job *Job) {
	if err := job.Start(); err != nil {
		s.fail(err)
		return
	}
	go func() {
		<-job.Done()
		if !s.finish(job.result, job.err) && job.result != nil {
			// The negotiation failed while the job ran.
			job.result.Conn.Close()
		}
	}()
}

// Abort resolves a negotiation whose job has not started, for example when
// the channel closed. A running job is not stopped.
func (s *Session) Abort(reason error) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state == StateStarted || state == StateSuccess || state == StateError {
		return
	}
	if reason == nil {
		reason = ErrAborted
	} else {
		reason = fmt.Errorf("%w: %w", ErrAborted, reason)
	}
	s.fail(reason)
}

func (s *Session) fail(err error) {
	logrus.WithFields(logrus.Fields{
		"function":  "Session.fail",
		"initiator": s.cfg.Initiator,
		"error":     err.Error(),
	}).Warn("Hole punch negotiation failed")
	s.finish(nil, err)
}

// finish resolves the negotiation once and reports whether this call did.
func (s *Session) finish(result *Result, err error) bool {
	resolved := false
	s.once.Do(func() {
		resolved = true
		s.mu.Lock()
		if err != nil {
			s.state = StateError
		} else {
			s.state = StateSuccess
		}
		s.result, s.err = result, err
		s.mu.Unlock()
		if s.cfg.OnResult != nil {
			s.cfg.OnResult(result, err)
		}
		close(s.done)
	})
	return resolved
}

// Done is closed once the negotiation resolved.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the negotiation resolves or ctx ends.
func (s *Session) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-s.done:
		return s.result, s.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
