package session

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/opd-ai/natpipe/crypto"
	"github.com/opd-ai/natpipe/kex"
	"github.com/opd-ai/natpipe/limits"
	"github.com/opd-ai/natpipe/transport"
	"github.com/sirupsen/logrus"
)

// Config configures one end of an encrypted session.
type Config struct {
	Role     kex.Role
	Identity *crypto.Identity

	// PinnedPeer, when non-zero, is the only peer key accepted.
	PinnedPeer crypto.PublicKey
	// Trust restricts peers to a configured set. Nil means trust on first use.
	Trust *crypto.TrustStore

	// AllowEncryptionDowngrade lets the peer switch its outbound direction to
	// plaintext with a DisableEncryption packet. Off by default; when off,
	// such a packet is fatal.
	AllowEncryptionDowngrade bool

	// Random overrides the key exchange entropy source, for tests.
	Random io.Reader
}

// Session runs the key exchange over a transport and then encrypts all
// application traffic on it. It satisfies transport.Transport itself, so a
// pipe multiplexer can sit directly on top.
//
// Transport callbacks drive the session on the transport's reader goroutine;
// the session's own callbacks fire on that same goroutine. Send, SendRaw and
// Close may be called from any goroutine.
type Session struct {
	cfg Config
	t   transport.Transport

	// x and inbound are only touched on the reader goroutine.
	x       *kex.Exchange
	inbound *crypto.PacketStream

	mu     sync.RWMutex
	events transport.Events
	peer   crypto.PublicKey
	err    error

	// sendMu orders every outbound packet so the sequential counter on the
	// wire matches the order the peer decrypts in.
	sendMu   sync.Mutex
	outbound *crypto.PacketStream

	started           atomic.Bool
	handshakeComplete atomic.Bool
	inboundEnabled    atomic.Bool
	closing           atomic.Bool
	closeCalled       atomic.Bool
	failed            atomic.Bool
	closeFired        atomic.Bool
}

var _ transport.Transport = (*Session)(nil)

// New creates a session over t. Nothing is sent until Start.
func New(t transport.Transport, cfg Config) (*Session, error) {
	if t == nil {
		return nil, errors.New("session: nil transport")
	}
	x, err := kex.NewExchange(kex.Config{
		Role:       cfg.Role,
		Identity:   cfg.Identity,
		PinnedPeer: cfg.PinnedPeer,
		Trust:      cfg.Trust,
		Random:     cfg.Random,
	})
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	return &Session{cfg: cfg, t: t, x: x}, nil
}

// SetEvents installs the application callbacks. OnOpen fires once the key
// exchange is done, OnPacket delivers decrypted Data, OnRaw decrypted raw
// packets.
func (s *Session) SetEvents(events transport.Events) {
	s.mu.Lock()
	s.events = events
	s.mu.Unlock()
}

func (s *Session) snapshot() transport.Events {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.events
}

// Start hooks the session to its transport and starts the transport. The key
// exchange begins as soon as the transport reports open.
func (s *Session) Start() error {
	if s.started.Swap(true) {
		return transport.ErrAlreadyStarted
	}
	s.t.SetEvents(transport.Events{
		OnOpen:   s.onTransportOpen,
		OnPacket: s.onPacket,
		OnRaw:    s.onRaw,
		OnError:  s.onTransportError,
		OnClose:  s.onTransportClose,
	})
	return s.t.Start()
}

// Send encrypts and sends one Data packet.
func (s *Session) Send(packet []byte) error {
	if s.closing.Load() {
		return transport.ErrClosed
	}
	if !s.handshakeComplete.Load() {
		return ErrNotReady
	}
	if err := limits.ValidatePayload(packet, s.MTU()); err != nil {
		return fmt.Errorf("session: %w", err)
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.sendLocked(KindData, packet)
}

// SendRaw sends a best-effort packet sealed in standalone mode, so the peer
// can authenticate it regardless of what else was lost or reordered.
func (s *Session) SendRaw(packet []byte) error {
	if s.closing.Load() {
		return transport.ErrClosed
	}
	if !s.handshakeComplete.Load() {
		return ErrNotReady
	}
	if err := limits.ValidatePayload(packet, s.MTU()); err != nil {
		return fmt.Errorf("session: %w", err)
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	body := packet
	if s.outbound != nil {
		sealed, err := s.outbound.EncryptStandalone(packet, rawAAD)
		if err != nil {
			return fmt.Errorf("session: seal raw packet: %w", err)
		}
		body = sealed
	}
	return s.t.SendRaw(body)
}

// Close sends a Close packet and closes the transport. It is idempotent;
// OnClose fires once when the transport has shut down.
func (s *Session) Close() error {
	if s.closeCalled.Swap(true) {
		return nil
	}
	s.closing.Store(true)

	if s.started.Load() {
		s.sendMu.Lock()
		if err := s.sendLocked(KindClose, nil); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Session.Close",
				"role":     s.cfg.Role.String(),
				"error":    err.Error(),
			}).Debug("Close packet not sent")
		}
		s.sendMu.Unlock()
	}
	return s.t.Close()
}

// MTU is the transport MTU minus the kind byte and the AEAD tag.
func (s *Session) MTU() int {
	return limits.SubtractHeader(s.t.MTU(), HeaderSize+crypto.Overhead)
}

// PeerIdentity returns the peer's verified long-term key once the handshake
// completed.
func (s *Session) PeerIdentity() (crypto.PublicKey, bool) {
	if !s.handshakeComplete.Load() {
		return crypto.PublicKey{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peer, true
}

// HandshakeComplete reports whether application data may flow.
func (s *Session) HandshakeComplete() bool {
	return s.handshakeComplete.Load()
}

// EncryptionEnabled reports whether each direction is currently encrypted.
func (s *Session) EncryptionEnabled() (inbound, outbound bool) {
	s.sendMu.Lock()
	outbound = s.outbound != nil
	s.sendMu.Unlock()
	return s.inboundEnabled.Load(), outbound
}

// Err returns the error that tore the session down, if any.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// DisableEncryption switches the outbound direction to plaintext after
// telling the peer. Both ends must allow downgrades.
func (s *Session) DisableEncryption() error {
	if !s.cfg.AllowEncryptionDowngrade {
		return ErrDowngradeRefused
	}
	if !s.handshakeComplete.Load() {
		return ErrNotReady
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.outbound == nil {
		return nil
	}
	if err := s.sendLocked(KindDisableEncryption, nil); err != nil {
		return err
	}
	s.outbound.Wipe()
	s.outbound = nil

	logrus.WithFields(logrus.Fields{
		"function": "Session.DisableEncryption",
		"role":     s.cfg.Role.String(),
	}).Warn("Outbound encryption disabled")
	return nil
}

// sendLocked frames and, if a key is installed, seals one packet. The caller
// holds sendMu.
func (s *Session) sendLocked(kind Kind, payload []byte) error {
	body := payload
	if s.outbound != nil {
		sealed, err := s.outbound.Encrypt(payload, kind.aad())
		if err != nil {
			return fmt.Errorf("session: seal %s packet: %w", kind, err)
		}
		body = sealed
	}
	return s.t.Send(encodePacket(kind, body))
}

func (s *Session) onTransportOpen() {
	logrus.WithFields(logrus.Fields{
		"function": "Session.onTransportOpen",
		"role":     s.cfg.Role.String(),
	}).Debug("Transport open, starting key exchange")

	steps, err := s.x.Start()
	if err != nil {
		s.fail(err)
		return
	}
	if err := s.apply(steps); err != nil {
		s.fail(err)
	}
}

// apply performs key exchange steps in order under the send lock, so no
// other packet can slip between a record and the key switch that follows it.
func (s *Session) apply(steps []kex.Step) error {
	s.sendMu.Lock()
	for _, step := range steps {
		if step.Send != nil {
			if err := s.sendLocked(KindKex, step.Send); err != nil {
				s.sendMu.Unlock()
				return err
			}
		}
		if step.InstallOutbound != nil {
			stream, err := newStream(step.InstallOutbound)
			if err != nil {
				s.sendMu.Unlock()
				return err
			}
			s.outbound = stream
		}
		if step.InstallInbound != nil {
			stream, err := newStream(step.InstallInbound)
			if err != nil {
				s.sendMu.Unlock()
				return err
			}
			s.inbound = stream
			s.inboundEnabled.Store(true)
		}
	}
	s.sendMu.Unlock()

	if s.x.Done() && !s.handshakeComplete.Load() {
		s.completeHandshake()
	}
	return nil
}

func (s *Session) completeHandshake() {
	peer, _ := s.x.PeerIdentity()
	s.mu.Lock()
	s.peer = peer
	s.mu.Unlock()
	s.handshakeComplete.Store(true)

	logrus.WithFields(logrus.Fields{
		"function": "Session.completeHandshake",
		"role":     s.cfg.Role.String(),
		"peer":     peer.Fingerprint().String(),
		"suite":    s.x.Suite().String(),
	}).Info("Encrypted session established")

	if ev := s.snapshot(); ev.OnOpen != nil {
		ev.OnOpen()
	}
}

func (s *Session) onPacket(packet []byte) {
	if s.closing.Load() {
		return
	}
	kind, body, err := decodePacket(packet)
	if err != nil {
		s.fail(err)
		return
	}

	payload := body
	if s.inboundEnabled.Load() {
		payload, err = s.inbound.Decrypt(body, kind.aad())
		if err != nil {
			s.fail(fmt.Errorf("session: open %s packet: %w", kind, err))
			return
		}
	}

	switch kind {
	case KindKex:
		steps, err := s.x.Receive(payload)
		if err != nil {
			s.fail(err)
			return
		}
		if err := s.apply(steps); err != nil {
			s.fail(err)
		}

	case KindData:
		if !s.handshakeComplete.Load() {
			s.fail(fmt.Errorf("%w: data before handshake completion", ErrProtocol))
			return
		}
		if ev := s.snapshot(); ev.OnPacket != nil {
			ev.OnPacket(payload)
		}

	case KindDisableEncryption:
		if !s.cfg.AllowEncryptionDowngrade {
			s.fail(ErrDowngradeRefused)
			return
		}
		if !s.handshakeComplete.Load() {
			s.fail(fmt.Errorf("%w: downgrade before handshake completion", ErrProtocol))
			return
		}
		s.inboundEnabled.Store(false)
		s.inbound.Wipe()
		logrus.WithFields(logrus.Fields{
			"function": "Session.onPacket",
			"role":     s.cfg.Role.String(),
		}).Warn("Peer disabled its outbound encryption")

	case KindClose:
		logrus.WithFields(logrus.Fields{
			"function": "Session.onPacket",
			"role":     s.cfg.Role.String(),
		}).Debug("Peer closed the session")
		s.closing.Store(true)
		if s.failed.CompareAndSwap(false, true) {
			s.mu.Lock()
			s.err = ErrPeerClosed
			s.mu.Unlock()
		}
		s.t.Close()
	}
}

func (s *Session) onRaw(packet []byte) {
	if s.closing.Load() {
		return
	}
	if !s.handshakeComplete.Load() {
		logrus.WithFields(logrus.Fields{
			"function": "Session.onRaw",
			"role":     s.cfg.Role.String(),
			"size":     len(packet),
		}).Debug("Dropping raw packet received before handshake completion")
		return
	}

	payload := packet
	if s.inboundEnabled.Load() {
		var err error
		payload, err = s.inbound.DecryptStandalone(packet, rawAAD)
		if errors.Is(err, crypto.ErrReplay) {
			logrus.WithFields(logrus.Fields{
				"function": "Session.onRaw",
				"role":     s.cfg.Role.String(),
			}).Debug("Dropping replayed raw packet")
			return
		}
		if err != nil {
			s.fail(fmt.Errorf("session: open raw packet: %w", err))
			return
		}
	}
	if ev := s.snapshot(); ev.OnRaw != nil {
		ev.OnRaw(payload)
	}
}

func (s *Session) onTransportError(err error) {
	s.report(err)
}

func (s *Session) onTransportClose() {
	s.closing.Store(true)
	s.x.Abort(transport.ErrClosed)

	s.sendMu.Lock()
	if s.outbound != nil {
		s.outbound.Wipe()
	}
	s.sendMu.Unlock()
	if s.inbound != nil {
		s.inbound.Wipe()
	}

	if !s.closeFired.CompareAndSwap(false, true) {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function":  "Session.onTransportClose",
		"role":      s.cfg.Role.String(),
		"handshake": s.handshakeComplete.Load(),
	}).Debug("Session closed")
	if ev := s.snapshot(); ev.OnClose != nil {
		ev.OnClose()
	}
}

// fail tears the session down after a fatal error. There is no recovery: the
// caller has to build a new transport.
func (s *Session) fail(err error) {
	if !s.report(err) {
		return
	}
	s.closing.Store(true)
	s.x.Abort(err)

	s.sendMu.Lock()
	// Best effort: lets a peer on a transport without close signalling learn
	// about the teardown.
	_ = s.sendLocked(KindClose, nil)
	s.sendMu.Unlock()
	s.t.Close()
}

// report records and surfaces the first error. It reports whether err was
// the first.
func (s *Session) report(err error) bool {
	if !s.failed.CompareAndSwap(false, true) {
		return false
	}
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()

	errType := errorType(err)
	entry := logrus.WithFields(logrus.Fields{
		"function":   "Session.fail",
		"role":       s.cfg.Role.String(),
		"error":      err.Error(),
		"error_type": errType,
	})
	if errType == "trust" {
		entry.Warn("Session rejected peer identity")
	} else {
		entry.Error("Session failed")
	}

	if ev := s.snapshot(); ev.OnError != nil {
		ev.OnError(err)
	}
	return true
}

func errorType(err error) string {
	switch {
	case errors.Is(err, kex.ErrTrust), errors.Is(err, crypto.ErrUntrusted):
		return "trust"
	case errors.Is(err, kex.ErrCrypto), errors.Is(err, crypto.ErrAuthFailure):
		return "crypto"
	case errors.Is(err, kex.ErrMalformed), errors.Is(err, ErrMalformed):
		return "malformed"
	case errors.Is(err, kex.ErrProtocol), errors.Is(err, ErrProtocol), errors.Is(err, ErrDowngradeRefused):
		return "protocol"
	default:
		return "transport"
	}
}

func newStream(keys *kex.DirectionKeys) (*crypto.PacketStream, error) {
	stream := crypto.NewPacketStream(keys.Suite)
	if err := stream.SetKey(keys.Key); err != nil {
		return nil, fmt.Errorf("session: install key: %w", err)
	}
	stream.SetIV(keys.IV)
	return stream, nil
}
