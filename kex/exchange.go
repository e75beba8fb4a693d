package kex

import (
	"bytes"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/flynn/noise"
	"github.com/opd-ai/natpipe/crypto"
	"github.com/sirupsen/logrus"
)

const (
	// ProtocolVersion is the highest version this package speaks.
	ProtocolVersion uint32 = 2
	// MinVersion is the lowest version this package accepts.
	MinVersion uint32 = 2
	// NonceSize is the length of each side's handshake nonce.
	NonceSize = 64

	dhLen = 32
)

var (
	serverProofLabel = []byte("natpipe server proof")
	clientProofLabel = []byte("natpipe client proof")
)

// Key expansion labels.
const (
	labelKeyAB byte = 'A'
	labelKeyBA byte = 'B'
	labelIVAB  byte = 'C'
	labelIVBA  byte = 'D'
)

// DirectionKeys is the material one direction of a session switches to.
type DirectionKeys struct {
	Suite crypto.Suite
	Key   []byte
	IV    uint32
}

// Step is one action the owner of an Exchange must perform. Steps are
// returned in order and must be applied in that order: a record sent before
// an install goes out under the old keys, one sent after under the new ones.
type Step struct {
	Send            []byte
	InstallOutbound *DirectionKeys
	InstallInbound  *DirectionKeys
}

// Config configures one side of an exchange.
type Config struct {
	Role     Role
	Identity *crypto.Identity

	// PinnedPeer, when non-zero, is the only long-term key accepted.
	PinnedPeer crypto.PublicKey
	// Trust is the set of accepted peers. Empty or nil means trust on first use.
	Trust *crypto.TrustStore

	// Version defaults to ProtocolVersion.
	Version uint32
	// Suites is a capability mask and defaults to crypto.SupportedSuites().
	Suites uint32
	// Random defaults to crypto/rand.Reader.
	Random io.Reader
}

// Exchange runs the authenticated key exchange for one session. It never
// touches a transport: Start and Receive return the Steps the caller performs.
// An Exchange is not safe for concurrent use.
type Exchange struct {
	cfg   Config
	cs    noise.CipherSuite
	state State
	err   *Error

	ephemeral     noise.DHKey
	peerEphemeral []byte
	localNonce    []byte
	peerNonce     []byte
	k             []byte
	h             []byte

	peerKey  crypto.PublicKey
	decision crypto.TrustDecision
	version  uint32
	suite    crypto.Suite

	outbound *DirectionKeys
	inbound  *DirectionKeys
}

// NewExchange validates cfg and returns an Exchange in StateNew.
func NewExchange(cfg Config) (*Exchange, error) {
	if cfg.Identity == nil {
		return nil, errors.New("kex: config requires a long-term identity")
	}
	if cfg.Version == 0 {
		cfg.Version = ProtocolVersion
	}
	if cfg.Suites == 0 {
		cfg.Suites = crypto.SupportedSuites()
	}
	if cfg.Random == nil {
		cfg.Random = rand.Reader
	}

	return &Exchange{
		cfg:     cfg,
		cs:      noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2b),
		state:   StateNew,
		peerKey: cfg.PinnedPeer,
	}, nil
}

// State returns the current handshake state.
func (x *Exchange) State() State { return x.state }

// Role returns the configured role.
func (x *Exchange) Role() Role { return x.cfg.Role }

// Err returns the terminal error once the exchange is in StateError.
func (x *Exchange) Err() error {
	if x.err == nil {
		return nil
	}
	return x.err
}

// Done reports whether the handshake completed.
func (x *Exchange) Done() bool { return x.state == StateDone }

// PeerIdentity returns the verified long-term key of the peer.
func (x *Exchange) PeerIdentity() (crypto.PublicKey, bool) {
	if x.state != StateDone {
		return crypto.PublicKey{}, false
	}
	return x.peerKey, true
}

// TrustDecision reports how the peer's key was accepted.
func (x *Exchange) TrustDecision() crypto.TrustDecision { return x.decision }

// SharedSecret returns a copy of K.
func (x *Exchange) SharedSecret() []byte { return append([]byte(nil), x.k...) }

// ExchangeHash returns a copy of H.
func (x *Exchange) ExchangeHash() []byte { return append([]byte(nil), x.h...) }

// Version returns the negotiated protocol version.
func (x *Exchange) Version() uint32 { return x.version }

// Suite returns the negotiated cipher suite.
func (x *Exchange) Suite() crypto.Suite { return x.suite }

// OutboundKeys returns the keys installed for sending, if any.
func (x *Exchange) OutboundKeys() *DirectionKeys { return x.outbound }

// InboundKeys returns the keys installed for receiving, if any.
func (x *Exchange) InboundKeys() *DirectionKeys { return x.inbound }

// Start begins the exchange by announcing the local version record.
func (x *Exchange) Start() ([]Step, error) {
	if x.state == StateError {
		return nil, x.err
	}
	if x.state != StateNew {
		return nil, x.fail(KindProtocol, fmt.Errorf("start called in state %s", x.state))
	}

	logrus.WithFields(logrus.Fields{
		"function": "Exchange.Start",
		"role":     x.cfg.Role.String(),
		"version":  x.cfg.Version,
		"suites":   fmt.Sprintf("%#x", x.cfg.Suites),
	}).Debug("Starting key exchange")

	x.state = StateVersionSent
	rec := VersionRecord{Version: x.cfg.Version, Suites: x.cfg.Suites}
	return []Step{{Send: rec.Serialize()}}, nil
}

// Rekey returns a completed exchange to StateNew so it can run again over the
// same session. The peer's verified key stays pinned.
func (x *Exchange) Rekey() error {
	if x.state != StateDone {
		return fmt.Errorf("kex: rekey requires state Done, have %s", x.state)
	}
	x.wipe()
	x.cfg.PinnedPeer = x.peerKey
	x.state = StateNew
	return nil
}

// Abort moves an unfinished exchange to StateError, for example when the
// transport closed mid-handshake. It is a no-op once Done or failed.
func (x *Exchange) Abort(reason error) {
	if x.state == StateDone || x.state == StateError {
		return
	}
	x.fail(KindProtocol, fmt.Errorf("aborted: %w", reason))
}

// Receive processes one record from the peer.
func (x *Exchange) Receive(record []byte) ([]Step, error) {
	switch x.state {
	case StateError:
		return nil, x.err
	case StateDone:
		return nil, x.fail(KindProtocol, errors.New("record received after completion"))
	}
	if len(record) == 0 {
		return nil, x.fail(KindMalformed, errors.New("empty record"))
	}

	kind, body := RecordKind(record[0]), record[1:]

	logrus.WithFields(logrus.Fields{
		"function": "Exchange.Receive",
		"role":     x.cfg.Role.String(),
		"state":    x.state.String(),
		"record":   kind.String(),
		"size":     len(record),
	}).Debug("Processing key exchange record")

	switch {
	case kind == RecordVersion && x.state == StateVersionSent:
		return x.onVersion(body)
	case kind == RecordClientHello && x.cfg.Role == Responder && x.state == StateVersionReceived:
		return x.onClientHello(body)
	case kind == RecordServerHello && x.cfg.Role == Initiator && x.state == StateAwaitingPeerHello:
		return x.onServerHello(body)
	case kind == RecordNewKeys && x.state == StateAwaitingNewKeys:
		return x.onNewKeys(body)
	case kind == RecordIdentity && x.cfg.Role == Responder && x.state == StateAwaitingPeerIdentity:
		return x.onIdentity(body)
	default:
		return nil, x.fail(KindProtocol, fmt.Errorf("unexpected %s record", kind))
	}
}

func (x *Exchange) onVersion(body []byte) ([]Step, error) {
	rec, err := ParseVersionRecord(body)
	if err != nil {
		return nil, x.fail(KindMalformed, err)
	}

	version := x.cfg.Version
	if rec.Version < version {
		version = rec.Version
	}
	if version < MinVersion {
		return nil, x.fail(KindMalformed, fmt.Errorf("peer version %d below minimum %d", rec.Version, MinVersion))
	}
	suite, err := crypto.SelectSuite(x.cfg.Suites, rec.Suites)
	if err != nil {
		return nil, x.fail(KindMalformed, err)
	}
	x.version = version
	x.suite = suite
	x.state = StateVersionReceived

	if x.cfg.Role == Responder {
		return nil, nil
	}

	if err := x.generateEphemeral(); err != nil {
		return nil, x.fail(KindCrypto, err)
	}
	hello := HelloRecord{Ephemeral: x.ephemeral.Public, Nonce: x.localNonce}
	x.state = StateAwaitingPeerHello
	return []Step{{Send: hello.Serialize(RecordClientHello)}}, nil
}

func (x *Exchange) onClientHello(body []byte) ([]Step, error) {
	hello, err := ParseHelloRecord(RecordClientHello, body)
	if err != nil {
		return nil, x.fail(KindMalformed, err)
	}
	if err := checkHelloSizes(hello); err != nil {
		return nil, x.fail(KindMalformed, err)
	}
	x.peerEphemeral = append([]byte(nil), hello.Ephemeral...)
	x.peerNonce = append([]byte(nil), hello.Nonce...)

	if err := x.generateEphemeral(); err != nil {
		return nil, x.fail(KindCrypto, err)
	}
	if err := x.computeSecrets(x.peerEphemeral, x.ephemeral.Public, x.peerNonce, x.localNonce); err != nil {
		return nil, x.fail(KindCrypto, err)
	}
	x.state = StateEphemeralExchanged

	sig, err := x.cfg.Identity.Sign(proof(serverProofLabel, x.h))
	if err != nil {
		return nil, x.fail(KindCrypto, fmt.Errorf("failed to sign exchange hash: %w", err))
	}
	pub := x.cfg.Identity.PublicKey()
	reply := HelloRecord{
		Ephemeral: x.ephemeral.Public,
		Nonce:     x.localNonce,
		LongTerm:  pub[:],
		Signature: sig[:],
	}

	x.outbound, x.inbound = x.deriveKeys()
	x.state = StateAwaitingNewKeys
	return []Step{
		{Send: reply.Serialize(RecordServerHello)},
		{Send: []byte{byte(RecordNewKeys)}},
		{InstallOutbound: x.outbound},
	}, nil
}

func (x *Exchange) onServerHello(body []byte) ([]Step, error) {
	hello, err := ParseHelloRecord(RecordServerHello, body)
	if err != nil {
		return nil, x.fail(KindMalformed, err)
	}
	if err := checkHelloSizes(hello); err != nil {
		return nil, x.fail(KindMalformed, err)
	}
	peerKey, sig, err := parseProofFields(hello.LongTerm, hello.Signature)
	if err != nil {
		return nil, x.fail(KindMalformed, err)
	}
	x.peerEphemeral = append([]byte(nil), hello.Ephemeral...)
	x.peerNonce = append([]byte(nil), hello.Nonce...)

	if err := x.computeSecrets(x.ephemeral.Public, x.peerEphemeral, x.localNonce, x.peerNonce); err != nil {
		return nil, x.fail(KindCrypto, err)
	}
	x.state = StateEphemeralExchanged

	if err := x.verifyPeer(peerKey, sig, serverProofLabel); err != nil {
		return nil, err
	}

	x.outbound, x.inbound = x.deriveKeys()
	x.state = StateAwaitingNewKeys
	return []Step{
		{Send: []byte{byte(RecordNewKeys)}},
		{InstallOutbound: x.outbound},
	}, nil
}

func (x *Exchange) onNewKeys(body []byte) ([]Step, error) {
	if len(body) != 0 {
		return nil, x.fail(KindMalformed, fmt.Errorf("NewKeys carries %d unexpected bytes", len(body)))
	}
	steps := []Step{{InstallInbound: x.inbound}}

	if x.cfg.Role == Responder {
		x.state = StateAwaitingPeerIdentity
		return steps, nil
	}

	x.state = StateKeysInstalled
	sig, err := x.cfg.Identity.Sign(proof(clientProofLabel, x.h))
	if err != nil {
		return nil, x.fail(KindCrypto, fmt.Errorf("failed to sign exchange hash: %w", err))
	}
	pub := x.cfg.Identity.PublicKey()
	rec := IdentityRecord{LongTerm: pub[:], Signature: sig[:]}
	steps = append(steps, Step{Send: rec.Serialize()})
	x.complete()
	return steps, nil
}

func (x *Exchange) onIdentity(body []byte) ([]Step, error) {
	rec, err := ParseIdentityRecord(body)
	if err != nil {
		return nil, x.fail(KindMalformed, err)
	}
	peerKey, sig, err := parseProofFields(rec.LongTerm, rec.Signature)
	if err != nil {
		return nil, x.fail(KindMalformed, err)
	}
	if err := x.verifyPeer(peerKey, sig, clientProofLabel); err != nil {
		return nil, err
	}
	x.complete()
	return nil, nil
}

func (x *Exchange) complete() {
	x.state = StateDone
	logrus.WithFields(logrus.Fields{
		"function": "Exchange.complete",
		"role":     x.cfg.Role.String(),
		"version":  x.version,
		"suite":    x.suite.String(),
		"peer":     x.peerKey.Fingerprint().String(),
		"trust":    x.decision.String(),
	}).Info("Key exchange complete")
}

func (x *Exchange) generateEphemeral() error {
	kp, err := x.cs.GenerateKeypair(x.cfg.Random)
	if err != nil {
		return fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(x.cfg.Random, nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}
	x.ephemeral = kp
	x.localNonce = nonce
	return nil
}

// computeSecrets derives K and H. Arguments are ordered initiator first.
func (x *Exchange) computeSecrets(ephA, ephB, nonceA, nonceB []byte) error {
	k, err := x.cs.DH(x.ephemeral.Private, x.peerEphemeral)
	if err != nil {
		return fmt.Errorf("key agreement failed: %w", err)
	}
	if subtle.ConstantTimeCompare(k, make([]byte, len(k))) == 1 {
		return errors.New("key agreement produced an all-zero secret")
	}
	crypto.ZeroBytes(x.ephemeral.Private)

	hasher := x.cs.Hash()
	hasher.Write(k)
	hasher.Write(ephA)
	hasher.Write(ephB)
	hasher.Write(nonceA)
	hasher.Write(nonceB)

	x.k = k
	x.h = hasher.Sum(nil)
	return nil
}

// deriveKeys expands K and H into the local outbound and inbound keys.
func (x *Exchange) deriveKeys() (out, in *DirectionKeys) {
	ab := &DirectionKeys{
		Suite: x.suite,
		Key:   crypto.ExpandKey(x.k, x.h, labelKeyAB, crypto.KeySize),
		IV:    binary.BigEndian.Uint32(crypto.ExpandKey(x.k, x.h, labelIVAB, 4)),
	}
	ba := &DirectionKeys{
		Suite: x.suite,
		Key:   crypto.ExpandKey(x.k, x.h, labelKeyBA, crypto.KeySize),
		IV:    binary.BigEndian.Uint32(crypto.ExpandKey(x.k, x.h, labelIVBA, 4)),
	}
	if x.cfg.Role == Initiator {
		return ab, ba
	}
	return ba, ab
}

func (x *Exchange) verifyPeer(peerKey crypto.PublicKey, sig crypto.Signature, label []byte) error {
	ok, err := crypto.Verify(proof(label, x.h), sig, peerKey)
	if err != nil || !ok {
		return x.fail(KindCrypto, errors.New("peer signature over exchange hash is invalid"))
	}

	decision, err := x.cfg.Trust.Evaluate(peerKey, x.cfg.PinnedPeer)
	if err != nil {
		return x.fail(KindTrust, err)
	}
	x.peerKey = peerKey
	x.decision = decision
	return nil
}

func (x *Exchange) fail(kind ErrorKind, err error) error {
	e := &Error{Kind: kind, State: x.state, Err: err}
	x.err = e
	x.state = StateError
	x.wipe()

	logger := crypto.NewPackageLogger("kex", "Exchange.fail").
		WithFields(logrus.Fields{
			"role":  x.cfg.Role.String(),
			"state": e.State.String(),
		}).
		WithError(err, kind.String(), "key_exchange")
	if kind == KindTrust {
		logger.Warn("Key exchange rejected peer identity")
	} else {
		logger.Error("Key exchange failed")
	}
	return e
}

func (x *Exchange) wipe() {
	crypto.ZeroBytes(x.ephemeral.Private)
	crypto.ZeroBytes(x.k)
	x.ephemeral = noise.DHKey{}
	x.k = nil
}

func proof(label, h []byte) []byte {
	return append(append(make([]byte, 0, len(label)+len(h)), label...), h...)
}

func checkHelloSizes(h *HelloRecord) error {
	if len(h.Ephemeral) != dhLen {
		return fmt.Errorf("ephemeral key is %d bytes, want %d", len(h.Ephemeral), dhLen)
	}
	if len(h.Nonce) != NonceSize {
		return fmt.Errorf("nonce is %d bytes, want %d", len(h.Nonce), NonceSize)
	}
	return nil
}

func parseProofFields(longTerm, signature []byte) (crypto.PublicKey, crypto.Signature, error) {
	var sig crypto.Signature
	pub, err := crypto.PublicKeyFromBytes(longTerm)
	if err != nil {
		return pub, sig, err
	}
	if len(signature) != crypto.SignatureSize {
		return pub, sig, fmt.Errorf("signature is %d bytes, want %d", len(signature), crypto.SignatureSize)
	}
	copy(sig[:], signature)
	return pub, sig, nil
}

// Equal reports whether two key sets are identical.
func (d *DirectionKeys) Equal(o *DirectionKeys) bool {
	if d == nil || o == nil {
		return d == o
	}
	return d.Suite == o.Suite && d.IV == o.IV && bytes.Equal(d.Key, o.Key)
}
