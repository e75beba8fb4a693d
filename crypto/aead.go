package crypto

import (
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

const (
	// StandaloneTagSize is the truncated tag carried by standalone packets.
	StandaloneTagSize = 10
	// StandaloneCounterSize is the explicit counter carried by standalone packets.
	StandaloneCounterSize = 6
	// Overhead is the per-packet expansion of both modes.
	Overhead = TagSize
	// MaxStandaloneCounter is the largest counter a standalone packet can carry.
	MaxStandaloneCounter = 1<<(8*StandaloneCounterSize) - 1

	// standaloneSpace marks standalone IVs so they never collide with the
	// sequential counter under the same key.
	standaloneSpace = uint64(1) << 63
)

var (
	// ErrAuthFailure is returned when a packet fails authentication.
	ErrAuthFailure = errors.New("crypto: message authentication failed")
	// ErrReplay is returned when a standalone counter was already accepted
	// or has fallen behind the replay window.
	ErrReplay = errors.New("crypto: replayed or stale packet counter")
	// ErrNoKey is returned when a stream is used before SetKey.
	ErrNoKey = errors.New("crypto: packet stream has no key")
	// ErrCounterExhausted is returned when a counter space is used up.
	ErrCounterExhausted = errors.New("crypto: packet counter exhausted")
	// ErrInvalidKeySize is returned by SetKey for keys that are not 32 bytes.
	ErrInvalidKeySize = errors.New("crypto: key must be 32 bytes")
)

// PacketStream turns an AEAD into a counter-driven packet primitive. A stream
// belongs to one direction of one session: the sender only calls the Encrypt
// methods and the receiver only the Decrypt methods.
//
// Sequential packets are [16-byte tag][ciphertext] and must be decrypted in
// the order they were produced. Standalone packets are
// [10-byte tag][6-byte counter][ciphertext] and decrypt in any order, each
// counter at most once.
//
// A call that fails leaves both counters untouched.
type PacketStream struct {
	mu         sync.Mutex
	suite      Suite
	aead       cipher.AEAD
	key        [KeySize]byte
	common     uint32
	sequential uint64
	standalone uint64
	window     ReplayWindow
}

// NewPacketStream returns a keyless stream for suite.
func NewPacketStream(suite Suite) *PacketStream {
	return &PacketStream{suite: suite}
}

// Suite returns the stream's AEAD construction.
func (ps *PacketStream) Suite() Suite {
	return ps.suite
}

// SetKey installs a 32-byte key and resets both counters.
func (ps *PacketStream) SetKey(key []byte) error {
	if len(key) != KeySize {
		return fmt.Errorf("%w: got %d", ErrInvalidKeySize, len(key))
	}
	aead, err := newAEAD(ps.suite, key)
	if err != nil {
		return err
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()
	copy(ps.key[:], key)
	ps.aead = aead
	ps.sequential = 0
	ps.standalone = 0
	ps.window.Reset()
	return nil
}

// SetIV sets the fixed 32-bit field of every IV.
func (ps *PacketStream) SetIV(common uint32) {
	ps.mu.Lock()
	ps.common = common
	ps.mu.Unlock()
}

// Overhead returns the bytes added to every packet.
func (ps *PacketStream) Overhead() int {
	return Overhead
}

// Wipe clears the key material and disables the stream.
func (ps *PacketStream) Wipe() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ZeroBytes(ps.key[:])
	ps.aead = nil
}

func (ps *PacketStream) nonce(counter uint64) []byte {
	n := make([]byte, NonceSize)
	binary.BigEndian.PutUint32(n[:4], ps.common)
	binary.BigEndian.PutUint64(n[4:], counter)
	return n
}

// Encrypt seals plaintext under the next sequential counter.
func (ps *PacketStream) Encrypt(plaintext, aad []byte) ([]byte, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.aead == nil {
		return nil, ErrNoKey
	}
	if ps.sequential >= standaloneSpace {
		return nil, ErrCounterExhausted
	}

	sealed := ps.aead.Seal(nil, ps.nonce(ps.sequential), plaintext, aad)
	n := len(plaintext)
	out := make([]byte, TagSize+n)
	copy(out, sealed[n:])
	copy(out[TagSize:], sealed[:n])

	ps.sequential++
	return out, nil
}

// Decrypt opens a sequential packet. It only succeeds for the packet sealed
// with the counter this stream expects next.
func (ps *PacketStream) Decrypt(packet, aad []byte) ([]byte, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.aead == nil {
		return nil, ErrNoKey
	}
	if len(packet) < TagSize {
		return nil, fmt.Errorf("%w: packet of %d bytes is shorter than the tag", ErrAuthFailure, len(packet))
	}
	if ps.sequential >= standaloneSpace {
		return nil, ErrCounterExhausted
	}

	n := len(packet) - TagSize
	buf := make([]byte, 0, len(packet))
	buf = append(buf, packet[TagSize:]...)
	buf = append(buf, packet[:TagSize]...)

	plaintext, err := ps.aead.Open(buf[:0], ps.nonce(ps.sequential), buf, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: sequential counter %d", ErrAuthFailure, ps.sequential)
	}

	ps.sequential++
	return plaintext[:n:n], nil
}

// EncryptStandalone seals plaintext under the next standalone counter and
// embeds that counter in the packet.
func (ps *PacketStream) EncryptStandalone(plaintext, aad []byte) ([]byte, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.aead == nil {
		return nil, ErrNoKey
	}
	if ps.standalone > MaxStandaloneCounter {
		return nil, ErrCounterExhausted
	}

	counter := ps.standalone
	sealed := ps.aead.Seal(nil, ps.nonce(standaloneSpace|counter), plaintext, aad)
	n := len(plaintext)

	out := make([]byte, Overhead+n)
	copy(out[:StandaloneTagSize], sealed[n:])
	putUint48(out[StandaloneTagSize:Overhead], counter)
	copy(out[Overhead:], sealed[:n])

	ps.standalone++
	return out, nil
}

// DecryptStandalone opens a standalone packet. The truncated tag is checked by
// recomputing the full tag over the recovered plaintext; the plaintext is only
// returned once the first ten tag bytes match in constant time.
func (ps *PacketStream) DecryptStandalone(packet, aad []byte) ([]byte, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.aead == nil {
		return nil, ErrNoKey
	}
	if len(packet) < Overhead {
		return nil, fmt.Errorf("%w: packet of %d bytes is shorter than the header", ErrAuthFailure, len(packet))
	}

	counter := uint48(packet[StandaloneTagSize:Overhead])
	if !ps.window.Check(counter) {
		return nil, fmt.Errorf("%w: counter %d", ErrReplay, counter)
	}

	nonce := ps.nonce(standaloneSpace | counter)
	ciphertext := packet[Overhead:]
	plaintext := make([]byte, len(ciphertext))
	if err := xorKeyStream(ps.suite, ps.key[:], nonce, plaintext, ciphertext); err != nil {
		return nil, err
	}

	resealed := ps.aead.Seal(nil, nonce, plaintext, aad)
	n := len(plaintext)
	if subtle.ConstantTimeCompare(resealed[n:n+StandaloneTagSize], packet[:StandaloneTagSize]) != 1 {
		ZeroBytes(plaintext)
		return nil, fmt.Errorf("%w: standalone counter %d", ErrAuthFailure, counter)
	}

	ps.window.Accept(counter)
	return plaintext, nil
}

func putUint48(b []byte, v uint64) {
	_ = b[5]
	b[0] = byte(v >> 40)
	b[1] = byte(v >> 32)
	b[2] = byte(v >> 24)
	b[3] = byte(v >> 16)
	b[4] = byte(v >> 8)
	b[5] = byte(v)
}

func uint48(b []byte) uint64 {
	_ = b[5]
	return uint64(b[0])<<40 | uint64(b[1])<<32 | uint64(b[2])<<24 |
		uint64(b[3])<<16 | uint64(b[4])<<8 | uint64(b[5])
}
