package session

import (
	"errors"
	"fmt"
)

// Kind is the first byte of every ordered session packet.
type Kind byte

const (
	KindData              Kind = 1
	KindKex               Kind = 2
	KindDisableEncryption Kind = 3
	KindClose             Kind = 4
)

// HeaderSize is the kind byte in front of every ordered packet.
const HeaderSize = 1

func (k Kind) String() string {
	switch k {
	case KindData:
		return "Data"
	case KindKex:
		return "Kex"
	case KindDisableEncryption:
		return "DisableEncryption"
	case KindClose:
		return "Close"
	default:
		return fmt.Sprintf("Kind(%d)", byte(k))
	}
}

func (k Kind) valid() bool {
	return k >= KindData && k <= KindClose
}

// aad authenticates the kind byte alongside the payload.
func (k Kind) aad() []byte {
	return []byte{byte(k)}
}

// rawAAD binds raw packets to their own context so an ordered payload can
// never be replayed as a raw one.
var rawAAD = []byte("natpipe raw")

var (
	// ErrNotReady is returned when sending before the handshake completed.
	ErrNotReady = errors.New("session: handshake not complete")
	// ErrProtocol reports a packet the session did not expect in its state.
	ErrProtocol = errors.New("session: protocol violation")
	// ErrMalformed reports a packet that cannot be parsed.
	ErrMalformed = errors.New("session: malformed packet")
	// ErrDowngradeRefused reports a DisableEncryption request the session
	// was not configured to honor.
	ErrDowngradeRefused = errors.New("session: encryption downgrade refused")
	// ErrPeerClosed is recorded when the peer sent Close.
	ErrPeerClosed = errors.New("session: closed by peer")
)

func encodePacket(kind Kind, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = byte(kind)
	copy(buf[HeaderSize:], payload)
	return buf
}

func decodePacket(packet []byte) (Kind, []byte, error) {
	if len(packet) < HeaderSize {
		return 0, nil, fmt.Errorf("%w: empty packet", ErrMalformed)
	}
	kind := Kind(packet[0])
	if !kind.valid() {
		return 0, nil, fmt.Errorf("%w: unknown kind %d", ErrMalformed, packet[0])
	}
	return kind, packet[HeaderSize:], nil
}
