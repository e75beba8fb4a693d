package kex

import (
	"errors"
	"fmt"
)

// Role selects which side of the exchange a party plays.
type Role uint8

const (
	// Initiator is the side that opened the underlying transport.
	Initiator Role = iota
	// Responder is the side that accepted it.
	Responder
)

// String returns the role name.
func (r Role) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

// State is the position of an Exchange in the handshake.
type State uint8

const (
	StateNew State = iota
	StateVersionSent
	StateVersionReceived
	StateEphemeralExchanged
	StateAwaitingPeerHello
	StateAwaitingNewKeys
	StateKeysInstalled
	StateAwaitingPeerIdentity
	StateDone
	StateError
)

var stateNames = [...]string{
	StateNew:                  "New",
	StateVersionSent:          "VersionSent",
	StateVersionReceived:      "VersionReceived",
	StateEphemeralExchanged:   "EphemeralExchanged",
	StateAwaitingPeerHello:    "AwaitingPeerHello",
	StateAwaitingNewKeys:      "AwaitingNewKeys",
	StateKeysInstalled:        "KeysInstalled",
	StateAwaitingPeerIdentity: "AwaitingPeerIdentity",
	StateDone:                 "Done",
	StateError:                "Error",
}

// String returns the state name.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// ErrorKind classifies a handshake failure.
type ErrorKind uint8

const (
	// KindMalformed means a record violated the expected shape or length.
	KindMalformed ErrorKind = iota + 1
	// KindCrypto means a signature, key agreement or derivation failed.
	KindCrypto
	// KindTrust means the peer's long-term key failed the trust policy.
	KindTrust
	// KindProtocol means a record arrived in a state that does not expect it.
	KindProtocol
)

// Sentinels matched by errors.Is against any *Error of the same kind.
var (
	ErrMalformed = errors.New("kex: malformed record")
	ErrCrypto    = errors.New("kex: cryptographic failure")
	ErrTrust     = errors.New("kex: untrusted peer")
	ErrProtocol  = errors.New("kex: protocol violation")
)

func (k ErrorKind) sentinel() error {
	switch k {
	case KindMalformed:
		return ErrMalformed
	case KindCrypto:
		return ErrCrypto
	case KindTrust:
		return ErrTrust
	default:
		return ErrProtocol
	}
}

// String returns the kind as used in the "error_type" log field.
func (k ErrorKind) String() string {
	switch k {
	case KindMalformed:
		return "malformed"
	case KindCrypto:
		return "crypto"
	case KindTrust:
		return "trust"
	case KindProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// Error is the terminal failure of an Exchange.
type Error struct {
	Kind  ErrorKind
	State State
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("kex %s error in state %s: %v", e.Kind, e.State, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches the kind's sentinel.
func (e *Error) Is(target error) bool {
	return target == e.Kind.sentinel()
}
