// Package limits provides centralized frame size limits for natpipe.
// This ensures consistent validation across the transport, session and pipe layers.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxFrameSize is the largest length-prefixed frame a stream transport
	// reads from the network. Larger prefixes are treated as malformed input.
	MaxFrameSize = 1024 * 1024

	// StreamMTU is the payload capacity advertised by stream transports.
	StreamMTU = 64 * 1024

	// MemoryMTU is the payload capacity advertised by in-memory transports.
	MemoryMTU = StreamMTU

	// WebSocketMTU is the payload capacity advertised by WebSocket transports.
	WebSocketMTU = 32 * 1024

	// DatagramMTU is a conservative UDP payload size that avoids IP
	// fragmentation on common paths.
	DatagramMTU = 1200

	// ChannelHeader is the byte every transport frame spends on its channel marker.
	ChannelHeader = 1
)

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")
)

// ValidateMessageSize validates a message against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidatePayload checks an outbound payload against a layer's MTU. Unlike
// ValidateMessageSize it accepts empty payloads, which several control frames use.
func ValidatePayload(payload []byte, mtu int) error {
	if len(payload) > mtu {
		return fmt.Errorf("%w: payload %d exceeds MTU %d", ErrMessageTooLarge, len(payload), mtu)
	}
	return nil
}

// ValidateFrameLength checks a length prefix read from the network.
func ValidateFrameLength(n uint32) error {
	if n > MaxFrameSize {
		return fmt.Errorf("%w: frame length %d exceeds limit %d", ErrMessageTooLarge, n, MaxFrameSize)
	}
	return nil
}

// SubtractHeader returns the payload capacity left after a layer spends
// header bytes, saturating at zero.
func SubtractHeader(mtu, header int) int {
	if mtu <= header {
		return 0
	}
	return mtu - header
}
