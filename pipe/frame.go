package pipe

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// FrameType is the first byte of every multiplexer frame.
type FrameType byte

const (
	FrameOpenRequest FrameType = 1
	FrameOpenAccept  FrameType = 2
	FrameClose       FrameType = 3
	FrameData        FrameType = 4
	FrameSelfData    FrameType = 5
)

const (
	// HeaderSize is the type byte plus the pipe id of pipe-scoped frames.
	HeaderSize = 1 + 4
	// SelfHeaderSize is the type byte of SelfData frames.
	SelfHeaderSize = 1
)

// ErrMalformedFrame reports a frame that cannot be decoded.
var ErrMalformedFrame = errors.New("pipe: malformed frame")

func (t FrameType) String() string {
	switch t {
	case FrameOpenRequest:
		return "OpenRequest"
	case FrameOpenAccept:
		return "OpenAccept"
	case FrameClose:
		return "Close"
	case FrameData:
		return "Data"
	case FrameSelfData:
		return "SelfData"
	default:
		return fmt.Sprintf("FrameType(%d)", byte(t))
	}
}

type frame struct {
	typ     FrameType
	id      uint32
	payload []byte
}

func encodeFrame(typ FrameType, id uint32, payload []byte) []byte {
	if typ == FrameSelfData {
		buf := make([]byte, SelfHeaderSize+len(payload))
		buf[0] = byte(typ)
		copy(buf[SelfHeaderSize:], payload)
		return buf
	}
	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = byte(typ)
	binary.BigEndian.PutUint32(buf[1:5], id)
	copy(buf[HeaderSize:], payload)
	return buf
}

func decodeFrame(b []byte) (frame, error) {
	if len(b) < 1 {
		return frame{}, fmt.Errorf("%w: empty", ErrMalformedFrame)
	}
	typ := FrameType(b[0])
	switch typ {
	case FrameSelfData:
		return frame{typ: typ, payload: b[SelfHeaderSize:]}, nil
	case FrameOpenRequest, FrameOpenAccept, FrameClose, FrameData:
	default:
		return frame{}, fmt.Errorf("%w: unknown type %d", ErrMalformedFrame, b[0])
	}
	if len(b) < HeaderSize {
		return frame{}, fmt.Errorf("%w: %s frame of %d bytes", ErrMalformedFrame, typ, len(b))
	}
	f := frame{typ: typ, id: binary.BigEndian.Uint32(b[1:5]), payload: b[HeaderSize:]}
	if (typ == FrameOpenAccept || typ == FrameClose) && len(f.payload) != 0 {
		return frame{}, fmt.Errorf("%w: %s frame carries %d payload bytes", ErrMalformedFrame, typ, len(f.payload))
	}
	return f, nil
}
