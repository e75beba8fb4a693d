package punch

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
)

// RecordType is the first byte of every negotiation record.
type RecordType byte

const (
	RecordDescribe RecordType = 1
	RecordStart    RecordType = 2
)

func (t RecordType) String() string {
	switch t {
	case RecordDescribe:
		return "Describe"
	case RecordStart:
		return "Start"
	default:
		return fmt.Sprintf("RecordType(%d)", byte(t))
	}
}

// NATType tags the NAT behavior a side believes it is behind.
type NATType byte

const (
	NATUnknown   NATType = 0
	NATSymmetric NATType = 1
)

// MagicSize is the length of the probe marker each side generates.
const MagicSize = 64

// Magic is the payload a side's probes carry.
type Magic [MagicSize]byte

// describeFixedSize covers type, NAT tag, port range, rate, magic and the
// address length prefix.
const describeFixedSize = 1 + 1 + 2 + 2 + 2 + MagicSize + 2

// maxAddressLen bounds the address string; "[ipv6%zone]:port" fits easily.
const maxAddressLen = 128

// ErrMalformedRecord reports a negotiation record that cannot be decoded.
var ErrMalformedRecord = errors.New("punch: malformed record")

// Describe is one side's view of itself: where its NAT allocates ports, how
// fast it probes, the magic its probes carry and its public address.
type Describe struct {
	NAT     NATType
	PortMin uint16
	PortMax uint16
	Rate    uint16
	Magic   Magic
	// Address is "ip:port" as seen by the discovery service.
	Address string
}

// Serialize encodes the record with its type byte.
func (d *Describe) Serialize() []byte {
	buf := make([]byte, describeFixedSize+len(d.Address))
	buf[0] = byte(RecordDescribe)
	buf[1] = byte(d.NAT)
	binary.BigEndian.PutUint16(buf[2:4], d.PortMin)
	binary.BigEndian.PutUint16(buf[4:6], d.PortMax)
	binary.BigEndian.PutUint16(buf[6:8], d.Rate)
	copy(buf[8:8+MagicSize], d.Magic[:])
	binary.BigEndian.PutUint16(buf[8+MagicSize:describeFixedSize], uint16(len(d.Address)))
	copy(buf[describeFixedSize:], d.Address)
	return buf
}

// Host splits the host part off Address.
func (d *Describe) Host() (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(d.Address)
	if err != nil {
		return "", 0, fmt.Errorf("%w: address %q: %v", ErrMalformedRecord, d.Address, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("%w: address %q: bad port", ErrMalformedRecord, d.Address)
	}
	if net.ParseIP(host) == nil {
		return "", 0, fmt.Errorf("%w: address %q: not an IP", ErrMalformedRecord, d.Address)
	}
	return host, uint16(port), nil
}

// ParseDescribe decodes a Describe record including its type byte.
func ParseDescribe(b []byte) (*Describe, error) {
	if len(b) < describeFixedSize {
		return nil, fmt.Errorf("%w: describe of %d bytes", ErrMalformedRecord, len(b))
	}
	if RecordType(b[0]) != RecordDescribe {
		return nil, fmt.Errorf("%w: type %s is not Describe", ErrMalformedRecord, RecordType(b[0]))
	}
	d := &Describe{
		NAT:     NATType(b[1]),
		PortMin: binary.BigEndian.Uint16(b[2:4]),
		PortMax: binary.BigEndian.Uint16(b[4:6]),
		Rate:    binary.BigEndian.Uint16(b[6:8]),
	}
	copy(d.Magic[:], b[8:8+MagicSize])

	addrLen := int(binary.BigEndian.Uint16(b[8+MagicSize : describeFixedSize]))
	if addrLen == 0 || addrLen > maxAddressLen {
		return nil, fmt.Errorf("%w: address length %d", ErrMalformedRecord, addrLen)
	}
	if len(b) != describeFixedSize+addrLen {
		return nil, fmt.Errorf("%w: describe of %d bytes, address length %d", ErrMalformedRecord, len(b), addrLen)
	}
	d.Address = string(b[describeFixedSize:])

	if d.PortMin == 0 || d.PortMin > d.PortMax {
		return nil, fmt.Errorf("%w: port range [%d, %d]", ErrMalformedRecord, d.PortMin, d.PortMax)
	}
	if _, _, err := d.Host(); err != nil {
		return nil, err
	}
	return d, nil
}

func startRecord() []byte {
	return []byte{byte(RecordStart)}
}

// recordType peeks at a record's type, validating the Start record's shape.
func recordType(b []byte) (RecordType, error) {
	if len(b) == 0 {
		return 0, fmt.Errorf("%w: empty record", ErrMalformedRecord)
	}
	switch t := RecordType(b[0]); t {
	case RecordDescribe:
		return t, nil
	case RecordStart:
		if len(b) != 1 {
			return 0, fmt.Errorf("%w: start record carries %d body bytes", ErrMalformedRecord, len(b)-1)
		}
		return t, nil
	default:
		return 0, fmt.Errorf("%w: unknown type %d", ErrMalformedRecord, b[0])
	}
}
