package kex

import (
	"encoding/binary"
	"fmt"
)

// RecordKind identifies a key exchange record on the wire.
type RecordKind byte

const (
	// RecordVersion carries the protocol version and cipher suite capabilities.
	RecordVersion RecordKind = 0x01
	// RecordClientHello carries the initiator's ephemeral key and nonce.
	RecordClientHello RecordKind = 0x02
	// RecordServerHello carries the responder's ephemeral key, nonce,
	// long-term key and its signature over the exchange hash.
	RecordServerHello RecordKind = 0x03
	// RecordNewKeys signals that the sender switched its outbound keys.
	RecordNewKeys RecordKind = 0x04
	// RecordIdentity carries the initiator's long-term key and proof.
	RecordIdentity RecordKind = 0x05
)

// String returns a human-readable name for the kind.
func (k RecordKind) String() string {
	switch k {
	case RecordVersion:
		return "Version"
	case RecordClientHello:
		return "ClientHello"
	case RecordServerHello:
		return "ServerHello"
	case RecordNewKeys:
		return "NewKeys"
	case RecordIdentity:
		return "Identity"
	default:
		return fmt.Sprintf("RecordKind(%#x)", byte(k))
	}
}

// versionRecordSize is the fixed size of a serialized Version record.
const versionRecordSize = 1 + 4 + 4

// VersionRecord advertises what a peer speaks.
type VersionRecord struct {
	Version uint32
	Suites  uint32
}

// Serialize converts the record to its wire form.
func (v *VersionRecord) Serialize() []byte {
	buf := make([]byte, 0, versionRecordSize)
	buf = append(buf, byte(RecordVersion))
	buf = binary.BigEndian.AppendUint32(buf, v.Version)
	buf = binary.BigEndian.AppendUint32(buf, v.Suites)
	return buf
}

// ParseVersionRecord decodes the body of a Version record.
func ParseVersionRecord(body []byte) (*VersionRecord, error) {
	if len(body) != versionRecordSize-1 {
		return nil, fmt.Errorf("version record body is %d bytes, want %d", len(body), versionRecordSize-1)
	}
	return &VersionRecord{
		Version: binary.BigEndian.Uint32(body[0:4]),
		Suites:  binary.BigEndian.Uint32(body[4:8]),
	}, nil
}

// HelloRecord is a ClientHello (no long-term fields) or a ServerHello.
type HelloRecord struct {
	Ephemeral []byte
	Nonce     []byte
	LongTerm  []byte
	Signature []byte
}

// Serialize converts the hello to its wire form using kind as the type byte.
func (h *HelloRecord) Serialize(kind RecordKind) []byte {
	fields := [][]byte{h.Ephemeral, h.Nonce}
	if kind == RecordServerHello {
		fields = append(fields, h.LongTerm, h.Signature)
	}
	return appendFields([]byte{byte(kind)}, fields...)
}

// ParseHelloRecord decodes the body of a ClientHello or ServerHello.
func ParseHelloRecord(kind RecordKind, body []byte) (*HelloRecord, error) {
	want := 2
	if kind == RecordServerHello {
		want = 4
	}
	fields, err := splitFields(body, want)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", kind, err)
	}

	h := &HelloRecord{Ephemeral: fields[0], Nonce: fields[1]}
	if kind == RecordServerHello {
		h.LongTerm = fields[2]
		h.Signature = fields[3]
	}
	return h, nil
}

// IdentityRecord proves the initiator's long-term identity.
type IdentityRecord struct {
	LongTerm  []byte
	Signature []byte
}

// Serialize converts the record to its wire form.
func (r *IdentityRecord) Serialize() []byte {
	return appendFields([]byte{byte(RecordIdentity)}, r.LongTerm, r.Signature)
}

// ParseIdentityRecord decodes the body of an Identity record.
func ParseIdentityRecord(body []byte) (*IdentityRecord, error) {
	fields, err := splitFields(body, 2)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", RecordIdentity, err)
	}
	return &IdentityRecord{LongTerm: fields[0], Signature: fields[1]}, nil
}

// appendFields appends each field as [2-byte big-endian length][bytes].
func appendFields(buf []byte, fields ...[]byte) []byte {
	for _, f := range fields {
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(f)))
		buf = append(buf, f...)
	}
	return buf
}

// splitFields decodes exactly count length-prefixed fields and rejects
// trailing bytes.
func splitFields(body []byte, count int) ([][]byte, error) {
	fields := make([][]byte, 0, count)
	offset := 0
	for i := 0; i < count; i++ {
		if len(body)-offset < 2 {
			return nil, fmt.Errorf("field %d: missing length prefix", i)
		}
		n := int(binary.BigEndian.Uint16(body[offset:]))
		offset += 2
		if len(body)-offset < n {
			return nil, fmt.Errorf("field %d: length %d exceeds remaining %d bytes", i, n, len(body)-offset)
		}
		fields = append(fields, body[offset:offset+n])
		offset += n
	}
	if offset != len(body) {
		return nil, fmt.Errorf("%d trailing bytes", len(body)-offset)
	}
	return fields, nil
}
