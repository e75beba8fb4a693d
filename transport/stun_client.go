package transport

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// STUN protocol constants as defined in RFC 5389
const (
	stunMagicCookie = 0x2112A442
	stunHeaderSize  = 20

	stunBindingRequest  = 0x0001
	stunBindingResponse = 0x0101
	stunBindingError    = 0x0111

	stunAttrMappedAddress    = 0x0001
	stunAttrXorMappedAddress = 0x0020

	stunFamilyIPv4 = 0x01
	stunFamilyIPv6 = 0x02
)

// DefaultSTUNServers are queried when no servers are configured.
var DefaultSTUNServers = []string{
	"stun.l.google.com:19302",
	"stun1.l.google.com:19302",
	"stun.cloudflare.com:3478",
}

// ErrNoSTUNServers is returned by a client with an empty server list.
var ErrNoSTUNServers = errors.New("transport: no STUN servers configured")

// STUNClient discovers the public address a NAT assigns to a UDP socket.
type STUNClient struct {
	servers []string
	timeout time.Duration
}

// NewSTUNClient creates a client querying servers in order, or
// DefaultSTUNServers when none are given.
func NewSTUNClient(servers ...string) *STUNClient {
	sc := &STUNClient{timeout: 5 * time.Second}
	if len(servers) == 0 {
		servers = DefaultSTUNServers
	}
	sc.SetServers(servers)
	return sc
}

// SetServers replaces the server list.
func (sc *STUNClient) SetServers(servers []string) {
	sc.servers = make([]string, len(servers))
	copy(sc.servers, servers)
}

// SetTimeout bounds each server query.
func (sc *STUNClient) SetTimeout(timeout time.Duration) {
	sc.timeout = timeout
}

// Discover reports the public IP and port seen by the first server that
// answers, using a fresh UDP socket.
func (sc *STUNClient) Discover(ctx context.Context) (string, uint16, error) {
	conn, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return "", 0, fmt.Errorf("stun: open socket: %w", err)
	}
	defer conn.Close()
	return sc.DiscoverFrom(ctx, conn)
}

// DiscoverFrom queries through conn, so the reported mapping is the one that
// belongs to conn itself. Datagrams from other sources are ignored while
// waiting. conn's read deadline is cleared afterwards.
func (sc *STUNClient) DiscoverFrom(ctx context.Context, conn net.PacketConn) (string, uint16, error) {
	if len(sc.servers) == 0 {
		return "", 0, ErrNoSTUNServers
	}
	defer conn.SetReadDeadline(time.Time{})

	var lastErr error
	for _, server := range sc.servers {
		if err := ctx.Err(); err != nil {
			return "", 0, err
		}
		addr, err := sc.query(ctx, conn, server)
		if err == nil {
			logrus.WithFields(logrus.Fields{
				"function": "STUNClient.DiscoverFrom",
				"server":   server,
				"mapped":   addr.String(),
			}).Debug("STUN mapping discovered")
			return addr.IP.String(), uint16(addr.Port), nil
		}
		logrus.WithFields(logrus.Fields{
			"function": "STUNClient.DiscoverFrom",
			"server":   server,
			"error":    err.Error(),
		}).Debug("STUN server failed")
		lastErr = err
	}
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}
	return "", 0, fmt.Errorf("stun: all servers failed, last error: %w", lastErr)
}

func (sc *STUNClient) query(ctx context.Context, conn net.PacketConn, server string) (*net.UDPAddr, error) {
	raddr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", server, err)
	}

	txID := make([]byte, 12)
	if _, err := rand.Read(txID); err != nil {
		return nil, fmt.Errorf("generate transaction ID: %w", err)
	}
	if _, err := conn.WriteTo(buildBindingRequest(txID), raddr); err != nil {
		return nil, fmt.Errorf("send binding request to %s: %w", server, err)
	}

	deadline := time.Now().Add(sc.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}

	buf := make([]byte, 1500)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			return nil, fmt.Errorf("read binding response from %s: %w", server, err)
		}
		if !sameUDPAddr(from, raddr) {
			continue
		}
		addr, err := parseBindingResponse(buf[:n], txID)
		if err != nil {
			return nil, err
		}
		return addr, nil
	}
}

func sameUDPAddr(a net.Addr, b *net.UDPAddr) bool {
	ua, ok := a.(*net.UDPAddr)
	if !ok {
		return a.String() == b.String()
	}
	return ua.Port == b.Port && ua.IP.Equal(b.IP)
}

// buildBindingRequest constructs an attribute-less binding request.
func buildBindingRequest(txID []byte) []byte {
	packet := make([]byte, stunHeaderSize)
	binary.BigEndian.PutUint16(packet[0:2], stunBindingRequest)
	binary.BigEndian.PutUint16(packet[2:4], 0)
	binary.BigEndian.PutUint32(packet[4:8], stunMagicCookie)
	copy(packet[8:20], txID)
	return packet
}

// parseBindingResponse validates a binding response and extracts the mapped
// address, preferring XOR-MAPPED-ADDRESS.
func parseBindingResponse(resp, txID []byte) (*net.UDPAddr, error) {
	if len(resp) < stunHeaderSize {
		return nil, errors.New("STUN response too short")
	}
	switch mt := binary.BigEndian.Uint16(resp[0:2]); mt {
	case stunBindingResponse:
	case stunBindingError:
		return nil, errors.New("STUN server returned error response")
	default:
		return nil, fmt.Errorf("unexpected STUN message type: 0x%04x", mt)
	}
	if binary.BigEndian.Uint32(resp[4:8]) != stunMagicCookie {
		return nil, errors.New("invalid STUN magic cookie")
	}
	if !bytes.Equal(resp[8:20], txID) {
		return nil, errors.New("STUN transaction ID mismatch")
	}

	end := stunHeaderSize + int(binary.BigEndian.Uint16(resp[2:4]))
	if len(resp) < end {
		return nil, errors.New("STUN response truncated")
	}

	var mapped *net.UDPAddr
	attrs := resp[stunHeaderSize:end]
	for len(attrs) >= 4 {
		attrType := binary.BigEndian.Uint16(attrs[0:2])
		attrLen := int(binary.BigEndian.Uint16(attrs[2:4]))
		if 4+attrLen > len(attrs) {
			break
		}
		value := attrs[4 : 4+attrLen]

		switch attrType {
		case stunAttrXorMappedAddress:
			return parseXorMappedAddress(value, txID)
		case stunAttrMappedAddress:
			if addr, err := parseMappedAddress(value); err == nil {
				mapped = addr
			}
		}

		// Attributes are padded to a 4-byte boundary.
		next := 4 + (attrLen+3)&^3
		if next > len(attrs) {
			break
		}
		attrs = attrs[next:]
	}
	if mapped != nil {
		return mapped, nil
	}
	return nil, errors.New("no mapped address found in STUN response")
}

func parseXorMappedAddress(value, txID []byte) (*net.UDPAddr, error) {
	if len(value) < 8 {
		return nil, errors.New("XOR-mapped address too short")
	}
	port := binary.BigEndian.Uint16(value[2:4]) ^ uint16(stunMagicCookie>>16)

	var key [16]byte
	binary.BigEndian.PutUint32(key[0:4], stunMagicCookie)
	copy(key[4:], txID)

	switch binary.BigEndian.Uint16(value[0:2]) {
	case stunFamilyIPv4:
		ip := make(net.IP, 4)
		for i := range ip {
			ip[i] = value[4+i] ^ key[i]
		}
		return &net.UDPAddr{IP: ip, Port: int(port)}, nil
	case stunFamilyIPv6:
		if len(value) < 20 {
			return nil, errors.New("IPv6 XOR-mapped address too short")
		}
		ip := make(net.IP, 16)
		for i := range ip {
			ip[i] = value[4+i] ^ key[i]
		}
		return &net.UDPAddr{IP: ip, Port: int(port)}, nil
	}
	return nil, fmt.Errorf("unsupported address family: %d", binary.BigEndian.Uint16(value[0:2]))
}

func parseMappedAddress(value []byte) (*net.UDPAddr, error) {
	if len(value) < 8 {
		return nil, errors.New("mapped address too short")
	}
	port := int(binary.BigEndian.Uint16(value[2:4]))
	switch binary.BigEndian.Uint16(value[0:2]) {
	case stunFamilyIPv4:
		return &net.UDPAddr{IP: net.IP(append([]byte(nil), value[4:8]...)), Port: port}, nil
	case stunFamilyIPv6:
		if len(value) < 20 {
			return nil, errors.New("IPv6 mapped address too short")
		}
		return &net.UDPAddr{IP: net.IP(append([]byte(nil), value[4:20]...)), Port: port}, nil
	}
	return nil, fmt.Errorf("unsupported address family: %d", binary.BigEndian.Uint16(value[0:2]))
}
