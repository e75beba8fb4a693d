package punch

import (
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/net/ipv4"
)

// DefaultTTL is the IP TTL a punched socket carries once probing is over.
const DefaultTTL = 64

// Network opens the probe sockets. Tests substitute a simulated NAT.
type Network interface {
	// ListenPacket opens a fresh socket on an ephemeral port. A non-zero
	// ttl sets the IP TTL of outgoing packets.
	ListenPacket(ttl int) (net.PacketConn, error)
	// ResetTTL restores DefaultTTL on a socket opened with a low ttl.
	ResetTTL(conn net.PacketConn) error
	// Addr builds the destination address of one probe.
	Addr(host string, port uint16) (net.Addr, error)
}

// UDPNetwork opens real UDP sockets.
type UDPNetwork struct{}

// ListenPacket binds an IPv4 UDP socket on an ephemeral port.
func (UDPNetwork) ListenPacket(ttl int) (net.PacketConn, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return nil, fmt.Errorf("punch: open probe socket: %w", err)
	}
	if ttl > 0 {
		// A low TTL opens the local mapping without reaching the peer's NAT.
		if err := ipv4.NewPacketConn(conn).SetTTL(ttl); err != nil {
			conn.Close()
			return nil, fmt.Errorf("punch: set probe ttl %d: %w", ttl, err)
		}
	}
	return conn, nil
}

// ResetTTL sets the socket's TTL back to DefaultTTL.
func (UDPNetwork) ResetTTL(conn net.PacketConn) error {
	if err := ipv4.NewPacketConn(conn).SetTTL(DefaultTTL); err != nil {
		return fmt.Errorf("punch: reset ttl: %w", err)
	}
	return nil
}

// Addr parses host as an IP literal.
func (UDPNetwork) Addr(host string, port uint16) (net.Addr, error) {
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return nil, fmt.Errorf("punch: target %q: %w", host, err)
	}
	return net.UDPAddrFromAddrPort(netip.AddrPortFrom(ip.Unmap(), port)), nil
}
