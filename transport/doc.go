// Package transport provides the packet carriers natpipe sessions run on.
//
// # Contract
//
// A [Transport] preserves packet boundaries and delivers its [Events] on a
// single reader goroutine, so a consumer never handles two callbacks at once:
//
//	t.SetEvents(transport.Events{
//	    OnOpen:   func() { ... },
//	    OnPacket: func(p []byte) { ... },
//	    OnClose:  func() { ... },
//	})
//	_ = t.Start()
//
// Send carries ordered packets and SendRaw best-effort ones. Both share the
// connection; every frame starts with a one-byte channel marker, which the
// MTU already accounts for. OnError fires only for failures that were not a
// local Close or an orderly shutdown, and OnClose fires exactly once.
//
// # Implementations
//
//   - [NewStream]: any net.Conn, framed with 4-byte big-endian lengths.
//   - [NewKCP]: a KCP session on a punched UDP socket, giving the ordered
//     delivery sessions need over a datagram path.
//   - [NewWebSocket], [DialWebSocket], [AcceptWebSocket]: one binary message
//     per frame.
//   - [NewMemoryPair]: two connected in-process ends, for tests.
//
// [Dial] picks TCP or WebSocket from an address and can route TCP through a
// SOCKS5 proxy.
//
// # Address Discovery
//
// [STUNClient] asks RFC 5389 servers which public address a NAT assigned to a
// UDP socket. [STUNClient.DiscoverFrom] queries through the very socket that
// will later be punched.
package transport
