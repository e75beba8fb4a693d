package transport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/opd-ai/natpipe/limits"
	"github.com/sirupsen/logrus"
)

// framer moves whole frames over a connection.
type framer interface {
	ReadFrame() ([]byte, error)
	WriteFrame(frame []byte) error
	Close() error
}

// ConnTransport adapts a framed connection (TCP stream, KCP session or
// WebSocket) to the Transport contract.
type ConnTransport struct {
	eventLoop
	f       framer
	writeMu sync.Mutex
	mtu     int
	remote  net.Addr
}

func newConnTransport(kind string, f framer, mtu int, remote net.Addr) *ConnTransport {
	return &ConnTransport{
		eventLoop: eventLoop{kind: kind},
		f:         f,
		mtu:       mtu,
		remote:    remote,
	}
}

// NewStream wraps a reliable byte stream such as a TCP connection. Frames
// are sent as [4-byte big-endian length][channel][payload].
func NewStream(conn net.Conn) *ConnTransport {
	return newConnTransport("stream", newLengthPrefixed(conn), limits.StreamMTU, conn.RemoteAddr())
}

// Start launches the reader goroutine.
func (c *ConnTransport) Start() error {
	if err := c.begin(); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"function":  "ConnTransport.Start",
		"transport": c.kind,
		"remote":    addrString(c.remote),
	}).Debug("Starting transport reader")

	go c.run(c.f.ReadFrame, func() { c.f.Close() })
	return nil
}

// Send writes an ordered packet.
func (c *ConnTransport) Send(packet []byte) error {
	return c.write(channelOrdered, packet)
}

// SendRaw writes a best-effort packet. Over a reliable connection it is
// delivered like any other frame but surfaces through OnRaw.
func (c *ConnTransport) SendRaw(packet []byte) error {
	return c.write(channelRaw, packet)
}

func (c *ConnTransport) write(channel byte, packet []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := limits.ValidatePayload(packet, c.MTU()); err != nil {
		return fmt.Errorf("%s transport: %w", c.kind, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.f.WriteFrame(frame(channel, packet)); err != nil {
		if c.closed.Load() {
			return ErrClosed
		}
		return fmt.Errorf("%s transport write failed: %w", c.kind, err)
	}
	return nil
}

// Close closes the underlying connection. The reader, if running, then
// fires OnClose.
func (c *ConnTransport) Close() error {
	if !c.markLocalClose() {
		return nil
	}
	return c.f.Close()
}

// MTU returns the largest accepted packet.
func (c *ConnTransport) MTU() int {
	return limits.SubtractHeader(c.mtu, limits.ChannelHeader)
}

// RemoteAddr returns the peer address of the underlying connection.
func (c *ConnTransport) RemoteAddr() net.Addr {
	return c.remote
}

// lengthPrefixed frames a byte stream with 4-byte big-endian lengths.
type lengthPrefixed struct {
	conn net.Conn
	r    *bufio.Reader
}

func newLengthPrefixed(conn net.Conn) *lengthPrefixed {
	return &lengthPrefixed{conn: conn, r: bufio.NewReader(conn)}
}

func (l *lengthPrefixed) ReadFrame() ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(l.r, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if err := limits.ValidateFrameLength(n); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(l.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (l *lengthPrefixed) WriteFrame(frame []byte) error {
	buf := make([]byte, 4+len(frame))
	binary.BigEndian.PutUint32(buf, uint32(len(frame)))
	copy(buf[4:], frame)
	_, err := l.conn.Write(buf)
	return err
}

func (l *lengthPrefixed) Close() error {
	return l.conn.Close()
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
