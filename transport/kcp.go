package transport

import (
	"fmt"
	"net"

	"github.com/opd-ai/natpipe/limits"
	"github.com/sirupsen/logrus"
	kcp "github.com/xtaci/kcp-go/v5"
)

// KCP tuning for interactive traffic over a freshly punched mapping.
const (
	kcpNoDelay    = 1
	kcpInterval   = 20
	kcpResend     = 2
	kcpNoCongest  = 1
	kcpWindowSize = 256
)

// NewKCP runs a reliable, ordered KCP session over conn towards remote and
// wraps it as a transport. Both peers must use the same conv. The transport
// owns conn and closes it on Close.
func NewKCP(conn net.PacketConn, remote net.Addr, conv uint32) (*ConnTransport, error) {
	if conn == nil || remote == nil {
		return nil, fmt.Errorf("kcp transport: nil connection or remote address")
	}

	sess, err := kcp.NewConn3(conv, remote, nil, 0, 0, conn)
	if err != nil {
		return nil, fmt.Errorf("kcp transport: %w", err)
	}
	sess.SetStreamMode(true)
	sess.SetNoDelay(kcpNoDelay, kcpInterval, kcpResend, kcpNoCongest)
	sess.SetWindowSize(kcpWindowSize, kcpWindowSize)
	sess.SetACKNoDelay(true)
	sess.SetMtu(limits.DatagramMTU)

	logrus.WithFields(logrus.Fields{
		"function": "NewKCP",
		"local":    addrString(conn.LocalAddr()),
		"remote":   remote.String(),
		"conv":     conv,
	}).Debug("KCP session created on punched socket")

	f := &kcpFramer{lengthPrefixed: newLengthPrefixed(sess), packet: conn}
	return newConnTransport("kcp", f, limits.StreamMTU, remote), nil
}

// kcpFramer length-prefixes frames on the KCP byte stream. The session does
// not own the packet socket it was built on, so closing releases both.
type kcpFramer struct {
	*lengthPrefixed
	packet net.PacketConn
}

func (k *kcpFramer) Close() error {
	err := k.lengthPrefixed.Close()
	if perr := k.packet.Close(); err == nil {
		err = perr
	}
	return err
}
