package punch

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/ipv4"
)

func TestUDPNetworkResetTTL(t *testing.T) {
	conn, err := UDPNetwork{}.ListenPacket(2)
	require.NoError(t, err)
	defer conn.Close()

	ttl, err := ipv4.NewPacketConn(conn).TTL()
	require.NoError(t, err)
	assert.Equal(t, 2, ttl)

	require.NoError(t, UDPNetwork{}.ResetTTL(conn))
	ttl, err = ipv4.NewPacketConn(conn).TTL()
	require.NoError(t, err)
	assert.Equal(t, DefaultTTL, ttl)
}

func TestJobOverLoopbackRestoresTTL(t *testing.T) {
	peer, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer peer.Close()
	peerPort := uint16(peer.LocalAddr().(*net.UDPAddr).Port)

	magicA, magicB := magic(0xA), magic(0xB)
	go func() {
		buf := make([]byte, 128)
		for {
			n, from, err := peer.ReadFrom(buf)
			if err != nil {
				return
			}
			if bytes.Equal(buf[:n], magicA[:]) {
				peer.WriteTo(magicB[:], from)
			}
		}
	}()

	settings := DefaultSettings()
	settings.PortMin, settings.PortMax = peerPort, peerPort
	settings.Probes = 1
	settings.TTL = 2
	settings.Timeout = 5 * time.Second
	job, err := NewJob(JobConfig{
		Target: "127.0.0.1", Outbound: magicA, Inbound: magicB, Settings: settings,
	})
	require.NoError(t, err)
	require.NoError(t, job.Start())

	res, err := waitJob(t, job)
	require.NoError(t, err)
	defer res.Conn.Close()

	ttl, err := ipv4.NewPacketConn(res.Conn).TTL()
	require.NoError(t, err)
	assert.Equal(t, DefaultTTL, ttl)
}
