package transport

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSTUNServer answers binding requests with the observed source address,
// optionally reporting a fixed mapping instead.
func fakeSTUNServer(t *testing.T, mapped *net.UDPAddr) string {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 1500)
		for {
			n, from, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			if n < stunHeaderSize || binary.BigEndian.Uint16(buf[0:2]) != stunBindingRequest {
				continue
			}
			addr := from.(*net.UDPAddr)
			if mapped != nil {
				addr = mapped
			}
			conn.WriteTo(bindingResponse(buf[8:20], addr), from)
		}
	}()
	return conn.LocalAddr().String()
}

func bindingResponse(txID []byte, addr *net.UDPAddr) []byte {
	ip := addr.IP.To4()
	attr := make([]byte, 12)
	binary.BigEndian.PutUint16(attr[0:2], stunAttrXorMappedAddress)
	binary.BigEndian.PutUint16(attr[2:4], 8)
	binary.BigEndian.PutUint16(attr[4:6], stunFamilyIPv4)
	binary.BigEndian.PutUint16(attr[6:8], uint16(addr.Port)^uint16(stunMagicCookie>>16))
	binary.BigEndian.PutUint32(attr[8:12], binary.BigEndian.Uint32(ip)^stunMagicCookie)

	resp := make([]byte, stunHeaderSize, stunHeaderSize+len(attr))
	binary.BigEndian.PutUint16(resp[0:2], stunBindingResponse)
	binary.BigEndian.PutUint16(resp[2:4], uint16(len(attr)))
	binary.BigEndian.PutUint32(resp[4:8], stunMagicCookie)
	copy(resp[8:20], txID)
	return append(resp, attr...)
}

func TestNewSTUNClientDefaults(t *testing.T) {
	client := NewSTUNClient()
	assert.Equal(t, DefaultSTUNServers, client.servers)
	assert.Equal(t, 5*time.Second, client.timeout)

	client = NewSTUNClient("custom.stun.server:3478")
	assert.Equal(t, []string{"custom.stun.server:3478"}, client.servers)
}

func TestSTUNDiscoverFromReportsSocketMapping(t *testing.T) {
	server := fakeSTUNServer(t, nil)

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()

	client := NewSTUNClient(server)
	ip, port, err := client.DiscoverFrom(context.Background(), conn)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", ip)
	assert.Equal(t, uint16(conn.LocalAddr().(*net.UDPAddr).Port), port)
}

func TestSTUNDiscoverDecodesXorMappedAddress(t *testing.T) {
	public := &net.UDPAddr{IP: net.IPv4(203, 0, 113, 7), Port: 40001}
	server := fakeSTUNServer(t, public)

	ip, port, err := NewSTUNClient(server).Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.7", ip)
	assert.Equal(t, uint16(40001), port)
}

func TestSTUNFallsBackToNextServer(t *testing.T) {
	silent, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer silent.Close()

	server := fakeSTUNServer(t, nil)
	client := NewSTUNClient(silent.LocalAddr().String(), server)
	client.SetTimeout(100 * time.Millisecond)

	_, _, err = client.Discover(context.Background())
	assert.NoError(t, err)
}

func TestSTUNAllServersFail(t *testing.T) {
	silent, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer silent.Close()

	client := NewSTUNClient(silent.LocalAddr().String())
	client.SetTimeout(50 * time.Millisecond)

	_, _, err = client.Discover(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all servers failed")
}

func TestSTUNContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := NewSTUNClient("127.0.0.1:3478").Discover(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSTUNNoServers(t *testing.T) {
	client := NewSTUNClient()
	client.SetServers(nil)
	_, _, err := client.Discover(context.Background())
	assert.ErrorIs(t, err, ErrNoSTUNServers)
}

func TestParseBindingResponseErrors(t *testing.T) {
	txID := make([]byte, 12)
	good := bindingResponse(txID, &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 1})

	tests := []struct {
		name   string
		mutate func([]byte) []byte
		want   string
	}{
		{"short", func(b []byte) []byte { return b[:10] }, "too short"},
		{"error response", func(b []byte) []byte {
			binary.BigEndian.PutUint16(b[0:2], stunBindingError)
			return b
		}, "error response"},
		{"bad cookie", func(b []byte) []byte { b[4] ^= 0xff; return b }, "magic cookie"},
		{"wrong transaction", func(b []byte) []byte { b[8] ^= 0xff; return b }, "transaction ID"},
		{"truncated", func(b []byte) []byte { return b[:len(b)-4] }, "truncated"},
		{"no address", func(b []byte) []byte {
			binary.BigEndian.PutUint16(b[20:22], 0x8022)
			return b
		}, "no mapped address"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.mutate(append([]byte(nil), good...))
			_, err := parseBindingResponse(msg, txID)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	addr, err := parseBindingResponse(good, txID)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:1", addr.String())
}
