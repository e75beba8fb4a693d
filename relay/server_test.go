package relay

import (
	"context"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/opd-ai/natpipe/crypto"
	"github.com/opd-ai/natpipe/kex"
	"github.com/opd-ai/natpipe/pipe"
	"github.com/opd-ai/natpipe/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 5 * time.Second

func newIdentity(t *testing.T) *crypto.Identity {
	t.Helper()
	id, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	return id
}

func startServer(t *testing.T) (*Server, string, *crypto.Identity) {
	t.Helper()
	id := newIdentity(t)
	srv, err := NewServer(Config{Identity: id})
	require.NoError(t, err)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(l)
	t.Cleanup(func() { srv.Close() })
	return srv, l.Addr().String(), id
}

func connect(t *testing.T, address string, cfg ClientConfig) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	tr, err := transport.Dial(ctx, address, "")
	require.NoError(t, err)
	if cfg.Identity == nil {
		cfg.Identity = newIdentity(t)
	}
	c, err := Connect(ctx, tr, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

type inbox struct {
	data   chan []byte
	closed chan struct{}
}

func newInbox() *inbox {
	return &inbox{data: make(chan []byte, 16), closed: make(chan struct{})}
}

func (in *inbox) events() pipe.PipeEvents {
	return pipe.PipeEvents{
		OnData:  func(d []byte) { in.data <- append([]byte(nil), d...) },
		OnClose: func() { close(in.closed) },
	}
}

func (in *inbox) next(t *testing.T) []byte {
	t.Helper()
	select {
	case d := <-in.data:
		return d
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for relayed data")
		return nil
	}
}

func (in *inbox) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-in.closed:
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for pipe close")
	}
}

func rendezvous(t *testing.T, c *Client, token string, in *inbox) *pipe.Pipe {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	p, err := c.Rendezvous(ctx, token, in.events())
	require.NoError(t, err)
	return p
}

func TestRelayPairsByToken(t *testing.T) {
	srv, addr, relayID := startServer(t)

	a := connect(t, addr, ClientConfig{RelayKey: relayID.PublicKey()})
	assert.Equal(t, relayID.PublicKey(), a.RelayKey())

	inA := newInbox()
	pa := rendezvous(t, a, "room-1", inA)
	// Queued until the partner shows up.
	require.NoError(t, pa.Send([]byte("early")))
	require.Eventually(t, func() bool { return srv.Waiting() == 1 }, waitTimeout, 10*time.Millisecond)

	b := connect(t, "tcp://"+addr, ClientConfig{})
	inB := newInbox()
	pb := rendezvous(t, b, "room-1", inB)
	assert.Equal(t, 0, srv.Waiting())

	assert.Equal(t, []byte("early"), inB.next(t))
	require.NoError(t, pb.Send([]byte("reply")))
	assert.Equal(t, []byte("reply"), inA.next(t))
	require.NoError(t, pa.Send([]byte("again")))
	assert.Equal(t, []byte("again"), inB.next(t))

	require.NoError(t, pa.Close())
	inB.waitClosed(t)
}

func TestRelayOverWebSocket(t *testing.T) {
	srv, err := NewServer(Config{Identity: newIdentity(t)})
	require.NoError(t, err)
	hs := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		hs.Close()
	})
	url := "ws" + strings.TrimPrefix(hs.URL, "http")

	a := connect(t, url, ClientConfig{})
	b := connect(t, url, ClientConfig{})
	inA, inB := newInbox(), newInbox()
	pa := rendezvous(t, a, "ws-room", inA)
	rendezvous(t, b, "ws-room", inB)

	require.NoError(t, pa.Send([]byte("over websocket")))
	assert.Equal(t, []byte("over websocket"), inB.next(t))
}

func TestRelayKeepsTokensApart(t *testing.T) {
	_, addr, _ := startServer(t)
	a := connect(t, addr, ClientConfig{})
	b := connect(t, addr, ClientConfig{})

	inA, inB := newInbox(), newInbox()
	rendezvous(t, a, "left", inA)
	pb := rendezvous(t, b, "right", inB)

	// Different tokens never meet.
	require.NoError(t, pb.Send([]byte("lost")))
	select {
	case d := <-inA.data:
		t.Fatalf("unexpected data %q", d)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRelayRefusesDuplicateTokenFromSameClient(t *testing.T) {
	_, addr, _ := startServer(t)
	a := connect(t, addr, ClientConfig{})

	rendezvous(t, a, "dup", newInbox())

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	_, err := a.Rendezvous(ctx, "dup", pipe.PipeEvents{})
	assert.ErrorIs(t, err, ErrRefused)
}

func TestRendezvousRejectsInvalidToken(t *testing.T) {
	_, addr, _ := startServer(t)
	a := connect(t, addr, ClientConfig{})

	_, err := a.Rendezvous(context.Background(), "", pipe.PipeEvents{})
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = a.Rendezvous(context.Background(), strings.Repeat("x", MaxTokenSize+1), pipe.PipeEvents{})
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestConnectRejectsWrongRelayKey(t *testing.T) {
	_, addr, _ := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	tr, err := transport.Dial(ctx, addr, "")
	require.NoError(t, err)
	_, err = Connect(ctx, tr, ClientConfig{
		Identity: newIdentity(t),
		RelayKey: newIdentity(t).PublicKey(),
	})
	assert.ErrorIs(t, err, kex.ErrTrust)
}

func TestServerRestrictsClients(t *testing.T) {
	allowed := newIdentity(t)
	srv, err := NewServer(Config{Identity: newIdentity(t), Trust: crypto.NewTrustStore(allowed.PublicKey())})
	require.NoError(t, err)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(l)
	t.Cleanup(func() { srv.Close() })

	connect(t, l.Addr().String(), ClientConfig{Identity: allowed})

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	tr, err := transport.Dial(ctx, l.Addr().String(), "")
	require.NoError(t, err)
	// The initiator finishes its side of the handshake before the relay
	// checks the client key, so the rejection may surface after Connect.
	c, err := Connect(ctx, tr, ClientConfig{Identity: newIdentity(t)})
	if err != nil {
		return
	}
	select {
	case <-c.Closed():
	case <-time.After(waitTimeout):
		t.Fatal("untrusted client stayed connected")
	}
}

func TestServerCloseDisconnectsClients(t *testing.T) {
	srv, addr, _ := startServer(t)
	a := connect(t, addr, ClientConfig{})
	in := newInbox()
	rendezvous(t, a, "room", in)

	require.NoError(t, srv.Close())
	in.waitClosed(t)
	select {
	case <-a.Closed():
	case <-time.After(waitTimeout):
		t.Fatal("client not disconnected")
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	assert.ErrorIs(t, srv.Serve(l), ErrServerClosed)
}

func TestListenAndServeStopsWithContext(t *testing.T) {
	srv, err := NewServer(Config{Identity: newIdentity(t)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx, "127.0.0.1:0", "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("ListenAndServe did not return")
	}

	assert.Error(t, srv.ListenAndServe(context.Background(), "", ""))
}

func TestNewServerRequiresIdentity(t *testing.T) {
	_, err := NewServer(Config{})
	assert.Error(t, err)
}
