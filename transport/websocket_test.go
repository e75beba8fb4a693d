package transport

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebSocketRoundTrip(t *testing.T) {
	upgrader := NewWebSocketUpgrader()
	serverSide := make(chan *ConnTransport, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tr, err := AcceptWebSocket(upgrader, w, r)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		serverSide <- tr
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, err := DialWebSocket(context.Background(), url)
	require.NoError(t, err)
	server := <-serverSide

	sc, ss := startWith(t, client), startWith(t, server)

	require.NoError(t, client.Send([]byte("over websocket")))
	require.NoError(t, client.SendRaw([]byte("raw")))
	require.NoError(t, server.Send([]byte("reply")))

	assert.Equal(t, []byte("over websocket"), ss.next(t, ss.packets))
	assert.Equal(t, []byte("raw"), ss.next(t, ss.raws))
	assert.Equal(t, []byte("reply"), sc.next(t, sc.packets))

	require.NoError(t, client.Close())
	sc.waitClosed(t)
	ss.waitClosed(t)
	assert.Empty(t, ss.errs, "a normal close frame is not an error")
}

func TestDialPicksWebSocketByScheme(t *testing.T) {
	upgrader := NewWebSocketUpgrader()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tr, err := AcceptWebSocket(upgrader, w, r)
		if err == nil {
			tr.Close()
		}
	}))
	defer srv.Close()

	tr, err := Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), "")
	require.NoError(t, err)
	tr.Close()

	_, err = Dial(context.Background(), "ws://127.0.0.1:1", "socks5://127.0.0.1:9050")
	assert.Error(t, err)
}

func TestDialTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		if c, err := ln.Accept(); err == nil {
			c.Close()
		}
	}()

	tr, err := Dial(context.Background(), "tcp://"+ln.Addr().String(), "")
	require.NoError(t, err)
	assert.Equal(t, ln.Addr().String(), tr.RemoteAddr().String())
	tr.Close()

	_, err = Dial(context.Background(), "127.0.0.1:1", "::not a url")
	assert.Error(t, err)
}
