package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/natpipe/crypto"
	"github.com/opd-ai/natpipe/kex"
	"github.com/opd-ai/natpipe/pipe"
	"github.com/opd-ai/natpipe/session"
	"github.com/opd-ai/natpipe/transport"
	"github.com/sirupsen/logrus"
)

var (
	// ErrRefused is returned when the relay closed a rendezvous pipe instead
	// of accepting it.
	ErrRefused = errors.New("relay: rendezvous refused")
	// ErrDisconnected is returned when the relay connection closed first.
	ErrDisconnected = errors.New("relay: disconnected")
)

// ClientConfig configures a relay client.
type ClientConfig struct {
	Identity *crypto.Identity
	// RelayKey, when non-zero, pins the relay's identity.
	RelayKey crypto.PublicKey
	// Trust restricts acceptable relay keys when RelayKey is zero.
	Trust *crypto.TrustStore
	// OpenTimeout bounds the rendezvous pipe open request.
	OpenTimeout time.Duration
}

// Client is a connection to a relay: an initiator session with an opening
// multiplexer on top.
type Client struct {
	sess *session.Session
	mux  *pipe.Mux

	closed    chan struct{}
	closeOnce sync.Once
}

// Connect runs the key exchange with the relay over t and returns once the
// session is established.
func Connect(ctx context.Context, t transport.Transport, cfg ClientConfig) (*Client, error) {
	sess, err := session.New(t, session.Config{
		Role:       kex.Initiator,
		Identity:   cfg.Identity,
		PinnedPeer: cfg.RelayKey,
		Trust:      cfg.Trust,
	})
	if err != nil {
		t.Close()
		return nil, err
	}
	c := &Client{
		sess:   sess,
		mux:    pipe.NewMux(sess, pipe.Config{Initiator: true, OpenTimeout: cfg.OpenTimeout}),
		closed: make(chan struct{}),
	}

	opened := make(chan struct{})
	c.mux.SetEvents(pipe.Events{
		OnOpen:  func() { close(opened) },
		OnClose: func() { c.closeOnce.Do(func() { close(c.closed) }) },
	})
	if err := c.mux.Start(); err != nil {
		c.mux.Close()
		return nil, err
	}

	select {
	case <-opened:
		peer, _ := sess.PeerIdentity()
		logrus.WithFields(logrus.Fields{
			"function":    "Connect",
			"fingerprint": peer.Fingerprint().String(),
		}).Info("Connected to relay")
		return c, nil
	case <-c.closed:
		if err := sess.Err(); err != nil && !errors.Is(err, session.ErrPeerClosed) {
			return nil, fmt.Errorf("relay: handshake: %w", err)
		}
		return nil, ErrDisconnected
	case <-ctx.Done():
		c.mux.Close()
		return nil, ctx.Err()
	}
}

// RelayKey returns the relay's authenticated identity.
func (c *Client) RelayKey() crypto.PublicKey {
	key, _ := c.sess.PeerIdentity()
	return key
}

// Rendezvous opens a pipe carrying token and waits until the relay accepted
// it. Data from the partner with the same token arrives through
// events.OnData; it may start before the partner connects, since the relay
// queues it.
func (c *Client) Rendezvous(ctx context.Context, token string, events pipe.PipeEvents) (*pipe.Pipe, error) {
	if err := validToken([]byte(token)); err != nil {
		return nil, err
	}
	p, err := c.mux.OpenPipe()
	if err != nil {
		return nil, err
	}

	opened := make(chan struct{})
	closed := make(chan struct{})
	p.SetEvents(pipe.PipeEvents{
		OnOpen: func() {
			close(opened)
			if events.OnOpen != nil {
				events.OnOpen()
			}
		},
		OnData:  events.OnData,
		OnError: events.OnError,
		OnClose: func() {
			close(closed)
			if events.OnClose != nil {
				events.OnClose()
			}
		},
	})
	if err := p.Start([]byte(token)); err != nil {
		return nil, err
	}

	select {
	case <-opened:
		return p, nil
	case <-closed:
		if err := p.Err(); err != nil {
			return nil, err
		}
		return nil, ErrRefused
	case <-ctx.Done():
		p.Close()
		return nil, ctx.Err()
	}
}

// Closed is closed once the relay connection is gone.
func (c *Client) Closed() <-chan struct{} {
	return c.closed
}

// Close disconnects from the relay.
func (c *Client) Close() error {
	return c.mux.Close()
}
