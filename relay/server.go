package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/opd-ai/natpipe/crypto"
	"github.com/opd-ai/natpipe/kex"
	"github.com/opd-ai/natpipe/limits"
	"github.com/opd-ai/natpipe/pipe"
	"github.com/opd-ai/natpipe/session"
	"github.com/opd-ai/natpipe/transport"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	// MaxTokenSize bounds a rendezvous token.
	MaxTokenSize = 256
	// DefaultMaxPending is how many Data frames a waiting pipe may queue
	// before its partner arrives.
	DefaultMaxPending = 64
)

var (
	// ErrInvalidToken reports an empty or oversized rendezvous token.
	ErrInvalidToken = errors.New("relay: invalid rendezvous token")
	// ErrServerClosed is returned by Serve after Close.
	ErrServerClosed = errors.New("relay: server closed")
)

// Config configures a relay Server.
type Config struct {
	// Identity authenticates the relay to its clients.
	Identity *crypto.Identity
	// Trust, when non-empty, restricts which clients may connect.
	Trust *crypto.TrustStore
	// OpenTimeout bounds pipe open requests. Zero uses pipe.DefaultOpenTimeout.
	OpenTimeout time.Duration
	// MaxPending defaults to DefaultMaxPending.
	MaxPending int
}

// Server pairs client pipes by rendezvous token and forwards their Data and
// Close frames opaquely. Every client runs the responder side of an
// encrypted session with an accepting multiplexer on top.
type Server struct {
	cfg      Config
	upgrader *websocket.Upgrader

	mu        sync.Mutex
	waiting   map[string]*endpoint
	clients   map[*pipe.Mux]struct{}
	listeners map[net.Listener]struct{}
	closed    bool
}

// NewServer creates a relay with the given identity.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Identity == nil {
		return nil, errors.New("relay: nil identity")
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultMaxPending
	}
	return &Server{
		cfg:       cfg,
		upgrader:  transport.NewWebSocketUpgrader(),
		waiting:   make(map[string]*endpoint),
		clients:   make(map[*pipe.Mux]struct{}),
		listeners: make(map[net.Listener]struct{}),
	}, nil
}

// Serve accepts stream clients on l until l fails or the server closes.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		l.Close()
		return ErrServerClosed
	}
	s.listeners[l] = struct{}{}
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Server.Serve",
		"address":  l.Addr().String(),
	}).Info("Relay accepting stream clients")

	for {
		conn, err := l.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			delete(s.listeners, l)
			s.mu.Unlock()
			if closed {
				return ErrServerClosed
			}
			return fmt.Errorf("relay: accept: %w", err)
		}
		if err := s.ServeTransport(transport.NewStream(conn)); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Server.Serve",
				"remote":   conn.RemoteAddr().String(),
				"error":    err.Error(),
			}).Warn("Dropping client")
		}
	}
}

// ServeHTTP upgrades the request to a WebSocket client.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	t, err := transport.AcceptWebSocket(s.upgrader, w, r)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Server.ServeHTTP",
			"remote":   r.RemoteAddr,
			"error":    err.Error(),
		}).Warn("WebSocket upgrade failed")
		return
	}
	if err := s.ServeTransport(t); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Server.ServeHTTP",
			"remote":   r.RemoteAddr,
			"error":    err.Error(),
		}).Warn("Dropping client")
	}
}

// ServeTransport runs a client over an established transport. It returns
// once the client's session started; the client is served in the
// background.
func (s *Server) ServeTransport(t transport.Transport) error {
	sess, err := session.New(t, session.Config{
		Role:     kex.Responder,
		Identity: s.cfg.Identity,
		Trust:    s.cfg.Trust,
	})
	if err != nil {
		t.Close()
		return err
	}
	mux := pipe.NewMux(sess, pipe.Config{OpenTimeout: s.cfg.OpenTimeout})
	mux.SetEvents(pipe.Events{
		OnOpen: func() {
			peer, _ := sess.PeerIdentity()
			logrus.WithFields(logrus.Fields{
				"function":    "Server.ServeTransport",
				"fingerprint": peer.Fingerprint().String(),
			}).Info("Relay client connected")
		},
		OnPipeRequest: func(p *pipe.Pipe, payload []byte) {
			s.onPipeRequest(mux, p, payload)
		},
		OnClose: func() {
			s.mu.Lock()
			delete(s.clients, mux)
			s.mu.Unlock()
		},
	})

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		t.Close()
		return ErrServerClosed
	}
	s.clients[mux] = struct{}{}
	s.mu.Unlock()

	if err := mux.Start(); err != nil {
		s.mu.Lock()
		delete(s.clients, mux)
		s.mu.Unlock()
		mux.Close()
		return err
	}
	return nil
}

// ListenAndServe serves stream clients on tcpAddr and WebSocket clients on
// wsAddr until ctx ends or a listener fails. Either address may be empty.
func (s *Server) ListenAndServe(ctx context.Context, tcpAddr, wsAddr string) error {
	if tcpAddr == "" && wsAddr == "" {
		return errors.New("relay: no listen address")
	}
	g, gctx := errgroup.WithContext(ctx)

	if tcpAddr != "" {
		l, err := net.Listen("tcp", tcpAddr)
		if err != nil {
			return fmt.Errorf("relay: listen %s: %w", tcpAddr, err)
		}
		g.Go(func() error {
			if err := s.Serve(l); !errors.Is(err, ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	var httpServer *http.Server
	if wsAddr != "" {
		l, err := net.Listen("tcp", wsAddr)
		if err != nil {
			s.Close()
			return fmt.Errorf("relay: listen %s: %w", wsAddr, err)
		}
		httpServer = &http.Server{Handler: s, ReadHeaderTimeout: 10 * time.Second}
		logrus.WithFields(logrus.Fields{
			"function": "Server.ListenAndServe",
			"address":  l.Addr().String(),
		}).Info("Relay accepting WebSocket clients")
		g.Go(func() error {
			if err := httpServer.Serve(l); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		s.Close()
		if httpServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			httpServer.Shutdown(shutdownCtx)
		}
		return nil
	})
	return g.Wait()
}

// Close stops every listener and disconnects every client.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	listeners := make([]net.Listener, 0, len(s.listeners))
	for l := range s.listeners {
		listeners = append(listeners, l)
	}
	clients := make([]*pipe.Mux, 0, len(s.clients))
	for m := range s.clients {
		clients = append(clients, m)
	}
	s.mu.Unlock()

	for _, l := range listeners {
		l.Close()
	}
	for _, m := range clients {
		m.Close()
	}
	return nil
}

// Waiting returns the number of pipes waiting for a partner.
func (s *Server) Waiting() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiting)
}

func validToken(token []byte) error {
	if err := limits.ValidateMessageSize(token, MaxTokenSize); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return nil
}

// onPipeRequest accepts a rendezvous pipe. The first pipe for a token waits;
// the second from another client is linked to it.
func (s *Server) onPipeRequest(mux *pipe.Mux, p *pipe.Pipe, payload []byte) {
	logger := logrus.WithFields(logrus.Fields{
		"function": "Server.onPipeRequest",
		"pipe_id":  p.ID(),
	})
	if err := validToken(payload); err != nil {
		logger.WithField("error", err.Error()).Warn("Refusing pipe")
		p.Close()
		return
	}
	token := string(payload)

	s.mu.Lock()
	if first, ok := s.waiting[token]; ok {
		if first.mux == mux {
			s.mu.Unlock()
			logger.Warn("Refusing second pipe for a token from the same client")
			p.Close()
			return
		}
		delete(s.waiting, token)
		s.mu.Unlock()
		logger.Info("Pairing rendezvous pipes")
		s.link(first, mux, p)
		return
	}
	e := &endpoint{server: s, token: token, mux: mux, p: p}
	s.waiting[token] = e
	s.mu.Unlock()

	p.SetEvents(e.events())
	if err := p.Start(nil); err != nil {
		logger.WithField("error", err.Error()).Warn("Accepting pipe failed")
		return
	}
	logger.Debug("Pipe waiting for partner")
}

func (s *Server) link(first *endpoint, mux *pipe.Mux, p *pipe.Pipe) {
	second := &endpoint{server: s, token: first.token, mux: mux, p: p, peer: first.p}
	p.SetEvents(second.events())
	if err := p.Start(nil); err != nil {
		first.p.Close()
		return
	}

	first.mu.Lock()
	if first.closed {
		first.mu.Unlock()
		p.Close()
		return
	}
	first.peer = p
	pending := first.pending
	first.pending = nil
	for _, data := range pending {
		if err := p.Send(data); err != nil {
			first.mu.Unlock()
			first.forwardFailed(err)
			return
		}
	}
	first.mu.Unlock()
}

func (s *Server) unwait(e *endpoint) {
	s.mu.Lock()
	if s.waiting[e.token] == e {
		delete(s.waiting, e.token)
	}
	s.mu.Unlock()
}

// endpoint is one side of a rendezvous pair.
type endpoint struct {
	server *Server
	token  string
	mux    *pipe.Mux
	p      *pipe.Pipe

	mu      sync.Mutex
	peer    *pipe.Pipe
	pending [][]byte
	closed  bool
}

func (e *endpoint) events() pipe.PipeEvents {
	return pipe.PipeEvents{
		OnData:  e.onData,
		OnClose: e.onClose,
	}
}

func (e *endpoint) onData(data []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.peer == nil {
		if len(e.pending) >= e.server.cfg.MaxPending {
			logrus.WithFields(logrus.Fields{
				"function": "endpoint.onData",
				"pipe_id":  e.p.ID(),
			}).Warn("Dropping data queued for absent partner")
			return
		}
		e.pending = append(e.pending, append([]byte(nil), data...))
		return
	}
	if err := e.peer.Send(data); err != nil {
		go e.forwardFailed(err)
	}
}

func (e *endpoint) forwardFailed(err error) {
	logrus.WithFields(logrus.Fields{
		"function": "endpoint.forwardFailed",
		"pipe_id":  e.p.ID(),
		"error":    err.Error(),
	}).Warn("Forwarding failed, closing pair")
	e.p.Close()
}

func (e *endpoint) onClose() {
	e.mu.Lock()
	e.closed = true
	peer := e.peer
	e.pending = nil
	e.mu.Unlock()

	if peer != nil {
		peer.Close()
		return
	}
	e.server.unwait(e)
}
