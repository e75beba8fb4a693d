package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/opd-ai/natpipe/crypto"
	"github.com/opd-ai/natpipe/kex"
	"github.com/opd-ai/natpipe/pipe"
	"github.com/opd-ai/natpipe/punch"
	"github.com/opd-ai/natpipe/relay"
	"github.com/opd-ai/natpipe/session"
	"github.com/opd-ai/natpipe/transport"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type connectOptions struct {
	relayAddr string
	relayKey  string
	peerKey   string
	token     string
	initiator bool
	timeout   time.Duration
}

func newConnectCmd(opts *options) *cobra.Command {
	co := &connectOptions{}
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Punch through to a peer and bridge stdin/stdout to a pipe",
		Long: `Meet the peer at the relay under a shared token, punch a direct UDP path,
run an encrypted session over it and copy stdin to the pipe and the pipe to
stdout. Exactly one side passes --initiator.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			err := runConnect(ctx, opts, co, cmd.InOrStdin(), cmd.OutOrStdout())
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&co.relayAddr, "relay", "", "relay address (defaults to relay_address)")
	cmd.Flags().StringVar(&co.relayKey, "relay-key", "", "pin the relay's hex public key")
	cmd.Flags().StringVar(&co.peerKey, "peer-key", "", "pin the peer's hex public key")
	cmd.Flags().StringVarP(&co.token, "token", "t", "", "rendezvous token shared with the peer")
	cmd.Flags().BoolVar(&co.initiator, "initiator", false, "take the initiating role")
	cmd.Flags().DurationVar(&co.timeout, "timeout", 2*time.Minute, "bound on rendezvous and punching")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

func runConnect(ctx context.Context, opts *options, co *connectOptions, in io.Reader, out io.Writer) error {
	cfg := opts.cfg
	relayAddr := co.relayAddr
	if relayAddr == "" {
		relayAddr = cfg.RelayAddress
	}
	if relayAddr == "" {
		return errors.New("no relay address: pass --relay or set relay_address")
	}
	relayKey, err := optionalKey(co.relayKey)
	if err != nil {
		return fmt.Errorf("--relay-key: %w", err)
	}
	peerKey, err := optionalKey(co.peerKey)
	if err != nil {
		return fmt.Errorf("--peer-key: %w", err)
	}
	trust, err := cfg.TrustStore()
	if err != nil {
		return err
	}
	id, err := opts.identity()
	if err != nil {
		return err
	}

	punchCtx, cancel := context.WithTimeout(ctx, co.timeout)
	defer cancel()
	res, conv, err := rendezvousAndPunch(punchCtx, opts, co, id, relayAddr, relayKey)
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function": "runConnect",
		"remote":   res.Remote.String(),
		"probes":   res.Probes,
		"conv":     conv,
	}).Info("Direct path established")

	kt, err := transport.NewKCP(res.Conn, res.Remote, conv)
	if err != nil {
		res.Conn.Close()
		return err
	}
	role := kex.Responder
	if co.initiator {
		role = kex.Initiator
	}
	sess, err := session.New(kt, session.Config{
		Role:                     role,
		Identity:                 id,
		PinnedPeer:               peerKey,
		Trust:                    trust,
		AllowEncryptionDowngrade: cfg.AllowEncryptionDowngrade,
	})
	if err != nil {
		kt.Close()
		return err
	}
	mux := pipe.NewMux(sess, pipe.Config{Initiator: co.initiator, OpenTimeout: cfg.PipeOpenTimeout})
	defer mux.Close()

	conn, err := firstPipe(ctx, mux, co.initiator)
	if err != nil {
		if sessErr := sess.Err(); sessErr != nil {
			return fmt.Errorf("session: %w", sessErr)
		}
		return err
	}
	peer, _ := sess.PeerIdentity()
	logrus.WithFields(logrus.Fields{
		"function":    "runConnect",
		"fingerprint": peer.Fingerprint().String(),
	}).Info("Pipe open")

	return bridge(ctx, conn, in, out)
}

func optionalKey(s string) (crypto.PublicKey, error) {
	if s == "" {
		return crypto.PublicKey{}, nil
	}
	return crypto.ParsePublicKey(s)
}

// rendezvousAndPunch negotiates through the relay and returns the punched
// socket with the KCP conversation id both sides derive.
func rendezvousAndPunch(ctx context.Context, opts *options, co *connectOptions, id *crypto.Identity, relayAddr string, relayKey crypto.PublicKey) (*punch.Result, uint32, error) {
	cfg := opts.cfg
	t, err := transport.Dial(ctx, relayAddr, cfg.RelayProxy)
	if err != nil {
		return nil, 0, err
	}
	client, err := relay.Connect(ctx, t, relay.ClientConfig{
		Identity:    id,
		RelayKey:    relayKey,
		OpenTimeout: cfg.PipeOpenTimeout,
	})
	if err != nil {
		return nil, 0, err
	}
	defer client.Close()

	ch := &pipeChannel{}
	ps, err := punch.NewSession(ch, punch.Config{
		Initiator:  co.initiator,
		Settings:   cfg.PunchSettings(),
		Discoverer: transport.NewSTUNClient(cfg.STUNServers...),
	})
	if err != nil {
		return nil, 0, err
	}

	p, err := client.Rendezvous(ctx, co.token, pipe.PipeEvents{
		OnData:  ps.Receive,
		OnClose: func() { ps.Abort(relay.ErrDisconnected) },
	})
	if err != nil {
		return nil, 0, err
	}
	ch.set(p)

	logrus.WithFields(logrus.Fields{
		"function":  "rendezvousAndPunch",
		"initiator": co.initiator,
	}).Info("Rendezvous pipe open, negotiating")

	if err := ps.Begin(ctx); err != nil {
		return nil, 0, err
	}
	res, err := ps.Wait(ctx)
	if err != nil {
		ps.Abort(err)
		return nil, 0, err
	}
	conv, _ := ps.Conv()
	return res, conv, nil
}

// pipeChannel carries punch records over the rendezvous pipe once it exists.
type pipeChannel struct {
	mu sync.Mutex
	p  *pipe.Pipe
}

func (c *pipeChannel) set(p *pipe.Pipe) {
	c.mu.Lock()
	c.p = p
	c.mu.Unlock()
}

func (c *pipeChannel) Send(record []byte) error {
	c.mu.Lock()
	p := c.p
	c.mu.Unlock()
	if p == nil {
		return pipe.ErrNotOpen
	}
	return p.Send(record)
}

// firstPipe opens a pipe as initiator or accepts the first one as acceptor.
// Later requests are refused.
func firstPipe(ctx context.Context, mux *pipe.Mux, initiator bool) (*pipe.Conn, error) {
	conns := make(chan *pipe.Conn, 1)
	closed := make(chan struct{})
	var once sync.Once
	deliver := func(c *pipe.Conn) {
		once.Do(func() { conns <- c })
	}

	events := pipe.Events{
		OnClose: func() { close(closed) },
	}
	if initiator {
		events.OnOpen = func() {
			p, err := mux.OpenPipe()
			if err != nil {
				mux.Close()
				return
			}
			c := pipe.NewConn(p)
			if err := p.Start(nil); err != nil {
				mux.Close()
				return
			}
			deliver(c)
		}
	} else {
		var accepted bool
		events.OnPipeRequest = func(p *pipe.Pipe, _ []byte) {
			if accepted {
				p.Close()
				return
			}
			accepted = true
			c := pipe.NewConn(p)
			p.Start(nil)
			deliver(c)
		}
	}
	mux.SetEvents(events)
	if err := mux.Start(); err != nil {
		return nil, err
	}

	select {
	case c := <-conns:
		return c, nil
	case <-closed:
		return nil, errors.New("connection to peer closed before a pipe opened")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// bridge copies in to conn and conn to out until conn reaches EOF or ctx
// ends. EOF on in closes conn, which the peer sees as the pipe closing.
func bridge(ctx context.Context, conn io.ReadWriteCloser, in io.Reader, out io.Writer) error {
	go func() {
		if _, err := io.Copy(conn, in); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "bridge",
				"error":    err.Error(),
			}).Debug("Input copy stopped")
		}
		conn.Close()
	}()

	g, gctx := errgroup.WithContext(ctx)
	finished := make(chan struct{})
	g.Go(func() error {
		defer close(finished)
		_, err := io.Copy(out, conn)
		return err
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			conn.Close()
			return gctx.Err()
		case <-finished:
			return nil
		}
	})
	return g.Wait()
}
