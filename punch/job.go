package punch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var (
	// ErrPunchTimeout is reported when no probe was answered in time.
	ErrPunchTimeout = errors.New("punch: no probe answered before timeout")
	// ErrJobStarted is returned by a second call to Job.Start.
	ErrJobStarted = errors.New("punch: job already started")
)

// Result is a punched path: a socket whose peer answered, and the address
// the answer came from.
type Result struct {
	Conn net.PacketConn
	// Remote is the observed source of the matching datagram. It may differ
	// from the address the probe was sent to.
	Remote net.Addr
	// Probes is the number of probes sent before the match.
	Probes int
}

// JobConfig describes one hole-punch attempt.
type JobConfig struct {
	// Target is the peer's public IP.
	Target string
	// Outbound is the magic this side's probes carry.
	Outbound Magic
	// Inbound is the magic expected from the peer.
	Inbound  Magic
	Settings Settings
	// Network defaults to UDPNetwork.
	Network Network
	// Random seeds the port permutation. Defaults to crypto/rand.
	Random io.Reader
}

// Job opens probe sockets at a bounded rate until one of them receives the
// peer's magic or the timeout passes. It runs on its own goroutine; only the
// timeout stops it.
type Job struct {
	cfg   JobConfig
	ports []uint16

	started atomic.Bool
	done    chan struct{}
	once    sync.Once
	result  *Result
	err     error
}

// NewJob validates cfg and computes the candidate ports.
func NewJob(cfg JobConfig) (*Job, error) {
	if err := cfg.Settings.Validate(); err != nil {
		return nil, err
	}
	if cfg.Network == nil {
		cfg.Network = UDPNetwork{}
	}
	if _, err := cfg.Network.Addr(cfg.Target, cfg.Settings.PortMin); err != nil {
		return nil, err
	}
	ports, err := candidatePorts(cfg.Settings, cfg.Random)
	if err != nil {
		return nil, err
	}
	return &Job{cfg: cfg, ports: ports, done: make(chan struct{})}, nil
}

// Ports returns the destination ports in probe order.
func (j *Job) Ports() []uint16 {
	return append([]uint16(nil), j.ports...)
}

// Start launches the job goroutine.
func (j *Job) Start() error {
	if j.started.Swap(true) {
		return ErrJobStarted
	}
	go j.run()
	return nil
}

// Done is closed once the job resolved.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Wait blocks until the job resolves or ctx ends. A cancelled ctx only stops
// the wait; the job keeps running until its own timeout.
func (j *Job) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-j.done:
		return j.result, j.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (j *Job) resolve(result *Result, err error) {
	j.once.Do(func() {
		j.result, j.err = result, err
		close(j.done)
	})
}

// hit is a socket that received the inbound magic.
type hit struct {
	conn net.PacketConn
	from net.Addr
}

func (j *Job) run() {
	s := j.cfg.Settings
	ctx, cancel := context.WithTimeout(context.Background(), s.Timeout)
	defer cancel()

	logger := logrus.WithFields(logrus.Fields{
		"function": "Job.run",
		"target":   j.cfg.Target,
		"probes":   len(j.ports),
		"rate":     s.ClampedRate(),
	})
	logger.Info("Starting hole punch")

	groupCount := (len(j.ports) + s.GroupSize - 1) / s.GroupSize
	if groupCount == 0 {
		groupCount = 1
	}
	groups := make([]*pollGroup, groupCount)
	for i := range groups {
		groups[i] = &pollGroup{conns: make(map[net.PacketConn]struct{})}
	}
	closeAll := func() {
		for _, g := range groups {
			g.close()
		}
	}

	hits := make(chan hit)
	stop := make(chan struct{})
	defer close(stop)
	limiter := rate.NewLimiter(rate.Limit(s.ClampedRate()), 1)
	sent := 0

probing:
	for i, port := range j.ports {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		select {
		case h := <-hits:
			closeAll()
			j.win(h, sent)
			return
		default:
		}

		conn, err := j.probe(port)
		if err != nil {
			logger.WithFields(logrus.Fields{
				"port":  port,
				"error": err.Error(),
			}).Debug("Probe failed")
			continue
		}
		sent++
		if !groups[i%groupCount].add(conn, j.cfg.Inbound, hits, stop) {
			break probing
		}
	}

	logger.WithField("sent", sent).Debug("Probing finished, draining")
	select {
	case h := <-hits:
		closeAll()
		j.win(h, sent)
	case <-ctx.Done():
		closeAll()
		logger.WithField("sent", sent).Warn("Hole punch timed out")
		j.resolve(nil, fmt.Errorf("%w after %s and %d probes", ErrPunchTimeout, s.Timeout, sent))
	}
}

// probe opens one socket and sends the outbound magic to (Target, port).
func (j *Job) probe(port uint16) (net.PacketConn, error) {
	dst, err := j.cfg.Network.Addr(j.cfg.Target, port)
	if err != nil {
		return nil, err
	}
	conn, err := j.cfg.Network.ListenPacket(j.cfg.Settings.TTL)
	if err != nil {
		return nil, err
	}
	if _, err := conn.WriteTo(j.cfg.Outbound[:], dst); err != nil {
		conn.Close()
		return nil, fmt.Errorf("punch: send probe to %s: %w", dst, err)
	}
	return conn, nil
}

// win pins the socket to the observed source and resends the magic once,
// for a peer whose matching socket opened after the first send. A socket
// opened with a low TTL gets the default back first, so the resend and all
// later traffic reach the peer.
func (j *Job) win(h hit, sent int) {
	if j.cfg.Settings.TTL > 0 {
		if err := j.cfg.Network.ResetTTL(h.conn); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Job.win",
				"local":    h.conn.LocalAddr().String(),
				"error":    err.Error(),
			}).Warn("Could not restore TTL on punched socket")
		}
	}
	if _, err := h.conn.WriteTo(j.cfg.Outbound[:], h.from); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Job.win",
			"remote":   h.from.String(),
			"error":    err.Error(),
		}).Debug("Magic resend failed")
	}
	logrus.WithFields(logrus.Fields{
		"function": "Job.win",
		"local":    h.conn.LocalAddr().String(),
		"remote":   h.from.String(),
		"sent":     sent,
	}).Info("Hole punched")
	j.resolve(&Result{Conn: h.conn, Remote: h.from, Probes: sent}, nil)
}

// pollGroup watches a bounded set of probe sockets for the inbound magic.
type pollGroup struct {
	mu     sync.Mutex
	conns  map[net.PacketConn]struct{}
	closed bool
}

// add starts watching conn. It reports false, closing conn, if the group
// was already closed. A watcher whose hit is not taken before stop closes
// its own socket.
func (g *pollGroup) add(conn net.PacketConn, inbound Magic, hits chan<- hit, stop <-chan struct{}) bool {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		conn.Close()
		return false
	}
	g.conns[conn] = struct{}{}
	g.mu.Unlock()

	go g.watch(conn, inbound, hits, stop)
	return true
}

func (g *pollGroup) watch(conn net.PacketConn, inbound Magic, hits chan<- hit, stop <-chan struct{}) {
	buf := make([]byte, 2048)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			return
		}
		if n != MagicSize || !bytes.Equal(buf[:n], inbound[:]) {
			continue
		}
		if !g.detach(conn) {
			return
		}
		select {
		case hits <- hit{conn: conn, from: from}:
		case <-stop:
			// Another socket already won, or the job timed out.
			conn.Close()
		}
		return
	}
}

// detach removes conn from the group so closing the group leaves it open.
func (g *pollGroup) detach(conn net.PacketConn) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	delete(g.conns, conn)
	return true
}

func (g *pollGroup) close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	for conn := range g.conns {
		conn.Close()
	}
	g.conns = nil
}
