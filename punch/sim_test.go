package punch

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"sync"
	"time"
)

// simNet routes datagrams between simulated NATed hosts. Every socket gets
// its own external port (symmetric mapping). By default any sender may reach
// a live mapping and nothing is lost.
type simNet struct {
	mu    sync.Mutex
	hosts map[string]*simHost

	// loss is the share of endpoint pairs whose path drops every datagram,
	// in both directions.
	loss  float64
	rng   *rand.Rand
	paths map[string]bool
}

func newSimNet() *simNet {
	return &simNet{hosts: make(map[string]*simHost)}
}

// newLossyNet returns a network where each endpoint pair is cut with
// probability loss, drawn from seed the first time the pair talks.
func newLossyNet(loss float64, seed uint64) *simNet {
	n := newSimNet()
	n.loss = loss
	n.rng = rand.New(rand.NewPCG(seed, ^seed))
	n.paths = make(map[string]bool)
	return n
}

func (n *simNet) cut(src, dst *net.UDPAddr) bool {
	if n.loss <= 0 {
		return false
	}
	a, b := src.String(), dst.String()
	if a > b {
		a, b = b, a
	}
	key := a + "|" + b
	n.mu.Lock()
	defer n.mu.Unlock()
	lost, ok := n.paths[key]
	if !ok {
		lost = n.rng.Float64() < n.loss
		n.paths[key] = lost
	}
	return lost
}

// addHost attaches a host whose NAT allocates ports from [min, max] in a
// random order.
func (n *simNet) addHost(ip string, min, max uint16, seed uint64) *simHost {
	free := make([]uint16, 0, int(max)-int(min)+1)
	for p := int(min); p <= int(max); p++ {
		free = append(free, uint16(p))
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	rng.Shuffle(len(free), func(i, j int) { free[i], free[j] = free[j], free[i] })

	h := &simHost{net: n, ip: ip, free: free, mappings: make(map[uint16]*simConn)}
	n.mu.Lock()
	n.hosts[ip] = h
	n.mu.Unlock()
	return h
}

func (n *simNet) deliver(src, dst *net.UDPAddr, b []byte) {
	if n.cut(src, dst) {
		return
	}
	n.mu.Lock()
	h := n.hosts[dst.IP.String()]
	n.mu.Unlock()
	if h == nil {
		return
	}
	h.mu.Lock()
	c := h.mappings[uint16(dst.Port)]
	if c != nil && h.filtering {
		if _, ok := c.sentTo[src.String()]; !ok {
			c = nil
		}
	}
	h.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case c.inbox <- simPacket{from: src, data: append([]byte(nil), b...)}:
	case <-c.closed:
	default:
	}
}

type simHost struct {
	net *simNet
	ip  string

	mu       sync.Mutex
	free     []uint16
	mappings map[uint16]*simConn
	opened   int
	ttls     []int
	resets   int
	sent     int

	// filtering makes a mapping accept only sources it has sent to
	// (address and port dependent filtering).
	filtering bool

	// sourcePort, when set, rewrites the source port of outgoing datagrams,
	// modeling a NAT whose reply path differs from its mapping.
	sourcePort func(uint16) uint16
}

var errPortsExhausted = errors.New("sim: no free ports")

func (h *simHost) ListenPacket(ttl int) (net.PacketConn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.free) == 0 {
		return nil, errPortsExhausted
	}
	port := h.free[0]
	h.free = h.free[1:]
	c := &simConn{
		host:   h,
		port:   port,
		inbox:  make(chan simPacket, 16),
		closed: make(chan struct{}),
		ttl:    ttl,
		sentTo: make(map[string]struct{}),
	}
	h.mappings[port] = c
	h.opened++
	h.ttls = append(h.ttls, ttl)
	return c, nil
}

func (h *simHost) ResetTTL(conn net.PacketConn) error {
	c, ok := conn.(*simConn)
	if !ok {
		return errors.New("sim: foreign socket")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	c.ttl = DefaultTTL
	h.resets++
	return nil
}

func (h *simHost) Addr(host string, port uint16) (net.Addr, error) {
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, errors.New("sim: bad host")
	}
	return &net.UDPAddr{IP: ip, Port: int(port)}, nil
}

// Discover reports the host IP, like a STUN query from a throwaway socket.
func (h *simHost) Discover(ctx context.Context) (string, uint16, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}
	return h.ip, 1, nil
}

func (h *simHost) live() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.mappings)
}

func (h *simHost) socketsOpened() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.opened
}

func (h *simHost) datagramsSent() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sent
}

func (h *simHost) ttlResets() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.resets
}

type simPacket struct {
	from *net.UDPAddr
	data []byte
}

type simConn struct {
	host      *simHost
	port      uint16
	inbox     chan simPacket
	closed    chan struct{}
	closeOnce sync.Once

	// Guarded by host.mu.
	ttl       int
	sentTo    map[string]struct{}
	writeTTLs []int
}

func (c *simConn) ReadFrom(b []byte) (int, net.Addr, error) {
	select {
	case p := <-c.inbox:
		return copy(b, p.data), p.from, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *simConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}
	dst, ok := addr.(*net.UDPAddr)
	if !ok {
		return 0, errors.New("sim: not a UDP address")
	}
	srcPort := c.port
	if c.host.sourcePort != nil {
		srcPort = c.host.sourcePort(c.port)
	}
	src := &net.UDPAddr{IP: net.ParseIP(c.host.ip), Port: int(srcPort)}
	c.host.mu.Lock()
	c.sentTo[dst.String()] = struct{}{}
	c.writeTTLs = append(c.writeTTLs, c.ttl)
	c.host.mu.Unlock()
	c.host.net.deliver(src, dst, b)
	c.host.mu.Lock()
	c.host.sent++
	c.host.mu.Unlock()
	return len(b), nil
}

func (c *simConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.host.mu.Lock()
		delete(c.host.mappings, c.port)
		c.host.mu.Unlock()
	})
	return nil
}

// sentTTLs lists the TTL each datagram written on c carried.
func (c *simConn) sentTTLs() []int {
	c.host.mu.Lock()
	defer c.host.mu.Unlock()
	return append([]int(nil), c.writeTTLs...)
}

func (c *simConn) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.ParseIP(c.host.ip), Port: int(c.port)}
}

func (c *simConn) SetDeadline(time.Time) error      { return nil }
func (c *simConn) SetReadDeadline(time.Time) error  { return nil }
func (c *simConn) SetWriteDeadline(time.Time) error { return nil }
