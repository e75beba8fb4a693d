package punch

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 15 * time.Second

func magic(b byte) Magic {
	var m Magic
	for i := range m {
		m[i] = b
	}
	return m
}

func fastSettings(min, max uint16) Settings {
	s := DefaultSettings()
	s.PortMin, s.PortMax = min, max
	s.Probes = s.RangeSize()
	s.Rate = MaxRate
	s.GroupSize = 8
	s.Timeout = 10 * time.Second
	return s
}

func waitJob(t *testing.T, j *Job) (*Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	return j.Wait(ctx)
}

// seeded returns a fixed port permutation seed.
func seeded(b byte) *bytes.Reader {
	return bytes.NewReader(bytes.Repeat([]byte{b}, 32))
}

// pairJobs builds the two sides of a punch between 10.0.0.1 and 10.0.0.2,
// each sweeping the whole of the other's port range.
func pairJobs(t *testing.T, hostA, hostB *simHost, size uint16, seed byte) (*Job, *Job) {
	t.Helper()
	magicA, magicB := magic(0xA), magic(0xB)
	jobA, err := NewJob(JobConfig{
		Target: "10.0.0.2", Outbound: magicA, Inbound: magicB,
		Settings: fastSettings(50000, 50000+size-1), Network: hostA, Random: seeded(seed),
	})
	require.NoError(t, err)
	jobB, err := NewJob(JobConfig{
		Target: "10.0.0.1", Outbound: magicB, Inbound: magicA,
		Settings: fastSettings(40000, 40000+size-1), Network: hostB, Random: seeded(seed + 1),
	})
	require.NoError(t, err)
	return jobA, jobB
}

// assertMatched checks that each side's winner is pinned to the other's.
func assertMatched(t *testing.T, resA, resB *Result) {
	t.Helper()
	assert.Equal(t, resB.Conn.LocalAddr().String(), resA.Remote.String())
	assert.Equal(t, resA.Conn.LocalAddr().String(), resB.Remote.String())
}

func TestJobConcurrentSucceeds(t *testing.T) {
	sim := newSimNet()
	hostA := sim.addHost("10.0.0.1", 40000, 40031, 1)
	hostB := sim.addHost("10.0.0.2", 50000, 50031, 2)
	jobA, jobB := pairJobs(t, hostA, hostB, 32, 1)

	require.NoError(t, jobA.Start())
	require.NoError(t, jobB.Start())

	resA, err := waitJob(t, jobA)
	require.NoError(t, err)
	resB, err := waitJob(t, jobB)
	require.NoError(t, err)

	remoteA := resA.Remote.(*net.UDPAddr)
	assert.Equal(t, "10.0.0.2", remoteA.IP.String())
	assert.GreaterOrEqual(t, remoteA.Port, 50000)
	assert.LessOrEqual(t, remoteA.Port, 50031)
	remoteB := resB.Remote.(*net.UDPAddr)
	assert.Equal(t, "10.0.0.1", remoteB.IP.String())

	// Every loser was closed.
	assert.Eventually(t, func() bool { return hostA.live() == 1 }, time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return hostB.live() == 1 }, time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, jobA.Start(), ErrJobStarted)
}

func TestJobExhaustiveSucceedsOverLossyPaths(t *testing.T) {
	// A quarter of all endpoint pairs drop everything.
	sim := newLossyNet(0.25, 7)
	hostA := sim.addHost("10.0.0.1", 40000, 40031, 1)
	hostB := sim.addHost("10.0.0.2", 50000, 50031, 2)
	jobA, jobB := pairJobs(t, hostA, hostB, 32, 3)

	// B starts once all of A's mappings are live, so the first B datagram
	// that gets through decides the winner on both sides.
	require.NoError(t, jobA.Start())
	require.Eventually(t, func() bool { return hostA.datagramsSent() == 32 }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, jobB.Start())

	resA, err := waitJob(t, jobA)
	require.NoError(t, err)
	resB, err := waitJob(t, jobB)
	require.NoError(t, err)
	assertMatched(t, resA, resB)

	assert.Eventually(t, func() bool { return hostA.live() == 1 }, time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return hostB.live() == 1 }, time.Second, 10*time.Millisecond)
}

func TestJobMeetsThroughPortFilteringNAT(t *testing.T) {
	// Under address and port dependent filtering a socket only hears from
	// the port it guessed, so a meeting needs a pair of sockets that guessed
	// each other. Not every layout has one.
	met := 0
	for seed := byte(1); seed <= 8 && met == 0; seed++ {
		sim := newSimNet()
		hostA := sim.addHost("10.0.0.1", 40000, 40015, uint64(seed))
		hostB := sim.addHost("10.0.0.2", 50000, 50015, uint64(seed)+100)
		hostA.filtering, hostB.filtering = true, true
		jobA, jobB := pairJobs(t, hostA, hostB, 16, seed*2)
		jobA.cfg.Settings.Timeout = 2 * time.Second
		jobB.cfg.Settings.Timeout = time.Second

		require.NoError(t, jobA.Start())
		require.Eventually(t, func() bool { return hostA.datagramsSent() == 16 }, 5*time.Second, 5*time.Millisecond)
		require.NoError(t, jobB.Start())

		resA, errA := waitJob(t, jobA)
		resB, errB := waitJob(t, jobB)
		if errA != nil || errB != nil {
			// A side only wins by hearing the other, so both miss together.
			assert.ErrorIs(t, errA, ErrPunchTimeout, "seed %d", seed)
			assert.ErrorIs(t, errB, ErrPunchTimeout, "seed %d", seed)
			continue
		}
		assertMatched(t, resA, resB)
		met++
	}
	assert.Equal(t, 1, met, "no seed produced a meeting pair")
}

func TestJobRestoresTTLOnWinner(t *testing.T) {
	sim := newSimNet()
	hostA := sim.addHost("10.0.0.1", 40000, 40015, 1)
	hostB := sim.addHost("10.0.0.2", 50000, 50015, 2)
	magicA, magicB := magic(0xA), magic(0xB)

	peer, err := hostB.ListenPacket(0)
	require.NoError(t, err)
	t.Cleanup(func() { peer.Close() })
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

	settings := fastSettings(50000, 50015)
	settings.TTL = 3
	job, err := NewJob(JobConfig{
		Target: "10.0.0.2", Outbound: magicA, Inbound: magicB,
		Settings: settings, Network: hostA,
	})
	require.NoError(t, err)
	require.NoError(t, job.Start())

	res, err := waitJob(t, job)
	require.NoError(t, err)
	// The probe left with the low TTL, the resend with the default.
	assert.Equal(t, []int{3, DefaultTTL}, res.Conn.(*simConn).sentTTLs())
	assert.Equal(t, 1, hostA.ttlResets())
}

func TestJobKeepsDefaultTTLUntouched(t *testing.T) {
	sim := newSimNet()
	hostA := sim.addHost("10.0.0.1", 40000, 40007, 1)
	hostB := sim.addHost("10.0.0.2", 50000, 50007, 2)
	jobA, jobB := pairJobs(t, hostA, hostB, 8, 5)
	require.NoError(t, jobA.Start())
	require.NoError(t, jobB.Start())
	_, err := waitJob(t, jobA)
	require.NoError(t, err)
	_, err = waitJob(t, jobB)
	require.NoError(t, err)

	assert.Zero(t, hostA.ttlResets())
	assert.Zero(t, hostB.ttlResets())
}

func TestJobZeroProbesTimesOut(t *testing.T) {
	sim := newSimNet()
	host := sim.addHost("10.0.0.1", 40000, 40031, 1)
	sim.addHost("10.0.0.2", 50000, 50031, 2)

	settings := fastSettings(50000, 50031)
	settings.Probes = 0
	settings.Timeout = 200 * time.Millisecond

	job, err := NewJob(JobConfig{
		Target: "10.0.0.2", Outbound: magic(1), Inbound: magic(2),
		Settings: settings, Network: host,
	})
	require.NoError(t, err)
	require.NoError(t, job.Start())

	res, err := waitJob(t, job)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrPunchTimeout)
	assert.Equal(t, 0, host.socketsOpened())
}

func TestJobUnansweredProbesTimeOut(t *testing.T) {
	sim := newSimNet()
	host := sim.addHost("10.0.0.1", 40000, 40031, 1)

	settings := fastSettings(50000, 50007)
	settings.Timeout = 300 * time.Millisecond
	job, err := NewJob(JobConfig{
		Target: "10.0.0.9", Outbound: magic(1), Inbound: magic(2),
		Settings: settings, Network: host,
	})
	require.NoError(t, err)
	require.NoError(t, job.Start())

	_, err = waitJob(t, job)
	assert.ErrorIs(t, err, ErrPunchTimeout)
	assert.Equal(t, 0, host.live())
}

func TestJobPinsObservedSource(t *testing.T) {
	sim := newSimNet()
	hostA := sim.addHost("10.0.0.1", 40000, 40015, 1)
	hostB := sim.addHost("10.0.0.2", 50000, 50015, 2)
	// Replies leave B's NAT from a different port than the mapping.
	hostB.sourcePort = func(p uint16) uint16 { return p + 1000 }

	magicA, magicB := magic(0xA), magic(0xB)
	peer, err := hostB.ListenPacket(0)
	require.NoError(t, err)
	peerPort := peer.LocalAddr().(*net.UDPAddr).Port

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
	t.Cleanup(func() { peer.Close() })

	job, err := NewJob(JobConfig{
		Target: "10.0.0.2", Outbound: magicA, Inbound: magicB,
		Settings: fastSettings(50000, 50015), Network: hostA,
	})
	require.NoError(t, err)
	require.NoError(t, job.Start())

	res, err := waitJob(t, job)
	require.NoError(t, err)
	remote := res.Remote.(*net.UDPAddr)
	assert.Equal(t, "10.0.0.2", remote.IP.String())
	assert.Equal(t, peerPort+1000, remote.Port)
	assert.NotContains(t, job.Ports(), uint16(remote.Port))
	assert.GreaterOrEqual(t, res.Probes, 1)
	assert.Equal(t, 1, hostA.live())
}

func TestJobIgnoresWrongMagic(t *testing.T) {
	sim := newSimNet()
	hostA := sim.addHost("10.0.0.1", 40000, 40007, 1)
	hostB := sim.addHost("10.0.0.2", 50000, 50007, 2)

	peer, err := hostB.ListenPacket(0)
	require.NoError(t, err)
	t.Cleanup(func() { peer.Close() })
	go func() {
		buf := make([]byte, 128)
		for {
			_, from, err := peer.ReadFrom(buf)
			if err != nil {
				return
			}
			peer.WriteTo([]byte("not the magic"), from)
			bad := magic(0xC)
			peer.WriteTo(bad[:], from)
		}
	}()

	settings := fastSettings(50000, 50007)
	settings.Timeout = 500 * time.Millisecond
	job, err := NewJob(JobConfig{
		Target: "10.0.0.2", Outbound: magic(0xA), Inbound: magic(0xB),
		Settings: settings, Network: hostA,
	})
	require.NoError(t, err)
	require.NoError(t, job.Start())

	_, err = waitJob(t, job)
	assert.ErrorIs(t, err, ErrPunchTimeout)
}

func TestJobPassesTTL(t *testing.T) {
	sim := newSimNet()
	host := sim.addHost("10.0.0.1", 40000, 40003, 1)

	settings := fastSettings(50000, 50003)
	settings.TTL = 3
	settings.Timeout = 200 * time.Millisecond
	job, err := NewJob(JobConfig{
		Target: "10.0.0.2", Outbound: magic(1), Inbound: magic(2),
		Settings: settings, Network: host,
	})
	require.NoError(t, err)
	require.NoError(t, job.Start())
	waitJob(t, job)

	host.mu.Lock()
	defer host.mu.Unlock()
	assert.Equal(t, []int{3, 3, 3, 3}, host.ttls)
}

func TestNewJobRejects(t *testing.T) {
	_, err := NewJob(JobConfig{Target: "not an ip", Settings: DefaultSettings()})
	assert.Error(t, err)

	bad := DefaultSettings()
	bad.PortMin, bad.PortMax = 2000, 1000
	_, err = NewJob(JobConfig{Target: "10.0.0.1", Settings: bad})
	assert.ErrorIs(t, err, ErrInvalidSettings)
}

func TestJobWaitHonorsContext(t *testing.T) {
	sim := newSimNet()
	host := sim.addHost("10.0.0.1", 40000, 40003, 1)
	settings := fastSettings(50000, 50003)
	settings.Timeout = time.Second

	job, err := NewJob(JobConfig{Target: "10.0.0.2", Settings: settings, Network: host})
	require.NoError(t, err)
	require.NoError(t, job.Start())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = job.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	// The job itself still runs to its timeout.
	_, err = waitJob(t, job)
	assert.ErrorIs(t, err, ErrPunchTimeout)
}
