package punch

import (
	crand "crypto/rand"
	"fmt"
	"io"
	"math/rand/v2"
)

// candidatePorts lists the destination ports a job probes, in order. With a
// start port it sweeps the range from there, wrapping at PortMax; otherwise
// it draws a random permutation seeded from random. At most Probes ports are
// returned, and never more than the range holds.
func candidatePorts(s Settings, random io.Reader) ([]uint16, error) {
	size := s.RangeSize()
	n := s.Probes
	if n > size {
		n = size
	}
	if n <= 0 {
		return nil, nil
	}

	ports := make([]uint16, 0, n)
	if s.StartPort != 0 {
		offset := int(s.StartPort) - int(s.PortMin)
		for i := 0; i < n; i++ {
			ports = append(ports, uint16(int(s.PortMin)+(offset+i)%size))
		}
		return ports, nil
	}

	var seed [32]byte
	if random == nil {
		random = crand.Reader
	}
	if _, err := io.ReadFull(random, seed[:]); err != nil {
		return nil, fmt.Errorf("punch: seed port permutation: %w", err)
	}
	rng := rand.New(rand.NewChaCha8(seed))

	// Partial Fisher-Yates over a lazily materialized range.
	swapped := make(map[int]int, n)
	at := func(i int) int {
		if v, ok := swapped[i]; ok {
			return v
		}
		return i
	}
	for i := 0; i < n; i++ {
		j := i + rng.IntN(size-i)
		vi, vj := at(i), at(j)
		swapped[i], swapped[j] = vj, vi
		ports = append(ports, uint16(int(s.PortMin)+vj))
	}
	return ports, nil
}

// hintedStart picks the sweep start from the peer's reported port: NATs
// that allocate sequentially hand out the next port after the one the
// discovery service saw.
func hintedStart(s Settings, peerPort uint16) uint16 {
	next := int(peerPort) + 1
	if next < int(s.PortMin) || next > int(s.PortMax) {
		return 0
	}
	return uint16(next)
}
