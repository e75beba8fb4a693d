package punch

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Default tuning. 750 probes on each side against the 64,512-port range fail
// roughly 0.02% of the time (see FailureProbability).
const (
	DefaultPortMin   = 1024
	DefaultPortMax   = 65535
	DefaultProbes    = 750
	DefaultRate      = 25
	DefaultTimeout   = 40 * time.Second
	DefaultGroupSize = 64

	// MinRate and MaxRate bound the probe rate in probes per second.
	MinRate = 1
	MaxRate = 100
)

// ErrInvalidSettings is returned by Settings.Validate.
var ErrInvalidSettings = errors.New("punch: invalid settings")

// Settings tunes one hole-punch attempt.
type Settings struct {
	// PortMin and PortMax bound the peer's NAT ephemeral range to probe.
	PortMin uint16
	PortMax uint16
	// Probes is the number of sockets opened. Zero probes nothing and the
	// job can only time out.
	Probes int
	// Rate is probes per second, clamped to [MinRate, MaxRate].
	Rate int
	// StartPort, when non-zero, replaces the random permutation with a
	// sweep starting at this port and wrapping through the range.
	StartPort uint16
	// SequentialHint derives StartPort from the peer's reported port.
	SequentialHint bool
	// Timeout bounds the whole attempt, probing plus drain.
	Timeout time.Duration
	// GroupSize is the number of sockets watched by one polling group.
	GroupSize int
	// TTL sets the IP TTL of probe packets when non-zero.
	TTL int
}

// DefaultSettings returns the default tuning.
func DefaultSettings() Settings {
	return Settings{
		PortMin:   DefaultPortMin,
		PortMax:   DefaultPortMax,
		Probes:    DefaultProbes,
		Rate:      DefaultRate,
		Timeout:   DefaultTimeout,
		GroupSize: DefaultGroupSize,
	}
}

// Validate rejects settings no job can run with.
func (s Settings) Validate() error {
	switch {
	case s.PortMin == 0:
		return fmt.Errorf("%w: port_min must be positive", ErrInvalidSettings)
	case s.PortMin > s.PortMax:
		return fmt.Errorf("%w: port range [%d, %d] is empty", ErrInvalidSettings, s.PortMin, s.PortMax)
	case s.Probes < 0:
		return fmt.Errorf("%w: negative probe count %d", ErrInvalidSettings, s.Probes)
	case s.Timeout <= 0:
		return fmt.Errorf("%w: timeout must be positive", ErrInvalidSettings)
	case s.GroupSize <= 0:
		return fmt.Errorf("%w: group size must be positive", ErrInvalidSettings)
	case s.TTL < 0 || s.TTL > 255:
		return fmt.Errorf("%w: ttl %d out of range", ErrInvalidSettings, s.TTL)
	case s.StartPort != 0 && (s.StartPort < s.PortMin || s.StartPort > s.PortMax):
		return fmt.Errorf("%w: start port %d outside [%d, %d]", ErrInvalidSettings, s.StartPort, s.PortMin, s.PortMax)
	}
	return nil
}

// RangeSize is the number of ports in [PortMin, PortMax].
func (s Settings) RangeSize() int {
	if s.PortMin > s.PortMax {
		return 0
	}
	return int(s.PortMax) - int(s.PortMin) + 1
}

// ClampedRate returns Rate limited to [MinRate, MaxRate].
func (s Settings) ClampedRate() int {
	return clampRate(s.Rate)
}

func clampRate(r int) int {
	if r < MinRate {
		return MinRate
	}
	if r > MaxRate {
		return MaxRate
	}
	return r
}

// FailureProbability estimates the chance that two sides, each opening n
// sockets with random ports in a space of m, share no matching pair. Every
// one of the n*n pairs matches with probability 1/m, so the miss
// probability is (1 - 1/m)^(n*n), roughly exp(-n*n/m).
func FailureProbability(n, m int) float64 {
	if m <= 0 {
		return 1
	}
	if n <= 0 {
		return 1
	}
	pairs := float64(n) * float64(n)
	return math.Exp(pairs * math.Log1p(-1/float64(m)))
}
