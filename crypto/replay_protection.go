package crypto

// ReplayWindowSize is the number of counters tracked behind the highest one seen.
const ReplayWindowSize = 1024

const (
	windowWords = ReplayWindowSize / 64
	windowMask  = windowWords - 1
)

// ReplayWindow is a sliding bitmap over recently accepted counters in the
// style of RFC 6479. Counters older than the window are always rejected.
//
// Check and Accept are split so a caller can reject a packet before the
// expensive authentication step yet only record it once the packet verified.
// ReplayWindow is not safe for concurrent use; PacketStream serializes it.
type ReplayWindow struct {
	bitmap  [windowWords]uint64
	highest uint64
	seen    bool
}

// Check reports whether counter would be accepted.
func (w *ReplayWindow) Check(counter uint64) bool {
	if !w.seen || counter > w.highest {
		return true
	}
	if w.highest-counter >= ReplayWindowSize-64 {
		return false
	}
	word := (counter / 64) & windowMask
	bit := counter % 64
	return w.bitmap[word]&(1<<bit) == 0
}

// Accept records counter as used. It must only follow a successful Check.
func (w *ReplayWindow) Accept(counter uint64) {
	if !w.seen || counter > w.highest {
		w.advance(counter)
	}
	word := (counter / 64) & windowMask
	w.bitmap[word] |= 1 << (counter % 64)
}

func (w *ReplayWindow) advance(counter uint64) {
	if !w.seen {
		w.bitmap = [windowWords]uint64{}
		w.highest = counter
		w.seen = true
		return
	}
	current := w.highest / 64
	next := counter / 64
	diff := next - current
	if diff > windowWords {
		diff = windowWords
	}
	for i := uint64(1); i <= diff; i++ {
		w.bitmap[(current+i)&windowMask] = 0
	}
	w.highest = counter
}

// Reset forgets every counter.
func (w *ReplayWindow) Reset() {
	*w = ReplayWindow{}
}
