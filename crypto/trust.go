package crypto

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrUntrusted is returned when a peer's long-term key fails the trust policy.
var ErrUntrusted = errors.New("crypto: peer key not trusted")

// TrustDecision describes why a key was accepted.
type TrustDecision int

const (
	// TrustPinned means the key matched the expected pinned key.
	TrustPinned TrustDecision = iota
	// TrustMember means the key is in the configured trust set.
	TrustMember
	// TrustFirstUse means the key was unknown and accepted on first use.
	TrustFirstUse
)

// String returns a short label for the decision.
func (d TrustDecision) String() string {
	switch d {
	case TrustPinned:
		return "pinned"
	case TrustMember:
		return "member"
	case TrustFirstUse:
		return "first-use"
	default:
		return "unknown"
	}
}

// TrustStore holds the set of long-term peer keys a node accepts, keyed by
// fingerprint. An empty store means trust-on-first-use. It is safe for
// concurrent use.
type TrustStore struct {
	mu      sync.RWMutex
	members map[Fingerprint]PublicKey
}

// NewTrustStore returns a store seeded with keys.
func NewTrustStore(keys ...PublicKey) *TrustStore {
	ts := &TrustStore{members: make(map[Fingerprint]PublicKey, len(keys))}
	for _, k := range keys {
		ts.members[k.Fingerprint()] = k
	}
	return ts
}

// Add inserts a key into the trust set.
func (ts *TrustStore) Add(key PublicKey) {
	ts.mu.Lock()
	ts.members[key.Fingerprint()] = key
	ts.mu.Unlock()
}

// Contains reports whether the key's fingerprint is a member.
func (ts *TrustStore) Contains(key PublicKey) bool {
	if ts == nil {
		return false
	}
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	stored, ok := ts.members[key.Fingerprint()]
	return ok && stored == key
}

// Len returns the number of trusted keys.
func (ts *TrustStore) Len() int {
	if ts == nil {
		return 0
	}
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return len(ts.members)
}

// Evaluate applies the trust policy to a presented key. A non-zero pinned key
// must match exactly; otherwise a configured set must contain the key; with
// neither, the key is accepted on first use and a warning is logged.
func (ts *TrustStore) Evaluate(presented, pinned PublicKey) (TrustDecision, error) {
	logger := NewLogger("TrustStore.Evaluate").WithField("fingerprint", presented.Fingerprint().String())

	if !pinned.IsZero() {
		if presented != pinned {
			logger.WithField("expected", pinned.Fingerprint().String()).
				WithError(ErrUntrusted, "trust", "pin_check").
				Warn("Peer key does not match pinned key")
			return 0, ErrUntrusted
		}
		return TrustPinned, nil
	}

	if ts.Len() > 0 {
		if !ts.Contains(presented) {
			logger.WithError(ErrUntrusted, "trust", "membership_check").
				Warn("Peer key is not in the trust set")
			return 0, ErrUntrusted
		}
		return TrustMember, nil
	}

	logger.WithFields(logrus.Fields{
		"public_key": presented.String(),
	}).Warn("Accepting unknown peer key on first use")
	return TrustFirstUse, nil
}
