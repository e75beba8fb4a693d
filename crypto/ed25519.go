package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// SignatureSize is the size of an Ed25519 signature in bytes.
const SignatureSize = ed25519.SignatureSize

// PublicKeySize is the size of a long-term public key in bytes.
const PublicKeySize = ed25519.PublicKeySize

// SeedSize is the size of the secret seed an Identity is derived from.
const SeedSize = ed25519.SeedSize

// Signature represents an Ed25519 signature.
type Signature [SignatureSize]byte

// PublicKey is a long-term Ed25519 public key identifying a peer.
type PublicKey [PublicKeySize]byte

// Fingerprint is the BLAKE2b-256 digest of a PublicKey, used for trust lookups.
type Fingerprint [32]byte

// Identity is a long-term signing keypair.
type Identity struct {
	private ed25519.PrivateKey
	public  PublicKey
}

// ErrInvalidPublicKey is returned when a public key cannot be decoded.
var ErrInvalidPublicKey = errors.New("crypto: invalid public key")

// GenerateIdentity creates a fresh long-term identity from the system RNG.
func GenerateIdentity() (*Identity, error) {
	seed := make([]byte, SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("failed to generate identity seed: %w", err)
	}
	defer ZeroBytes(seed)
	return IdentityFromSeed(seed)
}

// IdentityFromSeed derives an identity from a 32-byte seed.
func IdentityFromSeed(seed []byte) (*Identity, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("identity seed must be %d bytes, got %d", SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	id := &Identity{private: priv}
	copy(id.public[:], priv.Public().(ed25519.PublicKey))
	return id, nil
}

// PublicKey returns the identity's public half.
func (id *Identity) PublicKey() PublicKey {
	return id.public
}

// Seed returns a copy of the secret seed. Callers should wipe it after use.
func (id *Identity) Seed() []byte {
	seed := make([]byte, SeedSize)
	copy(seed, id.private.Seed())
	return seed
}

// Sign creates an Ed25519 signature for a message.
func (id *Identity) Sign(message []byte) (Signature, error) {
	if len(message) == 0 {
		return Signature{}, errors.New("empty message")
	}
	if id == nil || len(id.private) != ed25519.PrivateKeySize {
		return Signature{}, errors.New("identity has no private key")
	}

	var signature Signature
	copy(signature[:], ed25519.Sign(id.private, message))
	return signature, nil
}

// Wipe erases the private key. The identity cannot sign afterwards.
func (id *Identity) Wipe() {
	if id == nil {
		return
	}
	ZeroBytes(id.private)
	id.private = nil
}

// Verify checks if a signature is valid for a message and public key.
func Verify(message []byte, signature Signature, publicKey PublicKey) (bool, error) {
	if len(message) == 0 {
		return false, errors.New("empty message")
	}
	return ed25519.Verify(publicKey[:], message, signature[:]), nil
}

// Fingerprint returns the key's BLAKE2b-256 digest.
func (p PublicKey) Fingerprint() Fingerprint {
	return blake2b.Sum256(p[:])
}

// String returns the key in lowercase hex.
func (p PublicKey) String() string {
	return hex.EncodeToString(p[:])
}

// IsZero reports whether the key is unset.
func (p PublicKey) IsZero() bool {
	return p == PublicKey{}
}

// String returns the first 8 bytes of the fingerprint in hex.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:8])
}

// ParsePublicKey decodes a hex-encoded public key.
func ParsePublicKey(s string) (PublicKey, error) {
	var pub PublicKey
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return pub, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	if len(raw) != PublicKeySize {
		return pub, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidPublicKey, len(raw), PublicKeySize)
	}
	copy(pub[:], raw)
	return pub, nil
}

// PublicKeyFromBytes copies a raw 32-byte key.
func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	var pub PublicKey
	if len(b) != PublicKeySize {
		return pub, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidPublicKey, len(b), PublicKeySize)
	}
	copy(pub[:], b)
	return pub, nil
}
