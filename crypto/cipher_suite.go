package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/chacha20poly1305"
)

// Suite identifies the AEAD construction behind a PacketStream.
type Suite uint8

const (
	// SuiteAES256GCM is AES-256 in Galois/Counter Mode.
	SuiteAES256GCM Suite = 1
	// SuiteChaCha20Poly1305 is the IETF ChaCha20-Poly1305 construction.
	SuiteChaCha20Poly1305 Suite = 2
)

// KeySize is the key length shared by every suite.
const KeySize = 32

// NonceSize is the 96-bit IV length shared by every suite.
const NonceSize = 12

// TagSize is the full authentication tag length shared by every suite.
const TagSize = 16

// ErrNoCommonSuite is returned when two capability masks share no suite.
var ErrNoCommonSuite = errors.New("crypto: no common cipher suite")

// suitePreference lists suites in the order they are selected.
var suitePreference = []Suite{SuiteAES256GCM, SuiteChaCha20Poly1305}

// String returns the suite's conventional name.
func (s Suite) String() string {
	switch s {
	case SuiteAES256GCM:
		return "AES-256-GCM"
	case SuiteChaCha20Poly1305:
		return "ChaCha20-Poly1305"
	default:
		return fmt.Sprintf("Suite(%d)", uint8(s))
	}
}

// Mask returns the capability bit advertising s.
func (s Suite) Mask() uint32 {
	if s == 0 || s > 31 {
		return 0
	}
	return 1 << (uint32(s) - 1)
}

// SupportedSuites returns the capability mask of every suite this package implements.
func SupportedSuites() uint32 {
	var mask uint32
	for _, s := range suitePreference {
		mask |= s.Mask()
	}
	return mask
}

// SelectSuite picks the most preferred suite present in both capability masks.
func SelectSuite(local, peer uint32) (Suite, error) {
	common := local & peer
	for _, s := range suitePreference {
		if common&s.Mask() != 0 {
			return s, nil
		}
	}
	return 0, fmt.Errorf("%w: local %#x, peer %#x", ErrNoCommonSuite, local, peer)
}

// newAEAD builds the suite's AEAD for a 32-byte key.
func newAEAD(s Suite, key []byte) (cipher.AEAD, error) {
	switch s {
	case SuiteAES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("failed to create AES cipher: %w", err)
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("failed to create GCM: %w", err)
		}
		return gcm, nil
	case SuiteChaCha20Poly1305:
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, fmt.Errorf("failed to create ChaCha20-Poly1305: %w", err)
		}
		return aead, nil
	default:
		return nil, fmt.Errorf("crypto: unsupported suite %s", s)
	}
}

// xorKeyStream applies the suite's payload keystream for nonce to src without
// authenticating anything. It lets a receiver recover a candidate plaintext
// whose tag is then recomputed by a regular Seal.
func xorKeyStream(s Suite, key, nonce, dst, src []byte) error {
	switch s {
	case SuiteAES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return fmt.Errorf("failed to create AES cipher: %w", err)
		}
		// GCM encrypts the payload starting from counter block nonce || 2.
		var iv [aes.BlockSize]byte
		copy(iv[:], nonce)
		binary.BigEndian.PutUint32(iv[NonceSize:], 2)
		cipher.NewCTR(block, iv[:]).XORKeyStream(dst, src)
		return nil
	case SuiteChaCha20Poly1305:
		c, err := chacha20.NewUnauthenticatedCipher(key, nonce)
		if err != nil {
			return fmt.Errorf("failed to create ChaCha20: %w", err)
		}
		// Block 0 keys Poly1305; the payload starts at block 1.
		c.SetCounter(1)
		c.XORKeyStream(dst, src)
		return nil
	default:
		return fmt.Errorf("crypto: unsupported suite %s", s)
	}
}
