package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// PBKDF2Iterations is the number of iterations for passphrase key derivation.
	PBKDF2Iterations = 100000
	// EncryptionVersion is the current sealed identity format version.
	EncryptionVersion = 1
	// SaltSize is the size of the PBKDF2 salt stored in a sealed identity file.
	SaltSize = 32
)

// sealedMagic prefixes passphrase-protected identity files.
var sealedMagic = []byte("NPID")

// ErrWrongPassphrase is returned when a sealed identity does not open.
var ErrWrongPassphrase = errors.New("crypto: wrong passphrase or corrupted identity file")

// SaveIdentity writes id's seed to path. With a passphrase the seed is sealed
// with AES-256-GCM under a PBKDF2 key:
//
//	[magic:4][version:2][salt:32][nonce:12][ciphertext+tag]
//
// Without one the file holds the hex seed. The file is written atomically
// with mode 0600.
func SaveIdentity(path string, id *Identity, passphrase []byte) error {
	seed := id.Seed()
	defer ZeroBytes(seed)

	var output []byte
	if len(passphrase) == 0 {
		output = []byte(hex.EncodeToString(seed) + "\n")
	} else {
		sealed, err := sealSeed(seed, passphrase)
		if err != nil {
			return err
		}
		output = sealed
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create identity directory: %w", err)
	}

	tmpFile := path + ".tmp"
	if err := os.WriteFile(tmpFile, output, 0o600); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := os.Rename(tmpFile, path); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("failed to rename file: %w", err)
	}

	NewLogger("SaveIdentity").WithFields(logrus.Fields{
		"path":        path,
		"sealed":      len(passphrase) > 0,
		"fingerprint": id.PublicKey().Fingerprint().String(),
	}).Info("Identity saved")
	return nil
}

// LoadIdentity reads an identity written by SaveIdentity.
func LoadIdentity(path string, passphrase []byte) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read identity file: %w", err)
	}
	defer ZeroBytes(data)

	if bytes.HasPrefix(data, sealedMagic) {
		if len(passphrase) == 0 {
			return nil, errors.New("identity file is sealed and no passphrase was given")
		}
		seed, err := openSeed(data, passphrase)
		if err != nil {
			return nil, err
		}
		defer ZeroBytes(seed)
		return IdentityFromSeed(seed)
	}

	seed, err := hex.DecodeString(string(bytes.TrimSpace(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to decode identity seed: %w", err)
	}
	defer ZeroBytes(seed)
	return IdentityFromSeed(seed)
}

func deriveFileKey(passphrase, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(passphrase, salt, PBKDF2Iterations, 32, sha256.New)
	defer ZeroBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

func sealSeed(seed, passphrase []byte) ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	gcm, err := deriveFileKey(passphrase, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	header := make([]byte, 0, len(sealedMagic)+2+SaltSize+len(nonce))
	header = append(header, sealedMagic...)
	header = binary.BigEndian.AppendUint16(header, EncryptionVersion)
	header = append(header, salt...)
	header = append(header, nonce...)

	// The header is authenticated so the version and salt cannot be swapped.
	sealed := gcm.Seal(nil, nonce, seed, header)
	return append(header, sealed...), nil
}

func openSeed(data, passphrase []byte) ([]byte, error) {
	const headerLen = 4 + 2 + SaltSize + NonceSize
	if len(data) < headerLen+TagSize {
		return nil, fmt.Errorf("identity file too short: %d bytes", len(data))
	}
	version := binary.BigEndian.Uint16(data[4:6])
	if version != EncryptionVersion {
		return nil, fmt.Errorf("unsupported identity file version: %d (expected %d)", version, EncryptionVersion)
	}
	salt := data[6 : 6+SaltSize]
	nonce := data[6+SaltSize : headerLen]

	gcm, err := deriveFileKey(passphrase, salt)
	if err != nil {
		return nil, err
	}
	seed, err := gcm.Open(nil, nonce, data[headerLen:], data[:headerLen])
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return seed, nil
}
