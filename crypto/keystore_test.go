package crypto

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestSaveLoadIdentityPlain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity")

	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("Failed to generate identity: %v", err)
	}
	if err := SaveIdentity(path, id, nil); err != nil {
		t.Fatalf("SaveIdentity failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("identity file mode = %v, want 0600", info.Mode().Perm())
	}

	loaded, err := LoadIdentity(path, nil)
	if err != nil {
		t.Fatalf("LoadIdentity failed: %v", err)
	}
	if loaded.PublicKey() != id.PublicKey() {
		t.Error("loaded identity has a different public key")
	}
}

func TestSaveLoadIdentitySealed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "identity")

	id, err := GenerateIdentity()
	if err != nil {
		t.Fatal(err)
	}
	if err := SaveIdentity(path, id, []byte("correct horse")); err != nil {
		t.Fatalf("SaveIdentity failed: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	seed := id.Seed()
	if bytes.Contains(raw, seed) {
		t.Error("seed appears in plaintext on disk")
	}

	loaded, err := LoadIdentity(path, []byte("correct horse"))
	if err != nil {
		t.Fatalf("LoadIdentity failed: %v", err)
	}
	if loaded.PublicKey() != id.PublicKey() {
		t.Error("loaded identity has a different public key")
	}

	if _, err := LoadIdentity(path, []byte("wrong")); err != ErrWrongPassphrase {
		t.Errorf("wrong passphrase error = %v, want ErrWrongPassphrase", err)
	}
	if _, err := LoadIdentity(path, nil); err == nil {
		t.Error("loading a sealed identity without a passphrase should fail")
	}
}

func TestLoadIdentityCorrupted(t *testing.T) {
	dir := t.TempDir()

	short := filepath.Join(dir, "short")
	if err := os.WriteFile(short, append([]byte("NPID"), 0, 1), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadIdentity(short, []byte("pw")); err == nil {
		t.Error("expected error for truncated sealed file")
	}

	badHex := filepath.Join(dir, "badhex")
	if err := os.WriteFile(badHex, []byte("not hex"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadIdentity(badHex, nil); err == nil {
		t.Error("expected error for invalid hex seed")
	}

	if _, err := LoadIdentity(filepath.Join(dir, "missing"), nil); err == nil {
		t.Error("expected error for missing file")
	}
}
