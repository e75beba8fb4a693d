package crypto

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustIdentity(t *testing.T, seed byte) *Identity {
	t.Helper()
	id, err := IdentityFromSeed(bytes.Repeat([]byte{seed}, SeedSize))
	require.NoError(t, err)
	return id
}

func TestSignVerify(t *testing.T) {
	id := mustIdentity(t, 1)
	msg := []byte("exchange hash")

	sig, err := id.Sign(msg)
	require.NoError(t, err)

	ok, err := Verify(msg, sig, id.PublicKey())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = Verify([]byte("other"), sig, id.PublicKey())
	assert.False(t, ok)

	ok, _ = Verify(msg, sig, mustIdentity(t, 2).PublicKey())
	assert.False(t, ok)

	_, err = id.Sign(nil)
	assert.Error(t, err)
}

func TestParsePublicKey(t *testing.T) {
	id := mustIdentity(t, 3)

	parsed, err := ParsePublicKey(" " + id.PublicKey().String() + "\n")
	require.NoError(t, err)
	assert.Equal(t, id.PublicKey(), parsed)

	_, err = ParsePublicKey("abcd")
	assert.ErrorIs(t, err, ErrInvalidPublicKey)
	_, err = ParsePublicKey("zz")
	assert.ErrorIs(t, err, ErrInvalidPublicKey)
}

func TestTrustStoreEvaluate(t *testing.T) {
	alice := mustIdentity(t, 0xA).PublicKey()
	bob := mustIdentity(t, 0xB).PublicKey()

	tests := []struct {
		name    string
		store   *TrustStore
		pinned  PublicKey
		key     PublicKey
		want    TrustDecision
		wantErr bool
	}{
		{"first use", NewTrustStore(), PublicKey{}, alice, TrustFirstUse, false},
		{"nil store first use", nil, PublicKey{}, alice, TrustFirstUse, false},
		{"member", NewTrustStore(alice), PublicKey{}, alice, TrustMember, false},
		{"not a member", NewTrustStore(alice), PublicKey{}, bob, 0, true},
		{"pinned match", NewTrustStore(), alice, alice, TrustPinned, false},
		{"pinned mismatch", NewTrustStore(bob), alice, bob, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.store.Evaluate(tt.key, tt.pinned)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUntrusted)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTrustStoreLogsPolicyFailuresDistinctly(t *testing.T) {
	hook := test.NewGlobal()
	defer hook.Reset()

	store := NewTrustStore(mustIdentity(t, 1).PublicKey())
	_, err := store.Evaluate(mustIdentity(t, 2).PublicKey(), PublicKey{})
	require.ErrorIs(t, err, ErrUntrusted)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, "trust", entry.Data["error_type"])
	assert.Equal(t, "crypto", entry.Data["package"])
}

func TestSecureFieldHash(t *testing.T) {
	fields := SecureFieldHash([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, "key")
	assert.Equal(t, "0102030405060708...", fields["key_preview"])
	assert.Equal(t, 10, fields["key_size"])

	fields = SecureFieldHash(nil, "key")
	assert.Equal(t, "nil", fields["key_preview"])
}
