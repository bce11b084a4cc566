package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	ring, err := NewKeyRing("k1", []byte("test-secret"))
	require.NoError(t, err)

	plaintext := []byte(`{"session_id":"sess-1","summary":"hello"}`)

	env, err := ring.Encrypt(plaintext, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "k1", env.KeyID)
	assert.NotEmpty(t, env.Nonce)
	assert.NotEqual(t, plaintext, env.Ciphertext)

	got, err := ring.Decrypt(env, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestDecryptWrongKeyFailsClosed(t *testing.T) {
	ring, err := NewKeyRing("k1", []byte("secret-a"))
	require.NoError(t, err)

	env, err := ring.Encrypt([]byte("sensitive"), "sess-1")
	require.NoError(t, err)

	other, err := NewKeyRing("k1", []byte("secret-b"))
	require.NoError(t, err)

	_, err = other.Decrypt(env, "sess-1")
	require.ErrorIs(t, err, ErrDecryption)
}

func TestDecryptTamperedCiphertext(t *testing.T) {
	ring, err := NewKeyRing("k1", []byte("test-secret"))
	require.NoError(t, err)

	env, err := ring.Encrypt([]byte("sensitive"), "sess-1")
	require.NoError(t, err)

	env.Ciphertext[0] ^= 0xff

	_, err = ring.Decrypt(env, "sess-1")
	require.ErrorIs(t, err, ErrDecryption)
}

func TestDecryptWrongContext(t *testing.T) {
	ring, err := NewKeyRing("k1", []byte("test-secret"))
	require.NoError(t, err)

	env, err := ring.Encrypt([]byte("sensitive"), "sess-1")
	require.NoError(t, err)

	// Envelope bound to sess-1 must not open for sess-2.
	_, err = ring.Decrypt(env, "sess-2")
	require.ErrorIs(t, err, ErrDecryption)
}

func TestRotationKeepsOldDataDecryptable(t *testing.T) {
	ring, err := NewKeyRing("k1", []byte("secret-one"))
	require.NoError(t, err)

	env, err := ring.Encrypt([]byte("written under k1"), "sess-1")
	require.NoError(t, err)

	require.NoError(t, ring.Rotate("k2", []byte("secret-two")))
	assert.Equal(t, "k2", ring.CurrentKeyID())

	// New writes use the new key version.
	env2, err := ring.Encrypt([]byte("written under k2"), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "k2", env2.KeyID)

	// Historical data stays decryptable without re-encryption.
	got, err := ring.Decrypt(env, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("written under k1"), got)
}

func TestDecryptUnknownKeyVersion(t *testing.T) {
	ring, err := NewKeyRing("k1", []byte("test-secret"))
	require.NoError(t, err)

	env := &Envelope{KeyID: "k99", Nonce: make([]byte, 12), Ciphertext: []byte("junk")}
	_, err = ring.Decrypt(env, "sess-1")
	require.ErrorIs(t, err, ErrDecryption)
	require.ErrorIs(t, err, ErrUnknownKey)
}

func TestRotateDuplicateVersionRejected(t *testing.T) {
	ring, err := NewKeyRing("k1", []byte("test-secret"))
	require.NoError(t, err)
	require.Error(t, ring.Rotate("k1", []byte("other")))
}

func TestEnvelopeMarshalRoundTrip(t *testing.T) {
	ring, err := NewKeyRing("k1", []byte("test-secret"))
	require.NoError(t, err)

	env, err := ring.Encrypt([]byte("payload"), "sess-1")
	require.NoError(t, err)

	data, err := env.Marshal()
	require.NoError(t, err)

	parsed, err := UnmarshalEnvelope(data)
	require.NoError(t, err)

	got, err := ring.Decrypt(parsed, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)
}
