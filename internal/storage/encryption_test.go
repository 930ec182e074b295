package storage

import (
	"crypto/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestEncryptDecryptToken_RoundTrip(t *testing.T) {
	key := testKey(t)
	plaintext := []byte(`{"access_token":"secret-value"}`)

	ciphertext, nonce, err := EncryptToken(key, plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ciphertext)
	assert.Len(t, nonce, NonceSize)

	decrypted, err := DecryptToken(key, ciphertext, nonce)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestDecryptToken_WrongKey(t *testing.T) {
	ciphertext, nonce, err := EncryptToken(testKey(t), []byte("payload"))
	require.NoError(t, err)

	_, err = DecryptToken(testKey(t), ciphertext, nonce)
	assert.Error(t, err)
}

func TestDecryptToken_TamperedCiphertext(t *testing.T) {
	key := testKey(t)
	ciphertext, nonce, err := EncryptToken(key, []byte("payload"))
	require.NoError(t, err)

	ciphertext[0] ^= 0xff
	_, err = DecryptToken(key, ciphertext, nonce)
	assert.Error(t, err)
}

func TestEncryptToken_InvalidKeySize(t *testing.T) {
	_, _, err := EncryptToken([]byte("short"), []byte("payload"))
	assert.ErrorIs(t, err, ErrInvalidKeySize)
}

func TestDecryptToken_InvalidNonce(t *testing.T) {
	key := testKey(t)
	ciphertext, _, err := EncryptToken(key, []byte("payload"))
	require.NoError(t, err)

	_, err = DecryptToken(key, ciphertext, []byte("bad"))
	assert.ErrorIs(t, err, ErrInvalidNonce)
}

func TestDeriveKey(t *testing.T) {
	secret := strings.Repeat("s", MinSecretLen)
	salt := []byte("0123456789abcdef")

	key1, err := DeriveKey(secret, salt)
	require.NoError(t, err)
	assert.Len(t, key1, KeySize)

	// Deterministic for the same inputs.
	key2, err := DeriveKey(secret, salt)
	require.NoError(t, err)
	assert.Equal(t, key1, key2)

	// Different salt, different key.
	key3, err := DeriveKey(secret, []byte("fedcba9876543210"))
	require.NoError(t, err)
	assert.NotEqual(t, key1, key3)
}

func TestDeriveKey_RejectsWeakSecret(t *testing.T) {
	_, err := DeriveKey("weak", []byte("0123456789abcdef"))
	assert.ErrorIs(t, err, ErrWeakSecret)
}

func TestDeriveKey_RejectsEmptySalt(t *testing.T) {
	_, err := DeriveKey(strings.Repeat("s", MinSecretLen), nil)
	assert.Error(t, err)
}
