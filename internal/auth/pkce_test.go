package auth

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratePKCE(t *testing.T) {
	verifier, challenge, err := generatePKCE()
	require.NoError(t, err)

	// 32 random bytes encode to 43 base64url characters.
	assert.Len(t, verifier, 43)
	assert.NotEqual(t, verifier, challenge)

	hash := sha256.Sum256([]byte(verifier))
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(hash[:]), challenge)
}

func TestGeneratePKCE_Unique(t *testing.T) {
	v1, _, err := generatePKCE()
	require.NoError(t, err)
	v2, _, err := generatePKCE()
	require.NoError(t, err)

	assert.NotEqual(t, v1, v2)
}

func TestGenerateState(t *testing.T) {
	s1, err := generateState()
	require.NoError(t, err)
	s2, err := generateState()
	require.NoError(t, err)

	assert.Len(t, s1, 43)
	assert.NotEqual(t, s1, s2)
}
