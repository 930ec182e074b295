package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

const (
	// pkceVerifierBytes is the number of random bytes for the PKCE code
	// verifier. 32 bytes is 256 bits of entropy.
	pkceVerifierBytes = 32

	// stateBytes is the number of random bytes for the state parameter.
	// Encodes to 43 base64url characters.
	stateBytes = 32
)

// generatePKCE generates a PKCE code verifier and its S256 challenge.
// The verifier is 32 random bytes, base64url-encoded without padding;
// the challenge is the base64url-encoded SHA-256 of the verifier.
func generatePKCE() (verifier, challenge string, err error) {
	raw := make([]byte, pkceVerifierBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("failed to generate code verifier: %w", err)
	}

	verifier = base64.RawURLEncoding.EncodeToString(raw)

	hash := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(hash[:])

	return verifier, challenge, nil
}

// generateState generates the random state parameter that links an
// authorization callback back to its originating request.
func generateState() (string, error) {
	raw := make([]byte, stateBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
