package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
)

// TokenRecord is the decrypted per-user credential set. The encrypted
// token store owns the durable copy; callers hold transient references
// only.
type TokenRecord struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Scopes       []string  `json:"scopes,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Valid reports whether the access token is still usable.
func (r *TokenRecord) Valid() bool {
	if r == nil || r.AccessToken == "" {
		return false
	}
	return time.Now().Before(r.ExpiresAt)
}

// Storage defines the low-level database operations required by the
// higher-level TokenStore.
type Storage interface {
	GetToken(ctx context.Context, userID string) ([]byte, []byte, error)
	StoreToken(ctx context.Context, userID string, token, nonce []byte) error
	DeleteToken(ctx context.Context, userID string) error
	ListTokenUsers(ctx context.Context) ([]string, error)
}
