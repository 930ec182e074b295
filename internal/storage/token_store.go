package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// TokenStore handles the logic for storing and retrieving credential
// records, including encryption and decryption. Only ciphertext ever
// reaches durable storage.
type TokenStore struct {
	db     Storage
	key    []byte
	logger zerolog.Logger
}

// NewTokenStore creates a new TokenStore. The key must be a full
// AES-256 key, typically produced by DeriveKey.
func NewTokenStore(db Storage, key []byte, logger zerolog.Logger) (*TokenStore, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	return &TokenStore{db: db, key: key, logger: logger}, nil
}

// Put encrypts and stores a credential record for a user, replacing
// any previous record in a single atomic write.
func (ts *TokenStore) Put(ctx context.Context, userID string, record *TokenRecord) error {
	if record == nil {
		return errors.New("record cannot be nil")
	}

	plaintext, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	ciphertext, nonce, err := EncryptToken(ts.key, plaintext)
	if err != nil {
		return fmt.Errorf("failed to encrypt record: %w", err)
	}

	return ts.db.StoreToken(ctx, userID, ciphertext, nonce)
}

// Get retrieves and decrypts the credential record for a user.
// A record that cannot be decrypted or parsed is reported as
// ErrNotFound so callers fall back to re-authorization instead of
// failing hard on a corrupt row.
func (ts *TokenStore) Get(ctx context.Context, userID string) (*TokenRecord, error) {
	ciphertext, nonce, err := ts.db.GetToken(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to read record: %w", err)
	}

	plaintext, err := DecryptToken(ts.key, ciphertext, nonce)
	if err != nil {
		ts.logger.Warn().Str("user_id", userID).Err(err).
			Msg("undecryptable token record, treating as absent")
		return nil, fmt.Errorf("%w: undecryptable record for user %s", ErrNotFound, userID)
	}

	var record TokenRecord
	if err := json.Unmarshal(plaintext, &record); err != nil {
		ts.logger.Warn().Str("user_id", userID).Err(err).
			Msg("corrupt token record, treating as absent")
		return nil, fmt.Errorf("%w: corrupt record for user %s", ErrNotFound, userID)
	}

	return &record, nil
}

// Delete removes the credential record for a user.
func (ts *TokenStore) Delete(ctx context.Context, userID string) error {
	return ts.db.DeleteToken(ctx, userID)
}

// ListUsers returns all user IDs with a stored record.
func (ts *TokenStore) ListUsers(ctx context.Context) ([]string, error) {
	return ts.db.ListTokenUsers(ctx)
}
