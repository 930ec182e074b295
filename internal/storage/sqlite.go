package storage

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStorage handles all database operations
type SQLiteStorage struct {
	db   *sql.DB
	path string
}

// NewSQLiteStorage creates a new SQLiteStorage instance. The database
// file and its parent directory are created private to the owning
// process identity (0600/0700).
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: database path cannot be empty", ErrInvalidInput)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Pre-create the file so the mode is restrictive from the start,
	// rather than whatever the driver's default is.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close database file: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &SQLiteStorage{db: db, path: path}, nil
}

// Close closes the underlying database handle.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func validateTokenInput(userID string, token, nonce []byte) error {
	if userID == "" {
		return fmt.Errorf("%w: user ID cannot be empty", ErrInvalidInput)
	}
	if len(token) == 0 {
		return fmt.Errorf("%w: token cannot be empty", ErrInvalidInput)
	}
	if len(nonce) == 0 {
		return fmt.Errorf("%w: nonce cannot be empty", ErrInvalidInput)
	}
	return nil
}

// StoreToken stores or updates an encrypted token and its nonce. The
// INSERT OR REPLACE makes the overwrite atomic, so a reader never sees
// a record with a mismatched ciphertext/nonce pair.
func (s *SQLiteStorage) StoreToken(ctx context.Context, userID string, token, nonce []byte) error {
	if err := validateTokenInput(userID, token, nonce); err != nil {
		return err
	}

	query := `INSERT OR REPLACE INTO tokens (user_id, encrypted_token, nonce) VALUES (?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query, userID, token, nonce)
	return err
}

// GetToken retrieves an encrypted token and its nonce
func (s *SQLiteStorage) GetToken(ctx context.Context, userID string) ([]byte, []byte, error) {
	if userID == "" {
		return nil, nil, fmt.Errorf("%w: user ID cannot be empty", ErrInvalidInput)
	}

	var token, nonce []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT encrypted_token, nonce FROM tokens WHERE user_id = ?",
		userID).Scan(&token, &nonce)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, fmt.Errorf("%w: token not found for user %s", ErrNotFound, userID)
		}
		return nil, nil, fmt.Errorf("failed to get token: %w", err)
	}
	return token, nonce, nil
}

// DeleteToken removes a token from the database.
func (s *SQLiteStorage) DeleteToken(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: user ID cannot be empty", ErrInvalidInput)
	}

	query := `DELETE FROM tokens WHERE user_id = ?`
	_, err := s.db.ExecContext(ctx, query, userID)
	return err
}

// EncryptionSalt returns the per-install key-derivation salt,
// creating a random one on first use.
func (s *SQLiteStorage) EncryptionSalt(ctx context.Context) ([]byte, error) {
	var salt []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM meta WHERE key = 'encryption_salt'").Scan(&salt)
	if err == nil {
		return salt, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read encryption salt: %w", err)
	}

	salt = make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate encryption salt: %w", err)
	}

	// INSERT OR IGNORE keeps a concurrent first writer authoritative.
	if _, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO meta (key, value) VALUES ('encryption_salt', ?)", salt); err != nil {
		return nil, fmt.Errorf("failed to store encryption salt: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		"SELECT value FROM meta WHERE key = 'encryption_salt'").Scan(&salt); err != nil {
		return nil, fmt.Errorf("failed to re-read encryption salt: %w", err)
	}
	return salt, nil
}

// ListTokenUsers returns the user IDs that have a stored token.
func (s *SQLiteStorage) ListTokenUsers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT user_id FROM tokens ORDER BY user_id")
	if err != nil {
		return nil, fmt.Errorf("failed to list token users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user ID: %w", err)
		}
		users = append(users, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate token users: %w", err)
	}
	return users, nil
}
