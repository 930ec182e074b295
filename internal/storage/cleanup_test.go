package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanupStaleTokens_RemovesOldRecords(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	require.NoError(t, s.StoreToken(ctx, "stale-user", []byte("t"), []byte("n")))
	require.NoError(t, s.StoreToken(ctx, "fresh-user", []byte("t"), []byte("n")))

	// Backdate one record past the retention window.
	_, err := s.db.ExecContext(ctx,
		"UPDATE tokens SET updated_at = datetime('now', '-400 days') WHERE user_id = 'stale-user'")
	require.NoError(t, err)

	deleted, err := s.CleanupStaleTokens(ctx, 180*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, _, err = s.GetToken(ctx, "stale-user")
	assert.ErrorIs(t, err, ErrNotFound)

	_, _, err = s.GetToken(ctx, "fresh-user")
	assert.NoError(t, err)
}

func TestCleanupStaleTokens_RejectsNonPositiveRetention(t *testing.T) {
	s := newTestStorage(t)

	_, err := s.CleanupStaleTokens(context.Background(), 0)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestVacuum(t *testing.T) {
	s := newTestStorage(t)
	assert.NoError(t, s.Vacuum(context.Background()))
}
