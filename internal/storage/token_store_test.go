package storage

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTokenStore(t *testing.T) (*TokenStore, *SQLiteStorage) {
	t.Helper()
	s := newTestStorage(t)
	ts, err := NewTokenStore(s, testKey(t), zerolog.Nop())
	require.NoError(t, err)
	return ts, s
}

func sampleRecord() *TokenRecord {
	return &TokenRecord{
		AccessToken:  "access-value",
		RefreshToken: "refresh-value",
		TokenType:    "Bearer",
		Scopes:       []string{"user-read-playback-state"},
		ExpiresAt:    time.Now().Add(time.Hour).UTC().Truncate(time.Second),
	}
}

func TestTokenStore_PutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	ts, _ := newTestTokenStore(t)

	want := sampleRecord()
	require.NoError(t, ts.Put(ctx, "user-1", want))

	got, err := ts.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestTokenStore_Get_Missing(t *testing.T) {
	ts, _ := newTestTokenStore(t)

	_, err := ts.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTokenStore_WrongKeyReadsAsAbsent(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	writer, err := NewTokenStore(s, testKey(t), zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, writer.Put(ctx, "user-1", sampleRecord()))

	reader, err := NewTokenStore(s, testKey(t), zerolog.Nop())
	require.NoError(t, err)

	_, err = reader.Get(ctx, "user-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTokenStore_CorruptCiphertextReadsAsAbsent(t *testing.T) {
	ctx := context.Background()
	ts, s := newTestTokenStore(t)

	require.NoError(t, ts.Put(ctx, "user-1", sampleRecord()))

	// Trash the stored ciphertext directly.
	require.NoError(t, s.StoreToken(ctx, "user-1", []byte("garbage"), []byte("bad-nonce...")))

	_, err := ts.Get(ctx, "user-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTokenStore_CiphertextOnDiskIsNotPlaintext(t *testing.T) {
	ctx := context.Background()
	ts, s := newTestTokenStore(t)

	require.NoError(t, ts.Put(ctx, "user-1", sampleRecord()))

	raw, _, err := s.GetToken(ctx, "user-1")
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "access-value")
	assert.NotContains(t, string(raw), "refresh-value")
}

func TestTokenStore_PutOverwritesAtomically(t *testing.T) {
	ctx := context.Background()
	ts, _ := newTestTokenStore(t)

	first := sampleRecord()
	require.NoError(t, ts.Put(ctx, "user-1", first))

	second := sampleRecord()
	second.AccessToken = "rotated-access"
	second.RefreshToken = "rotated-refresh"
	require.NoError(t, ts.Put(ctx, "user-1", second))

	got, err := ts.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "rotated-access", got.AccessToken)
	assert.Equal(t, "rotated-refresh", got.RefreshToken)
}

func TestTokenStore_Delete(t *testing.T) {
	ctx := context.Background()
	ts, _ := newTestTokenStore(t)

	require.NoError(t, ts.Put(ctx, "user-1", sampleRecord()))
	require.NoError(t, ts.Delete(ctx, "user-1"))

	_, err := ts.Get(ctx, "user-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTokenStore_RejectsBadKey(t *testing.T) {
	s := newTestStorage(t)
	_, err := NewTokenStore(s, []byte("short"), zerolog.Nop())
	assert.ErrorIs(t, err, ErrInvalidKeySize)
}

func TestTokenRecord_Valid(t *testing.T) {
	tests := []struct {
		name   string
		record *TokenRecord
		want   bool
	}{
		{name: "nil record", record: nil, want: false},
		{name: "no access token", record: &TokenRecord{ExpiresAt: time.Now().Add(time.Hour)}, want: false},
		{name: "expired", record: &TokenRecord{AccessToken: "t", ExpiresAt: time.Now().Add(-time.Minute)}, want: false},
		{name: "valid", record: &TokenRecord{AccessToken: "t", ExpiresAt: time.Now().Add(time.Minute)}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.record.Valid())
		})
	}
}
