package music

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tunebridge/internal/ratelimit"
	"tunebridge/internal/request"
)

type staticTokens struct {
	token string
	err   error
}

func (s staticTokens) GetAccessToken(ctx context.Context, userID string) (string, error) {
	return s.token, s.err
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	limiter := ratelimit.NewLimiter(100, 100, time.Hour, zerolog.Nop())
	t.Cleanup(limiter.Stop)
	exec := request.NewExecutor(limiter, 1000, 0, 10*time.Millisecond, 100*time.Millisecond, zerolog.Nop())

	return NewClient(srv.URL, 5*time.Second, staticTokens{token: "at-test"}, exec, zerolog.Nop())
}

func TestCurrentPlayback(t *testing.T) {
	var gotAuth string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.Equal(t, "/v1/me/player", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"device": {"id": "d1", "name": "Kitchen", "is_active": true},
			"is_playing": true,
			"progress_ms": 12345,
			"item": {"id": "t1", "name": "Song", "duration_ms": 200000}
		}`))
	}))

	state, err := c.CurrentPlayback(context.Background(), "user-1")
	require.NoError(t, err)
	require.NotNil(t, state)

	assert.Equal(t, "Bearer at-test", gotAuth)
	assert.True(t, state.IsPlaying)
	assert.Equal(t, "Kitchen", state.Device.Name)
	require.NotNil(t, state.Item)
	assert.Equal(t, "Song", state.Item.Name)
}

func TestCurrentPlayback_NothingPlaying(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	state, err := c.CurrentPlayback(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestDevices(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/me/player/devices", r.URL.Path)
		w.Write([]byte(`{"devices": [
			{"id": "d1", "name": "Kitchen", "type": "Speaker", "is_active": true, "volume_percent": 40},
			{"id": "d2", "name": "Laptop", "type": "Computer"}
		]}`))
	}))

	devices, err := c.Devices(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "Kitchen", devices[0].Name)
	assert.True(t, devices[0].IsActive)
	assert.Equal(t, 40, devices[0].VolumePercent)
}

func TestGetTrack(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/tracks/4uLU6hMCjMI75M1A2tKUQC", r.URL.Path)
		w.Write([]byte(`{
			"id": "4uLU6hMCjMI75M1A2tKUQC",
			"name": "Never Gonna Give You Up",
			"duration_ms": 213573,
			"artists": [{"id": "a1", "name": "Rick Astley"}],
			"album": {"id": "al1", "name": "Whenever You Need Somebody"}
		}`))
	}))

	track, err := c.GetTrack(context.Background(), "user-1", "4uLU6hMCjMI75M1A2tKUQC")
	require.NoError(t, err)
	assert.Equal(t, "Never Gonna Give You Up", track.Name)
	require.Len(t, track.Artists, 1)
	assert.Equal(t, "Rick Astley", track.Artists[0].Name)
}

func TestGetTrack_EmptyID(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	_, err := c.GetTrack(context.Background(), "user-1", "")
	assert.Error(t, err)
}

func TestGetPlaylist(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/playlists/3cEYpjA9oz9GiPac4AsH4n", r.URL.Path)
		w.Write([]byte(`{
			"id": "3cEYpjA9oz9GiPac4AsH4n",
			"name": "Road Trip",
			"owner": {"id": "user-1", "display_name": "Sam"},
			"tracks": {"total": 1, "items": [{"added_at": "2025-01-01T00:00:00Z", "track": {"id": "t1", "name": "Song"}}]}
		}`))
	}))

	playlist, err := c.GetPlaylist(context.Background(), "user-1", "3cEYpjA9oz9GiPac4AsH4n")
	require.NoError(t, err)
	assert.Equal(t, "Road Trip", playlist.Name)
	assert.Equal(t, 1, playlist.Tracks.Total)
	require.Len(t, playlist.Tracks.Items, 1)
	assert.Equal(t, "Song", playlist.Tracks.Items[0].Track.Name)
}

func TestPause_NoActiveDevice(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error": {"status": 404, "reason": "NO_ACTIVE_DEVICE"}}`))
	}))

	err := c.Pause(context.Background(), "user-1")
	require.Error(t, err)
	assert.True(t, IsNoActiveDevice(err))
}

func TestPlay(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, "/v1/me/player/play", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))

	assert.NoError(t, c.Play(context.Background(), "user-1"))
}

func TestCall_TokenFailurePropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("request must not reach the API without a token")
	}))
	t.Cleanup(srv.Close)

	limiter := ratelimit.NewLimiter(100, 100, time.Hour, zerolog.Nop())
	t.Cleanup(limiter.Stop)
	exec := request.NewExecutor(limiter, 1000, 0, 10*time.Millisecond, 100*time.Millisecond, zerolog.Nop())

	c := NewClient(srv.URL, 5*time.Second,
		staticTokens{err: request.AuthRequired("user has not authorized this service", nil)},
		exec, zerolog.Nop())

	_, err := c.CurrentPlayback(context.Background(), "stranger")
	require.Error(t, err)
	assert.True(t, request.IsKind(err, request.KindAuth))
}

func TestCall_UnauthorizedFromAPI(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := c.CurrentPlayback(context.Background(), "user-1")
	require.Error(t, err)
	assert.True(t, request.IsKind(err, request.KindAuth))
}
