package music

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tunebridge/internal/request"
)

// TokenProvider serves a valid access token for a user, refreshing
// behind the scenes when needed. Implemented by auth.Manager.
type TokenProvider interface {
	GetAccessToken(ctx context.Context, userID string) (string, error)
}

// Executor runs a classified, rate-limited, retried call. Implemented
// by request.Executor.
type Executor interface {
	Do(ctx context.Context, method, path string, fn request.RequestFunc) (*request.Response, error)
}

// Client is a typed client for the streaming provider's resource API.
// Every call goes through the executor, so callers only ever see
// classified errors.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenProvider
	exec    Executor
	logger  zerolog.Logger
}

// NewClient builds an API client.
func NewClient(baseURL string, timeout time.Duration, tokens TokenProvider, exec Executor, logger zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		tokens:  tokens,
		exec:    exec,
		logger:  logger,
	}
}

// CurrentPlayback returns the user's current playback state, or nil
// when nothing is playing.
func (c *Client) CurrentPlayback(ctx context.Context, userID string) (*PlaybackState, error) {
	resp, err := c.call(ctx, userID, http.MethodGet, "/v1/me/player", nil)
	if err != nil {
		return nil, err
	}

	// An idle account answers 204 with no body.
	if resp.StatusCode == http.StatusNoContent || len(resp.Body) == 0 {
		return nil, nil
	}

	var state PlaybackState
	if err := json.Unmarshal(resp.Body, &state); err != nil {
		return nil, fmt.Errorf("failed to parse playback state: %w", err)
	}
	return &state, nil
}

// Devices lists the playback targets available to the user.
func (c *Client) Devices(ctx context.Context, userID string) ([]Device, error) {
	resp, err := c.call(ctx, userID, http.MethodGet, "/v1/me/player/devices", nil)
	if err != nil {
		return nil, err
	}

	var out devicesResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, fmt.Errorf("failed to parse device list: %w", err)
	}
	return out.Devices, nil
}

// GetTrack fetches one track by ID.
func (c *Client) GetTrack(ctx context.Context, userID, trackID string) (*Track, error) {
	if trackID == "" {
		return nil, fmt.Errorf("track ID cannot be empty")
	}

	resp, err := c.call(ctx, userID, http.MethodGet, "/v1/tracks/"+trackID, nil)
	if err != nil {
		return nil, err
	}

	var track Track
	if err := json.Unmarshal(resp.Body, &track); err != nil {
		return nil, fmt.Errorf("failed to parse track: %w", err)
	}
	return &track, nil
}

// GetPlaylist fetches one playlist by ID.
func (c *Client) GetPlaylist(ctx context.Context, userID, playlistID string) (*Playlist, error) {
	if playlistID == "" {
		return nil, fmt.Errorf("playlist ID cannot be empty")
	}

	resp, err := c.call(ctx, userID, http.MethodGet, "/v1/playlists/"+playlistID, nil)
	if err != nil {
		return nil, err
	}

	var playlist Playlist
	if err := json.Unmarshal(resp.Body, &playlist); err != nil {
		return nil, fmt.Errorf("failed to parse playlist: %w", err)
	}
	return &playlist, nil
}

// Pause pauses playback on the user's active device. With no active
// device the error has kind not_found; see IsNoActiveDevice.
func (c *Client) Pause(ctx context.Context, userID string) error {
	_, err := c.call(ctx, userID, http.MethodPut, "/v1/me/player/pause", nil)
	return err
}

// Play resumes playback on the user's active device.
func (c *Client) Play(ctx context.Context, userID string) error {
	_, err := c.call(ctx, userID, http.MethodPut, "/v1/me/player/play", nil)
	return err
}

// IsNoActiveDevice reports whether an error from a playback action
// means there was no device to act on.
func IsNoActiveDevice(err error) bool {
	return request.IsKind(err, request.KindNotFound)
}

// call resolves the user's access token and executes one API call.
// The request is rebuilt per attempt so retries get a fresh body.
func (c *Client) call(ctx context.Context, userID, method, path string, body []byte) (*request.Response, error) {
	token, err := c.tokens.GetAccessToken(ctx, userID)
	if err != nil {
		return nil, err
	}

	return c.exec.Do(ctx, method, path, func(ctx context.Context) (*http.Response, error) {
		var reader *bytes.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		} else {
			reader = bytes.NewReader(nil)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		return c.http.Do(req)
	})
}
