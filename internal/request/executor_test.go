package request

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tunebridge/internal/ratelimit"
)

func newTestExecutor(t *testing.T, budget int) (*Executor, *[]time.Duration) {
	t.Helper()

	limiter := ratelimit.NewLimiter(100, 100, time.Hour, zerolog.Nop())
	t.Cleanup(limiter.Stop)

	e := NewExecutor(limiter, 1000, budget, 10*time.Millisecond, 100*time.Millisecond, zerolog.Nop())

	var delays []time.Duration
	e.sleepFn = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	return e, &delays
}

func httpResponse(status int, body string, header http.Header) *http.Response {
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		StatusCode: status,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestDo_Success(t *testing.T) {
	e, _ := newTestExecutor(t, 3)

	attempts := 0
	resp, err := e.Do(context.Background(), "GET", "/v1/me", func(ctx context.Context) (*http.Response, error) {
		attempts++
		return httpResponse(200, `{"id":"u1"}`, nil), nil
	})

	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, `{"id":"u1"}`, string(resp.Body))
	assert.Equal(t, 1, attempts)
}

func TestDo_UnauthorizedIsTerminal(t *testing.T) {
	e, delays := newTestExecutor(t, 3)

	attempts := 0
	_, err := e.Do(context.Background(), "GET", "/v1/me", func(ctx context.Context) (*http.Response, error) {
		attempts++
		return httpResponse(401, `{"error":"invalid token"}`, nil), nil
	})

	require.Error(t, err)
	assert.True(t, IsKind(err, KindAuth))
	assert.Equal(t, 1, attempts)
	assert.Empty(t, *delays)

	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.True(t, cerr.RequiresAuth)
	assert.Equal(t, 401, cerr.StatusCode)
}

func TestDo_ForbiddenCarriesMissingScopes(t *testing.T) {
	e, _ := newTestExecutor(t, 3)

	header := http.Header{}
	header.Set("WWW-Authenticate", `Bearer error="insufficient_scope", scope="user-modify-playback-state"`)

	attempts := 0
	_, err := e.Do(context.Background(), "PUT", "/v1/me/player/pause", func(ctx context.Context) (*http.Response, error) {
		attempts++
		return httpResponse(403, "", header), nil
	})

	require.Error(t, err)
	assert.True(t, IsKind(err, KindPermission))
	assert.Equal(t, 1, attempts)

	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, []string{"user-modify-playback-state"}, cerr.MissingScopes)
}

func TestDo_NotFoundIsTerminal(t *testing.T) {
	e, _ := newTestExecutor(t, 3)

	attempts := 0
	_, err := e.Do(context.Background(), "PUT", "/v1/me/player/play", func(ctx context.Context) (*http.Response, error) {
		attempts++
		return httpResponse(404, `{"error":{"reason":"NO_ACTIVE_DEVICE"}}`, nil), nil
	})

	require.Error(t, err)
	assert.True(t, IsKind(err, KindNotFound))
	assert.Equal(t, 1, attempts)
}

func TestDo_RateLimitedHonorsRetryAfter(t *testing.T) {
	e, delays := newTestExecutor(t, 3)

	attempts := 0
	resp, err := e.Do(context.Background(), "GET", "/v1/search", func(ctx context.Context) (*http.Response, error) {
		attempts++
		if attempts == 1 {
			header := http.Header{}
			header.Set(ratelimit.HeaderRetryAfter, "2")
			return httpResponse(429, "", header), nil
		}
		return httpResponse(200, "ok", nil), nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", string(resp.Body))
	assert.Equal(t, 2, attempts)
	require.Len(t, *delays, 1)
	assert.Equal(t, 2*time.Second, (*delays)[0])
}

func TestDo_ServerErrorExhaustsBudget(t *testing.T) {
	e, delays := newTestExecutor(t, 2)

	attempts := 0
	_, err := e.Do(context.Background(), "GET", "/v1/me/player/devices", func(ctx context.Context) (*http.Response, error) {
		attempts++
		return httpResponse(503, "", nil), nil
	})

	require.Error(t, err)
	assert.True(t, IsKind(err, KindTransient))
	assert.Equal(t, 3, attempts) // first try plus two retries
	assert.Len(t, *delays, 2)
}

func TestDo_NetworkErrorIsRetried(t *testing.T) {
	e, _ := newTestExecutor(t, 3)

	attempts := 0
	resp, err := e.Do(context.Background(), "GET", "/v1/me", func(ctx context.Context) (*http.Response, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("connection reset by peer")
		}
		return httpResponse(200, "ok", nil), nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, "ok", string(resp.Body))
}

func TestDo_DelaysNeverDecrease(t *testing.T) {
	e, delays := newTestExecutor(t, 3)

	_, err := e.Do(context.Background(), "GET", "/v1/me", func(ctx context.Context) (*http.Response, error) {
		return httpResponse(500, "", nil), nil
	})

	require.Error(t, err)
	require.Len(t, *delays, 3)
	for i := 1; i < len(*delays); i++ {
		assert.GreaterOrEqual(t, (*delays)[i], (*delays)[i-1])
	}
}

func TestDo_ZeroBudgetNeverRetries(t *testing.T) {
	e, delays := newTestExecutor(t, 0)

	attempts := 0
	_, err := e.Do(context.Background(), "GET", "/v1/me", func(ctx context.Context) (*http.Response, error) {
		attempts++
		return httpResponse(500, "", nil), nil
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Empty(t, *delays)
}

func TestDo_ObservesRateLimitHeaders(t *testing.T) {
	limiter := ratelimit.NewLimiter(50, 100, time.Hour, zerolog.Nop())
	t.Cleanup(limiter.Stop)
	e := NewExecutor(limiter, 1000, 0, 10*time.Millisecond, 100*time.Millisecond, zerolog.Nop())

	header := http.Header{}
	header.Set(ratelimit.HeaderRemaining, "3")
	_, err := e.Do(context.Background(), "GET", "/v1/tracks/4uLU6hMCjMI75M1A2tKUQC", func(ctx context.Context) (*http.Response, error) {
		return httpResponse(200, "ok", header), nil
	})
	require.NoError(t, err)

	tokens, ok := limiter.Tokens("GET /v1/tracks/{id}")
	require.True(t, ok)
	assert.LessOrEqual(t, tokens, 3.5)
}

func TestDo_CanceledContext(t *testing.T) {
	e, _ := newTestExecutor(t, 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Do(ctx, "GET", "/v1/me", func(ctx context.Context) (*http.Response, error) {
		return nil, ctx.Err()
	})

	require.Error(t, err)
	assert.True(t, IsKind(err, KindTransient))
	assert.ErrorIs(t, err, context.Canceled)
}
