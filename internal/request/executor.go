package request

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"tunebridge/internal/metrics"
	"tunebridge/internal/ratelimit"
)

// maxBodyBytes caps how much of a response body we buffer.
const maxBodyBytes = 4 << 20

// RequestFunc issues a single HTTP attempt. The executor calls it once
// per attempt, so it must build a fresh request each time.
type RequestFunc func(ctx context.Context) (*http.Response, error)

// Response is the outcome of a successfully executed call with the body
// fully read and the connection released.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Executor runs outbound API calls through the per-endpoint rate
// limiter and a bounded retry loop, and turns every failure into a
// classified Error.
type Executor struct {
	limiter *ratelimit.Limiter

	// global is a process-wide courtesy cap across all endpoints, on
	// top of the per-endpoint buckets.
	global *rate.Limiter

	budget         int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	logger         zerolog.Logger

	sleepFn func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an executor. budget is the number of retries
// after the first attempt; zero disables retrying.
func NewExecutor(limiter *ratelimit.Limiter, globalPerSec float64, budget int, initialBackoff, maxBackoff time.Duration, logger zerolog.Logger) *Executor {
	if globalPerSec <= 0 {
		globalPerSec = 20
	}
	if budget < 0 {
		budget = 0
	}
	if initialBackoff <= 0 {
		initialBackoff = 500 * time.Millisecond
	}
	if maxBackoff < initialBackoff {
		maxBackoff = 30 * time.Second
	}

	return &Executor{
		limiter:        limiter,
		global:         rate.NewLimiter(rate.Limit(globalPerSec), int(globalPerSec)+1),
		budget:         budget,
		initialBackoff: initialBackoff,
		maxBackoff:     maxBackoff,
		logger:         logger,
		sleepFn:        sleepCtx,
	}
}

// Do executes one logical API call. Transient and rate-limit failures
// are retried up to the budget with non-decreasing delays, honoring the
// provider's Retry-After when present. Everything else is terminal on
// the first attempt.
func (e *Executor) Do(ctx context.Context, method, path string, fn RequestFunc) (*Response, error) {
	endpoint := ratelimit.Key(method, path)
	callID := uuid.NewString()
	log := e.logger.With().Str("call_id", callID).Str("endpoint", endpoint).Logger()

	start := time.Now()
	defer func() {
		metrics.RequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.initialBackoff
	bo.MaxInterval = e.maxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	var lastDelay time.Duration

	for attempt := 0; ; attempt++ {
		resp, cerr := e.attempt(ctx, endpoint, fn)
		if cerr == nil {
			metrics.Requests.WithLabelValues(endpoint, "ok").Inc()
			return resp, nil
		}

		if !cerr.Retryable() || attempt >= e.budget {
			metrics.Requests.WithLabelValues(endpoint, cerr.Kind.String()).Inc()
			log.Warn().Err(cerr).Int("attempts", attempt+1).Msg("request failed")
			return nil, cerr
		}

		delay := cerr.RetryAfter
		if delay <= 0 {
			delay = bo.NextBackOff()
		}
		if delay < lastDelay {
			delay = lastDelay
		}
		lastDelay = delay

		metrics.RequestRetries.WithLabelValues(endpoint).Inc()
		log.Debug().Err(cerr).Int("attempt", attempt+1).Dur("delay", delay).Msg("retrying request")

		if err := e.sleepFn(ctx, delay); err != nil {
			metrics.Requests.WithLabelValues(endpoint, cerr.Kind.String()).Inc()
			return nil, cerr
		}
	}
}

// attempt performs a single gated request and classifies its outcome.
func (e *Executor) attempt(ctx context.Context, endpoint string, fn RequestFunc) (*Response, *Error) {
	if err := e.global.Wait(ctx); err != nil {
		return nil, Transient("request canceled while waiting for rate limit", err)
	}

	waitStart := time.Now()
	if err := e.limiter.Acquire(ctx, endpoint); err != nil {
		return nil, Transient("request canceled while waiting for rate limit", err)
	}
	metrics.RateLimitWait.WithLabelValues(endpoint).Observe(time.Since(waitStart).Seconds())

	resp, err := fn(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &Error{Kind: KindTransient, Message: "request canceled", cause: ctx.Err()}
		}
		return nil, Transient("network failure", err)
	}

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	resp.Body.Close()

	// Headers arrive even on failures; reconcile the bucket before
	// classifying.
	e.limiter.Observe(endpoint, resp.Header)

	if readErr != nil {
		return nil, Transient("reading response body", readErr)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
	}

	return nil, classifyStatus(resp.StatusCode, resp.Header)
}

// classifyStatus maps a non-2xx status to the error taxonomy.
func classifyStatus(status int, header http.Header) *Error {
	switch {
	case status == http.StatusUnauthorized:
		return &Error{
			Kind:         KindAuth,
			Message:      "credential rejected by provider",
			StatusCode:   status,
			RequiresAuth: true,
		}

	case status == http.StatusForbidden:
		return &Error{
			Kind:          KindPermission,
			Message:       "authorization lacks a required scope",
			StatusCode:    status,
			MissingScopes: missingScopes(header),
		}

	case status == http.StatusNotFound:
		return &Error{
			Kind:       KindNotFound,
			Message:    "target resource or device not found",
			StatusCode: status,
		}

	case status == http.StatusTooManyRequests:
		return &Error{
			Kind:       KindRateLimit,
			Message:    "provider rate limit exceeded",
			StatusCode: status,
			RetryAfter: retryAfter(header),
		}

	case status >= 500:
		return &Error{
			Kind:       KindTransient,
			Message:    fmt.Sprintf("provider error %d", status),
			StatusCode: status,
		}

	default:
		return &Error{
			Kind:       KindRequest,
			Message:    fmt.Sprintf("request rejected with status %d", status),
			StatusCode: status,
		}
	}
}

// retryAfter reads the provider-declared wait from a 429 response.
func retryAfter(header http.Header) time.Duration {
	for _, name := range []string{ratelimit.HeaderRetryAfter, ratelimit.HeaderReset} {
		v := header.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			continue
		}
		// Large values are epoch timestamps rather than deltas.
		if n > 1_000_000_000 {
			if d := time.Until(time.Unix(n, 0)); d > 0 {
				return d
			}
			continue
		}
		return time.Duration(n) * time.Second
	}
	return 0
}

// missingScopes extracts scope names from a WWW-Authenticate challenge,
// e.g. `Bearer error="insufficient_scope", scope="user-read-playback"`.
func missingScopes(header http.Header) []string {
	v := header.Get("WWW-Authenticate")
	idx := strings.Index(v, `scope="`)
	if idx < 0 {
		return nil
	}
	rest := v[idx+len(`scope="`):]
	end := strings.IndexByte(rest, '"')
	if end < 0 {
		return nil
	}
	return strings.Fields(rest[:end])
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
