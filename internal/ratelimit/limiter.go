package ratelimit

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Response headers the provider uses to publish its authoritative view
// of the quota.
const (
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// idleEvictAfter is how long an untouched bucket survives before the
// sweep drops it.
const idleEvictAfter = 5 * time.Minute

// bucket is the per-endpoint token bucket. All fields are guarded by
// the limiter mutex. Invariant: 0 <= tokens <= capacity.
type bucket struct {
	tokens       float64
	capacity     float64
	refillPerSec float64
	lastRefill   time.Time
	lastSeen     time.Time

	// hardResetAt, when set, blocks acquisition until it elapses
	// regardless of locally computed refill. Learned from the
	// provider's reset header.
	hardResetAt time.Time
}

// refillLocked advances the bucket to now using continuous refill.
func (b *bucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.refillPerSec)
	b.lastRefill = now
}

// Limiter gates outbound calls with one token bucket per normalized
// endpoint, reconciled against the provider's rate-limit headers.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	capacity     float64
	refillPerSec float64

	logger      zerolog.Logger
	stopSweep   chan struct{}
	sweepOnce   sync.Once
	nowFn       func() time.Time
}

// NewLimiter creates a limiter with the given default bucket shape and
// starts the background sweep that keeps idle buckets advancing.
func NewLimiter(capacity, refillPerSec float64, sweepInterval time.Duration, logger zerolog.Logger) *Limiter {
	if capacity < 1 {
		capacity = 1
	}
	if refillPerSec <= 0 {
		refillPerSec = 1
	}
	if sweepInterval <= 0 {
		sweepInterval = 5 * time.Second
	}

	l := &Limiter{
		buckets:      make(map[string]*bucket),
		capacity:     capacity,
		refillPerSec: refillPerSec,
		logger:       logger,
		stopSweep:    make(chan struct{}),
		nowFn:        time.Now,
	}

	go l.sweepLoop(sweepInterval)

	return l
}

// Stop stops the background sweep goroutine.
func (l *Limiter) Stop() {
	l.sweepOnce.Do(func() { close(l.stopSweep) })
}

// Acquire blocks until the endpoint's bucket has at least one token,
// then debits one. It returns early with the context error if the
// caller gives up.
func (l *Limiter) Acquire(ctx context.Context, endpoint string) error {
	for {
		wait, ok := l.tryAcquire(endpoint)
		if ok {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// tryAcquire attempts a single debit. On failure it returns how long
// to wait before the next attempt.
func (l *Limiter) tryAcquire(endpoint string) (time.Duration, bool) {
	now := l.nowFn()

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.bucketLocked(endpoint, now)
	b.lastSeen = now
	b.refillLocked(now)

	if !b.hardResetAt.IsZero() {
		if now.Before(b.hardResetAt) {
			return b.hardResetAt.Sub(now), false
		}
		// Reset has elapsed: the quota window rolled over.
		b.hardResetAt = time.Time{}
		b.tokens = b.capacity
		b.lastRefill = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return 0, true
	}

	deficit := 1 - b.tokens
	wait := time.Duration(deficit / b.refillPerSec * float64(time.Second))
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait, false
}

// Observe reconciles a bucket with the provider's response headers.
// The remaining-quota header only ever clamps the local count down;
// local accounting must never overestimate availability because the
// server looked generous. A reset header blocks the bucket until the
// declared instant.
func (l *Limiter) Observe(endpoint string, header http.Header) {
	if header == nil {
		return
	}
	now := l.nowFn()

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.bucketLocked(endpoint, now)
	b.refillLocked(now)

	if v := header.Get(HeaderRemaining); v != "" {
		if remaining, err := strconv.ParseFloat(v, 64); err == nil {
			clamped := math.Max(0, math.Min(remaining, b.capacity))
			if clamped < b.tokens {
				l.logger.Debug().Str("endpoint", endpoint).
					Float64("local", b.tokens).Float64("remaining", clamped).
					Msg("clamping bucket to provider-declared quota")
				b.tokens = clamped
			}
		}
	}

	if resetAt, ok := parseResetAt(header, now); ok && resetAt.After(now) {
		b.hardResetAt = resetAt
	}
}

// bucketLocked returns the endpoint's bucket, creating it on first use.
func (l *Limiter) bucketLocked(endpoint string, now time.Time) *bucket {
	b, ok := l.buckets[endpoint]
	if !ok {
		b = &bucket{
			tokens:       l.capacity,
			capacity:     l.capacity,
			refillPerSec: l.refillPerSec,
			lastRefill:   now,
			lastSeen:     now,
		}
		l.buckets[endpoint] = b
	}
	return b
}

// parseResetAt reads the quota-reset instant from either the reset
// header (epoch seconds or delta seconds) or Retry-After (delta
// seconds).
func parseResetAt(header http.Header, now time.Time) (time.Time, bool) {
	if v := header.Get(HeaderReset); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			// Values above ~2001-09-09 are epoch timestamps, anything
			// smaller is a delta in seconds.
			if n > 1_000_000_000 {
				return time.Unix(n, 0), true
			}
			return now.Add(time.Duration(n) * time.Second), true
		}
	}
	if v := header.Get(HeaderRetryAfter); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return now.Add(time.Duration(n) * time.Second), true
		}
	}
	return time.Time{}, false
}

// Tokens reports the current token count for an endpoint, refilled to
// now. Zero and false when the bucket does not exist.
func (l *Limiter) Tokens(endpoint string) (float64, bool) {
	now := l.nowFn()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[endpoint]
	if !ok {
		return 0, false
	}
	b.refillLocked(now)
	return b.tokens, true
}

// sweepLoop periodically advances idle buckets and evicts the ones
// nobody has touched for a while.
func (l *Limiter) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stopSweep:
			return
		}
	}
}

func (l *Limiter) sweep() {
	now := l.nowFn()

	l.mu.Lock()
	defer l.mu.Unlock()

	for endpoint, b := range l.buckets {
		b.refillLocked(now)
		if now.Sub(b.lastSeen) > idleEvictAfter {
			delete(l.buckets, endpoint)
		}
	}
}
