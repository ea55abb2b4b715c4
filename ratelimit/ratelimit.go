// Package ratelimit implements C7: a reusable token bucket and the
// jittered exponential backoff helper shared by C2's reconnect loop and
// C6's reconnect/backoff policy.
package ratelimit

import (
	"context"
	"math/rand"
	"time"

	"github.com/relaynet/corepool/errs"
	"golang.org/x/time/rate"
)

// Bucket is a token bucket with capacity N refilled continuously over
// window W, built on golang.org/x/time/rate — the ecosystem's standard
// token-bucket primitive (see SPEC_FULL.md's DOMAIN STACK).
type Bucket struct {
	limiter *rate.Limiter
}

// NewBucket builds a Bucket that allows capacity tokens per window,
// refilled continuously (capacity/window tokens per second), and starts
// full.
func NewBucket(capacity int, window time.Duration) *Bucket {
	perSecond := rate.Limit(float64(capacity) / window.Seconds())
	return &Bucket{limiter: rate.NewLimiter(perSecond, capacity)}
}

// Acquire blocks until a token is available or ctx is cancelled.
func (b *Bucket) Acquire(ctx context.Context) error {
	if err := b.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return errs.Wrap(errs.Cancelled, "rate limiter wait cancelled", err)
		}
		return errs.Wrap(errs.RateLimited, "rate limiter wait failed", err)
	}
	return nil
}

// TryAcquire takes a token immediately, or returns a RateLimited error
// without blocking — the synchronous-rejection path §8 scenario 6 requires.
func (b *Bucket) TryAcquire() error {
	if !b.limiter.Allow() {
		return errs.New(errs.RateLimited, "token bucket exhausted")
	}
	return nil
}

// BackoffPolicy describes an exponential-backoff-with-jitter schedule,
// shared verbatim between C2's reconnect loop and C6's reconnect loop.
type BackoffPolicy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
	Jitter      time.Duration
}

// DefaultBackoffPolicy matches §5's defaults: base=1s, max=300s,
// maxAttempts=10, jitter up to 1s.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{Base: time.Second, Max: 300 * time.Second, MaxAttempts: 10, Jitter: time.Second}
}

// Delay returns the backoff delay for the given attempt number (0-based),
// bounded above by min(base*2^attempt, max)+jitter and below by
// min(base*2^attempt, max), per §8 invariant 7.
func (p BackoffPolicy) Delay(attempt int, rng *rand.Rand) time.Duration {
	base := p.Base
	if base <= 0 {
		base = time.Second
	}
	scaled := float64(base) * float64(uint64(1)<<uint(minInt(attempt, 62)))
	capped := time.Duration(scaled)
	if p.Max > 0 && capped > p.Max {
		capped = p.Max
	}
	var jitter time.Duration
	if p.Jitter > 0 {
		jitter = time.Duration(rng.Float64() * float64(p.Jitter))
	}
	return capped + jitter
}

// Exhausted reports whether attempt has reached MaxAttempts.
func (p BackoffPolicy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
