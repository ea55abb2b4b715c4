package ratelimit

import (
	"math/rand"
	"testing"
	"time"

	"github.com/relaynet/corepool/errs"
	"github.com/stretchr/testify/require"
)

func TestBucketTryAcquireExhausts(t *testing.T) {
	b := NewBucket(1, time.Minute)
	require.NoError(t, b.TryAcquire())
	err := b.TryAcquire()
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.RateLimited))
}

func TestBackoffDelayBounds(t *testing.T) {
	p := BackoffPolicy{Base: time.Second, Max: 10 * time.Second, MaxAttempts: 5, Jitter: time.Second}
	rng := rand.New(rand.NewSource(1))
	for attempt := 0; attempt < 8; attempt++ {
		d := p.Delay(attempt, rng)
		lower := p.Base * time.Duration(1<<uint(attempt))
		if lower > p.Max {
			lower = p.Max
		}
		require.GreaterOrEqual(t, d, lower)
		require.LessOrEqual(t, d, lower+p.Jitter)
	}
}

func TestBackoffExhausted(t *testing.T) {
	p := BackoffPolicy{MaxAttempts: 3}
	require.False(t, p.Exhausted(2))
	require.True(t, p.Exhausted(3))
}
