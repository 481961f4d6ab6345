package common

import (
	"context"
	"math/rand"
	"time"
)

const waitScale = 10 * time.Millisecond

// Backoff implements an exponential backoff strategy with jitter.
type Backoff struct {
	n       int // number of consecutive failures
	maxWait time.Duration
}

func NewBackoff(maxWait time.Duration) *Backoff {
	return &Backoff{
		maxWait: maxWait,
	}
}

// Next returns the wait before the next attempt and counts a failure.
func (b *Backoff) Next() time.Duration {
	b.n++
	wait := waitScale * time.Duration(b.n*b.n)
	wait = min(wait, b.maxWait)

	// 80%..120% jitter
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(wait) * jitter)
}

// Wait sleeps for the next backoff duration or until ctx is done.
func (b *Backoff) Wait(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	t := time.NewTimer(b.Next())
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Reset resets the backoff counter.
func (b *Backoff) Reset() {
	b.n = 0
}
