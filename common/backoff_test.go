package common

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_GrowsAndCaps(t *testing.T) {
	b := NewBackoff(100 * time.Millisecond)

	first := b.Next()
	assert.InDelta(t, float64(waitScale), float64(first), float64(waitScale)*0.2+1)

	for i := 0; i < 10; i++ {
		b.Next()
	}
	assert.LessOrEqual(t, b.Next(), 120*time.Millisecond)

	b.Reset()
	assert.LessOrEqual(t, b.Next(), 12*time.Millisecond)
}

func TestBackoff_WaitHonoursContext(t *testing.T) {
	b := NewBackoff(time.Hour)
	for i := 0; i < 100; i++ {
		b.Next()
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	b.Wait(ctx)
	assert.Less(t, time.Since(start), time.Second)
}
