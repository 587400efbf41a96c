package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"teleconsult/pkg/clock"
)

// TestRateLimiter_ExactLimits tests exact rate limiting behavior
func TestRateLimiter_ExactLimits(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC))
	limiter := NewRateLimiter(clk, 100, time.Minute)

	for i := 0; i < 100; i++ {
		assert.True(t, limiter.Allow("c1"), "frame %d", i+1)
	}
	assert.False(t, limiter.Allow("c1"))
	assert.True(t, limiter.Allow("c2"), "limits are per key")

	clk.Advance(59 * time.Second)
	assert.False(t, limiter.Allow("c1"))
	clk.Advance(time.Second)
	assert.True(t, limiter.Allow("c1"), "window resets after a minute")
}

func TestRateLimiter_ForgetAndCleanup(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC))
	limiter := NewRateLimiter(clk, 1, time.Minute)

	assert.True(t, limiter.Allow("c1"))
	assert.False(t, limiter.Allow("c1"))
	limiter.Forget("c1")
	assert.True(t, limiter.Allow("c1"))

	assert.True(t, limiter.Allow("c2"))
	clk.Advance(6 * time.Minute)
	assert.Equal(t, 2, limiter.Cleanup())
	assert.Zero(t, limiter.Cleanup())
}
