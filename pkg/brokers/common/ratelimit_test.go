package common

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterExhausted(t *testing.T) {
	rl := NewRateLimiter("binance", 6000, time.Minute, nil)
	assert.False(t, rl.Exhausted())

	rl.UpdateFromHeader("1200")
	used, limit, pct := rl.Usage()
	assert.Equal(t, 1200, used)
	assert.Equal(t, 6000, limit)
	assert.InDelta(t, 20, pct, 1e-9)
	assert.False(t, rl.Exhausted())

	rl.UpdateFromHeader("5500")
	assert.True(t, rl.Exhausted())

	rl.UpdateFromHeader("not-a-number")
	assert.True(t, rl.Exhausted())
}

func TestRateLimiterWindowExpires(t *testing.T) {
	rl := NewRateLimiter("binance", 6000, time.Millisecond, nil)
	rl.UpdateFromHeader("5900")
	time.Sleep(5 * time.Millisecond)
	assert.False(t, rl.Exhausted())

	var none *RateLimiter
	assert.False(t, none.Exhausted())
}
