package common

import (
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RateLimiter tracks the request weight a venue reports back in a response
// header (Binance's X-MBX-USED-WEIGHT-1M, for example).
type RateLimiter struct {
	venue         string
	usedWeight    int
	limit         int
	lastReset     time.Time
	resetInterval time.Duration
	logger        *zap.Logger
	mu            sync.RWMutex
}

// NewRateLimiter creates a weight tracker.
// limit: maximum weight per window (e.g. 6000 for Binance spot)
// resetInterval: window length (e.g. one minute)
func NewRateLimiter(venue string, limit int, resetInterval time.Duration, logger *zap.Logger) *RateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{
		venue:         venue,
		limit:         limit,
		resetInterval: resetInterval,
		lastReset:     time.Now(),
		logger:        logger,
	}
}

// UpdateFromHeader records the used weight from a response header value.
func (rl *RateLimiter) UpdateFromHeader(headerValue string) {
	if headerValue == "" || rl.limit <= 0 {
		return
	}
	weight, err := strconv.Atoi(headerValue)
	if err != nil {
		return
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if time.Since(rl.lastReset) >= rl.resetInterval {
		rl.usedWeight = 0
		rl.lastReset = time.Now()
	}
	rl.usedWeight = weight

	pct := float64(rl.usedWeight) / float64(rl.limit) * 100
	switch {
	case pct >= 95:
		rl.logger.Warn("venue rate limit critical",
			zap.String("venue", rl.venue), zap.Int("used", rl.usedWeight), zap.Int("limit", rl.limit))
	case pct >= 80:
		rl.logger.Info("venue rate limit high",
			zap.String("venue", rl.venue), zap.Int("used", rl.usedWeight), zap.Int("limit", rl.limit))
	}
}

// Usage returns current usage in the window. A nil limiter reports none.
func (rl *RateLimiter) Usage() (used int, limit int, percentage float64) {
	if rl == nil {
		return 0, 0, 0
	}
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	if rl.limit <= 0 || time.Since(rl.lastReset) >= rl.resetInterval {
		return 0, rl.limit, 0
	}
	return rl.usedWeight, rl.limit, float64(rl.usedWeight) / float64(rl.limit) * 100
}

// Exhausted reports whether non-essential reads should be skipped.
func (rl *RateLimiter) Exhausted() bool {
	_, _, pct := rl.Usage()
	return pct >= 90
}
