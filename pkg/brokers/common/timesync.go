package common

import (
	"context"
	"sync"
	"time"
)

// TimeSync keeps the offset between local time and a venue's server clock.
// It is synced on demand, typically once per adapter during Authenticate.
type TimeSync struct {
	fetch    func(ctx context.Context) (int64, error)
	offset   int64 // milliseconds (server - local)
	lastSync time.Time
	mu       sync.RWMutex
}

// NewTimeSync creates a TimeSync around a server-time fetcher returning epoch ms.
func NewTimeSync(fetch func(ctx context.Context) (int64, error)) *TimeSync {
	return &TimeSync{fetch: fetch}
}

// Sync measures the offset assuming symmetric network latency.
func (ts *TimeSync) Sync(ctx context.Context) error {
	before := time.Now().UnixMilli()
	server, err := ts.fetch(ctx)
	if err != nil {
		return err
	}
	after := time.Now().UnixMilli()
	local := before + (after-before)/2

	ts.mu.Lock()
	ts.offset = server - local
	ts.lastSync = time.Now()
	ts.mu.Unlock()
	return nil
}

// Now returns the venue-adjusted current time in epoch ms.
func (ts *TimeSync) Now() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return time.Now().UnixMilli() + ts.offset
}

// Offset returns the measured offset in ms.
func (ts *TimeSync) Offset() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.offset
}

// Synced reports whether at least one sync succeeded.
func (ts *TimeSync) Synced() bool {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return !ts.lastSync.IsZero()
}
