package commandqueue

import (
	"context"
	"sync"
	"time"
)

// dedupCache remembers request ids for a fixed window.
type dedupCache struct {
	mu      sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
	now     func() time.Time
}

func newDedupCache(ctx context.Context, ttl time.Duration) *dedupCache {
	dc := &dedupCache{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		now:     time.Now,
	}
	go dc.sweep(ctx)
	return dc
}

// Claim records id and reports whether it was unseen within the window.
func (dc *dedupCache) Claim(id string) bool {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	now := dc.now()
	if seen, ok := dc.entries[id]; ok && now.Sub(seen) < dc.ttl {
		return false
	}
	dc.entries[id] = now
	return true
}

func (dc *dedupCache) sweep(ctx context.Context) {
	interval := dc.ttl
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dc.expire()
		}
	}
}

func (dc *dedupCache) expire() {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	now := dc.now()
	for id, seen := range dc.entries {
		if now.Sub(seen) >= dc.ttl {
			delete(dc.entries, id)
		}
	}
}

// Size returns the number of remembered ids.
func (dc *dedupCache) Size() int {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return len(dc.entries)
}
