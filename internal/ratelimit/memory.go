package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

type bucket struct {
	windowStart time.Time
	count       int
}

// MemoryLimiter keeps buckets in process. Buckets are evicted once their window
// is over, so memory stays bounded by the number of active subjects.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets *ttlcache.Cache[string, *bucket]
	now     func() time.Time
}

func NewMemoryLimiter() *MemoryLimiter {
	buckets := ttlcache.New(
		ttlcache.WithDisableTouchOnHit[string, *bucket](),
	)
	go buckets.Start()

	return &MemoryLimiter{
		buckets: buckets,
		now:     time.Now,
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, subject string, limit int, window time.Duration) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	var b *bucket
	if item := l.buckets.Get(subject); item != nil {
		b = item.Value()
	}
	if b == nil || !now.Before(b.windowStart.Add(window)) {
		b = &bucket{windowStart: now}
		l.buckets.Set(subject, b, window)
	}
	b.count++

	d := Decision{Allowed: b.count <= limit, Count: b.count, Limit: limit}
	if !d.Allowed {
		d.RetryAfter = b.windowStart.Add(window).Sub(now)
	}
	return d, nil
}

// Close stops the eviction goroutine.
func (l *MemoryLimiter) Close() {
	l.buckets.Stop()
}

var _ Limiter = (*MemoryLimiter)(nil)
