package app

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// sweepThreshold bounds how many idle buckets accumulate before full ones are dropped.
const sweepThreshold = 4096

// MemoryRateLimiter is a per-process token bucket used when Redis is not configured.
// Each scope and subject pair gets limit tokens, refilled one every window/limit.
type MemoryRateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	now     func() time.Time
}

func NewMemoryRateLimiter() *MemoryRateLimiter {
	return &MemoryRateLimiter{buckets: make(map[string]*rate.Limiter), now: time.Now}
}

func (m *MemoryRateLimiter) Allow(ctx context.Context, scope, subject string, limit int, window time.Duration) (bool, time.Duration, error) {
	if limit <= 0 || window <= 0 {
		return true, 0, nil
	}
	key := strings.TrimSpace(scope) + ":" + strings.TrimSpace(subject)
	every := rate.Every(max(window/time.Duration(limit), time.Millisecond))
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	bucket, ok := m.buckets[key]
	if !ok {
		if len(m.buckets) >= sweepThreshold {
			m.sweep(now)
		}
		bucket = rate.NewLimiter(every, limit)
		m.buckets[key] = bucket
	} else if bucket.Limit() != every || bucket.Burst() != limit {
		bucket.SetLimitAt(now, every)
		bucket.SetBurstAt(now, limit)
	}

	reservation := bucket.ReserveN(now, 1)
	if !reservation.OK() {
		return false, window, nil
	}
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return false, delay, nil
	}
	return true, 0, nil
}

// sweep drops buckets that have refilled completely; they carry no state.
func (m *MemoryRateLimiter) sweep(now time.Time) {
	for key, bucket := range m.buckets {
		if bucket.TokensAt(now) >= float64(bucket.Burst()) {
			delete(m.buckets, key)
		}
	}
}
