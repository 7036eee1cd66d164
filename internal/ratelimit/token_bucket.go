package ratelimit

import (
	"sync"
	"time"
)

// tokenBucket is a continuously-refilling bucket: capacity equals the
// per-minute limit, and tokens trickle back in at limit/60 per second
// rather than refilling to capacity in one step at the end of each period.
// Adapted from internal/budget's period-refill bucket, whose all-at-once
// refill doesn't match this gate's "sustained rate" semantics.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func newTokenBucket(perMinuteLimit int) *tokenBucket {
	cap := float64(perMinuteLimit)
	if cap <= 0 {
		cap = 1
	}
	return &tokenBucket{
		tokens:     cap,
		capacity:   cap,
		refillRate: cap / 60.0,
		lastRefill: time.Now(),
	}
}

// consume refills based on elapsed time, reports whether one token was
// available, and applies limit as a temporary cap below the bucket's
// configured capacity (used when a client is in the suspicious state).
func (b *tokenBucket) consume(cost int, limit int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.refillRate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.lastRefill = now
	}

	ceiling := float64(limit)
	if ceiling > 0 && b.tokens > ceiling {
		b.tokens = ceiling
	}

	if b.tokens < float64(cost) {
		return false
	}
	b.tokens -= float64(cost)
	return true
}

func (b *tokenBucket) remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	tokens := b.tokens + elapsed*b.refillRate
	if tokens > b.capacity {
		tokens = b.capacity
	}
	return int(tokens)
}
