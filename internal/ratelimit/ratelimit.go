// Package ratelimit provides the per-connection control-message rate limit.
package ratelimit

import (
	"sync"
	"time"
)

// Clock abstracts time.Now so tests can drive refills deterministically.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// TokenBucket refills at an integer rate (tokens/sec) using fixed-point
// nano-tokens, so refill math stays exact without floats.
type TokenBucket struct {
	mu sync.Mutex

	clock    Clock
	capacity int64 // nano-tokens
	fillRate int64 // tokens/sec, which is nano-tokens per nanosecond

	available int64 // nano-tokens
	last      time.Time
}

const nanoPerToken = int64(time.Second)

// NewTokenBucket returns a bucket that starts full. A nil clock uses real
// time. capacity or rate <= 0 yields a bucket that always denies.
func NewTokenBucket(clock Clock, capacity, rate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacity < 0 {
		capacity = 0
	}
	if rate < 0 {
		rate = 0
	}
	return &TokenBucket{
		clock:     clock,
		capacity:  capacity * nanoPerToken,
		fillRate:  rate,
		available: capacity * nanoPerToken,
		last:      clock.Now(),
	}
}

// Allow consumes tokens if available. tokens <= 0 always succeeds.
func (b *TokenBucket) Allow(tokens int64) bool {
	if tokens <= 0 {
		return true
	}
	cost := tokens * nanoPerToken

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.available < cost {
		return false
	}
	b.available -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Time went backwards; move the reference point without refilling.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Nanoseconds()
	b.last = now
	if elapsed <= 0 || b.fillRate <= 0 || b.capacity <= 0 {
		return
	}

	need := b.capacity - b.available
	if need <= 0 {
		b.available = b.capacity
		return
	}
	// Clamp before multiplying so elapsed*fillRate cannot overflow.
	if elapsed >= need/b.fillRate+1 {
		b.available = b.capacity
		return
	}
	b.available += elapsed * b.fillRate
	if b.available > b.capacity {
		b.available = b.capacity
	}
}
