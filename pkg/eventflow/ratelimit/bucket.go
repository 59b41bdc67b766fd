// Package ratelimit bounds per-event-type throughput with token
// buckets and defers over-limit events into per-type FIFO queues that
// drain as tokens replenish.
package ratelimit

import (
	"math"
	"time"
)

// TokenBucket is a continuously-refilling rate-limiter primitive.
// Tokens accumulate at Rate per second up to Capacity; each admitted
// event consumes one token. Refill is lazy: it happens on every
// consume or inspection, based on wall-clock elapsed time.
//
// TokenBucket is not safe for concurrent use; the Limiter serializes
// access.
type TokenBucket struct {
	rate     float64
	capacity float64
	tokens   float64
	last     time.Time
}

// NewTokenBucket creates a full bucket.
func NewTokenBucket(rate, capacity float64, now time.Time) *TokenBucket {
	return &TokenBucket{
		rate:     rate,
		capacity: capacity,
		tokens:   capacity,
		last:     now,
	}
}

// refill credits tokens for the elapsed time since the last refill.
func (b *TokenBucket) refill(now time.Time) {
	elapsed := now.Sub(b.last).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.rate)
	b.last = now
}

// Consume takes one token if available.
func (b *TokenBucket) Consume(now time.Time) bool {
	b.refill(now)
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Tokens returns the current token count after refill.
func (b *TokenBucket) Tokens(now time.Time) float64 {
	b.refill(now)
	return b.tokens
}

// NextToken returns how long until the next whole token is available.
// Zero when a token is already available.
func (b *TokenBucket) NextToken(now time.Time) time.Duration {
	b.refill(now)
	if b.tokens >= 1 {
		return 0
	}
	ms := math.Ceil((1 - b.tokens) / b.rate * 1000)
	return time.Duration(ms) * time.Millisecond
}
