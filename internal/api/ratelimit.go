package api

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Per-client token-bucket rate limiting for the control plane. The
// node's protected endpoints (routing dry-runs, workflow submission)
// are cheap individually but each one walks the peer-capability
// snapshot, so an unthrottled client could keep the node's read lock
// hot; every client IP gets its own bucket and an empty bucket answers
// 429 with a Retry-After hint.
//
// Buckets idle past staleBucketAfter are dropped so transient clients
// cannot grow the map without bound.

const staleBucketAfter = 10 * time.Minute

type tokenBucket struct {
	tokens  float64
	touched time.Time
}

// RateLimiter tracks one token bucket per client IP.
type RateLimiter struct {
	refillPerSec float64
	capacity     float64

	mu      sync.Mutex
	buckets map[string]*tokenBucket
}

// NewRateLimiter allows ratePerMin requests per minute per client with
// bursts of up to burst requests.
func NewRateLimiter(ratePerMin, burst int) *RateLimiter {
	rl := &RateLimiter{
		refillPerSec: float64(ratePerMin) / 60.0,
		capacity:     float64(burst),
		buckets:      make(map[string]*tokenBucket),
	}
	go rl.evictStale()
	return rl
}

// take attempts to spend one token for client, reporting how long the
// client should wait when the bucket is empty.
func (rl *RateLimiter) take(client string) (bool, time.Duration) {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[client]
	if !ok {
		b = &tokenBucket{tokens: rl.capacity, touched: now}
		rl.buckets[client] = b
	}

	b.tokens += now.Sub(b.touched).Seconds() * rl.refillPerSec
	if b.tokens > rl.capacity {
		b.tokens = rl.capacity
	}
	b.touched = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}

	wait := time.Duration((1-b.tokens)/rl.refillPerSec*float64(time.Second)) + time.Millisecond
	return false, wait
}

// Middleware enforces the limit on every request passing through it.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, wait := rl.take(c.ClientIP())
		if !ok {
			c.Header("Retry-After", fmt.Sprintf("%.0f", wait.Seconds()))
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":      "rate limit exceeded",
				"retryAfter": wait.String(),
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// evictStale periodically removes buckets that have not been touched
// within staleBucketAfter.
func (rl *RateLimiter) evictStale() {
	ticker := time.NewTicker(staleBucketAfter)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-staleBucketAfter)
		rl.mu.Lock()
		for client, b := range rl.buckets {
			if b.touched.Before(cutoff) {
				delete(rl.buckets, client)
			}
		}
		rl.mu.Unlock()
	}
}
