// Package ratelimit provides a keyed token-bucket limiter. Keys are held in a
// bounded LRU so idle callers are eventually forgotten.
package ratelimit

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

const defaultMaxKeys = 10000

// KeyedRateLimiter manages one independent limiter per key.
type KeyedRateLimiter struct {
	mu       sync.Mutex
	limiters *lru.Cache[string, *rate.Limiter]
	limit    rate.Limit
	burst    int
}

// New creates a limiter allowing rps requests per second per key with the given burst.
// maxKeys bounds the tracked keys; zero uses a default.
func New(rps float64, burst, maxKeys int) *KeyedRateLimiter {
	if maxKeys <= 0 {
		maxKeys = defaultMaxKeys
	}
	if burst <= 0 {
		burst = 1
	}
	limiters, _ := lru.New[string, *rate.Limiter](maxKeys)
	return &KeyedRateLimiter{
		limiters: limiters,
		limit:    rate.Limit(rps),
		burst:    burst,
	}
}

// PerMinute creates a limiter allowing n requests per minute per key, bursting up to n.
func PerMinute(n, maxKeys int) *KeyedRateLimiter {
	if n <= 0 {
		return New(float64(rate.Inf), 1, maxKeys)
	}
	return New(float64(n)/time.Minute.Seconds(), n, maxKeys)
}

// AllowAt reports whether a request for key may proceed at the given instant.
// It never blocks.
func (krl *KeyedRateLimiter) AllowAt(key string, at time.Time) bool {
	return krl.limiter(key).AllowN(at, 1)
}

// Len returns the number of tracked keys.
func (krl *KeyedRateLimiter) Len() int {
	return krl.limiters.Len()
}

func (krl *KeyedRateLimiter) limiter(key string) *rate.Limiter {
	krl.mu.Lock()
	defer krl.mu.Unlock()
	if limiter, ok := krl.limiters.Get(key); ok {
		return limiter
	}
	limiter := rate.NewLimiter(krl.limit, krl.burst)
	krl.limiters.Add(key, limiter)
	return limiter
}
