package web

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	sweepInterval = time.Minute
	bucketTTL     = 3 * time.Minute
)

// bucket is one caller's token-bucket state. Each bucket has its own lock so
// unrelated callers never contend.
type bucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// RateLimiter throttles submissions per caller IP with lazily refilled token
// buckets. Idle buckets are swept out in the background.
type RateLimiter struct {
	mu      sync.RWMutex
	buckets map[string]*bucket

	rate     float64 // tokens per second
	capacity float64 // burst size
}

// NewRateLimiter creates a limiter and starts its sweep goroutine.
func NewRateLimiter(rate, capacity float64) *RateLimiter {
	rl := &RateLimiter{
		buckets:  make(map[string]*bucket),
		rate:     rate,
		capacity: capacity,
	}
	go rl.sweep()
	return rl
}

func (rl *RateLimiter) bucketFor(ip string) *bucket {
	rl.mu.RLock()
	b, ok := rl.buckets[ip]
	rl.mu.RUnlock()
	if ok {
		return b
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if b, ok = rl.buckets[ip]; !ok {
		b = &bucket{tokens: rl.capacity, lastRefill: time.Now()}
		rl.buckets[ip] = b
	}
	return b
}

// Allow refills the caller's bucket for the elapsed time and consumes one
// token if available.
func (rl *RateLimiter) Allow(ip string) bool {
	b := rl.bucketFor(ip)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if elapsed := now.Sub(b.lastRefill).Seconds(); elapsed > 0 {
		b.tokens += elapsed * rl.rate
		if b.tokens > rl.capacity {
			b.tokens = rl.capacity
		}
		b.lastRefill = now
	}

	if b.tokens >= 1.0 {
		b.tokens--
		return true
	}
	return false
}

func (rl *RateLimiter) sweep() {
	for {
		time.Sleep(sweepInterval)

		rl.mu.Lock()
		for ip, b := range rl.buckets {
			b.mu.Lock()
			if time.Since(b.lastRefill) > bucketTTL {
				delete(rl.buckets, ip)
			}
			b.mu.Unlock()
		}
		rl.mu.Unlock()
	}
}

// Limit wraps a handler and rejects callers over their budget with 429.
func (rl *RateLimiter) Limit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := r.RemoteAddr
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			ip = fwd
		} else if host, _, ok := strings.Cut(ip, ":"); ok {
			ip = host
		}

		if !rl.Allow(ip) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]string{"error": "too many requests"})
			return
		}
		next(w, r)
	}
}
