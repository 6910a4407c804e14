// Package ratelimit holds the gateway's two admission controls: a per-caller
// token bucket for inbound requests and a per-provider FIFO queue for
// upstream concurrency.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Limiter implements a per-key token bucket rate limiter.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rps     float64
	burst   int
	now     func() time.Time
}

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

// New creates a limiter with the given requests-per-second and burst size.
// A non-positive rps yields nil, which allows everything.
func New(rps float64, burst int) *Limiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = int(math.Ceil(rps))
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		rps:     rps,
		burst:   burst,
		now:     time.Now,
	}
}

// Allow reports whether a request from key may proceed and, if not, how long
// until the next token is available.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	if l == nil {
		return true, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		l.buckets[key] = &bucket{tokens: float64(l.burst) - 1, lastCheck: now}
		return true, 0
	}

	b.tokens = math.Min(float64(l.burst), b.tokens+now.Sub(b.lastCheck).Seconds()*l.rps)
	b.lastCheck = now

	if b.tokens < 1 {
		wait := time.Duration((1 - b.tokens) / l.rps * float64(time.Second))
		return false, wait
	}
	b.tokens--
	return true, 0
}

// Cleanup removes buckets not touched within maxAge.
func (l *Limiter) Cleanup(maxAge time.Duration) int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	cutoff := l.now().Add(-maxAge)
	for key, b := range l.buckets {
		if !b.lastCheck.After(cutoff) {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}
