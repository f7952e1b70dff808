package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket implements a token bucket rate limiter
type TokenBucket struct {
	mu         sync.Mutex
	tokens     int
	capacity   int
	rate       int // tokens per second
	lastRefill time.Time
	lastUsed   time.Time
	now        func() time.Time
}

// NewTokenBucket creates a new token bucket with the given rate and capacity
func NewTokenBucket(rate, capacity int) *TokenBucket {
	return newTokenBucket(rate, capacity, time.Now)
}

func newTokenBucket(rate, capacity int, now func() time.Time) *TokenBucket {
	t := now()
	return &TokenBucket{
		tokens:     capacity,
		capacity:   capacity,
		rate:       rate,
		lastRefill: t,
		lastUsed:   t,
		now:        now,
	}
}

// Allow checks if a request can be allowed and consumes a token if available
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	tb.lastUsed = now

	tokensToAdd := int(now.Sub(tb.lastRefill).Seconds() * float64(tb.rate))
	if tokensToAdd > 0 {
		tb.tokens += tokensToAdd
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}

	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

func (tb *TokenBucket) idleSince() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastUsed
}

// ConnLimiter limits accepted connections globally and per remote host.
// A zero rate disables the corresponding limit.
type ConnLimiter struct {
	mu        sync.Mutex
	global    *TokenBucket
	perHost   map[string]*TokenBucket
	hostRate  int
	burstSize int
	now       func() time.Time
}

// NewConnLimiter creates a limiter allowing globalRate connections per second
// overall and hostRate per remote host, both with burstSize headroom.
func NewConnLimiter(globalRate, hostRate, burstSize int) *ConnLimiter {
	return newConnLimiter(globalRate, hostRate, burstSize, time.Now)
}

func newConnLimiter(globalRate, hostRate, burstSize int, now func() time.Time) *ConnLimiter {
	cl := &ConnLimiter{
		perHost:   make(map[string]*TokenBucket),
		hostRate:  hostRate,
		burstSize: burstSize,
		now:       now,
	}
	if globalRate > 0 {
		cl.global = newTokenBucket(globalRate, burstSize, now)
	}
	return cl
}

// Enabled reports whether any limit is active.
func (cl *ConnLimiter) Enabled() bool {
	return cl != nil && (cl.global != nil || cl.hostRate > 0)
}

// AllowConnection checks whether a new connection from host may proceed.
func (cl *ConnLimiter) AllowConnection(host string) bool {
	if cl.global != nil && !cl.global.Allow() {
		return false
	}
	if cl.hostRate <= 0 {
		return true
	}
	cl.mu.Lock()
	bucket, ok := cl.perHost[host]
	if !ok {
		bucket = newTokenBucket(cl.hostRate, cl.burstSize, cl.now)
		cl.perHost[host] = bucket
	}
	cl.mu.Unlock()
	return bucket.Allow()
}

// Prune drops per-host buckets unused for longer than idle and returns how
// many were removed.
func (cl *ConnLimiter) Prune(idle time.Duration) int {
	cutoff := cl.now().Add(-idle)
	cl.mu.Lock()
	defer cl.mu.Unlock()
	removed := 0
	for host, b := range cl.perHost {
		if b.idleSince().Before(cutoff) {
			delete(cl.perHost, host)
			removed++
		}
	}
	return removed
}

// Hosts returns the number of tracked hosts.
func (cl *ConnLimiter) Hosts() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return len(cl.perHost)
}
