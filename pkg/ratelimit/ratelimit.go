// Package ratelimit throttles the login endpoints per client IP. Login flows
// hit the external provider and the database, so a misbehaving client gets
// cut off before it can hammer either.
package ratelimit

import (
	"strings"
	"sync"
	"time"
)

type bucket struct {
	tokens float64
	last   time.Time
}

// Limiter is a token-bucket limiter keyed by client. Each key may burst up
// to burst requests and refills at perSecond. Buckets idle longer than ttl
// are dropped on the next Allow call.
type Limiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	burst     float64
	perSecond float64
	ttl       time.Duration
	lastSweep time.Time

	now func() time.Time
}

func New(burst int, perSecond float64, ttl time.Duration) *Limiter {
	return &Limiter{
		buckets:   make(map[string]*bucket),
		burst:     float64(burst),
		perSecond: perSecond,
		ttl:       ttl,
		now:       time.Now,
	}
}

// Allow reports whether a request for key fits its budget.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweep(now)

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.burst, last: now}
		l.buckets[key] = b
	}

	elapsed := now.Sub(b.last).Seconds()
	b.tokens = min(l.burst, b.tokens+elapsed*l.perSecond)
	b.last = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// sweep drops idle buckets. Runs at most once per ttl; caller holds the lock.
func (l *Limiter) sweep(now time.Time) {
	if l.ttl <= 0 || now.Sub(l.lastSweep) < l.ttl {
		return
	}
	l.lastSweep = now
	for key, b := range l.buckets {
		if now.Sub(b.last) > l.ttl {
			delete(l.buckets, key)
		}
	}
}

// ClientIP extracts the caller's address, preferring proxy headers since the
// gateway always sits behind one.
func ClientIP(xForwardedFor, xRealIP, remoteAddr string) string {
	if xForwardedFor != "" {
		first, _, _ := strings.Cut(xForwardedFor, ",")
		return strings.TrimSpace(first)
	}
	if xRealIP != "" {
		return strings.TrimSpace(xRealIP)
	}
	if idx := strings.LastIndex(remoteAddr, ":"); idx != -1 {
		return remoteAddr[:idx]
	}
	return remoteAddr
}
