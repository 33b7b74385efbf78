// Package ratelimit implements the per-(tenant,branch) token bucket the
// Router applies before dispatch, §4.5 step 4, and SPEC_FULL.md's
// supplemented "tenant rate-limit token bucket" feature.
//
// Grounded on erauner12-toolbridge-api/internal/httpapi/ratelimit.go's
// token bucket (lazy per-key bucket creation under a map, background
// cleanup of idle buckets), keyed here by (tenant_id, branch_id) instead
// of user id and refilled from the tenant's configured rate rather than a
// fixed window/burst pair.
package ratelimit

import (
	"sync"
	"time"
)

type key struct {
	tenantID string
	branchID string
}

// bucket is a single token bucket, refilled continuously from its rate.
type bucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func newBucket(ratePerSec float64) *bucket {
	capacity := ratePerSec
	if capacity < 1 {
		capacity = 1
	}
	return &bucket{tokens: capacity, capacity: capacity, refillRate: ratePerSec, lastRefill: time.Now()}
}

func (b *bucket) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.tokens += now.Sub(b.lastRefill).Seconds() * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func (b *bucket) idleSince(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return now.Sub(b.lastRefill)
}

// RateProvider resolves a tenant's configured rate limit, in messages per
// second (§3 Tenant.rate_limit_per_sec).
type RateProvider func(tenantID string) float64

// Limiter holds one token bucket per (tenant, branch). Buckets are created
// lazily on first use and swept if idle past idleTTL.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[key]*bucket
	rate    RateProvider
	idleTTL time.Duration
}

// SetIdleTTL updates how long an idle bucket survives before the
// cleanup loop evicts it. The hub calls it once at startup with
// config.Tunables.SessionIdleTTL; a reloaded value does not reach it.
func (l *Limiter) SetIdleTTL(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.idleTTL = d
}

func New(rate RateProvider) *Limiter {
	l := &Limiter{buckets: make(map[key]*bucket), rate: rate, idleTTL: time.Hour}
	go l.cleanupLoop()
	return l
}

// Allow reports whether the next message from (tenantID, branchID) may
// proceed, consuming one token if so.
func (l *Limiter) Allow(tenantID, branchID string) bool {
	return l.getBucket(tenantID, branchID).allow()
}

func (l *Limiter) getBucket(tenantID, branchID string) *bucket {
	k := key{tenantID: tenantID, branchID: branchID}

	l.mu.RLock()
	b, ok := l.buckets[k]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[k]; ok {
		return b
	}
	b = newBucket(l.rate(tenantID))
	l.buckets[k] = b
	return b
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for now := range ticker.C {
		l.mu.Lock()
		for k, b := range l.buckets {
			if b.idleSince(now) > l.idleTTL {
				delete(l.buckets, k)
			}
		}
		l.mu.Unlock()
	}
}
