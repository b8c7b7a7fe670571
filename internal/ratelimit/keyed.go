package ratelimit

import (
	"sync"
	"time"
)

// Keyed hands out one TokenBucket per key and forgets buckets that have been
// idle for longer than the configured TTL.
type Keyed struct {
	clock    Clock
	capacity int64
	rate     int64
	ttl      time.Duration

	mu      sync.Mutex
	buckets map[string]*keyedEntry
	sweeps  int
}

type keyedEntry struct {
	bucket   *TokenBucket
	lastSeen time.Time
}

func NewKeyed(clock Clock, capacityTokens, fillRate int64, ttl time.Duration) *Keyed {
	if clock == nil {
		clock = RealClock{}
	}
	return &Keyed{
		clock:    clock,
		capacity: capacityTokens,
		rate:     fillRate,
		ttl:      ttl,
		buckets:  make(map[string]*keyedEntry),
	}
}

// Allow consumes one token from key's bucket.
func (k *Keyed) Allow(key string) bool {
	now := k.clock.Now()

	k.mu.Lock()
	e, ok := k.buckets[key]
	if !ok {
		e = &keyedEntry{bucket: NewTokenBucket(k.clock, k.capacity, k.rate)}
		k.buckets[key] = e
	}
	e.lastSeen = now
	k.sweeps++
	if k.sweeps >= 256 {
		k.sweeps = 0
		k.sweepLocked(now)
	}
	k.mu.Unlock()

	return e.bucket.Allow(1)
}

// Len reports the number of tracked keys.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.buckets)
}

// Sweep drops buckets idle for longer than the TTL.
func (k *Keyed) Sweep() {
	k.mu.Lock()
	k.sweepLocked(k.clock.Now())
	k.mu.Unlock()
}

func (k *Keyed) sweepLocked(now time.Time) {
	if k.ttl <= 0 {
		return
	}
	for key, e := range k.buckets {
		if now.Sub(e.lastSeen) > k.ttl {
			delete(k.buckets, key)
		}
	}
}
