// Package ratelimiter implements a per-client token-bucket admission
// control, sharded by client hash to keep the critical section small
// under contention (spec.md §4.3: "a sharded-by-client-hash map is
// preferred under contention").
package ratelimiter

import (
	"hash/maphash"
	"sync"
	"time"
)

// Decision is the outcome of a Check call.
type Decision int

const (
	Allowed Decision = iota
	Denied
)

const defaultShardCount = 32

type bucket struct {
	mu             sync.Mutex
	tokensAvail    float64
	lastRefill     time.Time
}

type shard struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
}

// Limiter is a sharded token-bucket rate limiter. Capacity is
// tokensPerMinute; refill is continuous at capacity/60 tokens/sec.
// Unknown clients start as fresh full buckets, so the first call for any
// client_id always succeeds.
type Limiter struct {
	capacity   float64
	refillRate float64 // tokens per second
	shards     []*shard
	seed       maphash.Seed
	now        func() time.Time
}

// New builds a Limiter with the given capacity (tokens_per_minute).
func New(tokensPerMinute int) *Limiter {
	return newWithClock(tokensPerMinute, time.Now)
}

func newWithClock(tokensPerMinute int, now func() time.Time) *Limiter {
	shards := make([]*shard, defaultShardCount)
	for i := range shards {
		shards[i] = &shard{buckets: make(map[string]*bucket)}
	}
	return &Limiter{
		capacity:   float64(tokensPerMinute),
		refillRate: float64(tokensPerMinute) / 60.0,
		shards:     shards,
		seed:       maphash.MakeSeed(),
		now:        now,
	}
}

func (l *Limiter) shardFor(clientID string) *shard {
	var h maphash.Hash
	h.SetSeed(l.seed)
	_, _ = h.WriteString(clientID)
	return l.shards[h.Sum64()%uint64(len(l.shards))]
}

// Check consumes cost tokens from client_id's bucket if available.
// A fresh bucket (including an empty client_id) starts full.
func (l *Limiter) Check(clientID string, cost float64) Decision {
	sh := l.shardFor(clientID)

	sh.mu.RLock()
	b, ok := sh.buckets[clientID]
	sh.mu.RUnlock()

	if !ok {
		sh.mu.Lock()
		b, ok = sh.buckets[clientID]
		if !ok {
			b = &bucket{tokensAvail: l.capacity, lastRefill: l.now()}
			sh.buckets[clientID] = b
		}
		sh.mu.Unlock()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := l.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokensAvail += elapsed * l.refillRate
		if b.tokensAvail > l.capacity {
			b.tokensAvail = l.capacity
		}
		b.lastRefill = now
	}
	if b.tokensAvail < 0 {
		b.tokensAvail = 0
	}

	if b.tokensAvail >= cost {
		b.tokensAvail -= cost
		return Allowed
	}
	return Denied
}

// ClientStats reports the current bucket state for a client, without
// consuming tokens. Unknown clients report a full bucket.
type ClientStats struct {
	AvailableTokens float64
	Capacity        float64
}

// Stats returns a snapshot of client_id's bucket, refilling it first so
// the reported value reflects elapsed time.
func (l *Limiter) Stats(clientID string) ClientStats {
	sh := l.shardFor(clientID)
	sh.mu.RLock()
	b, ok := sh.buckets[clientID]
	sh.mu.RUnlock()
	if !ok {
		return ClientStats{AvailableTokens: l.capacity, Capacity: l.capacity}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	now := l.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokensAvail += elapsed * l.refillRate
		if b.tokensAvail > l.capacity {
			b.tokensAvail = l.capacity
		}
		b.lastRefill = now
	}
	return ClientStats{AvailableTokens: b.tokensAvail, Capacity: l.capacity}
}
