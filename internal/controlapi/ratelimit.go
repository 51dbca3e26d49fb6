package controlapi

import (
	"sync"
	"time"
)

const (
	apiRateLimit  = 20.0 // requests per second per caller
	apiBurstLimit = 40.0 // max burst
	apiCleanupAge = 5 * time.Minute

	// rateLimiterShards controls how many independent shards the rate
	// limiter uses. Each shard has its own mutex, reducing contention
	// under concurrent requests from distinct sources.
	rateLimiterShards = 16
)

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

// rateLimiter implements a sharded token-bucket rate limiter keyed by
// caller identity (token digest, or source address for tokenless
// requests). Keys map onto one of [rateLimiterShards] shards via FNV
// hashing.
type rateLimiter struct {
	shards [rateLimiterShards]rateLimiterShard
}

type rateLimiterShard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

func newRateLimiter() *rateLimiter {
	rl := &rateLimiter{}
	for i := range rl.shards {
		rl.shards[i].buckets = make(map[string]*bucket)
	}
	return rl
}

func (rl *rateLimiter) shard(key string) *rateLimiterShard {
	return &rl.shards[shardIndex(key)]
}

func shardIndex(key string) int {
	const (
		fnvOffset32 = uint32(2166136261)
		fnvPrime32  = uint32(16777619)
	)
	h := fnvOffset32
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= fnvPrime32
	}
	return int(h % uint32(rateLimiterShards))
}

func (rl *rateLimiter) allow(key string) bool {
	s := rl.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{tokens: apiBurstLimit, lastCheck: now}
		s.buckets[key] = b
	}

	elapsed := now.Sub(b.lastCheck).Seconds()
	b.tokens += elapsed * apiRateLimit
	if b.tokens > apiBurstLimit {
		b.tokens = apiBurstLimit
	}
	b.lastCheck = now

	if b.tokens < 1.0 {
		return false
	}
	b.tokens--
	return true
}

// cleanup evicts idle buckets across all shards. Called periodically so the
// hot allow() path never iterates maps.
func (rl *rateLimiter) cleanup() {
	now := time.Now()
	for i := range rl.shards {
		s := &rl.shards[i]
		s.mu.Lock()
		for k, v := range s.buckets {
			if now.Sub(v.lastCheck) > apiCleanupAge {
				delete(s.buckets, k)
			}
		}
		s.mu.Unlock()
	}
}
