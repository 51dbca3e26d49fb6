package relayserver

import (
	"hash/fnv"
	"sync"
	"time"
)

const guardShardCount = 16

// ipGuard throttles repeated authentication failures per source IP. After
// threshold failures inside window, the IP is refused for cooldown. A
// successful authentication clears the IP's record.
type ipGuard struct {
	threshold int
	window    time.Duration
	cooldown  time.Duration
	shards    [guardShardCount]guardShard
}

type guardShard struct {
	mu      sync.Mutex
	entries map[string]*guardEntry
}

type guardEntry struct {
	failures    int
	windowStart time.Time
	bannedUntil time.Time
}

func newIPGuard(threshold int, window, cooldown time.Duration) *ipGuard {
	g := &ipGuard{threshold: threshold, window: window, cooldown: cooldown}
	for i := range g.shards {
		g.shards[i].entries = make(map[string]*guardEntry)
	}
	return g
}

func (g *ipGuard) shard(ip string) *guardShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(ip))
	return &g.shards[h.Sum32()%guardShardCount]
}

// allowed reports whether the IP may attempt authentication now.
func (g *ipGuard) allowed(ip string, now time.Time) bool {
	sh := g.shard(ip)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e := sh.entries[ip]
	if e == nil {
		return true
	}
	return now.After(e.bannedUntil)
}

// recordFailure counts one failed authentication; crossing the threshold
// starts the cooldown.
func (g *ipGuard) recordFailure(ip string, now time.Time) {
	sh := g.shard(ip)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e := sh.entries[ip]
	if e == nil {
		e = &guardEntry{windowStart: now}
		sh.entries[ip] = e
	}
	if now.Sub(e.windowStart) > g.window {
		e.failures = 0
		e.windowStart = now
	}
	e.failures++
	if e.failures >= g.threshold {
		e.bannedUntil = now.Add(g.cooldown)
		e.failures = 0
		e.windowStart = now
	}
}

// recordSuccess clears the IP's failure history.
func (g *ipGuard) recordSuccess(ip string) {
	sh := g.shard(ip)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.entries, ip)
}

// sweep drops entries that are idle past their window and cooldown.
func (g *ipGuard) sweep(now time.Time) {
	for i := range g.shards {
		sh := &g.shards[i]
		sh.mu.Lock()
		for ip, e := range sh.entries {
			if now.After(e.bannedUntil) && now.Sub(e.windowStart) > g.window {
				delete(sh.entries, ip)
			}
		}
		sh.mu.Unlock()
	}
}
