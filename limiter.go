/*
File: limiter.go
Version: 1.1.0
Description: Per-client QPS limiting using token buckets, with a thread-safe
             sharded map of client state and a background cleanup routine.
*/

package main

import (
	"context"
	"hash/maphash"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limitShardCount = 256

// ClientState holds the rate limiter for a specific client.
type ClientState struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type limiterShard struct {
	sync.Mutex
	clients map[string]*ClientState
}

type LimiterManager struct {
	shards   [limitShardCount]*limiterShard
	config   *RateLimitConfig
	enabled  bool
	hasher   maphash.Hash
	hasherMu sync.Mutex
}

func newLimiterManager(cfg *RateLimitConfig) *LimiterManager {
	lm := &LimiterManager{
		config:  cfg,
		enabled: cfg != nil && cfg.Enabled,
	}
	for i := 0; i < limitShardCount; i++ {
		lm.shards[i] = &limiterShard{clients: make(map[string]*ClientState)}
	}
	return lm
}

// StartCleanupRoutine removes idle client limiters until ctx is cancelled.
func (lm *LimiterManager) StartCleanupRoutine(ctx context.Context) {
	if !lm.enabled {
		return
	}

	interval := lm.config.parsedCleanupInterval
	if interval == 0 {
		interval = 1 * time.Minute
	}

	LogInfo("[LIMITER] Starting cleanup routine (Interval: %v)", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			LogInfo("[LIMITER] Stopping cleanup routine")
			return
		case <-ticker.C:
			lm.cleanup()
		}
	}
}

func (lm *LimiterManager) cleanup() {
	expiration := lm.config.parsedClientExpiration
	if expiration == 0 {
		expiration = 5 * time.Minute
	}
	now := time.Now()
	removed := 0

	for _, shard := range lm.shards {
		shard.Lock()
		for ip, state := range shard.clients {
			if now.Sub(state.lastSeen) > expiration {
				delete(shard.clients, ip)
				removed++
			}
		}
		shard.Unlock()
	}

	if removed > 0 {
		LogDebug("[LIMITER] Cleaned up %d idle client limiters", removed)
	}
}

func (lm *LimiterManager) getShard(key string) *limiterShard {
	lm.hasherMu.Lock()
	lm.hasher.Reset()
	lm.hasher.WriteString(key)
	hash := lm.hasher.Sum64()
	lm.hasherMu.Unlock()
	return lm.shards[hash&(limitShardCount-1)]
}

// Allow evaluates the client against its token bucket. Limited clients get
// a REFUSED response from the proxy rather than a silent drop, so resolvers
// in front of us back off instead of retrying.
func (lm *LimiterManager) Allow(clientIP net.IP) bool {
	if !lm.enabled || clientIP == nil {
		return true
	}

	ipStr := clientIP.String()
	shard := lm.getShard(ipStr)

	shard.Lock()
	state, exists := shard.clients[ipStr]
	if !exists {
		state = &ClientState{
			limiter: rate.NewLimiter(rate.Limit(lm.config.ClientQPS), lm.config.ClientBurst),
		}
		shard.clients[ipStr] = state
	}
	state.lastSeen = time.Now()
	allowed := state.limiter.Allow()

	var tokens float64
	if !allowed && IsDebugEnabled() {
		tokens = state.limiter.Tokens()
	}
	shard.Unlock()

	if !allowed && IsDebugEnabled() {
		LogDebug("[LIMITER] Client QPS exceeded (IP: %s, Limit: %d, Burst: %d, Tokens: %.2f)",
			ipStr, lm.config.ClientQPS, lm.config.ClientBurst, tokens)
	}
	return allowed
}
