/*
File: stats.go
Version: 1.0.0
Description: Lightweight runtime counters for the proxy, with a periodic
             summary line. All counters are lock-free atomics on the hot path.
*/

package main

import (
	"context"
	"sync/atomic"
	"time"
)

type Stats struct {
	Queries        atomic.Uint64
	CacheHits      atomic.Uint64
	CacheMisses    atomic.Uint64
	UpstreamCalls  atomic.Uint64
	UpstreamErrors atomic.Uint64
	BreakerDenied  atomic.Uint64
	Refused        atomic.Uint64
	Dropped        atomic.Uint64
	NXDomain       atomic.Uint64
	ServFail       atomic.Uint64
	FormErr        atomic.Uint64
	NotImp         atomic.Uint64
}

func newStats() *Stats {
	return &Stats{}
}

// HitRate returns the cache hit percentage over all lookups so far.
func (s *Stats) HitRate() float64 {
	hits := s.CacheHits.Load()
	total := hits + s.CacheMisses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total) * 100
}

// StartReporter logs a summary line on the given interval until ctx ends.
func (s *Stats) StartReporter(ctx context.Context, interval time.Duration, cache *DNSCache, breaker *CircuitBreaker) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if IsInfoEnabled() {
				LogInfo("[STATS] Queries: %d | Cache: %d/%d (%.1f%% hit, %d entries) | Upstream: %d calls, %d errors | Breaker: %s (%d denied) | Refused: %d | Dropped: %d | NXDOMAIN: %d | SERVFAIL: %d",
					s.Queries.Load(),
					s.CacheHits.Load(), s.CacheHits.Load()+s.CacheMisses.Load(), s.HitRate(), cache.Len(),
					s.UpstreamCalls.Load(), s.UpstreamErrors.Load(),
					breaker.State(), s.BreakerDenied.Load(),
					s.Refused.Load(), s.Dropped.Load(),
					s.NXDomain.Load(), s.ServFail.Load())
			}
		}
	}
}
