/*
File: cache.go
Version: 1.2.0
Description: Thread-safe in-memory DNS cache with strict LRU eviction and lazy expiry.
             Entries store the packed upstream message so concurrent readers never
             observe partial updates; TTLs are aged at read time.
*/

package main

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/miekg/dns"
)

type CacheItem struct {
	Key        string
	MsgBytes   []byte // packed message with original TTLs
	InsertedAt time.Time
	Expiration time.Time // InsertedAt + min TTL across answer records
}

// DNSCache is a capacity-bounded LRU keyed by (name|type|class).
// A single mutex guards the map and recency list: recency order is a
// total order over resident keys and must not be lost under concurrency.
type DNSCache struct {
	mu       sync.Mutex
	items    map[string]*list.Element
	lruList  *list.List
	capacity int
}

func newDNSCache(capacity int) *DNSCache {
	if capacity < 1 {
		capacity = 1
	}
	return &DNSCache{
		items:    make(map[string]*list.Element),
		lruList:  list.New(),
		capacity: capacity,
	}
}

// Get returns the cached response for key with TTLs aged by residency time,
// along with the remaining seconds before expiry. An entry past its
// expiration, or with less than a full second of life left, behaves as a
// miss and is evicted on the spot.
func (c *DNSCache) Get(key string, reqID uint16) (*dns.Msg, uint32) {
	now := time.Now()

	c.mu.Lock()
	elem, found := c.items[key]
	if !found {
		c.mu.Unlock()
		return nil, 0
	}

	entry := elem.Value.(*CacheItem)
	remaining := uint32(0)
	if now.Before(entry.Expiration) {
		remaining = uint32(entry.Expiration.Sub(now).Seconds())
	}
	if remaining == 0 {
		// Lazy eviction; sub-second remainders count as dead too.
		c.lruList.Remove(elem)
		delete(c.items, key)
		c.mu.Unlock()
		return nil, 0
	}

	c.lruList.MoveToFront(elem)

	// The byte slice is immutable after insertion, so it can be read
	// outside the lock.
	msgBytes := entry.MsgBytes
	insertedAt := entry.InsertedAt
	c.mu.Unlock()

	msg := getMsg()
	if err := msg.Unpack(msgBytes); err != nil {
		putMsg(msg)
		return nil, 0
	}

	msg.Id = reqID

	elapsed := uint32(now.Sub(insertedAt).Seconds())
	ageTTLs(msg, elapsed)

	return msg, remaining
}

// Put stores a successful answer set. The entry expires when its
// shortest-lived record would; answers whose minimum TTL is zero are
// upstream's way of saying "don't cache" and are not stored.
func (c *DNSCache) Put(key string, msg *dns.Msg) {
	if msg.Rcode != dns.RcodeSuccess || msg.Truncated || len(msg.Answer) == 0 {
		return
	}

	minTTL := minAnswerTTL(msg)
	if minTTL == 0 {
		return
	}

	packed, err := msg.Pack()
	if err != nil {
		return
	}
	finalBytes := make([]byte, len(packed))
	copy(finalBytes, packed)

	now := time.Now()
	item := &CacheItem{
		Key:        key,
		MsgBytes:   finalBytes,
		InsertedAt: now,
		Expiration: now.Add(time.Duration(minTTL) * time.Second),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, found := c.items[key]; found {
		c.lruList.MoveToFront(elem)
		elem.Value = item
		return
	}

	if c.lruList.Len() >= c.capacity {
		if oldest := c.lruList.Back(); oldest != nil {
			c.lruList.Remove(oldest)
			delete(c.items, oldest.Value.(*CacheItem).Key)
		}
	}

	c.items[key] = c.lruList.PushFront(item)
}

// Len returns the number of resident entries, expired or not.
func (c *DNSCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lruList.Len()
}

// pruneExpired removes strictly expired items from the cold end of the
// LRU list. Correctness never depends on this running; Get already
// treats expired entries as absent.
func (c *DNSCache) pruneExpired() int {
	now := time.Now()
	cleaned := 0

	c.mu.Lock()
	defer c.mu.Unlock()

	for i := 0; i < 16; i++ {
		elem := c.lruList.Back()
		if elem == nil {
			break
		}
		entry := elem.Value.(*CacheItem)
		if !now.After(entry.Expiration) {
			break
		}
		c.lruList.Remove(elem)
		delete(c.items, entry.Key)
		cleaned++
	}
	return cleaned
}

func minAnswerTTL(msg *dns.Msg) uint32 {
	minTTL := uint32(0)
	found := false
	for _, rr := range msg.Answer {
		if _, ok := rr.(*dns.OPT); ok {
			continue
		}
		if !found || rr.Header().Ttl < minTTL {
			minTTL = rr.Header().Ttl
			found = true
		}
	}
	return minTTL
}

// maintainCache periodically prunes expired entries until ctx is done.
func (c *DNSCache) maintainCache(ctx context.Context) {
	LogInfo("[CACHE] Starting maintenance (Capacity: %d)", c.capacity)

	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			LogInfo("[CACHE] Stopping maintenance")
			return
		case <-ticker.C:
			if cleaned := c.pruneExpired(); cleaned > 0 {
				LogDebug("[CACHE] Pruned %d expired items", cleaned)
			}
		}
	}
}
