// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package odb

import (
	"sync"
	"time"

	"github.com/keelscm/keel/modules/plumbing"
)

// EvictionReason tells an OnEvict callback why an entry left the cache.
type EvictionReason int

const (
	EvictLRU EvictionReason = iota
	EvictTTL
	EvictSize
	EvictManual
	EvictClear
)

var evictionNames = [...]string{"lru", "ttl", "size", "manual", "clear"}

func (r EvictionReason) String() string {
	if int(r) < len(evictionNames) {
		return evictionNames[r]
	}
	return "unknown"
}

// LRUStats is a point-in-time snapshot of cache effectiveness.
type LRUStats struct {
	Hits      uint64
	Misses    uint64
	Count     int
	Bytes     int64
	Evictions uint64
}

func (s LRUStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

const lruNone = -1

// lruEntry lives in a slab; links are slab indices, not pointers, so
// the recency list costs no allocations after warm-up.
type lruEntry struct {
	key       plumbing.Hash
	payload   []byte
	expiresAt int64 // unix nanos, 0 = never
	prev      int
	next      int
}

// LRU fronts the hot tier with bounded memory: a map for lookup and an
// intrusive doubly-linked recency list over a slab of entries. All
// operations are O(1). Both a count limit and a byte limit apply; the
// stricter one wins. Entries may carry a TTL, an expired entry reads
// as a miss and is removed on contact or by Prune.
type LRU struct {
	mu        sync.Mutex
	entries   map[plumbing.Hash]int
	slab      []lruEntry
	free      []int
	head      int // most recent
	tail      int // least recent
	maxCount  int
	maxBytes  int64
	ttl       time.Duration
	bytes     int64
	hits      uint64
	misses    uint64
	evictions uint64
	onEvict   func(oid plumbing.Hash, payload []byte, reason EvictionReason)
}

// NewLRU sizes a cache. maxCount <= 0 means unbounded count,
// maxBytes <= 0 unbounded bytes, ttl <= 0 no expiry.
func NewLRU(maxCount int, maxBytes int64, ttl time.Duration) *LRU {
	return &LRU{
		entries:  make(map[plumbing.Hash]int),
		head:     lruNone,
		tail:     lruNone,
		maxCount: maxCount,
		maxBytes: maxBytes,
		ttl:      ttl,
	}
}

// OnEvict installs a callback invoked, outside hot paths but under the
// cache lock, for every entry that leaves the cache.
func (c *LRU) OnEvict(fn func(oid plumbing.Hash, payload []byte, reason EvictionReason)) {
	c.mu.Lock()
	c.onEvict = fn
	c.mu.Unlock()
}

func (c *LRU) unlink(i int) {
	e := &c.slab[i]
	if e.prev != lruNone {
		c.slab[e.prev].next = e.next
	} else {
		c.head = e.next
	}
	if e.next != lruNone {
		c.slab[e.next].prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev, e.next = lruNone, lruNone
}

func (c *LRU) pushFront(i int) {
	e := &c.slab[i]
	e.prev = lruNone
	e.next = c.head
	if c.head != lruNone {
		c.slab[c.head].prev = i
	}
	c.head = i
	if c.tail == lruNone {
		c.tail = i
	}
}

func (c *LRU) alloc() int {
	if n := len(c.free); n > 0 {
		i := c.free[n-1]
		c.free = c.free[:n-1]
		return i
	}
	c.slab = append(c.slab, lruEntry{})
	return len(c.slab) - 1
}

// remove detaches entry i and returns it to the free list, notifying
// the eviction callback. Caller holds the lock.
func (c *LRU) remove(i int, reason EvictionReason) {
	e := &c.slab[i]
	c.unlink(i)
	delete(c.entries, e.key)
	c.bytes -= int64(len(e.payload))
	if reason != EvictManual {
		c.evictions++
	}
	if c.onEvict != nil {
		c.onEvict(e.key, e.payload, reason)
	}
	e.payload = nil
	c.free = append(c.free, i)
}

func (c *LRU) expired(i int, now int64) bool {
	at := c.slab[i].expiresAt
	return at != 0 && at <= now
}

// Get returns the cached payload and marks the entry most recently
// used. Expired entries count as misses and are dropped in passing.
func (c *LRU) Get(oid plumbing.Hash) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i, ok := c.entries[oid]
	if !ok {
		c.misses++
		return nil, false
	}
	if c.expired(i, time.Now().UnixNano()) {
		c.remove(i, EvictTTL)
		c.misses++
		return nil, false
	}
	c.unlink(i)
	c.pushFront(i)
	c.hits++
	return c.slab[i].payload, true
}

// Peek reads without refreshing recency. Expired entries still read as
// misses.
func (c *LRU) Peek(oid plumbing.Hash) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i, ok := c.entries[oid]
	if !ok {
		return nil, false
	}
	if c.expired(i, time.Now().UnixNano()) {
		c.remove(i, EvictTTL)
		return nil, false
	}
	return c.slab[i].payload, true
}

// Set inserts or replaces a payload. Payloads larger than the byte
// limit never enter the cache; Set reports whether the entry was
// accepted.
func (c *LRU) Set(oid plumbing.Hash, payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.maxBytes > 0 && int64(len(payload)) > c.maxBytes {
		return false
	}
	if i, ok := c.entries[oid]; ok {
		e := &c.slab[i]
		c.bytes += int64(len(payload)) - int64(len(e.payload))
		e.payload = payload
		e.expiresAt = c.deadline()
		c.unlink(i)
		c.pushFront(i)
		c.balance()
		return true
	}
	i := c.alloc()
	c.slab[i] = lruEntry{key: oid, payload: payload, expiresAt: c.deadline(), prev: lruNone, next: lruNone}
	c.entries[oid] = i
	c.bytes += int64(len(payload))
	c.pushFront(i)
	c.balance()
	return true
}

func (c *LRU) deadline() int64 {
	if c.ttl <= 0 {
		return 0
	}
	return time.Now().Add(c.ttl).UnixNano()
}

// balance evicts from the cold end until both limits hold. Caller
// holds the lock.
func (c *LRU) balance() {
	for c.tail != lruNone {
		overCount := c.maxCount > 0 && len(c.entries) > c.maxCount
		overBytes := c.maxBytes > 0 && c.bytes > c.maxBytes
		if !overCount && !overBytes {
			return
		}
		reason := EvictLRU
		if overBytes && !overCount {
			reason = EvictSize
		}
		c.remove(c.tail, reason)
	}
}

// Delete removes an entry by key, reporting whether it existed.
func (c *LRU) Delete(oid plumbing.Hash) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	i, ok := c.entries[oid]
	if !ok {
		return false
	}
	c.remove(i, EvictManual)
	return true
}

// Clear drops every entry.
func (c *LRU) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.tail != lruNone {
		c.remove(c.tail, EvictClear)
	}
}

// Prune sweeps out all expired entries and returns how many it
// removed. Get and Peek drop expired entries lazily; Prune exists for
// periodic housekeeping so dead payloads do not pin memory.
func (c *LRU) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now().UnixNano()
	removed := 0
	for i := c.tail; i != lruNone; {
		prev := c.slab[i].prev
		if c.expired(i, now) {
			c.remove(i, EvictTTL)
			removed++
		}
		i = prev
	}
	return removed
}

// Resize changes both limits in place, evicting from the cold end if
// the cache now exceeds them.
func (c *LRU) Resize(maxCount int, maxBytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxCount = maxCount
	c.maxBytes = maxBytes
	c.balance()
}

func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *LRU) Stats() LRUStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return LRUStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Count:     len(c.entries),
		Bytes:     c.bytes,
		Evictions: c.evictions,
	}
}
