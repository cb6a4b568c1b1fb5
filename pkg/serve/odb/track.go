// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package odb

import (
	"sync"
	"time"

	"github.com/keelscm/keel/modules/plumbing"
)

// AccessStats aggregates how one object has been used; the migration
// policy reads these to decide which objects are cooling off.
type AccessStats struct {
	Reads          int64
	Writes         int64
	BytesRead      int64
	LastAccessedAt time.Time
	AvgLatency     time.Duration
}

func (a AccessStats) Total() int64 {
	return a.Reads + a.Writes
}

const trackerShards = 32

type trackerShard struct {
	mu    sync.Mutex
	stats map[plumbing.Hash]*AccessStats
}

// Tracker records per-object access patterns under sharded locks so a
// busy fetch does not serialize against a busy push.
type Tracker struct {
	shards [trackerShards]trackerShard
}

func NewTracker() *Tracker {
	t := &Tracker{}
	for i := range t.shards {
		t.shards[i].stats = make(map[plumbing.Hash]*AccessStats)
	}
	return t
}

func (t *Tracker) shard(oid plumbing.Hash) *trackerShard {
	return &t.shards[int(oid[0])%trackerShards]
}

// RecordRead notes one read of size bytes taking took. Latency is kept
// as a running mean over reads.
func (t *Tracker) RecordRead(oid plumbing.Hash, size int64, took time.Duration) {
	s := t.shard(oid)
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.stats[oid]
	if a == nil {
		a = &AccessStats{}
		s.stats[oid] = a
	}
	a.Reads++
	a.BytesRead += size
	a.LastAccessedAt = time.Now()
	a.AvgLatency += (took - a.AvgLatency) / time.Duration(a.Reads)
}

func (t *Tracker) RecordWrite(oid plumbing.Hash) {
	s := t.shard(oid)
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.stats[oid]
	if a == nil {
		a = &AccessStats{}
		s.stats[oid] = a
	}
	a.Writes++
	a.LastAccessedAt = time.Now()
}

// Stats returns a copy of the recorded pattern; ok is false when the
// object was never seen.
func (t *Tracker) Stats(oid plumbing.Hash) (AccessStats, bool) {
	s := t.shard(oid)
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.stats[oid]
	if !ok {
		return AccessStats{}, false
	}
	return *a, true
}

// Forget drops the record for one object, typically after the object
// itself was deleted.
func (t *Tracker) Forget(oid plumbing.Hash) {
	s := t.shard(oid)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.stats, oid)
}

// Decay multiplies the counters of every record older than olderThan
// by factor, so ancient popularity stops outweighing recent silence.
// Records whose counters decay to zero are dropped.
func (t *Tracker) Decay(factor float64, olderThan time.Duration) {
	if factor < 0 {
		factor = 0
	}
	cutoff := time.Now().Add(-olderThan)
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for oid, a := range s.stats {
			if a.LastAccessedAt.After(cutoff) {
				continue
			}
			a.Reads = int64(float64(a.Reads) * factor)
			a.Writes = int64(float64(a.Writes) * factor)
			a.BytesRead = int64(float64(a.BytesRead) * factor)
			if a.Reads == 0 && a.Writes == 0 {
				delete(s.stats, oid)
			}
		}
		s.mu.Unlock()
	}
}

// IsHot classifies an object as actively used: accessed at least
// minAccess times and touched within maxAge.
func (t *Tracker) IsHot(oid plumbing.Hash, minAccess int64, maxAge time.Duration) bool {
	a, ok := t.Stats(oid)
	if !ok {
		return false
	}
	return a.Total() >= minAccess && time.Since(a.LastAccessedAt) <= maxAge
}

// LastAccess returns the most recent touch; the zero time means the
// object was never recorded.
func (t *Tracker) LastAccess(oid plumbing.Hash) time.Time {
	a, _ := t.Stats(oid)
	return a.LastAccessedAt
}
