// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package odb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelscm/keel/modules/plumbing"
)

func testOID(n byte) plumbing.Hash {
	var h plumbing.Hash
	for i := range h {
		h[i] = n
	}
	return h
}

func TestLRUGetSet(t *testing.T) {
	c := NewLRU(4, 0, 0)
	require.True(t, c.Set(testOID(1), []byte("one")))
	require.True(t, c.Set(testOID(2), []byte("two")))

	payload, ok := c.Get(testOID(1))
	require.True(t, ok)
	assert.Equal(t, []byte("one"), payload)

	_, ok = c.Get(testOID(9))
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, 2, stats.Count)
	assert.InDelta(t, 0.5, stats.HitRate(), 0.0001)
}

func TestLRUCountBound(t *testing.T) {
	c := NewLRU(3, 0, 0)
	for i := byte(1); i <= 5; i++ {
		c.Set(testOID(i), []byte{i})
	}
	assert.Equal(t, 3, c.Len())

	// oldest two were pushed out
	_, ok := c.Get(testOID(1))
	assert.False(t, ok)
	_, ok = c.Get(testOID(2))
	assert.False(t, ok)
	_, ok = c.Get(testOID(5))
	assert.True(t, ok)
}

func TestLRUTouchOrder(t *testing.T) {
	c := NewLRU(2, 0, 0)
	c.Set(testOID(1), []byte("a"))
	c.Set(testOID(2), []byte("b"))
	// touching 1 makes 2 the eviction victim
	_, ok := c.Get(testOID(1))
	require.True(t, ok)
	c.Set(testOID(3), []byte("c"))

	_, ok = c.Get(testOID(1))
	assert.True(t, ok)
	_, ok = c.Get(testOID(2))
	assert.False(t, ok)
}

func TestLRUByteBound(t *testing.T) {
	c := NewLRU(0, 10, 0)
	c.Set(testOID(1), []byte("aaaa"))
	c.Set(testOID(2), []byte("bbbb"))
	c.Set(testOID(3), []byte("cccc"))

	stats := c.Stats()
	assert.LessOrEqual(t, stats.Bytes, int64(10))
	_, ok := c.Get(testOID(1))
	assert.False(t, ok)
	_, ok = c.Get(testOID(3))
	assert.True(t, ok)
}

func TestLRUOversizedRejected(t *testing.T) {
	c := NewLRU(0, 8, 0)
	assert.False(t, c.Set(testOID(1), make([]byte, 9)))
	assert.Equal(t, 0, c.Len())
	// exactly at the limit is fine
	assert.True(t, c.Set(testOID(2), make([]byte, 8)))
}

func TestLRUTTL(t *testing.T) {
	c := NewLRU(0, 0, 10*time.Millisecond)
	c.Set(testOID(1), []byte("short lived"))

	_, ok := c.Get(testOID(1))
	require.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	_, ok = c.Get(testOID(1))
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestLRUPrune(t *testing.T) {
	c := NewLRU(0, 0, 10*time.Millisecond)
	c.Set(testOID(1), []byte("a"))
	c.Set(testOID(2), []byte("b"))
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 2, c.Prune())
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, 0, c.Prune())
}

func TestLRUPeekDoesNotTouch(t *testing.T) {
	c := NewLRU(2, 0, 0)
	c.Set(testOID(1), []byte("a"))
	c.Set(testOID(2), []byte("b"))
	// peek must not rescue 1 from eviction
	_, ok := c.Peek(testOID(1))
	require.True(t, ok)
	c.Set(testOID(3), []byte("c"))

	_, ok = c.Peek(testOID(1))
	assert.False(t, ok)
}

func TestLRUEvictionReasons(t *testing.T) {
	reasons := make(map[string]int)
	c := NewLRU(1, 0, 0)
	c.OnEvict(func(oid plumbing.Hash, payload []byte, reason EvictionReason) {
		reasons[reason.String()]++
	})
	c.Set(testOID(1), []byte("a"))
	c.Set(testOID(2), []byte("b")) // evicts 1, lru
	c.Delete(testOID(2))           // manual
	c.Set(testOID(3), []byte("c"))
	c.Clear() // clear

	assert.Equal(t, 1, reasons["lru"])
	assert.Equal(t, 1, reasons["manual"])
	assert.Equal(t, 1, reasons["clear"])
}

func TestLRUSizeEvictionReason(t *testing.T) {
	var got []EvictionReason
	c := NewLRU(0, 4, 0)
	c.OnEvict(func(oid plumbing.Hash, payload []byte, reason EvictionReason) {
		got = append(got, reason)
	})
	c.Set(testOID(1), []byte("aa"))
	c.Set(testOID(2), []byte("bbb")) // byte budget forces 1 out

	require.Len(t, got, 1)
	assert.Equal(t, EvictSize, got[0])
}

func TestLRUResize(t *testing.T) {
	c := NewLRU(10, 0, 0)
	for i := byte(1); i <= 6; i++ {
		c.Set(testOID(i), []byte{i})
	}
	c.Resize(2, 0)
	assert.Equal(t, 2, c.Len())
	_, ok := c.Get(testOID(6))
	assert.True(t, ok)
	_, ok = c.Get(testOID(1))
	assert.False(t, ok)
}

func TestLRUUpdateInPlace(t *testing.T) {
	c := NewLRU(0, 100, 0)
	c.Set(testOID(1), make([]byte, 60))
	c.Set(testOID(1), make([]byte, 20))
	stats := c.Stats()
	assert.Equal(t, 1, stats.Count)
	assert.Equal(t, int64(20), stats.Bytes)
}
