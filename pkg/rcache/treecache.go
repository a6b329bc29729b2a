// Package rcache implements the two compute-local caches the
// traversal engine consults before going to remote memory (spec
// sections 4.4 and 4.5): an ordered, fence-interval-keyed tree cache,
// and a fixed-bucket hotspot index cache for single-entry speculative
// reads. Both are generalized from the teacher's pkg/store.HashIndex —
// a sync.RWMutex-guarded map with Put/Get/Delete/Stats — into
// frequency-tracked, eviction-capable variants.
package rcache

import (
	"math/rand"
	"sort"
	"sync"

	"github.com/ssargent/rmemtree/pkg/raddr"
	"github.com/ssargent/rmemtree/pkg/rnode"
)

// TreeEntry is one cached internal-node snapshot, keyed by the fence
// interval it was valid for when read.
type TreeEntry struct {
	FenceLow  rnode.Key
	FenceHigh rnode.Key
	Addr      raddr.Addr
	Node      *rnode.InternalNode
	freq      uint32
}

// TreeCache caches internal-node reads keyed by the fence interval
// they cover, so a retraversal that lands in an already-seen interval
// can skip the remote read. Eviction is 2-random LFU (spec 4.4); epoch
// is bumped on every Invalidate so readers that stashed a *TreeEntry
// across a retraversal can tell it has since been retired (spec 4.4's
// "epoch-based retirement").
type TreeCache struct {
	mu       sync.RWMutex
	capacity int
	entries  []*TreeEntry // kept sorted by FenceLow
	epoch    uint64
}

// NewTreeCache returns an empty cache holding at most capacity entries.
func NewTreeCache(capacity int) *TreeCache {
	return &TreeCache{capacity: capacity}
}

// Lookup returns the cached entry whose fence interval contains key
// (if any) together with the cache's epoch at lookup time, and bumps
// the entry's frequency counter. A caller holding onto the entry
// across other work should compare the returned epoch against a later
// CurrentEpoch() call to decide whether to trust it without
// re-Lookup-ing (spec 4.4's epoch-based retirement).
func (c *TreeCache) Lookup(key rnode.Key) (entry *TreeEntry, epoch uint64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := sort.Search(len(c.entries), func(i int) bool {
		return key.Less(c.entries[i].FenceHigh)
	})
	if i >= len(c.entries) {
		return nil, c.epoch, false
	}
	e := c.entries[i]
	if key.Less(e.FenceLow) {
		return nil, c.epoch, false
	}
	e.freq++
	return e, c.epoch, true
}

// Insert adds or replaces the cache entry for the given fence
// interval, evicting via 2-random LFU if the cache is already at
// capacity (spec 4.4).
func (c *TreeCache) Insert(e *TreeEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := sort.Search(len(c.entries), func(i int) bool {
		return !c.entries[i].FenceLow.Less(e.FenceLow)
	})
	if i < len(c.entries) && c.entries[i].FenceLow == e.FenceLow {
		c.entries[i] = e
		return
	}
	if len(c.entries) >= c.capacity && c.capacity > 0 {
		c.evictLocked()
		i = sort.Search(len(c.entries), func(i int) bool {
			return !c.entries[i].FenceLow.Less(e.FenceLow)
		})
	}
	c.entries = append(c.entries, nil)
	copy(c.entries[i+1:], c.entries[i:])
	c.entries[i] = e
}

// evictLocked removes one entry chosen by 2-random LFU: sample two
// distinct entries uniformly at random and evict the one with the
// lower frequency count (ties broken by picking the first sampled).
func (c *TreeCache) evictLocked() {
	if len(c.entries) == 0 {
		return
	}
	if len(c.entries) == 1 {
		c.entries = c.entries[:0]
		return
	}
	a := rand.Intn(len(c.entries))
	b := rand.Intn(len(c.entries))
	for b == a {
		b = rand.Intn(len(c.entries))
	}
	victim := a
	if c.entries[b].freq < c.entries[a].freq {
		victim = b
	}
	c.entries = append(c.entries[:victim], c.entries[victim+1:]...)
}

// Invalidate drops every cached entry whose fence interval overlaps
// [low, high) and bumps the cache epoch, so any reader still holding a
// reference to one of the dropped entries can detect staleness by
// comparing the epoch Lookup returned with CurrentEpoch (spec 4.4: "a
// cache entry found to be stale ... invalidates the cache entry and
// retraverses"). Both intervals are half-open, so an entry that only
// touches [low, high) at a boundary is kept.
func (c *TreeCache) Invalidate(low, high rnode.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	kept := c.entries[:0]
	for _, e := range c.entries {
		if !low.Less(e.FenceHigh) || !e.FenceLow.Less(high) {
			kept = append(kept, e)
		}
	}
	c.entries = kept
}

// CurrentEpoch returns the cache's current epoch.
func (c *TreeCache) CurrentEpoch() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.epoch
}

// Len returns the number of cached entries, for diagnostics.
func (c *TreeCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
