package rcache

import (
	"sync"

	"github.com/ssargent/rmemtree/pkg/raddr"
	"github.com/ssargent/rmemtree/pkg/rnode"
)

// hotspotBuckets is the fixed bucket count of a HotspotCache (spec
// 4.5: "a fixed-bucket chained table"). Chosen as a compile-time
// constant rather than a configurable size since, unlike TreeCache,
// this cache's job is approximate speculation, not correctness.
const hotspotBuckets = 4096

// HotspotSlot identifies one leaf slot this cache has an opinion
// about: a remote leaf address plus the slot index within it.
type HotspotSlot struct {
	Leaf raddr.Addr
	Slot int
}

type hotspotEntry struct {
	slot     HotspotSlot
	fp       uint16 // fp16 fingerprint of the key last seen at this slot
	value    rnode.Value
	freq     uint32
	delayCnt uint8
	next     *hotspotEntry
}

// HotspotCache is an approximate (leaf address, slot) -> key
// fingerprint cache used to guess which single slot of a leaf holds a
// key, so a point read can fetch that one entry instead of the whole
// neighborhood, and to throttle repeated promotion attempts via
// delay_cnt (spec 4.5). It is chained, not open-addressed, since the
// bucket count is fixed and collisions are expected and harmless — a
// fingerprint mismatch on lookup simply falls back to a real read.
type HotspotCache struct {
	mu      sync.Mutex
	buckets [hotspotBuckets]*hotspotEntry
	cap     int
	size    int
}

// NewHotspotCache returns an empty cache that holds at most capacity entries.
func NewHotspotCache(capacity int) *HotspotCache {
	return &HotspotCache{cap: capacity}
}

func bucketOf(slot HotspotSlot) int {
	h := uint64(slot.Leaf)*1099511628211 + uint64(slot.Slot)
	return int(h % hotspotBuckets)
}

// fingerprint16 truncates a key's hash to 16 bits, the fp16 side
// channel spec 4.5 uses in place of storing the full key.
func fingerprint16(k rnode.Key) uint16 {
	return uint16(k.Hash())
}

// Lookup returns the cached value for slot if present and its stored
// fingerprint matches key's; a fingerprint mismatch is reported as a
// miss, not an error. fp16 collisions are expected at a low but
// nonzero rate, so a hit does not prove the slot holds key: the caller
// confirms it with a remote read of the slot.
func (c *HotspotCache) Lookup(slot HotspotSlot, key rnode.Key) (rnode.Value, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := bucketOf(slot)
	for e := c.buckets[b]; e != nil; e = e.next {
		if e.slot == slot {
			if e.fp != fingerprint16(key) {
				return 0, false
			}
			e.freq++
			return e.value, true
		}
	}
	return 0, false
}

// LookupRange implements spec 4.5's search(leaf_address, [l, r], k):
// scan every candidate slot in the leaf's hopscotch neighborhood (the
// caller supplies the already-wrapped slot indices, since only
// pkg/rtree knows the leaf's span) for a fingerprint match, returning
// the matching slot with the highest recorded frequency. Slots are
// looked up by their actual recorded index, not a caller's guessed
// home slot — a key displaced out of its home slot is recorded under
// the slot it actually occupies (see Record's callers), so a search
// must range over the whole neighborhood to find it.
func (c *HotspotCache) LookupRange(leaf raddr.Addr, slots []int, key rnode.Key) (value rnode.Value, slot int, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fp := fingerprint16(key)
	best := (*hotspotEntry)(nil)
	bestSlot := 0
	for _, s := range slots {
		b := bucketOf(HotspotSlot{Leaf: leaf, Slot: s})
		for e := c.buckets[b]; e != nil; e = e.next {
			if e.slot.Leaf != leaf || e.slot.Slot != s || e.fp != fp {
				continue
			}
			if best == nil || e.freq > best.freq {
				best = e
				bestSlot = s
			}
		}
	}
	if best == nil {
		return 0, 0, false
	}
	best.freq++
	return best.value, bestSlot, true
}

// Record installs or refreshes a (slot, key, value) observation. If
// the bucket already holds an entry for slot whose delay_cnt hasn't
// expired, the write is dropped (burst suppression: spec 4.5's
// delay_cnt exists so a hot, frequently-rewritten slot doesn't cause a
// cache write on every single access).
func (c *HotspotCache) Record(slot HotspotSlot, key rnode.Key, value rnode.Value) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := bucketOf(slot)
	for e := c.buckets[b]; e != nil; e = e.next {
		if e.slot == slot {
			if e.delayCnt > 0 {
				e.delayCnt--
				return
			}
			e.fp = fingerprint16(key)
			e.value = value
			e.freq++
			e.delayCnt = delayBudget(e.freq)
			return
		}
	}
	if c.cap > 0 && c.size >= c.cap {
		c.evictFromLocked(b)
	}
	c.buckets[b] = &hotspotEntry{slot: slot, fp: fingerprint16(key), value: value, next: c.buckets[b]}
	c.size++
}

// delayBudget grows the burst-suppression window with an entry's
// observed frequency: a slot rewritten often earns a longer quiet
// period before the cache bothers recording another update.
func delayBudget(freq uint32) uint8 {
	switch {
	case freq > 64:
		return 8
	case freq > 16:
		return 4
	case freq > 4:
		return 1
	default:
		return 0
	}
}

// evictFromLocked drops the lowest-frequency entry found by sampling
// the target bucket plus one other bucket (the 2-random LFU discipline
// shared with TreeCache, applied at chain granularity here since a
// hotspot bucket is typically a short chain, not a single slot). When
// both sampled chains are empty, the weakest entry of the next
// non-empty bucket is dropped instead, so the cache never grows past
// its capacity.
func (c *HotspotCache) evictFromLocked(preferBucket int) {
	otherBucket := (preferBucket + 1) % hotspotBuckets
	victimBucket, victimPrev := c.weakestInChain(preferBucket)
	obBucket, obPrev := c.weakestInChain(otherBucket)
	if obBucket != nil && (victimBucket == nil || obBucket.freq < victimBucket.freq) {
		c.unlink(otherBucket, obPrev, obBucket)
		return
	}
	if victimBucket != nil {
		c.unlink(preferBucket, victimPrev, victimBucket)
		return
	}
	for i := 2; i < hotspotBuckets; i++ {
		b := (preferBucket + i) % hotspotBuckets
		if w, p := c.weakestInChain(b); w != nil {
			c.unlink(b, p, w)
			return
		}
	}
}

func (c *HotspotCache) weakestInChain(bucket int) (weakest, prevOfWeakest *hotspotEntry) {
	var prev *hotspotEntry
	for e := c.buckets[bucket]; e != nil; e = e.next {
		if weakest == nil || e.freq < weakest.freq {
			weakest = e
			prevOfWeakest = prev
		}
		prev = e
	}
	return weakest, prevOfWeakest
}

func (c *HotspotCache) unlink(bucket int, prev, target *hotspotEntry) {
	if prev == nil {
		c.buckets[bucket] = target.next
	} else {
		prev.next = target.next
	}
	c.size--
}

// Invalidate drops any cached observation for slot, used when a leaf
// write is known to have changed that slot's key out from under the
// cache (e.g. a hopscotch displacement or a split).
func (c *HotspotCache) Invalidate(slot HotspotSlot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := bucketOf(slot)
	var prev *hotspotEntry
	for e := c.buckets[b]; e != nil; e = e.next {
		if e.slot == slot {
			c.unlink(b, prev, e)
			return
		}
		prev = e
	}
}

// InvalidateLeaf drops every cached observation for leaf, regardless
// of slot. A leaf split rebuilds both halves from scratch via fresh
// hopscotch placement, so every slot assignment the cache recorded
// for the leaf's old address is potentially wrong; a full sweep here
// is the only sound way to retire them (the cache has no secondary
// index from leaf address to the buckets its slots landed in).
func (c *HotspotCache) InvalidateLeaf(leaf raddr.Addr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for b := range c.buckets {
		var prev *hotspotEntry
		e := c.buckets[b]
		for e != nil {
			next := e.next
			if e.slot.Leaf == leaf {
				c.unlink(b, prev, e)
			} else {
				prev = e
			}
			e = next
		}
	}
}
