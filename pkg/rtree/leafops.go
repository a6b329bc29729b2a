package rtree

import (
	"context"
	"sort"
	"sync/atomic"

	"github.com/ssargent/rmemtree/pkg/raddr"
	"github.com/ssargent/rmemtree/pkg/rcache"
	"github.com/ssargent/rmemtree/pkg/rnode"
)

// touchedSet accumulates the slot indices a mutation changed, for the
// segment-granular writer (spec 4.8.2 step 6).
type touchedSet map[int]struct{}

func (s touchedSet) add(idx int) { s[idx] = struct{}{} }

func (s touchedSet) sorted() []int {
	out := make([]int, 0, len(s))
	for idx := range s {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

// findHomeOfOccupant locates which home slot the occupant of physical
// slot p belongs to, by scanning backward through the H candidate home
// slots and checking their hop bitmaps — the "derived from its own hop
// bitmap, not by rehashing" rule of spec 4.8.2 step 5, since the raw
// key's hash may fall outside the neighborhood after prior
// displacements.
func findHomeOfOccupant(n *rnode.LeafNode, p int) (home, bit int, ok bool) {
	span := n.Layout.Span
	h := n.Layout.Neighborhood
	for d := 0; d < h; d++ {
		c := ((p-d)%span + span) % span
		if n.Entries[c].HopBitmap&(1<<uint(d)) != 0 {
			return c, d, true
		}
	}
	return 0, 0, false
}

// hopscotchInsert places (key, value) into leaf, starting its search
// at home slot h, implementing spec 4.8.2 step 5 in full: direct
// placement within the neighborhood, or iterative displacement when
// the first empty slot found lies outside it. Returns the set of
// touched slot indices and whether placement succeeded (false means
// the caller must split).
func hopscotchInsert(n *rnode.LeafNode, h int, key rnode.Key, value rnode.Value) (touched []int, ok bool) {
	span := n.Layout.Span
	hw := n.Layout.Neighborhood
	touchedIdx := touchedSet{}

	j := -1
	for i := 0; i < span; i++ {
		idx := (h + i) % span
		if n.Entries[idx].Empty() {
			j = idx
			break
		}
	}
	if j == -1 {
		return nil, false // leaf completely full
	}

	for {
		d := ((j-h)%span + span) % span
		if d < hw {
			// The hop bitmap belongs to the slot, not to the entry in it,
			// so only version, key and value change; the new entry takes
			// the header's node_version, as DecodeLeafNode requires.
			e := &n.Entries[j]
			e.Version = rnode.PackVersion(n.Header.Version.NodeVersion(), e.Version.EntryVersion()+1)
			e.Key, e.Value = key, value
			touchedIdx.add(j)
			hb := &n.Entries[h]
			hb.HopBitmap |= 1 << uint(d)
			hb.Version = hb.Version.BumpEntry()
			touchedIdx.add(h)
			return touchedIdx.sorted(), true
		}

		moved := false
		for offset := hw - 1; offset >= 1; offset-- {
			p := ((j-offset)%span + span) % span
			hPrime, bit, found := findHomeOfOccupant(n, p)
			if !found {
				continue
			}
			distToJ := ((j-hPrime)%span + span) % span
			if distToJ >= hw {
				continue
			}
			n.Entries[j].Key, n.Entries[j].Value = n.Entries[p].Key, n.Entries[p].Value
			n.Entries[j].Version = rnode.PackVersion(n.Header.Version.NodeVersion(), n.Entries[j].Version.EntryVersion()+1)
			n.Entries[p].Key, n.Entries[p].Value = rnode.KeyMin, 0
			n.Entries[p].Version = n.Entries[p].Version.BumpEntry()
			touchedIdx.add(j)
			touchedIdx.add(p)

			hp := &n.Entries[hPrime]
			hp.HopBitmap &^= 1 << uint(bit)
			hp.HopBitmap |= 1 << uint(distToJ)
			hp.Version = hp.Version.BumpEntry()
			touchedIdx.add(hPrime)

			j = p
			moved = true
			break
		}
		if !moved {
			return nil, false
		}
	}
}

// lookupLeaf implements spec 4.8.1: hotspot-cache speculative read,
// else a hopscotch neighborhood read with invariant verification,
// following sibling pointers across concurrent splits. The public
// Search entry point (api.go) wraps this with read-delegation.
func (t *Tree) lookupLeaf(ctx context.Context, leafAddr raddr.Addr, key rnode.Key) (rnode.Value, bool, error) {
	for attempt := 0; attempt < maxRetries; attempt++ {
		home := key.HomeSlot(t.spanLeaf)
		if val, ok, err := t.hotspotTry(ctx, leafAddr, home, key); err != nil {
			return 0, false, err
		} else if ok {
			atomic.AddInt64(&t.stats.HotspotHits, 1)
			return val, true, nil
		}
		atomic.AddInt64(&t.stats.HotspotMisses, 1)

		n, err := t.readLeafFull(ctx, leafAddr)
		if err != nil {
			return 0, false, err
		}

		if !key.Less(n.Header.FenceHigh) {
			atomic.AddInt64(&t.stats.SiblingForwards, 1)
			leafAddr = n.Header.Sibling
			continue
		}

		if !n.VerifyHopscotchInvariant(home) {
			atomic.AddInt64(&t.stats.VersionRetries, 1)
			continue
		}

		slot := n.FindInNeighborhood(home, key)
		if slot < 0 {
			return 0, false, nil
		}
		t.hotspotRecord(leafAddr, slot, key, n.Entries[slot].Value)
		return n.Entries[slot].Value, true, nil
	}
	return 0, false, &ErrRetriesExhausted{Op: "lookupLeaf", Retries: maxRetries}
}

// hotspotTry implements spec 4.8.1 step 2 in full: search the hotspot
// cache over the whole candidate neighborhood (not just home — a key
// displaced during hopscotch insertion is recorded under the slot it
// actually occupies, which can be anywhere in [home, home+H)), and,
// on a fingerprint match, issue the single-entry remote read spec
// calls "leaf_entry_read" to confirm the slot still holds key before
// trusting it (testable property 8: a hit must be validated, never
// returned on faith). A confirmed mismatch or a torn read both fall
// back to a regular miss (and drop the stale cache entry) rather than
// ever returning an unverified value.
func (t *Tree) hotspotTry(ctx context.Context, leafAddr raddr.Addr, home int, key rnode.Key) (rnode.Value, bool, error) {
	candidates := make([]int, t.neighborhood)
	for i := 0; i < t.neighborhood; i++ {
		candidates[i] = (home + i) % t.spanLeaf
	}
	_, slot, ok := t.hotspot.LookupRange(leafAddr, candidates, key)
	if !ok {
		return 0, false, nil
	}
	entry, consistent, err := t.readLeafEntry(ctx, leafAddr, slot)
	if err != nil {
		return 0, false, err
	}
	if !consistent || entry.Key != key {
		t.hotspot.Invalidate(rcache.HotspotSlot{Leaf: leafAddr, Slot: slot})
		return 0, false, nil
	}
	return entry.Value, true, nil
}

func (t *Tree) hotspotRecord(leafAddr raddr.Addr, slot int, key rnode.Key, value rnode.Value) {
	t.hotspot.Record(rcache.HotspotSlot{Leaf: leafAddr, Slot: slot}, key, value)
}

// mutate implements spec 4.8.2: acquire the leaf latch, read, validate
// and sibling-forward as needed, then either overwrite an existing
// entry (update path) or hopscotch-insert a new one, splitting the
// leaf if displacement fails. requireExisting distinguishes Update
// (spec 9: missing key -> ErrKeyNotFound) from Insert's upsert
// semantics.
func (t *Tree) mutate(ctx context.Context, key rnode.Key, value rnode.Value, requireExisting bool) error {
	d, err := t.descend(ctx, key)
	if err != nil {
		return err
	}
	leafAddr := d.leafAddr

	for attempt := 0; attempt < maxRetries; attempt++ {
		l := t.latchFor(leafAddr, true)
		word, err := l.Acquire(ctx, 0)
		if err != nil {
			return err
		}

		n, err := t.readLeafFull(ctx, leafAddr)
		if err != nil {
			_ = l.Release(ctx, word)
			return err
		}

		if !key.Less(n.Header.FenceHigh) {
			atomic.AddInt64(&t.stats.SiblingForwards, 1)
			next := n.Header.Sibling
			if err := l.Release(ctx, word); err != nil {
				return err
			}
			leafAddr = next
			continue
		}

		home := key.HomeSlot(t.spanLeaf)
		if slot := n.FindInNeighborhood(home, key); slot >= 0 {
			n.Entries[slot].Value = value
			n.Entries[slot].Version = n.Entries[slot].Version.BumpEntry()
			if err := t.writeLeafSegments(ctx, leafAddr, n, []int{slot}); err != nil {
				return err
			}
			if err := l.Release(ctx, word); err != nil {
				return err
			}
			t.hotspotRecord(leafAddr, slot, key, value)
			return nil
		}

		if requireExisting {
			if err := l.Release(ctx, word); err != nil {
				return err
			}
			return ErrKeyNotFound
		}

		touched, ok := hopscotchInsert(n, home, key, value)
		if !ok {
			return t.splitLeaf(ctx, leafAddr, n, key, value, d.path, l, word)
		}
		if err := t.writeLeafSegments(ctx, leafAddr, n, touched); err != nil {
			return err
		}
		if err := l.Release(ctx, word); err != nil {
			return err
		}
		return nil
	}
	return &ErrRetriesExhausted{Op: "mutate", Retries: maxRetries}
}
