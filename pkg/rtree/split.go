package rtree

import (
	"context"
	"sort"
	"sync/atomic"

	"github.com/ssargent/rmemtree/pkg/latch"
	"github.com/ssargent/rmemtree/pkg/raddr"
	"github.com/ssargent/rmemtree/pkg/rnode"
)

// hopscotchSplitKey implements spec 4.8.3 step 1's critical-keys
// simulation, grounded on original_source/src/Tree.cpp's
// hopscotch_get_split_key: starting at k's home slot and walking
// forward until the first truly empty slot, simulate the displacement
// chain a hopscotch insert would follow if that slot were the one
// found empty. Whenever a simulated chain settles back inside k's
// home neighborhood, the key currently occupying the slot the walk
// started from is "critical" — it contends for the same window k
// needs. The median of the critical keys plus k itself becomes the
// split key, so whichever half inherits k also inherits the least
// possible contention near k's home, which is what makes the
// post-split hopscotch-insert of k (never a full rebuild) succeed.
func hopscotchSplitKey(n *rnode.LeafNode, home int, k rnode.Key) rnode.Key {
	span := n.Layout.Span
	hw := n.Layout.Neighborhood
	at := func(logical int) rnode.LeafEntry {
		return n.Entries[((logical%span)+span)%span]
	}

	var critical []rnode.Key
	for emptyIdx := home; emptyIdx < home+span; emptyIdx++ {
		e := at(emptyIdx)
		if e.Empty() {
			break
		}
		j := emptyIdx
		for {
			if j-home < hw {
				critical = append(critical, e.Key)
				break
			}
			moved := false
			for offset := hw - 1; offset >= 1; offset-- {
				h := j - offset
				_, bit, found := findHomeOfOccupant(n, ((h%span)+span)%span)
				if !found {
					continue
				}
				hLogical := h - bit
				if hLogical+hw > j {
					j = h
					moved = true
					break
				}
			}
			if !moved {
				break
			}
		}
	}

	if len(critical) == 0 {
		// The home neighborhood being full (the precondition for even
		// reaching a split) guarantees at least one critical key; this
		// is a defensive fallback, not an expected path.
		return k
	}
	critical = append(critical, k)
	sort.Slice(critical, func(i, j int) bool { return critical[i].Less(critical[j]) })
	return critical[len(critical)/2]
}

// splitLeaf implements spec 4.8.3, grounded on
// original_source/src/Tree.cpp's hopscotch_split_and_unlock: leaf is
// the full, already-decoded and latched current leaf (the pending
// (key, value) insert is NOT yet reflected in it — hopscotchInsert
// already reported failure). Every pre-existing entry that moves to
// the sibling keeps its original physical slot index; only the new
// (key, value) pair is ever run through real hopscotch placement,
// into whichever half the chosen split key assigns it to. The caller
// still holds leaf's latch (word, via l) and is responsible for
// nothing further: splitLeaf releases it.
func (t *Tree) splitLeaf(ctx context.Context, leafAddr raddr.Addr, leaf *rnode.LeafNode, key rnode.Key, value rnode.Value, path pathStack, l *latch.Latch, word uint64) error {
	atomic.AddInt64(&t.stats.LeafSplits, 1)

	span := t.spanLeaf
	home := key.HomeSlot(span)
	splitKey := hopscotchSplitKey(leaf, home, key)

	sibling := rnode.NewLeafNode(span, t.neighborhood)
	sibling.Header.FenceLow = splitKey
	sibling.Header.FenceHigh = leaf.Header.FenceHigh
	sibling.Header.Sibling = leaf.Header.Sibling

	// Move every key >= splitKey to the sibling at the SAME physical
	// slot index (Tree.cpp: "sibling_leaf->records[i].update(...)";
	// never re-run through hopscotchInsert), patching only the hop bit
	// each entry's home slot carries, on both sides.
	for i := range leaf.Entries {
		e := leaf.Entries[i]
		if e.Empty() || e.Key.Less(splitKey) {
			continue
		}
		h := e.Key.HomeSlot(span)
		offset := ((i-h)%span + span) % span

		sibling.Entries[i].Key = e.Key
		sibling.Entries[i].Value = e.Value
		sibling.Entries[h].HopBitmap |= 1 << uint(offset)

		leaf.Entries[i].Key = rnode.KeyMin
		leaf.Entries[i].Value = 0
		leaf.Entries[h].HopBitmap &^= 1 << uint(offset)
	}

	if key.Less(splitKey) {
		if _, ok := hopscotchInsert(leaf, home, key, value); !ok {
			fatal("leaf split: chosen split key %v still could not hold %v in the lower half", splitKey, key)
		}
	} else {
		if _, ok := hopscotchInsert(sibling, home, key, value); !ok {
			fatal("leaf split: chosen split key %v still could not hold %v in the upper half", splitKey, key)
		}
	}

	leaf.Header.FenceHigh = splitKey

	siblingAddr, err := t.allocLeaf(ctx)
	if err != nil {
		_ = l.Release(ctx, word)
		return err
	}
	leaf.Header.Sibling = siblingAddr
	leaf.BumpWholeNode()
	sibling.BumpWholeNode()

	if err := t.writeLeafFull(ctx, siblingAddr, sibling); err != nil {
		_ = l.Release(ctx, word)
		return err
	}
	if err := t.writeLeafFull(ctx, leafAddr, leaf); err != nil {
		_ = l.Release(ctx, word)
		return err
	}
	if err := l.Release(ctx, word); err != nil {
		return err
	}

	// leaf's slot occupancy at several indices just changed (entries
	// moved out to the sibling, one new entry placed); any hotspot
	// entry recorded against leafAddr's old layout may now point at a
	// stale or vacated slot. The new sibling address is freshly
	// allocated, so it cannot already have any cached entries; only
	// leafAddr needs the sweep.
	t.hotspot.InvalidateLeaf(leafAddr)

	return t.insertIntoParent(ctx, path, 0, splitKey, leafAddr, siblingAddr)
}
