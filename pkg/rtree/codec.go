package rtree

import (
	"context"
	"sync/atomic"

	"github.com/ssargent/rmemtree/pkg/raddr"
	"github.com/ssargent/rmemtree/pkg/rnode"
)

// readInternal performs a full-node read of the internal node at
// addr, retrying locally on a torn/inconsistent read (spec 4.1's
// "transient version mismatch on read -> retry the same read
// locally").
func (t *Tree) readInternal(ctx context.Context, addr raddr.Addr) (*rnode.InternalNode, error) {
	size := rnode.InternalLayout(t.spanInternal).OnWireSize()
	for attempt := 0; attempt < maxRetries; attempt++ {
		raw, err := t.transport.Read(ctx, addr, size)
		if err != nil {
			return nil, err
		}
		n, consistent := rnode.DecodeInternalNode(t.spanInternal, raw)
		if consistent {
			return n, nil
		}
		atomic.AddInt64(&t.stats.VersionRetries, 1)
	}
	return nil, &ErrRetriesExhausted{Op: "readInternal", Retries: maxRetries}
}

func (t *Tree) writeInternalFull(ctx context.Context, addr raddr.Addr, n *rnode.InternalNode) error {
	return t.transport.Write(ctx, addr, n.EncodeFull())
}

// readLeafFull performs a full-node read of the leaf at addr, retrying
// locally on an inconsistent read (torn interleave bytes or
// mismatched scattered-metadata replicas).
func (t *Tree) readLeafFull(ctx context.Context, addr raddr.Addr) (*rnode.LeafNode, error) {
	size := t.leafLayout.OnWireSize()
	for attempt := 0; attempt < maxRetries; attempt++ {
		raw, err := t.transport.Read(ctx, addr, size)
		if err != nil {
			return nil, err
		}
		n, consistent := rnode.DecodeLeafNode(t.spanLeaf, t.neighborhood, raw)
		if consistent {
			return n, nil
		}
		atomic.AddInt64(&t.stats.VersionRetries, 1)
	}
	return nil, &ErrRetriesExhausted{Op: "readLeafFull", Retries: maxRetries}
}

func (t *Tree) writeLeafFull(ctx context.Context, addr raddr.Addr, n *rnode.LeafNode) error {
	return t.transport.Write(ctx, addr, n.EncodeFull())
}

// readLeafEntry performs the single-entry remote read spec 4.8.1 step
// 2 calls "leaf_entry_read": used to confirm a hotspot-cache hit
// actually still holds the key it was recorded for before trusting it
// (testable property 8: "no false positive goes unvalidated"). A
// torn/inconsistent read reports consistent=false so the caller falls
// back to a full neighborhood read rather than trusting torn bytes.
func (t *Tree) readLeafEntry(ctx context.Context, addr raddr.Addr, slot int) (entry rnode.LeafEntry, consistent bool, err error) {
	plan := t.leafLayout.PlanSegment(slot, 1)
	raw, err := t.transport.Read(ctx, addr.Add(int64(plan.RawOffset)), plan.RawLength)
	if err != nil {
		return rnode.LeafEntry{}, false, err
	}
	entries, _, ok := rnode.DecodeSegment(t.leafLayout, raw, slot, 1)
	if !ok || len(entries) != 1 {
		return rnode.LeafEntry{}, false, nil
	}
	return entries[0], true, nil
}

// contiguousRuns coalesces a sorted, deduplicated slice of touched
// slot indices into the minimal set of contiguous [start, start+len)
// runs, the shape the segment-granular leaf writer needs (spec 4.8.2
// step 6: possibly-wrapping [l, r] becomes, after the leaf's linear
// on-wire layout is accounted for, one run per contiguous stretch).
func contiguousRuns(sortedIdx []int) [][2]int {
	if len(sortedIdx) == 0 {
		return nil
	}
	var runs [][2]int
	start := sortedIdx[0]
	prev := sortedIdx[0]
	for _, idx := range sortedIdx[1:] {
		if idx == prev+1 {
			prev = idx
			continue
		}
		runs = append(runs, [2]int{start, prev - start + 1})
		start, prev = idx, idx
	}
	runs = append(runs, [2]int{start, prev - start + 1})
	return runs
}

func (t *Tree) writeLeafSegments(ctx context.Context, addr raddr.Addr, n *rnode.LeafNode, touched []int) error {
	runs := contiguousRuns(touched)
	for _, run := range runs {
		start, count := run[0], run[1]
		plan := n.Layout.PlanSegment(start, count)
		segBytes := n.EncodeSegment(start, count)
		if len(segBytes) != plan.RawLength {
			fatal("leaf segment write size mismatch: got %d want %d", len(segBytes), plan.RawLength)
		}
		if err := t.transport.Write(ctx, addr.Add(int64(plan.RawOffset)), segBytes); err != nil {
			return err
		}
	}
	return nil
}
