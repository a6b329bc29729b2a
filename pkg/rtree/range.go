package rtree

import (
	"context"
	"sync/atomic"

	"github.com/ssargent/rmemtree/pkg/raddr"
	"github.com/ssargent/rmemtree/pkg/remote"
	"github.com/ssargent/rmemtree/pkg/rnode"
)

// RangeQuery implements spec 4.10 / 6.2's range_query(from, to) ->
// map<Key, Value>, inclusive from, exclusive to. A cache-guided
// descent locates the first candidate leaf (spec step 1); the sibling
// chain from there discovers every further leaf whose fence overlaps
// [from, to) — always authoritative even when the tree cache is cold
// or stale, unlike a pure tree-cache range_seek. All candidate leaves
// are then read as one batched remote operation (spec step 3); any
// leaf that fails its version/replica consistency check on decode
// (hop bitmaps are not re-verified here) is resubmitted in
// the next round until every leaf converges (spec step 4), mirroring
// the teacher's own channel-based ScanPrefix convergence loop
// generalized to remote, possibly-torn reads.
func (t *Tree) RangeQuery(ctx context.Context, from, to rnode.Key) (map[rnode.Key]rnode.Value, error) {
	atomic.AddInt64(&t.stats.RangeQueries, 1)
	out := make(map[rnode.Key]rnode.Value)
	if !from.Less(to) {
		return out, nil
	}

	d, err := t.descend(ctx, from)
	if err != nil {
		return nil, err
	}

	leafAddrs := []raddr.Addr{d.leafAddr}
	for len(leafAddrs) <= maxRetries {
		last := leafAddrs[len(leafAddrs)-1]
		n, err := t.readLeafFull(ctx, last)
		if err != nil {
			return nil, err
		}
		if !n.Header.FenceHigh.Less(to) {
			break
		}
		if n.Header.Sibling.IsNull() {
			break
		}
		leafAddrs = append(leafAddrs, n.Header.Sibling)
	}
	if len(leafAddrs) > maxRetries {
		return nil, &ErrRetriesExhausted{Op: "rangeQuery.gatherLeaves", Retries: maxRetries}
	}

	pending := leafAddrs
	size := t.leafLayout.OnWireSize()
	for round := 0; len(pending) > 0; round++ {
		if round >= maxRetries {
			return nil, &ErrRetriesExhausted{Op: "rangeQuery.converge", Retries: maxRetries}
		}

		ops := make([]remote.ReadOp, len(pending))
		for i, addr := range pending {
			ops[i] = remote.ReadOp{Addr: addr, Length: size}
		}
		raws, err := t.transport.ReadBatch(ctx, ops)
		if err != nil {
			return nil, err
		}

		var retry []raddr.Addr
		for i, raw := range raws {
			n, consistent := rnode.DecodeLeafNode(t.spanLeaf, t.neighborhood, raw)
			if !consistent {
				atomic.AddInt64(&t.stats.VersionRetries, 1)
				retry = append(retry, pending[i])
				continue
			}
			for _, e := range n.Entries {
				if e.Key.IsNull() {
					continue
				}
				if !e.Key.Less(from) && e.Key.Less(to) {
					out[e.Key] = e.Value
				}
			}
		}
		pending = retry
	}

	return out, nil
}
