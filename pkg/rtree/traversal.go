package rtree

import (
	"context"
	"sync/atomic"

	"github.com/ssargent/rmemtree/pkg/raddr"
	"github.com/ssargent/rmemtree/pkg/rcache"
	"github.com/ssargent/rmemtree/pkg/rnode"
)

// pathStack records, for each internal level visited during a
// descent, the remote address of the node visited there (spec
// glossary: "Path stack"). Index 1 is the leaf's immediate parent;
// higher indices are its ancestors. Used by split to find a splitting
// child's parent without re-descending.
type pathStack map[rnode.Level]raddr.Addr

// descendResult is everything a traversal handed back to a leaf or
// internal-node operation.
type descendResult struct {
	leafAddr raddr.Addr
	path     pathStack
}

// descend implements spec 4.7's root-to-leaf traversal: consult the
// tree cache for a point hit, else start from the root pointer; walk
// internal nodes, following sibling pointers when the key has moved
// past a node's fence (a concurrent split raced us), caching every
// internal node visited along the way, until the next child pointer
// names a leaf (level 1 resolved).
func (t *Tree) descend(ctx context.Context, key rnode.Key) (descendResult, error) {
	path := pathStack{}

	level, addr, fromCache := t.seedFromCache(ctx, key)
	if addr.IsNull() {
		var err error
		level, addr, err = t.readRoot(ctx)
		if err != nil {
			return descendResult{}, err
		}
		fromCache = false
	}

	for attempt := 0; attempt < maxRetries; attempt++ {
		if level == 0 {
			return descendResult{leafAddr: addr, path: path}, nil
		}

		n, err := t.readInternal(ctx, addr)
		if err != nil {
			return descendResult{}, err
		}

		if fromCache && (!n.Header.Valid || key.Less(n.Header.FenceLow) || !key.Less(n.Header.FenceHigh)) {
			t.treeCache.Invalidate(n.Header.FenceLow, n.Header.FenceHigh)
			atomic.AddInt64(&t.stats.CacheMisses, 1)
			level, addr, err = t.readRoot(ctx)
			if err != nil {
				return descendResult{}, err
			}
			fromCache = false
			path = pathStack{}
			continue
		}

		if !key.Less(n.Header.FenceHigh) {
			atomic.AddInt64(&t.stats.SiblingForwards, 1)
			addr = n.Header.Sibling
			fromCache = false
			continue
		}

		t.treeCache.Insert(&rcache.TreeEntry{FenceLow: n.Header.FenceLow, FenceHigh: n.Header.FenceHigh, Addr: addr, Node: n})

		path[n.Header.Level] = addr
		idx := n.FindChildIndex(key)
		child := n.ChildAt(idx)
		addr = child
		if n.Header.Level == 1 {
			level = 0 // next hop resolves to a leaf
		} else {
			level = n.Header.Level - 1
		}
		fromCache = false
	}
	return descendResult{}, &ErrRetriesExhausted{Op: "descend", Retries: maxRetries}
}

// seedFromCache consults the tree cache for a point hit covering key,
// returning the cached node's own level and address (the node descent
// resumes from) and whether the seed came from the cache at all.
func (t *Tree) seedFromCache(ctx context.Context, key rnode.Key) (level rnode.Level, addr raddr.Addr, fromCache bool) {
	entry, _, ok := t.treeCache.Lookup(key)
	if !ok {
		atomic.AddInt64(&t.stats.CacheMisses, 1)
		return 0, raddr.Null, false
	}
	atomic.AddInt64(&t.stats.CacheHits, 1)
	return entry.Node.Header.Level, entry.Addr, true
}
