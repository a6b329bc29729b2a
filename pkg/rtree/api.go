package rtree

import (
	"context"
	"sync/atomic"

	"github.com/ssargent/rmemtree/pkg/rnode"
)

// lockKey turns a fixed-width tree key into the string the local lock
// table shards on (spec 4.11: "keyed by a hash of the user key" — the
// raw key bytes serve as well as a hash here since Key is already a
// small fixed-width value and Go's map/singleflight machinery hashes
// the string itself).
func lockKey(k rnode.Key) string { return string(k[:]) }

type searchResult struct {
	value rnode.Value
	found bool
}

// Search implements spec 6.2's search(k) -> Option<Value>, delegating
// concurrent readers of the same key to the first reader's result
// (spec 4.11's read-delegation) before falling back to a real
// traversal + leaf lookup.
func (t *Tree) Search(ctx context.Context, key rnode.Key) (rnode.Value, bool, error) {
	atomic.AddInt64(&t.stats.Searches, 1)
	res, err, _ := t.locks.Read(lockKey(key), func() (any, error) {
		d, err := t.descend(ctx, key)
		if err != nil {
			return nil, err
		}
		v, ok, err := t.lookupLeaf(ctx, d.leafAddr, key)
		if err != nil {
			return nil, err
		}
		return searchResult{value: v, found: ok}, nil
	})
	if err != nil {
		return 0, false, err
	}
	sr := res.(searchResult)
	return sr.value, sr.found, nil
}

// Insert implements spec 6.2's insert(k, v) upsert semantics: if k
// already exists its value is replaced, otherwise a new entry is
// hopscotch-placed (splitting the leaf if necessary). Concurrent
// inserts of the same key are write-combined (spec 4.11): only the
// last writer's value need ever reach remote memory.
func (t *Tree) Insert(ctx context.Context, key rnode.Key, value rnode.Value) error {
	atomic.AddInt64(&t.stats.Inserts, 1)
	err, combined := t.locks.Write(lockKey(key), value, func(combined any) error {
		return t.mutate(ctx, key, combined.(rnode.Value), false)
	})
	if combined {
		atomic.AddInt64(&t.stats.CombinedWrites, 1)
	}
	return err
}

// Update implements spec 6.2's update(k, v): requires k already exist,
// surfacing ErrKeyNotFound otherwise (spec section 9's open question,
// resolved in favor of a distinct error kind rather than an
// assertion). Same write-combining as Insert.
func (t *Tree) Update(ctx context.Context, key rnode.Key, value rnode.Value) error {
	atomic.AddInt64(&t.stats.Updates, 1)
	err, combined := t.locks.Write(lockKey(key), value, func(combined any) error {
		return t.mutate(ctx, key, combined.(rnode.Value), true)
	})
	if combined {
		atomic.AddInt64(&t.stats.CombinedWrites, 1)
	}
	return err
}
