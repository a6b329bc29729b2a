package rtree

import (
	"context"
	"sync/atomic"

	"github.com/ssargent/rmemtree/pkg/raddr"
	"github.com/ssargent/rmemtree/pkg/rnode"
)

// locateInternalAtLevel descends from the root following the key,
// stopping at (and returning the address of) the first internal node
// whose own level equals targetLevel — the parent-discovery fallback
// spec 4.9 calls for when the path stack doesn't have an ancestor
// (because it was seeded from the tree cache rather than a full
// descent). targetLevel must be <= the root's current level; the
// caller is responsible for the root-growth case (targetLevel >
// current root level), which this function does not handle.
func (t *Tree) locateInternalAtLevel(ctx context.Context, key rnode.Key, targetLevel rnode.Level) (raddr.Addr, error) {
	level, addr, err := t.readRoot(ctx)
	if err != nil {
		return raddr.Null, err
	}
	for attempt := 0; attempt < maxRetries; attempt++ {
		if level == targetLevel {
			return addr, nil
		}
		if level < targetLevel {
			fatal("locateInternalAtLevel: root level %d below target %d", level, targetLevel)
		}
		n, err := t.readInternal(ctx, addr)
		if err != nil {
			return raddr.Null, err
		}
		if !key.Less(n.Header.FenceHigh) {
			atomic.AddInt64(&t.stats.SiblingForwards, 1)
			addr = n.Header.Sibling
			continue
		}
		idx := n.FindChildIndex(key)
		addr = n.ChildAt(idx)
		level = n.Header.Level - 1
	}
	return raddr.Null, &ErrRetriesExhausted{Op: "locateInternalAtLevel", Retries: maxRetries}
}

// insertIntoParent implements spec 4.9's "insert into internal" plus
// the recursive cascade up the tree and the root-CAS growth step. left
// is the already-written (or about-to-be-written) node covering
// [..., splitKey) at childLevel; right is its new sibling covering
// [splitKey, ...). left is identified only to detect the root-growth
// case; the function does not rewrite left itself.
func (t *Tree) insertIntoParent(ctx context.Context, path pathStack, childLevel rnode.Level, splitKey rnode.Key, left, right raddr.Addr) error {
	parentLevel := childLevel + 1

	parentAddr, ok := path[parentLevel]
	if !ok {
		rootLevel, rootAddr, err := t.readRoot(ctx)
		if err != nil {
			return err
		}
		if parentLevel > rootLevel {
			return t.growRoot(ctx, rootLevel, rootAddr, childLevel, splitKey, left, right)
		}
		parentAddr, err = t.locateInternalAtLevel(ctx, splitKey, parentLevel)
		if err != nil {
			return err
		}
	}

	for attempt := 0; attempt < maxRetries; attempt++ {
		l := t.latchFor(parentAddr, false)
		word, err := l.Acquire(ctx, 0)
		if err != nil {
			return err
		}
		n, err := t.readInternal(ctx, parentAddr)
		if err != nil {
			_ = l.Release(ctx, word)
			return err
		}

		if !splitKey.Less(n.Header.FenceHigh) {
			atomic.AddInt64(&t.stats.SiblingForwards, 1)
			next := n.Header.Sibling
			if err := l.Release(ctx, word); err != nil {
				return err
			}
			parentAddr = next
			continue
		}

		if idx := n.FindChildIndex(splitKey); idx > 0 && n.Entries[idx-1].Key == splitKey {
			fatal("duplicate internal key on insert: %v", splitKey)
		}

		if !n.Full() {
			n.InsertSorted(splitKey, right)
			if err := t.writeInternalFull(ctx, parentAddr, n); err != nil {
				return err
			}
			return l.Release(ctx, word)
		}

		atomic.AddInt64(&t.stats.InternalSplits, 1)
		medianKey, sibling := n.SplitMedian()
		siblingAddr, err := t.allocInternal(ctx)
		if err != nil {
			_ = l.Release(ctx, word)
			return err
		}
		sibling.Header.FenceLow = medianKey
		sibling.Header.FenceHigh = n.Header.FenceHigh
		sibling.Header.Sibling = n.Header.Sibling
		n.Header.FenceHigh = medianKey
		n.Header.Sibling = siblingAddr

		if splitKey.Less(medianKey) {
			n.InsertSorted(splitKey, right)
		} else {
			sibling.InsertSorted(splitKey, right)
		}

		if err := t.writeInternalFull(ctx, siblingAddr, sibling); err != nil {
			return err
		}
		if err := t.writeInternalFull(ctx, parentAddr, n); err != nil {
			return err
		}
		if err := l.Release(ctx, word); err != nil {
			return err
		}

		return t.insertIntoParent(ctx, path, n.Header.Level, medianKey, parentAddr, siblingAddr)
	}
	return &ErrRetriesExhausted{Op: "insertIntoParent", Retries: maxRetries}
}

// growRoot installs a brand-new internal root one level above the
// node that just split, via the well-known root-pointer CAS (spec
// 4.9: "allocate a new root node, install it via cas(root_pointer,
// old_root_entry, new_root_entry); on CAS failure, another concurrent
// split already grew the tree, and the splitting client instead
// descends from the new root and inserts the median at the
// appropriate level").
func (t *Tree) growRoot(ctx context.Context, oldLevel rnode.Level, oldRoot raddr.Addr, childLevel rnode.Level, splitKey rnode.Key, left, right raddr.Addr) error {
	newLevel := childLevel + 1
	newRootAddr, err := t.allocInternal(ctx)
	if err != nil {
		return err
	}
	newRoot := rnode.NewInternalNode(t.spanInternal, newLevel)
	newRoot.Header.Leftmost = left
	newRoot.InsertSorted(splitKey, right)
	if err := t.writeInternalFull(ctx, newRootAddr, newRoot); err != nil {
		return err
	}

	oldWord := uint64(raddr.PackRootEntry(uint16(oldLevel), oldRoot))
	if err := t.casRoot(ctx, oldWord, newLevel, newRootAddr); err != nil {
		if err == errRootCASLost {
			// Someone else grew the tree first; the (splitKey, right)
			// pair still needs a home. Retry via the normal ancestor
			// path now that a parent at newLevel is guaranteed to
			// exist.
			return t.insertIntoParent(ctx, pathStack{}, childLevel, splitKey, left, right)
		}
		return err
	}
	return nil
}
