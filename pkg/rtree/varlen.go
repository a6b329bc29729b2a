package rtree

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/ssargent/rmemtree/pkg/rnode"
)

// ErrVariableLengthValuesDisabled is returned by the Bytes-suffixed
// API below when the tree was constructed without Options.BlockStore.
var ErrVariableLengthValuesDisabled = fmt.Errorf("rtree: variable-length value mode not enabled (Options.BlockStore is nil)")

// nextBlockSeq hands out a process-local, monotonically increasing
// sequence number for BlockStore keys, so concurrent InsertBytes/
// UpdateBytes calls never collide on the same BlockStore key.
func (t *Tree) nextBlockSeq() uint64 {
	return atomic.AddUint64(&t.blockSeq, 1)
}

// InsertBytes implements spec section 3's variable-length-value mode:
// data is spilled to the tree's BlockStore and the leaf's inline
// 64-bit payload is repurposed as a (length, remote pointer) pack
// (rnode.ValuePtr) rather than a literal fixed-width Value. Upsert
// semantics match Insert.
func (t *Tree) InsertBytes(ctx context.Context, key rnode.Key, data []byte) error {
	if t.blocks == nil {
		return ErrVariableLengthValuesDisabled
	}
	ptr, err := t.blocks.Put(t.pickAllocNode(), t.nextBlockSeq(), data)
	if err != nil {
		return err
	}
	return t.Insert(ctx, key, ptr.Pack())
}

// UpdateBytes is InsertBytes's Update analogue: requires key already
// exist, surfacing ErrKeyNotFound otherwise, same as Update.
func (t *Tree) UpdateBytes(ctx context.Context, key rnode.Key, data []byte) error {
	if t.blocks == nil {
		return ErrVariableLengthValuesDisabled
	}
	ptr, err := t.blocks.Put(t.pickAllocNode(), t.nextBlockSeq(), data)
	if err != nil {
		return err
	}
	return t.Update(ctx, key, ptr.Pack())
}

// SearchBytes resolves the stored inline Value as a rnode.ValuePtr and
// reads the block it references back from the BlockStore.
func (t *Tree) SearchBytes(ctx context.Context, key rnode.Key) ([]byte, bool, error) {
	if t.blocks == nil {
		return nil, false, ErrVariableLengthValuesDisabled
	}
	v, ok, err := t.Search(ctx, key)
	if err != nil || !ok {
		return nil, ok, err
	}
	data, err := t.blocks.Get(rnode.UnpackValuePtr(v))
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// RangeQueryBytes implements spec section 4.10 step 7: after the main
// RangeQuery pass resolves every leaf entry's packed ValuePtr, read
// back the data block each one references.
func (t *Tree) RangeQueryBytes(ctx context.Context, from, to rnode.Key) (map[rnode.Key][]byte, error) {
	if t.blocks == nil {
		return nil, ErrVariableLengthValuesDisabled
	}
	ptrs, err := t.RangeQuery(ctx, from, to)
	if err != nil {
		return nil, err
	}
	out := make(map[rnode.Key][]byte, len(ptrs))
	for k, v := range ptrs {
		data, err := t.blocks.Get(rnode.UnpackValuePtr(v))
		if err != nil {
			return nil, err
		}
		out[k] = data
	}
	return out, nil
}
