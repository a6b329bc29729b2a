// Package raddr implements the packed remote address used to name
// bytes inside the remote memory pool: a 64-bit (memory-node id,
// offset) pair, with alignment bits reserved for ancillary state
// at node granularity.
package raddr

import "fmt"

// AlignBits is the number of low offset bits that are guaranteed zero
// for node-granularity pointers, matching the wire contract's "packed
// pointer alignment bits" constant.
const AlignBits = 8

// Addr is a packed remote pointer: node id in the high 16 bits, byte
// offset in the low 48 bits. Node-granularity pointers are aligned so
// the low AlignBits of Offset are always zero and free for ancillary
// state when a caller chooses to stash it there.
type Addr uint64

const (
	offsetBits = 48
	offsetMask = (uint64(1) << offsetBits) - 1
)

// Null is the address (0, 0): node 0's allocator starts past a
// reserved region, so (0, 0) is never handed out and this doubles as
// the "no pointer" sentinel.
const Null Addr = 0

// Widest is the all-ones sentinel used for fence/sibling pointers that
// must compare unequal to every real address.
const Widest Addr = Addr(^uint64(0))

// Pack builds an Addr from a node id and a byte offset.
func Pack(nodeID uint16, offset uint64) Addr {
	return Addr(uint64(nodeID)<<offsetBits | (offset & offsetMask))
}

// NodeID returns the memory-node component of the address.
func (a Addr) NodeID() uint16 {
	return uint16(uint64(a) >> offsetBits)
}

// Offset returns the byte-offset component of the address.
func (a Addr) Offset() uint64 {
	return uint64(a) & offsetMask
}

// IsNull reports whether a equals Null.
func (a Addr) IsNull() bool {
	return a == Null
}

// Add returns a new address with delta bytes added to the offset,
// staying on the same memory node. Used to compute segment/entry
// addresses relative to a node's base pointer.
func (a Addr) Add(delta int64) Addr {
	return Pack(a.NodeID(), uint64(int64(a.Offset())+delta))
}

// Equal reports whether two addresses refer to the same (node, offset).
func (a Addr) Equal(b Addr) bool {
	return a == b
}

func (a Addr) String() string {
	if a == Null {
		return "addr(null)"
	}
	if a == Widest {
		return "addr(widest)"
	}
	return fmt.Sprintf("addr(node=%d,off=%d)", a.NodeID(), a.Offset())
}

// RootEntry packs the well-known root-of-root word: level in the low
// 16 bits, a 48-bit compacted root pointer (8-bit node id, 40-bit
// offset) in the high bits, matching the persisted layout in spec
// section 6 ("Root pointer ... encoding RootEntry{level, packed_ptr}").
// The compacted pointer trades node-address range for fitting inside
// one 64-bit CAS word; ordinary node-to-node pointers still use the
// full 16/48 Addr split.
type RootEntry uint64

const rootPtrOffsetBits = 40

// PackRootEntry combines a tree level with the current root's address.
func PackRootEntry(level uint16, root Addr) RootEntry {
	packedPtr := uint64(uint8(root.NodeID()))<<rootPtrOffsetBits | (root.Offset() & ((uint64(1) << rootPtrOffsetBits) - 1))
	return RootEntry(uint64(level) | packedPtr<<16)
}

// Level returns the tree height encoded in the root entry.
func (r RootEntry) Level() uint16 {
	return uint16(uint64(r) & 0xFFFF)
}

// Root returns the root pointer encoded in the root entry.
func (r RootEntry) Root() Addr {
	packedPtr := uint64(r) >> 16
	nodeID := uint16(packedPtr >> rootPtrOffsetBits)
	offset := packedPtr & ((uint64(1) << rootPtrOffsetBits) - 1)
	return Pack(nodeID, offset)
}
