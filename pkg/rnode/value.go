package rnode

import "github.com/ssargent/rmemtree/pkg/raddr"

// Value is the fixed 64-bit payload stored inline in a leaf entry.
// In variable-length-value mode the 64 bits are repurposed as a
// (length, remote pointer) pack to an out-of-line data block (spec
// section 3); ValuePtr below models that packing.
type Value uint64

// ValuePtr packs a 16-bit length and a 48-bit remote-block offset into
// one Value, the same 16/48 split used by raddr.Addr, so a value can
// be told apart from an inline payload purely by the tree's
// configured mode (the wire format does not self-describe this; it is
// a tree-wide compile-time choice, matching spec section 3's "when
// variable-length values are enabled").
type ValuePtr struct {
	Length uint16
	Block  raddr.Addr
}

// Pack encodes a ValuePtr as a Value.
func (p ValuePtr) Pack() Value {
	return Value(uint64(p.Length)<<48 | (uint64(p.Block) & ((uint64(1) << 48) - 1)))
}

// UnpackValuePtr decodes a Value produced by ValuePtr.Pack.
func UnpackValuePtr(v Value) ValuePtr {
	length := uint16(uint64(v) >> 48)
	block := raddr.Addr(uint64(v) & ((uint64(1) << 48) - 1))
	return ValuePtr{Length: length, Block: block}
}
