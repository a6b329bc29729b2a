// Package rnode defines the on-wire node layouts of the remote B+-tree:
// fixed-width keys, internal nodes (sorted entries), and hopscotch-hashed
// leaf nodes, plus the invariants a self-verifying reader checks.
package rnode

import (
	"bytes"
	"encoding/binary"
	"hash/fnv"
)

// KeyWidth is the compile-time key width K in bytes. Variable-length
// keys are out of scope (spec NON-GOALS); this is a wire constant.
const KeyWidth = 8

// Key is a fixed-width, lexicographically ordered key.
type Key [KeyWidth]byte

// KeyMin is the all-zero key, the lowest possible key and the value
// of KEY_NULL marking an empty slot.
var KeyMin = Key{}

// KeyMax is the all-0xFF key, the ghost upper bound used as the
// fence.highest of a root and ordinary nodes' open upper fence.
var KeyMax = Key{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// KeyMaxGhost is KeyMax-1, the ghost key that sibling-based turn-right
// (split_key = max_key + 1) would need present from tree init so it
// never has to add one past KeyMax. pkg/rtree validates with fence
// keys and picks split keys with its hopscotch simulation, so it never
// computes max_key + 1 and does not place an entry at this key. See
// spec section 9's open question on this precondition.
var KeyMaxGhost = KeyFromUint64(^uint64(0) - 1)

// KeyFromUint64 builds a Key from a big-endian-ordered uint64, the
// convention used by every literal key in the spec's test scenarios.
func KeyFromUint64(v uint64) Key {
	var k Key
	binary.BigEndian.PutUint64(k[:], v)
	return k
}

// Uint64 reinterprets the key as a big-endian uint64.
func (k Key) Uint64() uint64 {
	return binary.BigEndian.Uint64(k[:])
}

// Compare returns -1, 0, or 1 per bytes.Compare lexicographic order.
func (k Key) Compare(other Key) int {
	return bytes.Compare(k[:], other[:])
}

// Less reports whether k sorts strictly before other.
func (k Key) Less(other Key) bool {
	return k.Compare(other) < 0
}

// IsNull reports whether k is the KEY_NULL empty-slot marker.
func (k Key) IsNull() bool {
	return k == KeyMin
}

// Hash returns the hopscotch home-slot hash of the key. FNV-1a is used
// in place of the source's unspecified hash function: any function
// with good avalanche behavior over 8-byte keys satisfies the
// invariant in spec section 3 ("home slot = HASH(k) mod SPAN_L").
func (k Key) Hash() uint64 {
	h := fnv.New64a()
	h.Write(k[:])
	return h.Sum64()
}

// HomeSlot returns the hopscotch home slot of k for a leaf of the
// given span.
func (k Key) HomeSlot(span int) int {
	return int(k.Hash() % uint64(span))
}
