package rnode

import (
	"encoding/binary"
	"sort"

	"github.com/ssargent/rmemtree/pkg/raddr"
	"github.com/ssargent/rmemtree/pkg/wire"
)

// internalHeaderSize / internalEntrySize are the fixed serialized
// sizes backing InternalLayout below.
const (
	internalHeaderSize = 1 + 2 + 1 + KeyWidth + KeyWidth + 8 + 8 + 8
	internalEntrySize  = 1 + KeyWidth + 8
)

// InternalLayout returns the wire.Layout for an internal node with the
// given span (SPAN_I).
func InternalLayout(span int) wire.Layout {
	return wire.Layout{HeaderSize: internalHeaderSize, EntrySize: internalEntrySize, Span: span}
}

// InternalHeader is the fixed header of an internal node (spec 3:
// "Header: version, level >= 1, valid flag, fence keys, sibling
// pointer, leftmost child pointer, sibling's leftmost child pointer").
type InternalHeader struct {
	Version         VersionByte
	Level           Level
	Valid           bool
	FenceLow        Key
	FenceHigh       Key
	Sibling         raddr.Addr
	Leftmost        raddr.Addr
	SiblingLeftmost raddr.Addr
}

// InternalEntry is one (key, child pointer) slot.
type InternalEntry struct {
	Version VersionByte
	Key     Key
	Child   raddr.Addr
}

// InternalNode is the fully decoded, in-memory form of an internal
// node: header plus a fixed-size sorted entry array. Entries past the
// first KEY_NULL key are unused slots (spec 3's sorted-array invariant).
type InternalNode struct {
	Header  InternalHeader
	Entries []InternalEntry
}

// NewInternalNode returns an empty internal node with span entries,
// all unused (KEY_NULL).
func NewInternalNode(span int, level Level) *InternalNode {
	return &InternalNode{
		Header:  InternalHeader{Level: level, Valid: true, FenceLow: KeyMin, FenceHigh: KeyMax, Sibling: raddr.Widest},
		Entries: make([]InternalEntry, span),
	}
}

// Len returns the number of occupied (non-KEY_NULL) entries.
func (n *InternalNode) Len() int {
	for i, e := range n.Entries {
		if e.Key.IsNull() {
			return i
		}
	}
	return len(n.Entries)
}

// Full reports whether every entry slot is occupied.
func (n *InternalNode) Full() bool {
	return n.Len() == len(n.Entries)
}

// FindChildIndex implements spec 4.7's binary search over the sorted
// entry prefix: for key k, returns the index of the child pointer to
// follow (Leftmost if idx==0), i.e. the number of occupied entries
// whose key is <= k. A key equal to an entry's key follows that
// entry's child, since a split sends keys >= split_key to the right.
func (n *InternalNode) FindChildIndex(k Key) int {
	length := n.Len()
	idx := sort.Search(length, func(i int) bool {
		return k.Less(n.Entries[i].Key)
	})
	return idx
}

// ChildAt returns the child pointer to follow for FindChildIndex's
// result: Leftmost when idx==0, otherwise the previous entry's child.
func (n *InternalNode) ChildAt(idx int) raddr.Addr {
	if idx == 0 {
		return n.Header.Leftmost
	}
	return n.Entries[idx-1].Child
}

// InsertSorted inserts (key, child) at its sorted position, shifting
// later entries right by one. The caller must have already verified
// there is a free slot (Len() < len(Entries)) and that key is not a
// duplicate (spec 4.9: "children only split once at a given
// split_key"). Bumps the header's node_version and every entry's
// node_version, matching "rewrites the whole node" discipline (spec
// 4.1 writer discipline) since a shift touches arbitrarily many slots.
func (n *InternalNode) InsertSorted(key Key, child raddr.Addr) {
	length := n.Len()
	idx := sort.Search(length, func(i int) bool {
		return key.Less(n.Entries[i].Key)
	})
	copy(n.Entries[idx+1:length+1], n.Entries[idx:length])
	n.Entries[idx] = InternalEntry{Key: key, Child: child}
	n.bumpWholeNode()
}

// BumpWholeNode increments node_version in the header and in every
// entry slot, occupied or not, per spec 4.1's full-rewrite writer
// discipline.
func (n *InternalNode) BumpWholeNode() {
	n.bumpWholeNode()
}

func (n *InternalNode) bumpWholeNode() {
	n.Header.Version = n.Header.Version.BumpNode()
	nv := n.Header.Version.NodeVersion()
	for i := range n.Entries {
		n.Entries[i].Version = PackVersion(nv, n.Entries[i].Version.EntryVersion())
	}
}

// SplitMedian splits n at its median entry, returning the promoted
// split key and a freshly built sibling node holding the upper half.
// n is mutated in place to hold only the lower half; the caller is
// responsible for wiring sibling/fence/leftmost pointers (spec 4.9).
func (n *InternalNode) SplitMedian() (splitKey Key, sibling *InternalNode) {
	length := n.Len()
	mid := length / 2
	splitKey = n.Entries[mid].Key

	sibling = NewInternalNode(len(n.Entries), n.Header.Level)
	sibling.Header.Leftmost = n.Entries[mid].Child
	upper := n.Entries[mid+1 : length]
	copy(sibling.Entries, upper)
	sibling.bumpWholeNode()

	for i := mid; i < length; i++ {
		n.Entries[i] = InternalEntry{}
	}
	n.bumpWholeNode()
	return splitKey, sibling
}

// --- on-wire (de)serialization ---

func (h InternalHeader) marshal() []byte {
	b := make([]byte, internalHeaderSize)
	b[0] = byte(h.Version)
	binary.BigEndian.PutUint16(b[1:3], uint16(h.Level))
	if h.Valid {
		b[3] = 1
	}
	off := 4
	copy(b[off:off+KeyWidth], h.FenceLow[:])
	off += KeyWidth
	copy(b[off:off+KeyWidth], h.FenceHigh[:])
	off += KeyWidth
	binary.BigEndian.PutUint64(b[off:off+8], uint64(h.Sibling))
	off += 8
	binary.BigEndian.PutUint64(b[off:off+8], uint64(h.Leftmost))
	off += 8
	binary.BigEndian.PutUint64(b[off:off+8], uint64(h.SiblingLeftmost))
	return b
}

func unmarshalInternalHeader(b []byte) InternalHeader {
	var h InternalHeader
	h.Version = VersionByte(b[0])
	h.Level = Level(binary.BigEndian.Uint16(b[1:3]))
	h.Valid = b[3] != 0
	off := 4
	copy(h.FenceLow[:], b[off:off+KeyWidth])
	off += KeyWidth
	copy(h.FenceHigh[:], b[off:off+KeyWidth])
	off += KeyWidth
	h.Sibling = raddr.Addr(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8
	h.Leftmost = raddr.Addr(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8
	h.SiblingLeftmost = raddr.Addr(binary.BigEndian.Uint64(b[off : off+8]))
	return h
}

func (e InternalEntry) marshal() []byte {
	b := make([]byte, internalEntrySize)
	b[0] = byte(e.Version)
	copy(b[1:1+KeyWidth], e.Key[:])
	binary.BigEndian.PutUint64(b[1+KeyWidth:], uint64(e.Child))
	return b
}

func unmarshalInternalEntry(b []byte) InternalEntry {
	var e InternalEntry
	e.Version = VersionByte(b[0])
	copy(e.Key[:], b[1:1+KeyWidth])
	e.Child = raddr.Addr(binary.BigEndian.Uint64(b[1+KeyWidth:]))
	return e
}

// EncodeFull serializes the whole node to on-wire bytes. Callers that
// are rewriting an existing node (rather than writing a brand new one
// for the first time) must call BumpWholeNode first, per spec 4.1's
// full-rewrite writer discipline; InsertSorted and SplitMedian already
// do this as part of their mutation.
func (n *InternalNode) EncodeFull() []byte {
	layout := InternalLayout(len(n.Entries))
	header := n.Header.marshal()
	entries := make([][]byte, len(n.Entries))
	for i, e := range n.Entries {
		entries[i] = e.marshal()
	}
	return wire.EncodeFull(layout, header, entries)
}

// DecodeInternalNode reverses EncodeFull and validates the version
// interleave plus node_version consistency (spec 4.3
// decode_node_versions). consistent is false on a torn/inconsistent
// read; the caller must retry the remote read, not trust the result.
func DecodeInternalNode(span int, onwire []byte) (n *InternalNode, consistent bool) {
	layout := InternalLayout(span)
	headerBytes, entryBytes, ok := wire.DecodeFull(layout, onwire)
	if !ok {
		return nil, false
	}
	n = &InternalNode{Header: unmarshalInternalHeader(headerBytes), Entries: make([]InternalEntry, span)}
	nv := n.Header.Version.NodeVersion()
	consistent = true
	for i, eb := range entryBytes {
		n.Entries[i] = unmarshalInternalEntry(eb)
		if n.Entries[i].Version.NodeVersion() != nv {
			consistent = false
		}
	}
	return n, consistent
}
