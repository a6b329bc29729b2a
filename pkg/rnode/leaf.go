package rnode

import (
	"bytes"
	"encoding/binary"

	"github.com/ssargent/rmemtree/pkg/raddr"
)

// leafHeaderSize / leafEntrySize / scatteredMetaSize are the fixed
// serialized sizes used by LeafLayout below.
const (
	leafHeaderSize    = 1 + 2 + 1 + KeyWidth + KeyWidth + 8
	leafEntrySize     = 1 + 1 + KeyWidth + 8 // version, hop bitmap, key, value
	scatteredMetaSize = 1 + 1 + 8 + KeyWidth + KeyWidth
)

// LeafLayout describes the physical shape of a hopscotch leaf: a main
// header, tiled into Span/Neighborhood groups, each group carrying a
// ScatteredMetadata replica ahead of its Neighborhood entries (spec 4.2).
type LeafLayout struct {
	Span         int
	Neighborhood int
}

func (l LeafLayout) groupCount() int { return l.Span / l.Neighborhood }
func (l LeafLayout) groupSize() int {
	return scatteredMetaSize + l.Neighborhood*(1+leafEntrySize)
}

// OnWireSize returns the total physical byte size of a leaf.
func (l LeafLayout) OnWireSize() int {
	return leafHeaderSize + l.groupCount()*l.groupSize()
}

// GroupOf returns which group an entry index belongs to.
func (l LeafLayout) GroupOf(entryIdx int) int { return entryIdx / l.Neighborhood }

// entryRawOffset returns the physical offset of entry idx's
// interleaved version prefix.
func (l LeafLayout) entryRawOffset(entryIdx int) int {
	group := l.GroupOf(entryIdx)
	withinGroup := entryIdx % l.Neighborhood
	return leafHeaderSize + group*l.groupSize() + scatteredMetaSize + withinGroup*(1+leafEntrySize)
}

// metaRawOffset returns the physical offset of a group's scattered
// metadata replica.
func (l LeafLayout) metaRawOffset(group int) int {
	return leafHeaderSize + group*l.groupSize()
}

// ReadPlan describes the physical byte range a segment read/write must
// cover, given that crossing a group boundary pulls in an intervening
// ScatteredMetadata replica (spec 4.1's "segment addressing" contract,
// specialized to the leaf's grouped layout).
type ReadPlan struct {
	RawOffset     int
	RawLength     int
	FirstGroupMeta bool // true if the segment's first bytes are a metadata replica
}

// PlanSegment computes the contiguous physical byte range covering
// entries [startEntry, startEntry+count). count must be <= Neighborhood
// (the only segment shape the mutation/lookup/range engines ever ask
// for is a single hopscotch neighborhood or a sub-range of one).
func (l LeafLayout) PlanSegment(startEntry, count int) ReadPlan {
	rawStart := l.entryRawOffset(startEntry)
	lastIdx := startEntry + count - 1
	rawEnd := l.entryRawOffset(lastIdx) + 1 + leafEntrySize
	return ReadPlan{RawOffset: rawStart, RawLength: rawEnd - rawStart}
}

// PlanGroupMeta returns the byte range of one group's scattered
// metadata replica.
func (l LeafLayout) PlanGroupMeta(group int) ReadPlan {
	return ReadPlan{RawOffset: l.metaRawOffset(group), RawLength: scatteredMetaSize, FirstGroupMeta: true}
}

// ScatteredMetadata is the leaf header replica carried by every group
// (spec 4.2): version, valid, sibling, and (since this implementation
// always runs with fence-key validation rather than pure sibling-based
// validation) the fence keys too.
type ScatteredMetadata struct {
	Version   VersionByte
	Valid     bool
	Sibling   raddr.Addr
	FenceLow  Key
	FenceHigh Key
}

func (m ScatteredMetadata) marshal() []byte {
	b := make([]byte, scatteredMetaSize)
	b[0] = byte(m.Version)
	if m.Valid {
		b[1] = 1
	}
	binary.BigEndian.PutUint64(b[2:10], uint64(m.Sibling))
	copy(b[10:10+KeyWidth], m.FenceLow[:])
	copy(b[10+KeyWidth:10+2*KeyWidth], m.FenceHigh[:])
	return b
}

func unmarshalScatteredMetadata(b []byte) ScatteredMetadata {
	var m ScatteredMetadata
	m.Version = VersionByte(b[0])
	m.Valid = b[1] != 0
	m.Sibling = raddr.Addr(binary.BigEndian.Uint64(b[2:10]))
	copy(m.FenceLow[:], b[10:10+KeyWidth])
	copy(m.FenceHigh[:], b[10+KeyWidth:10+2*KeyWidth])
	return m
}

// LeafHeader is the leaf's canonical (non-replicated) header.
type LeafHeader struct {
	Version   VersionByte
	Valid     bool
	FenceLow  Key
	FenceHigh Key
	Sibling   raddr.Addr
}

func (h LeafHeader) scattered() ScatteredMetadata {
	return ScatteredMetadata{Version: h.Version, Valid: h.Valid, Sibling: h.Sibling, FenceLow: h.FenceLow, FenceHigh: h.FenceHigh}
}

func (h LeafHeader) marshal() []byte {
	b := make([]byte, leafHeaderSize)
	b[0] = byte(h.Version)
	// bytes[1:3] reserved (level, always 0 for a leaf) for layout parity with InternalHeader.
	if h.Valid {
		b[3] = 1
	}
	off := 4
	copy(b[off:off+KeyWidth], h.FenceLow[:])
	off += KeyWidth
	copy(b[off:off+KeyWidth], h.FenceHigh[:])
	off += KeyWidth
	binary.BigEndian.PutUint64(b[off:off+8], uint64(h.Sibling))
	return b
}

func unmarshalLeafHeader(b []byte) LeafHeader {
	var h LeafHeader
	h.Version = VersionByte(b[0])
	h.Valid = b[3] != 0
	off := 4
	copy(h.FenceLow[:], b[off:off+KeyWidth])
	off += KeyWidth
	copy(h.FenceHigh[:], b[off:off+KeyWidth])
	off += KeyWidth
	h.Sibling = raddr.Addr(binary.BigEndian.Uint64(b[off : off+8]))
	return h
}

// LeafEntry is one hopscotch slot: version, hop bitmap (bit i set
// means the entry at home+i belongs to this home slot), key, value.
type LeafEntry struct {
	Version   VersionByte
	HopBitmap uint8
	Key       Key
	Value     Value
}

func (e LeafEntry) marshal() []byte {
	b := make([]byte, leafEntrySize)
	b[0] = byte(e.Version)
	b[1] = e.HopBitmap
	copy(b[2:2+KeyWidth], e.Key[:])
	binary.BigEndian.PutUint64(b[2+KeyWidth:], uint64(e.Value))
	return b
}

func unmarshalLeafEntry(b []byte) LeafEntry {
	var e LeafEntry
	e.Version = VersionByte(b[0])
	e.HopBitmap = b[1]
	copy(e.Key[:], b[2:2+KeyWidth])
	e.Value = Value(binary.BigEndian.Uint64(b[2+KeyWidth:]))
	return e
}

func (e LeafEntry) Empty() bool { return e.Key.IsNull() }

// LeafNode is the fully decoded, in-memory hopscotch leaf.
type LeafNode struct {
	Layout  LeafLayout
	Header  LeafHeader
	Entries []LeafEntry
}

// NewLeafNode returns an empty leaf with span entries.
func NewLeafNode(span, neighborhood int) *LeafNode {
	return &LeafNode{
		Layout:  LeafLayout{Span: span, Neighborhood: neighborhood},
		Header:  LeafHeader{Valid: true, FenceLow: KeyMin, FenceHigh: KeyMax, Sibling: raddr.Widest},
		Entries: make([]LeafEntry, span),
	}
}

// BumpWholeNode increments node_version in the header and in every
// occupied entry, matching InternalNode's full-rewrite writer
// discipline (spec 4.1): a leaf split rewrites both halves wholesale,
// so every version nibble must move together.
func (n *LeafNode) BumpWholeNode() {
	n.Header.Version = n.Header.Version.BumpNode()
	nv := n.Header.Version.NodeVersion()
	for i := range n.Entries {
		if n.Entries[i].Empty() {
			continue
		}
		n.Entries[i].Version = PackVersion(nv, n.Entries[i].Version.EntryVersion())
	}
}

// HomeSlot returns key's hopscotch home slot in this leaf.
func (n *LeafNode) HomeSlot(k Key) int {
	return k.HomeSlot(n.Layout.Span)
}

// Neighborhood returns the (possibly wrapping) slot indices of the
// window [home, home+H) as a flat index slice in window order.
func (n *LeafNode) Neighborhood(home int) []int {
	h := n.Layout.Neighborhood
	idx := make([]int, h)
	for i := 0; i < h; i++ {
		idx[i] = (home + i) % n.Layout.Span
	}
	return idx
}

// VerifyHopscotchInvariant checks, for the neighborhood rooted at
// home, that the reconstructed bitmap (from scanning which slots in
// the window actually hash to home) equals the stored hop_bitmap on
// the home slot (spec 4.8.1 step 4 / testable property 3).
func (n *LeafNode) VerifyHopscotchInvariant(home int) bool {
	var reconstructed uint8
	for i, slot := range n.Neighborhood(home) {
		e := n.Entries[slot]
		if e.Empty() {
			continue
		}
		if n.HomeSlot(e.Key) == home {
			reconstructed |= 1 << uint(i)
		}
	}
	return reconstructed == n.Entries[home].HopBitmap
}

// FindInNeighborhood linear-scans the H-window rooted at home for key
// k, returning its slot index or -1.
func (n *LeafNode) FindInNeighborhood(home int, k Key) int {
	bitmap := n.Entries[home].HopBitmap
	for i, slot := range n.Neighborhood(home) {
		if bitmap&(1<<uint(i)) == 0 {
			continue
		}
		if n.Entries[slot].Key == k {
			return slot
		}
	}
	return -1
}

// --- on-wire (de)serialization ---

// EncodeFull serializes the whole leaf, stamping the scattered
// metadata replica into every group first (spec 4.2's
// encode_node_metadata contract).
func (n *LeafNode) EncodeFull() []byte {
	l := n.Layout
	out := make([]byte, 0, l.OnWireSize())
	out = append(out, n.Header.marshal()...)
	meta := n.Header.scattered().marshal()
	h := l.Neighborhood
	for g := 0; g < l.groupCount(); g++ {
		out = append(out, meta...)
		for i := 0; i < h; i++ {
			e := n.Entries[g*h+i]
			eb := e.marshal()
			out = append(out, eb[0])
			out = append(out, eb...)
		}
	}
	return out
}

// DecodeLeafNode reverses EncodeFull, validating every entry's
// interleave prefix, that every scattered metadata replica is bytewise
// equal (spec 4.2's invariant, testable property 4/5), and that every
// occupied entry's node_version agrees with the header's — the same
// cross-entry check DecodeInternalNode applies, catching a read torn
// between a full leaf rewrite (BumpWholeNode) and an in-place segment
// write. Empty slots are skipped, matching BumpWholeNode's own
// convention of leaving them out of the node-version bump.
func DecodeLeafNode(span, neighborhood int, onwire []byte) (n *LeafNode, consistent bool) {
	l := LeafLayout{Span: span, Neighborhood: neighborhood}
	if len(onwire) != l.OnWireSize() {
		return nil, false
	}
	n = &LeafNode{Layout: l, Entries: make([]LeafEntry, span)}
	n.Header = unmarshalLeafHeader(onwire[:leafHeaderSize])
	nv := n.Header.Version.NodeVersion()
	consistent = true
	pos := leafHeaderSize
	var firstMeta []byte
	for g := 0; g < l.groupCount(); g++ {
		metaBytes := onwire[pos : pos+scatteredMetaSize]
		pos += scatteredMetaSize
		if firstMeta == nil {
			firstMeta = metaBytes
		} else if !bytes.Equal(firstMeta, metaBytes) {
			consistent = false
		}
		for i := 0; i < neighborhood; i++ {
			prefix := onwire[pos]
			pos++
			body := onwire[pos : pos+leafEntrySize]
			pos += leafEntrySize
			if body[0] != prefix {
				consistent = false
			}
			e := unmarshalLeafEntry(body)
			if !e.Empty() && e.Version.NodeVersion() != nv {
				consistent = false
			}
			n.Entries[g*neighborhood+i] = e
		}
	}
	return n, consistent
}

// EncodeSegment serializes a contiguous, non-wrapping run of count
// entries starting at startEntry, including the scattered metadata
// replica of every group the run enters after its first entry; the
// first entry's own group replica is not included (spec 4.2's
// decode_segment_metadata contract in reverse).
func (n *LeafNode) EncodeSegment(startEntry, count int) []byte {
	l := n.Layout
	meta := n.Header.scattered().marshal()
	var out []byte
	// The segment's raw offset (PlanSegment) already lands past the
	// leading group's own metadata replica — it is never included in
	// the byte range a segment write covers. Only a group boundary
	// crossed *after* the first entry pulls a replica onto the wire.
	lastGroup := l.GroupOf(startEntry)
	for i := 0; i < count; i++ {
		idx := startEntry + i
		g := l.GroupOf(idx)
		if i > 0 && g != lastGroup {
			out = append(out, meta...)
		}
		lastGroup = g
		eb := n.Entries[idx].marshal()
		out = append(out, eb[0])
		out = append(out, eb...)
	}
	return out
}

// DecodeSegment reverses EncodeSegment. groups touched is derived from
// startEntry/count/layout so the caller doesn't need to track it.
// Returns the decoded entries (in order) and whether every replica and
// interleave check passed.
func DecodeSegment(layout LeafLayout, onwire []byte, startEntry, count int) (entries []LeafEntry, metas []ScatteredMetadata, consistent bool) {
	pos := 0
	consistent = true
	lastGroup := layout.GroupOf(startEntry)
	entries = make([]LeafEntry, 0, count)
	for i := 0; i < count; i++ {
		idx := startEntry + i
		g := layout.GroupOf(idx)
		if i > 0 && g != lastGroup {
			if pos+scatteredMetaSize > len(onwire) {
				return nil, nil, false
			}
			metas = append(metas, unmarshalScatteredMetadata(onwire[pos:pos+scatteredMetaSize]))
			pos += scatteredMetaSize
		}
		lastGroup = g
		if pos+1+leafEntrySize > len(onwire) {
			return nil, nil, false
		}
		prefix := onwire[pos]
		pos++
		body := onwire[pos : pos+leafEntrySize]
		pos += leafEntrySize
		if body[0] != prefix {
			consistent = false
		}
		entries = append(entries, unmarshalLeafEntry(body))
	}
	return entries, metas, consistent
}
