// Package wire implements the cache-line version interleave described
// in spec section 4.1/4.3: every remote node is stored as a verbatim
// header followed by one interleaved version byte per entry, so a
// reader that pulls raw bytes off the wire can tell, without any
// additional round-trip, whether the bytes it got back are internally
// consistent (not torn by a concurrent write).
//
// This package is generic over a node's Layout (header size, entry
// size, entry count) the way spec section 9 asks for ("Polymorphism
// over internal vs leaf ... parameterize by node layout descriptor");
// pkg/rnode's InternalNode drives it with its Layout value. LeafNode
// does not use this package: its grouped layout with scattered
// metadata replicas has its own codec in pkg/rnode, built on the same
// one-prefix-per-entry scheme.
//
// Design decision (see DESIGN.md): the spec defines the interleave
// block size as BLOCK = CACHELINE - sizeof(version), independent of
// entry size, which would let one physical block span parts of two
// logical entries. This implementation instead fixes the interleave
// block granularity to exactly one entry: every entry carries its own
// one-byte version both as an interleaved wire-level prefix and as the
// first byte of its own logical body, and a reader compares the two
// copies. This keeps every block self-describing by construction
// (required by the consistency contract) and keeps segment addressing
// (OffsetInfo) an exact, closed-form computation instead of a
// CACHELINE-dependent walk.
package wire

import "fmt"

// Layout describes a node's physical shape: an opaque header body
// (version embedded as its own logical field, stored verbatim with no
// interleave prefix, matching spec's "first min(S, CACHELINE) bytes
// stored verbatim") followed by Span entries, each EntrySize bytes,
// each preceded on the wire by a one-byte version copy.
type Layout struct {
	HeaderSize int
	EntrySize  int
	Span       int
}

// OnWireSize returns the total physical byte size of a node under
// this layout, including every interleaved version byte.
func (l Layout) OnWireSize() int {
	return l.HeaderSize + l.Span*(1+l.EntrySize)
}

// EntryRawOffset returns the physical byte offset at which the
// interleaved version prefix for entry entryIdx begins.
func (l Layout) EntryRawOffset(entryIdx int) int {
	return l.HeaderSize + entryIdx*(1+l.EntrySize)
}

// SegmentInfo is the offset_info(start, count) contract from spec
// section 4.1: the byte range a segment write/read occupies on the
// wire. FirstOffset is always 0 under this package's one-entry-per-
// block design — a segment of whole entries never starts mid-block.
type SegmentInfo struct {
	RawOffset   int
	RawLength   int
	FirstOffset int
}

// OffsetInfo computes the physical byte range covered by the entry
// range [startEntry, startEntry+count).
func (l Layout) OffsetInfo(startEntry, count int) SegmentInfo {
	if startEntry < 0 || count < 0 || startEntry+count > l.Span {
		panic(fmt.Sprintf("wire: segment [%d,%d) out of range for span %d", startEntry, startEntry+count, l.Span))
	}
	return SegmentInfo{
		RawOffset:   l.EntryRawOffset(startEntry),
		RawLength:   count * (1 + l.EntrySize),
		FirstOffset: 0,
	}
}

// EncodeFull assembles the on-wire bytes of an entire node from its
// already version-bumped logical header and entry bodies. Each
// entry's first byte (its own embedded version field) is replicated
// as the interleaved prefix immediately before it.
func EncodeFull(layout Layout, header []byte, entries [][]byte) []byte {
	if len(header) != layout.HeaderSize {
		panic("wire: header size mismatch")
	}
	if len(entries) != layout.Span {
		panic("wire: entry count mismatch")
	}
	out := make([]byte, 0, layout.OnWireSize())
	out = append(out, header...)
	for _, e := range entries {
		if len(e) != layout.EntrySize {
			panic("wire: entry size mismatch")
		}
		out = append(out, e[0])
		out = append(out, e...)
	}
	return out
}

// DecodeFull reverses EncodeFull. ok is false if any entry's
// interleaved version prefix disagrees with its own embedded version
// byte, signalling a torn read that the caller must retry.
func DecodeFull(layout Layout, onwire []byte) (header []byte, entries [][]byte, ok bool) {
	if len(onwire) != layout.OnWireSize() {
		return nil, nil, false
	}
	header = append([]byte(nil), onwire[:layout.HeaderSize]...)
	entries = make([][]byte, layout.Span)
	ok = true
	pos := layout.HeaderSize
	for i := 0; i < layout.Span; i++ {
		prefix := onwire[pos]
		pos++
		body := onwire[pos : pos+layout.EntrySize]
		pos += layout.EntrySize
		entries[i] = append([]byte(nil), body...)
		if body[0] != prefix {
			ok = false
		}
	}
	return header, entries, ok
}

// EncodeSegment assembles the on-wire bytes for a contiguous run of
// already version-bumped entry bodies, in the form a writer hands to
// Transport.Write at SegmentInfo.RawOffset.
func EncodeSegment(layout Layout, entries [][]byte) []byte {
	out := make([]byte, 0, len(entries)*(1+layout.EntrySize))
	for _, e := range entries {
		if len(e) != layout.EntrySize {
			panic("wire: entry size mismatch")
		}
		out = append(out, e[0])
		out = append(out, e...)
	}
	return out
}

// DecodeSegment reverses EncodeSegment for a run of count entries.
func DecodeSegment(layout Layout, onwire []byte, count int) (entries [][]byte, ok bool) {
	if len(onwire) != count*(1+layout.EntrySize) {
		return nil, false
	}
	entries = make([][]byte, count)
	ok = true
	pos := 0
	for i := 0; i < count; i++ {
		prefix := onwire[pos]
		pos++
		body := onwire[pos : pos+layout.EntrySize]
		pos += layout.EntrySize
		entries[i] = append([]byte(nil), body...)
		if body[0] != prefix {
			ok = false
		}
	}
	return entries, ok
}

// EncodeHeader returns the verbatim on-wire bytes for just the header
// (no interleave — the header occupies spec's "first cache line").
func EncodeHeader(layout Layout, header []byte) []byte {
	if len(header) != layout.HeaderSize {
		panic("wire: header size mismatch")
	}
	return append([]byte(nil), header...)
}

// DecodeHeader reverses EncodeHeader.
func DecodeHeader(layout Layout, onwire []byte) (header []byte, ok bool) {
	if len(onwire) != layout.HeaderSize {
		return nil, false
	}
	return append([]byte(nil), onwire...), true
}
