package rnode

import "testing"

func newTestLeaf(span, h int) *LeafNode {
	n := NewLeafNode(span, h)
	n.Header.FenceLow = KeyMin
	n.Header.FenceHigh = KeyMax
	return n
}

// placeDirect sets entry slot directly at home and marks the home
// slot's hop bitmap bit 0, the simplest possible hopscotch placement,
// so leaf tests can build a fixture without going through pkg/rtree's
// insert path.
func placeDirect(n *LeafNode, home int, k Key, v Value) {
	n.Entries[home] = LeafEntry{Key: k, Value: v, HopBitmap: 0}
	n.Entries[home].HopBitmap |= 1
}

func TestLeafFullEncodeDecodeRoundtrip(t *testing.T) {
	n := newTestLeaf(16, 4)
	k1 := KeyFromUint64(1)
	home := k1.HomeSlot(16)
	placeDirect(n, home, k1, Value(100))

	onwire := n.EncodeFull()
	got, consistent := DecodeLeafNode(16, 4, onwire)
	if !consistent {
		t.Fatalf("DecodeLeafNode reported inconsistent read on a freshly encoded leaf")
	}
	if got.Entries[home].Key != k1 || got.Entries[home].Value != 100 {
		t.Fatalf("decoded entry at %d = %+v, want key=%v value=100", home, got.Entries[home], k1)
	}
}

func TestLeafFullEncodeDecodeDetectsTornMetadata(t *testing.T) {
	n := newTestLeaf(16, 4)
	onwire := n.EncodeFull()
	// Corrupt one byte inside the second group's metadata replica so it
	// no longer matches the first group's, simulating a torn read.
	groupSize := scatteredMetaSize + 4*(1+leafEntrySize)
	onwire[leafHeaderSize+groupSize] ^= 0xFF
	_, consistent := DecodeLeafNode(16, 4, onwire)
	if consistent {
		t.Fatalf("expected DecodeLeafNode to flag mismatched metadata replicas as inconsistent")
	}
}

func TestVerifyHopscotchInvariant(t *testing.T) {
	n := newTestLeaf(16, 4)
	k1 := KeyFromUint64(1)
	home := k1.HomeSlot(16)
	placeDirect(n, home, k1, Value(1))

	if !n.VerifyHopscotchInvariant(home) {
		t.Fatalf("expected hopscotch invariant to hold for a freshly placed direct entry")
	}

	// Flip a bit that doesn't correspond to any occupant: invariant must fail.
	n.Entries[home].HopBitmap |= 1 << 1
	if n.VerifyHopscotchInvariant(home) {
		t.Fatalf("expected hopscotch invariant to fail when hop_bitmap claims an unoccupied displacement")
	}
}

func TestFindInNeighborhood(t *testing.T) {
	n := newTestLeaf(16, 4)
	k1 := KeyFromUint64(1)
	home := k1.HomeSlot(16)
	placeDirect(n, home, k1, Value(7))

	if slot := n.FindInNeighborhood(home, k1); slot != home {
		t.Fatalf("FindInNeighborhood = %d, want %d", slot, home)
	}
	if slot := n.FindInNeighborhood(home, KeyFromUint64(999)); slot != -1 {
		t.Fatalf("FindInNeighborhood for absent key = %d, want -1", slot)
	}
}

// TestEncodeSegmentAcrossGroupBoundary exercises the group-boundary
// case directly: a segment whose first entry is not the first entry
// of its group must not emit/consume a leading metadata replica, only
// one for each later group it crosses into.
func TestEncodeSegmentAcrossGroupBoundary(t *testing.T) {
	layout := LeafLayout{Span: 16, Neighborhood: 4}
	n := newTestLeaf(16, 4)
	for i := 0; i < 16; i++ {
		n.Entries[i] = LeafEntry{Key: KeyFromUint64(uint64(i + 1)), Value: Value(i + 1)}
	}

	// Start mid-group (entry 1 of group 0) and span into group 1.
	start, count := 1, 4
	seg := n.EncodeSegment(start, count)

	entries, metas, consistent := DecodeSegment(layout, seg, start, count)
	if !consistent {
		t.Fatalf("DecodeSegment reported inconsistent on a freshly encoded segment")
	}
	if len(entries) != count {
		t.Fatalf("DecodeSegment returned %d entries, want %d", len(entries), count)
	}
	for i, e := range entries {
		want := KeyFromUint64(uint64(start + i + 1))
		if e.Key != want {
			t.Fatalf("entry %d key = %v, want %v", i, e.Key, want)
		}
	}
	// start=1..4 crosses exactly one group boundary (group 0 -> group 1
	// at index 4), so exactly one metadata replica must be present.
	if len(metas) != 1 {
		t.Fatalf("expected exactly 1 metadata replica crossing one group boundary, got %d", len(metas))
	}
}

func TestEncodeSegmentWithinSingleGroupHasNoMetadata(t *testing.T) {
	layout := LeafLayout{Span: 16, Neighborhood: 4}
	n := newTestLeaf(16, 4)
	for i := 0; i < 16; i++ {
		n.Entries[i] = LeafEntry{Key: KeyFromUint64(uint64(i + 1)), Value: Value(i + 1)}
	}

	start, count := 1, 2
	seg := n.EncodeSegment(start, count)
	plan := layout.PlanSegment(start, count)
	if len(seg) != plan.RawLength {
		t.Fatalf("EncodeSegment produced %d bytes, PlanSegment expects %d", len(seg), plan.RawLength)
	}

	entries, metas, consistent := DecodeSegment(layout, seg, start, count)
	if !consistent {
		t.Fatalf("DecodeSegment reported inconsistent for a single-group segment")
	}
	if len(metas) != 0 {
		t.Fatalf("expected no metadata replica for a segment confined to one group, got %d", len(metas))
	}
	if len(entries) != count {
		t.Fatalf("got %d entries, want %d", len(entries), count)
	}
}

func TestEncodeSegmentSingleEntryMatchesPlanSegment(t *testing.T) {
	// Regression test for the group-boundary bug: a single-entry
	// segment's encoded length must equal PlanSegment's RawLength no
	// matter where in its group the entry falls, since the remote
	// write path trusts PlanSegment's length to size the wire buffer.
	layout := LeafLayout{Span: 16, Neighborhood: 4}
	n := newTestLeaf(16, 4)
	for i := 0; i < 16; i++ {
		n.Entries[i] = LeafEntry{Key: KeyFromUint64(uint64(i + 1)), Value: Value(i + 1)}
	}

	for start := 0; start < 16; start++ {
		seg := n.EncodeSegment(start, 1)
		plan := layout.PlanSegment(start, 1)
		if len(seg) != plan.RawLength {
			t.Fatalf("entry %d: EncodeSegment produced %d bytes, PlanSegment expects %d", start, len(seg), plan.RawLength)
		}
	}
}
