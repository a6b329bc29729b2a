package wire

import (
	"bytes"
	"testing"
)

func testLayout() Layout {
	return Layout{HeaderSize: 8, EntrySize: 4, Span: 4}
}

func TestOnWireSize(t *testing.T) {
	l := testLayout()
	want := 8 + 4*(1+4)
	if got := l.OnWireSize(); got != want {
		t.Fatalf("OnWireSize() = %d, want %d", got, want)
	}
}

func TestEncodeDecodeFullRoundTrip(t *testing.T) {
	l := testLayout()
	header := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	entries := [][]byte{
		{0xAA, 1, 2, 3},
		{0xBB, 4, 5, 6},
		{0xCC, 7, 8, 9},
		{0xDD, 10, 11, 12},
	}
	onwire := EncodeFull(l, header, entries)
	if len(onwire) != l.OnWireSize() {
		t.Fatalf("EncodeFull produced %d bytes, want %d", len(onwire), l.OnWireSize())
	}

	gotHeader, gotEntries, ok := DecodeFull(l, onwire)
	if !ok {
		t.Fatal("DecodeFull reported inconsistent on a clean encode")
	}
	if !bytes.Equal(gotHeader, header) {
		t.Fatalf("header = %v, want %v", gotHeader, header)
	}
	for i, e := range entries {
		if !bytes.Equal(gotEntries[i], e) {
			t.Fatalf("entry %d = %v, want %v", i, gotEntries[i], e)
		}
	}
}

func TestDecodeFullDetectsTornEntry(t *testing.T) {
	l := testLayout()
	header := make([]byte, l.HeaderSize)
	entries := [][]byte{
		{0xAA, 1, 2, 3},
		{0xBB, 4, 5, 6},
		{0xCC, 7, 8, 9},
		{0xDD, 10, 11, 12},
	}
	onwire := EncodeFull(l, header, entries)

	// Corrupt entry 2's interleaved prefix byte without touching its
	// logical body, simulating a write torn mid-way through.
	prefixPos := l.EntryRawOffset(2)
	onwire[prefixPos] ^= 0xFF

	_, _, ok := DecodeFull(l, onwire)
	if ok {
		t.Fatal("DecodeFull must report inconsistent when an interleave prefix disagrees with its entry")
	}
}

func TestDecodeFullWrongLength(t *testing.T) {
	l := testLayout()
	_, _, ok := DecodeFull(l, []byte{1, 2, 3})
	if ok {
		t.Fatal("DecodeFull must reject a byte slice of the wrong total length")
	}
}

func TestOffsetInfoSegment(t *testing.T) {
	l := testLayout()
	info := l.OffsetInfo(1, 2)
	if info.FirstOffset != 0 {
		t.Fatalf("FirstOffset = %d, want 0 (whole-entry segments)", info.FirstOffset)
	}
	wantLen := 2 * (1 + l.EntrySize)
	if info.RawLength != wantLen {
		t.Fatalf("RawLength = %d, want %d", info.RawLength, wantLen)
	}
	wantOffset := l.EntryRawOffset(1)
	if info.RawOffset != wantOffset {
		t.Fatalf("RawOffset = %d, want %d", info.RawOffset, wantOffset)
	}
}

func TestOffsetInfoOutOfRangePanics(t *testing.T) {
	l := testLayout()
	defer func() {
		if recover() == nil {
			t.Fatal("OffsetInfo must panic when the requested range exceeds the span")
		}
	}()
	l.OffsetInfo(3, 5)
}

func TestEncodeDecodeSegmentRoundTrip(t *testing.T) {
	l := testLayout()
	entries := [][]byte{
		{0x11, 1, 1, 1},
		{0x22, 2, 2, 2},
	}
	seg := EncodeSegment(l, entries)
	got, ok := DecodeSegment(l, seg, 2)
	if !ok {
		t.Fatal("DecodeSegment reported inconsistent on a clean encode")
	}
	for i, e := range entries {
		if !bytes.Equal(got[i], e) {
			t.Fatalf("segment entry %d = %v, want %v", i, got[i], e)
		}
	}
}

func TestEncodeHeaderDecodeHeader(t *testing.T) {
	l := testLayout()
	header := []byte{9, 8, 7, 6, 5, 4, 3, 2}
	onwire := EncodeHeader(l, header)
	got, ok := DecodeHeader(l, onwire)
	if !ok || !bytes.Equal(got, header) {
		t.Fatalf("DecodeHeader round trip failed: got %v ok=%v, want %v", got, ok, header)
	}
}
