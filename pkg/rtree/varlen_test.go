package rtree

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/ssargent/rmemtree/pkg/remote"
	"github.com/ssargent/rmemtree/pkg/rnode"
)

func newVarlenTestTree(t *testing.T, spanLeaf int) *Tree {
	t.Helper()
	blocks, err := remote.OpenBlockStore(filepath.Join(t.TempDir(), "blocks"))
	if err != nil {
		t.Fatalf("OpenBlockStore: %v", err)
	}
	t.Cleanup(func() { _ = blocks.Close() })

	sim := remote.NewSimulator(4, 1<<20)
	tr, err := New(context.Background(), sim, Options{
		InitRoot:     true,
		SpanInternal: 8,
		SpanLeaf:     spanLeaf,
		Neighborhood: 4,
		BlockStore:   blocks,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tr
}

// spec section 3's variable-length-value mode: InsertBytes spills data
// through the configured BlockStore and SearchBytes reads it back.
func TestInsertAndSearchBytes(t *testing.T) {
	ctx := context.Background()
	tr := newVarlenTestTree(t, 16)

	key := rnode.KeyFromUint64(1)
	want := []byte("a value longer than 8 bytes, spilled out of line")
	if err := tr.InsertBytes(ctx, key, want); err != nil {
		t.Fatalf("InsertBytes: %v", err)
	}

	got, ok, err := tr.SearchBytes(ctx, key)
	if err != nil || !ok {
		t.Fatalf("SearchBytes = (ok=%v,%v), want (true,nil)", ok, err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("SearchBytes = %q, want %q", got, want)
	}
}

// UpdateBytes must overwrite the stored block and require a pre-existing
// key, same as Update.
func TestUpdateBytesRequiresExistingKey(t *testing.T) {
	ctx := context.Background()
	tr := newVarlenTestTree(t, 16)
	key := rnode.KeyFromUint64(1)

	if err := tr.UpdateBytes(ctx, key, []byte("nope")); err != ErrKeyNotFound {
		t.Fatalf("UpdateBytes on a missing key = %v, want ErrKeyNotFound", err)
	}

	if err := tr.InsertBytes(ctx, key, []byte("first")); err != nil {
		t.Fatalf("InsertBytes: %v", err)
	}
	if err := tr.UpdateBytes(ctx, key, []byte("second")); err != nil {
		t.Fatalf("UpdateBytes: %v", err)
	}
	got, ok, err := tr.SearchBytes(ctx, key)
	if err != nil || !ok || !bytes.Equal(got, []byte("second")) {
		t.Fatalf("SearchBytes = (%q,%v,%v), want (\"second\",true,nil)", got, ok, err)
	}
}

// RangeQueryBytes resolves every leaf entry's packed ValuePtr in the
// range, matching RangeQuery's half-open [from, to) semantics.
func TestRangeQueryBytes(t *testing.T) {
	ctx := context.Background()
	tr := newVarlenTestTree(t, 16)

	want := map[uint64][]byte{
		1: []byte("one"),
		2: []byte("two"),
		3: []byte("three"),
	}
	for k, v := range want {
		if err := tr.InsertBytes(ctx, rnode.KeyFromUint64(k), v); err != nil {
			t.Fatalf("InsertBytes(%d): %v", k, err)
		}
	}

	got, err := tr.RangeQueryBytes(ctx, rnode.KeyFromUint64(1), rnode.KeyFromUint64(4))
	if err != nil {
		t.Fatalf("RangeQueryBytes: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("RangeQueryBytes returned %d keys, want %d", len(got), len(want))
	}
	for k, wantV := range want {
		gotV, ok := got[rnode.KeyFromUint64(k)]
		if !ok || !bytes.Equal(gotV, wantV) {
			t.Fatalf("RangeQueryBytes[%d] = (%q,%v), want %q", k, gotV, ok, wantV)
		}
	}
}

// Without Options.BlockStore, the Bytes-suffixed API reports it is
// disabled rather than silently falling back to the fixed-Value path.
func TestBytesAPIDisabledWithoutBlockStore(t *testing.T) {
	ctx := context.Background()
	tr := newTestTree(t, 16)

	if err := tr.InsertBytes(ctx, rnode.KeyFromUint64(1), []byte("x")); err != ErrVariableLengthValuesDisabled {
		t.Fatalf("InsertBytes without a BlockStore = %v, want ErrVariableLengthValuesDisabled", err)
	}
	if _, _, err := tr.SearchBytes(ctx, rnode.KeyFromUint64(1)); err != ErrVariableLengthValuesDisabled {
		t.Fatalf("SearchBytes without a BlockStore = %v, want ErrVariableLengthValuesDisabled", err)
	}
}
