package rtree

import (
	"context"
	"reflect"
	"sync"
	"testing"

	"github.com/ssargent/rmemtree/pkg/remote"
	"github.com/ssargent/rmemtree/pkg/rnode"
)

func newTestTree(t *testing.T, spanLeaf int) *Tree {
	t.Helper()
	sim := remote.NewSimulator(4, 1<<20)
	tr, err := New(context.Background(), sim, Options{
		InitRoot:     true,
		SpanInternal: 8,
		SpanLeaf:     spanLeaf,
		Neighborhood: 4,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tr
}

// S1 — point insert and lookup.
func TestPointInsertAndLookup(t *testing.T) {
	ctx := context.Background()
	tr := newTestTree(t, 16)

	if err := tr.Insert(ctx, rnode.KeyFromUint64(1), rnode.Value(100)); err != nil {
		t.Fatalf("Insert(1,100): %v", err)
	}
	if err := tr.Insert(ctx, rnode.KeyFromUint64(2), rnode.Value(200)); err != nil {
		t.Fatalf("Insert(2,200): %v", err)
	}

	if v, ok, err := tr.Search(ctx, rnode.KeyFromUint64(1)); err != nil || !ok || v != 100 {
		t.Fatalf("Search(1) = (%d,%v,%v), want (100,true,nil)", v, ok, err)
	}
	if v, ok, err := tr.Search(ctx, rnode.KeyFromUint64(2)); err != nil || !ok || v != 200 {
		t.Fatalf("Search(2) = (%d,%v,%v), want (200,true,nil)", v, ok, err)
	}
	if _, ok, err := tr.Search(ctx, rnode.KeyFromUint64(3)); err != nil || ok {
		t.Fatalf("Search(3) = (ok=%v,%v), want (false,nil)", ok, err)
	}
}

// S2 — single-leaf fill and split.
func TestSingleLeafFillAndSplit(t *testing.T) {
	ctx := context.Background()
	span := 16
	tr := newTestTree(t, span)

	n := span + 1
	for k := 1; k <= n; k++ {
		if err := tr.Insert(ctx, rnode.KeyFromUint64(uint64(k)), rnode.Value(k)); err != nil {
			t.Fatalf("Insert(%d): %v", k, err)
		}
	}
	for k := 1; k <= n; k++ {
		v, ok, err := tr.Search(ctx, rnode.KeyFromUint64(uint64(k)))
		if err != nil || !ok || uint64(v) != uint64(k) {
			t.Fatalf("Search(%d) = (%d,%v,%v), want (%d,true,nil)", k, v, ok, err, k)
		}
	}
	if tr.Statistics().LeafSplits < 1 {
		t.Fatalf("expected at least one leaf split, saw %d", tr.Statistics().LeafSplits)
	}
}

// S3 — update path.
func TestUpdatePath(t *testing.T) {
	ctx := context.Background()
	tr := newTestTree(t, 16)

	key := rnode.KeyFromUint64(42)
	if err := tr.Insert(ctx, key, rnode.Value(42)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tr.Update(ctx, key, rnode.Value(99)); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if v, ok, err := tr.Search(ctx, key); err != nil || !ok || v != 99 {
		t.Fatalf("Search(42) = (%d,%v,%v), want (99,true,nil)", v, ok, err)
	}
}

// spec section 9's open question, resolved in favor of a distinct
// error rather than an assertion.
func TestUpdateMissingKeyReturnsErrKeyNotFound(t *testing.T) {
	ctx := context.Background()
	tr := newTestTree(t, 16)
	err := tr.Update(ctx, rnode.KeyFromUint64(1), rnode.Value(1))
	if err != ErrKeyNotFound {
		t.Fatalf("Update on a missing key returned %v, want ErrKeyNotFound", err)
	}
}

// S4 — concurrent writers, same key.
func TestConcurrentWritersSameKey(t *testing.T) {
	ctx := context.Background()
	tr := newTestTree(t, 16)

	key := rnode.KeyFromUint64(7)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = tr.Insert(ctx, key, rnode.Value('a')) }()
	go func() { defer wg.Done(); _ = tr.Insert(ctx, key, rnode.Value('b')) }()
	wg.Wait()

	v, ok, err := tr.Search(ctx, key)
	if err != nil || !ok || (v != 'a' && v != 'b') {
		t.Fatalf("Search(7) = (%d,%v,%v), want one of ('a','b')", v, ok, err)
	}
}

// S5 — range scan across three leaves.
func TestRangeScanAcrossThreeLeaves(t *testing.T) {
	ctx := context.Background()
	span := 16
	tr := newTestTree(t, span)

	total := 3 * span
	for k := 1; k <= total; k++ {
		if err := tr.Insert(ctx, rnode.KeyFromUint64(uint64(k)), rnode.Value(k)); err != nil {
			t.Fatalf("Insert(%d): %v", k, err)
		}
	}

	from := uint64(span / 2)
	to := uint64(2*span + span/2)
	got, err := tr.RangeQuery(ctx, rnode.KeyFromUint64(from), rnode.KeyFromUint64(to))
	if err != nil {
		t.Fatalf("RangeQuery: %v", err)
	}
	wantCount := int(to - from)
	if len(got) != wantCount {
		t.Fatalf("RangeQuery(%d,%d) returned %d keys, want %d", from, to, len(got), wantCount)
	}
	for k := from; k < to; k++ {
		v, ok := got[rnode.KeyFromUint64(k)]
		if !ok || uint64(v) != k {
			t.Fatalf("RangeQuery(%d,%d): key %d missing or wrong value %d", from, to, k, v)
		}
	}
}

// S6 — sibling forwarding after split: enough inserts to force
// several splits, then point lookups across the whole range, which
// only succeed if turn-right forwarding lands on the right leaf every
// time (the public API doesn't expose the tree cache directly, so a
// stale-cache read can't be forced deterministically from here).
func TestSiblingForwardingAfterMultipleSplits(t *testing.T) {
	ctx := context.Background()
	span := 16
	tr := newTestTree(t, span)

	total := 5 * span
	for k := 1; k <= total; k++ {
		if err := tr.Insert(ctx, rnode.KeyFromUint64(uint64(k)), rnode.Value(k)); err != nil {
			t.Fatalf("Insert(%d): %v", k, err)
		}
	}
	for k := 1; k <= total; k++ {
		v, ok, err := tr.Search(ctx, rnode.KeyFromUint64(uint64(k)))
		if err != nil || !ok || uint64(v) != uint64(k) {
			t.Fatalf("Search(%d) after multi-split growth = (%d,%v,%v)", k, v, ok, err)
		}
	}
	if tr.Statistics().LeafSplits < 2 {
		t.Fatalf("expected multiple leaf splits, saw %d", tr.Statistics().LeafSplits)
	}
}

// Testable property 1: order-preserving KV correctness against a
// reference map, for a randomized-ish mixed insert/update/search
// sequence.
func TestOrderPreservingCorrectnessAgainstReferenceMap(t *testing.T) {
	ctx := context.Background()
	tr := newTestTree(t, 16)
	ref := make(map[uint64]rnode.Value)

	keys := []uint64{5, 1, 9, 3, 7, 2, 8, 4, 6, 10, 50, 20, 30}
	for _, k := range keys {
		v := rnode.Value(k * 10)
		if err := tr.Insert(ctx, rnode.KeyFromUint64(k), v); err != nil {
			t.Fatalf("Insert(%d): %v", k, err)
		}
		ref[k] = v
	}
	// Update a subset.
	for _, k := range []uint64{1, 9, 50} {
		v := rnode.Value(k * 100)
		if err := tr.Update(ctx, rnode.KeyFromUint64(k), v); err != nil {
			t.Fatalf("Update(%d): %v", k, err)
		}
		ref[k] = v
	}

	for k, want := range ref {
		got, ok, err := tr.Search(ctx, rnode.KeyFromUint64(k))
		if err != nil || !ok || got != want {
			t.Fatalf("Search(%d) = (%d,%v,%v), want (%d,true,nil)", k, got, ok, err, want)
		}
	}
	if _, ok, err := tr.Search(ctx, rnode.KeyFromUint64(999)); err != nil || ok {
		t.Fatalf("Search(999) on an absent key = (ok=%v,%v), want (false,nil)", ok, err)
	}
}

// Testable property 4 (version monotonicity): an update to one key
// must not perturb the value of an unrelated key in the same leaf
// neighborhood, and must not force a node-wide rewrite.
func TestUpdateTouchesOnlyItsOwnEntry(t *testing.T) {
	ctx := context.Background()
	tr := newTestTree(t, 16)

	if err := tr.Insert(ctx, rnode.KeyFromUint64(1), rnode.Value(1)); err != nil {
		t.Fatalf("Insert(1): %v", err)
	}
	if err := tr.Insert(ctx, rnode.KeyFromUint64(2), rnode.Value(2)); err != nil {
		t.Fatalf("Insert(2): %v", err)
	}
	if err := tr.Update(ctx, rnode.KeyFromUint64(1), rnode.Value(111)); err != nil {
		t.Fatalf("Update(1): %v", err)
	}

	v1, ok, err := tr.Search(ctx, rnode.KeyFromUint64(1))
	if err != nil || !ok || v1 != 111 {
		t.Fatalf("Search(1) = (%d,%v,%v), want (111,true,nil)", v1, ok, err)
	}
	v2, ok, err := tr.Search(ctx, rnode.KeyFromUint64(2))
	if err != nil || !ok || v2 != 2 {
		t.Fatalf("Search(2) = (%d,%v,%v), want (2,true,nil) — untouched by key 1's update", v2, ok, err)
	}
}

func TestClearDebugInfoResetsCounters(t *testing.T) {
	ctx := context.Background()
	tr := newTestTree(t, 16)
	if err := tr.Insert(ctx, rnode.KeyFromUint64(1), rnode.Value(1)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if tr.Statistics().Inserts == 0 {
		t.Fatal("expected a non-zero insert counter before reset")
	}
	tr.ClearDebugInfo()
	s := tr.Statistics()
	// NodeLabels is derived from the transport, not a counter
	// ClearDebugInfo is meant to touch; ignore it for the zero-value
	// comparison below.
	s.NodeLabels = nil
	if !reflect.DeepEqual(s, Statistics{}) {
		t.Fatalf("Statistics() after ClearDebugInfo = %+v, want all counters zero", s)
	}
}

// The Simulator names its nodes with ksuid for diagnostics (spec
// section 6's statistics() surface); Statistics should surface them.
func TestStatisticsSurfacesNodeLabels(t *testing.T) {
	ctx := context.Background()
	tr := newTestTree(t, 16)
	if err := tr.Insert(ctx, rnode.KeyFromUint64(1), rnode.Value(1)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	labels := tr.Statistics().NodeLabels
	if len(labels) != 4 {
		t.Fatalf("Statistics().NodeLabels has %d entries, want 4 (newTestTree's simulator node count)", len(labels))
	}
	for i, l := range labels {
		if l == "" {
			t.Fatalf("NodeLabels[%d] is empty, want a minted ksuid string", i)
		}
	}
}

func TestRangeQueryEmptyWhenFromNotLessThanTo(t *testing.T) {
	ctx := context.Background()
	tr := newTestTree(t, 16)
	got, err := tr.RangeQuery(ctx, rnode.KeyFromUint64(10), rnode.KeyFromUint64(10))
	if err != nil {
		t.Fatalf("RangeQuery: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("RangeQuery(10,10) returned %d keys, want 0 for an empty half-open range", len(got))
	}
}
