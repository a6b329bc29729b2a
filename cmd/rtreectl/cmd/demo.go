/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ssargent/rmemtree/pkg/config"
	"github.com/ssargent/rmemtree/pkg/remote"
	"github.com/ssargent/rmemtree/pkg/rnode"
	"github.com/ssargent/rmemtree/pkg/rtree"
)

// scenario is one named end-to-end check, run against a freshly built
// tree so scenarios never interfere with each other.
type scenario struct {
	name string
	run  func(ctx context.Context, cfg *config.Config) error
}

var scenarios = []scenario{
	{"S1 point insert and lookup", scenarioS1},
	{"S2 single-leaf fill and split", scenarioS2},
	{"S3 update path", scenarioS3},
	{"S4 concurrent writers, same key", scenarioS4},
	{"S5 range scan across three leaves", scenarioS5},
	{"S6 sibling forwarding after split", scenarioS6},
}

// demoCmd represents the demo command
var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run the end-to-end tree scenarios against the in-memory simulator",
	Long: `demo builds a fresh tree over an in-process remote.Simulator for
each scenario and exercises the point, split, update, concurrent-write,
and range-query paths, printing a pass/fail line per scenario.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := configFromContext(cmd.Context())
		ctx := cmd.Context()

		failures := 0
		for _, sc := range scenarios {
			err := sc.run(ctx, cfg)
			if err != nil {
				failures++
				fmt.Printf("FAIL  %s: %v\n", sc.name, err)
				continue
			}
			fmt.Printf("PASS  %s\n", sc.name)
		}
		if failures > 0 {
			return fmt.Errorf("%d scenario(s) failed", failures)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(demoCmd)
}

func newDemoTree(ctx context.Context, cfg *config.Config) (*rtree.Tree, error) {
	sim := remote.NewSimulator(cfg.Transport.NodeCount, cfg.Transport.ArenaMB<<20)
	return rtree.New(ctx, sim, rtree.Options{
		InitRoot:      true,
		SpanInternal:  cfg.Tree.SpanInternal,
		SpanLeaf:      cfg.Tree.SpanLeaf,
		Neighborhood:  cfg.Tree.Neighborhood,
		TreeCacheSize: cfg.Tree.TreeCacheSize,
		HotspotSize:   cfg.Tree.HotspotSize,
	})
}

func scenarioS1(ctx context.Context, cfg *config.Config) error {
	t, err := newDemoTree(ctx, cfg)
	if err != nil {
		return err
	}
	if err := t.Insert(ctx, rnode.KeyFromUint64(1), rnode.Value(100)); err != nil {
		return err
	}
	if err := t.Insert(ctx, rnode.KeyFromUint64(2), rnode.Value(200)); err != nil {
		return err
	}
	if v, ok, err := t.Search(ctx, rnode.KeyFromUint64(1)); err != nil || !ok || v != 100 {
		return fmt.Errorf("search(1): got (%d,%v,%v), want (100,true,nil)", v, ok, err)
	}
	if v, ok, err := t.Search(ctx, rnode.KeyFromUint64(2)); err != nil || !ok || v != 200 {
		return fmt.Errorf("search(2): got (%d,%v,%v), want (200,true,nil)", v, ok, err)
	}
	if _, ok, err := t.Search(ctx, rnode.KeyFromUint64(3)); err != nil || ok {
		return fmt.Errorf("search(3): got (ok=%v,%v), want (false,nil)", ok, err)
	}
	return nil
}

func scenarioS2(ctx context.Context, cfg *config.Config) error {
	t, err := newDemoTree(ctx, cfg)
	if err != nil {
		return err
	}
	n := cfg.Tree.SpanLeaf + 1
	for k := 1; k <= n; k++ {
		if err := t.Insert(ctx, rnode.KeyFromUint64(uint64(k)), rnode.Value(k)); err != nil {
			return err
		}
	}
	for k := 1; k <= n; k++ {
		v, ok, err := t.Search(ctx, rnode.KeyFromUint64(uint64(k)))
		if err != nil || !ok || uint64(v) != uint64(k) {
			return fmt.Errorf("search(%d): got (%d,%v,%v), want (%d,true,nil)", k, v, ok, err, k)
		}
	}
	if t.Statistics().LeafSplits < 1 {
		return fmt.Errorf("expected at least one leaf split, saw %d", t.Statistics().LeafSplits)
	}
	return nil
}

func scenarioS3(ctx context.Context, cfg *config.Config) error {
	t, err := newDemoTree(ctx, cfg)
	if err != nil {
		return err
	}
	key := rnode.KeyFromUint64(42)
	if err := t.Insert(ctx, key, rnode.Value(42)); err != nil {
		return err
	}
	if err := t.Update(ctx, key, rnode.Value(99)); err != nil {
		return err
	}
	if v, ok, err := t.Search(ctx, key); err != nil || !ok || v != 99 {
		return fmt.Errorf("search(42): got (%d,%v,%v), want (99,true,nil)", v, ok, err)
	}
	return nil
}

func scenarioS4(ctx context.Context, cfg *config.Config) error {
	t, err := newDemoTree(ctx, cfg)
	if err != nil {
		return err
	}
	key := rnode.KeyFromUint64(7)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.Insert(gctx, key, rnode.Value('a')) })
	g.Go(func() error { return t.Insert(gctx, key, rnode.Value('b')) })
	if err := g.Wait(); err != nil {
		return err
	}
	v, ok, err := t.Search(ctx, key)
	if err != nil || !ok || (v != 'a' && v != 'b') {
		return fmt.Errorf("search(7): got (%d,%v,%v), want one of ('a','b')", v, ok, err)
	}
	return nil
}

func scenarioS5(ctx context.Context, cfg *config.Config) error {
	t, err := newDemoTree(ctx, cfg)
	if err != nil {
		return err
	}
	span := cfg.Tree.SpanLeaf
	total := 3 * span
	for k := 1; k <= total; k++ {
		if err := t.Insert(ctx, rnode.KeyFromUint64(uint64(k)), rnode.Value(k)); err != nil {
			return err
		}
	}
	from := uint64(span / 2)
	to := uint64(2*span + span/2)
	got, err := t.RangeQuery(ctx, rnode.KeyFromUint64(from), rnode.KeyFromUint64(to))
	if err != nil {
		return err
	}
	wantCount := int(to - from)
	if len(got) != wantCount {
		return fmt.Errorf("range_query(%d,%d): got %d keys, want %d", from, to, len(got), wantCount)
	}
	for k := from; k < to; k++ {
		v, ok := got[rnode.KeyFromUint64(k)]
		if !ok || uint64(v) != k {
			return fmt.Errorf("range_query(%d,%d): key %d missing or wrong value %d", from, to, k, v)
		}
	}
	return nil
}

// scenarioS6 cannot directly force a stale-cache read from the public
// API (the tree cache is not exposed), so it approximates the spec's
// intent: enough inserts to guarantee multiple splits, then point
// lookups across the full key range, which only succeed if every
// sibling-forwarding path (cold or stale cache alike) still lands on
// the right leaf.
func scenarioS6(ctx context.Context, cfg *config.Config) error {
	t, err := newDemoTree(ctx, cfg)
	if err != nil {
		return err
	}
	total := 5 * cfg.Tree.SpanLeaf
	for k := 1; k <= total; k++ {
		if err := t.Insert(ctx, rnode.KeyFromUint64(uint64(k)), rnode.Value(k)); err != nil {
			return err
		}
	}
	for k := 1; k <= total; k++ {
		v, ok, err := t.Search(ctx, rnode.KeyFromUint64(uint64(k)))
		if err != nil || !ok || uint64(v) != uint64(k) {
			return fmt.Errorf("search(%d) after multi-split growth: got (%d,%v,%v)", k, v, ok, err)
		}
	}
	if t.Statistics().LeafSplits < 2 {
		return fmt.Errorf("expected multiple leaf splits to exercise sibling forwarding, saw %d", t.Statistics().LeafSplits)
	}
	return nil
}
