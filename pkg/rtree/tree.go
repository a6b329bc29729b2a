// Package rtree is the public tree engine: traversal, leaf and
// internal-node mutation, range queries, and the statistics/debug
// surface, driving a remote.Transport the way pkg/bptree.BPlusTree
// drives its own in-process node pointers (freyjadb), generalized to
// remote addresses, latches, and version-interleaved codecs.
package rtree

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/segmentio/ksuid"

	"github.com/ssargent/rmemtree/pkg/latch"
	"github.com/ssargent/rmemtree/pkg/locktable"
	"github.com/ssargent/rmemtree/pkg/rcache"
	"github.com/ssargent/rmemtree/pkg/raddr"
	"github.com/ssargent/rmemtree/pkg/remote"
	"github.com/ssargent/rmemtree/pkg/rnode"
)

// RootOffset is the base byte offset, on node 0, of the first tree's
// root-of-root word (spec 6.3: "a 64-bit word at remote address (node
// 0, ROOT_OFFSET + tree_id * 8)").
const RootOffset = 64

// Options configures a Tree at construction. Zero values fall back to
// the package defaults mirrored from rnode.layout.go's wire-contract
// vars.
type Options struct {
	TreeID        uint32
	InitRoot      bool
	SpanInternal  int
	SpanLeaf      int
	Neighborhood  int
	TreeCacheSize int
	HotspotSize   int

	// BlockStore enables spec section 3's variable-length-value mode
	// when non-nil: InsertBytes/UpdateBytes/SearchBytes/RangeQueryBytes
	// spill values through it instead of the fixed 64-bit inline Value,
	// storing a packed rnode.ValuePtr in the leaf entry itself. Nil
	// (the default) keeps the tree in fixed-Value mode; every other
	// method is unaffected either way.
	BlockStore *remote.BlockStore
}

func (o *Options) setDefaults() {
	if o.SpanInternal == 0 {
		o.SpanInternal = rnode.SpanInternal
	}
	if o.SpanLeaf == 0 {
		o.SpanLeaf = rnode.SpanLeaf
	}
	if o.Neighborhood == 0 {
		o.Neighborhood = rnode.Neighborhood
	}
	if o.TreeCacheSize == 0 {
		o.TreeCacheSize = 1024
	}
	if o.HotspotSize == 0 {
		o.HotspotSize = 4096
	}
}

// Statistics exposes the retry/operation counters spec section 6.2
// names (statistics(), clear_debug_info()).
type Statistics struct {
	Inserts          int64
	Updates          int64
	Searches         int64
	RangeQueries     int64
	LeafSplits       int64
	InternalSplits   int64
	RootCASAttempts  int64
	RootCASLost      int64
	VersionRetries   int64
	SiblingForwards  int64
	CacheHits        int64
	CacheMisses      int64
	HotspotHits      int64
	HotspotMisses    int64
	CombinedWrites   int64

	// NodeLabels is populated only when the underlying transport
	// exposes node labels for diagnostics (remote.Simulator does, via
	// ksuid); nil for transports that don't.
	NodeLabels []string
}

// Tree is the remote B+-tree handle (spec 6.2's new_tree result).
type Tree struct {
	transport    remote.Transport
	treeID       uint32
	spanInternal int
	spanLeaf     int
	neighborhood int

	leafLayout rnode.LeafLayout

	treeCache *rcache.TreeCache
	hotspot   *rcache.HotspotCache
	locks     *locktable.Table
	blocks    *remote.BlockStore

	allocMu   sync.Mutex
	allocNext uint16
	blockSeq  uint64

	stats Statistics
}

// nodeLabeler is implemented by transports (remote.Simulator does)
// that can name their simulated memory nodes for diagnostics;
// Statistics surfaces these labels when the transport supports it.
type nodeLabeler interface {
	NodeLabel(nodeID uint16) ksuid.KSUID
}

// New constructs a Tree over transport. When opts.InitRoot is true, a
// fresh empty leaf is allocated and installed as the root via the
// well-known root-of-root CAS (spec 6.2's new_tree(..., init_root)).
func New(ctx context.Context, transport remote.Transport, opts Options) (*Tree, error) {
	opts.setDefaults()
	t := &Tree{
		transport:    transport,
		treeID:       opts.TreeID,
		spanInternal: opts.SpanInternal,
		spanLeaf:     opts.SpanLeaf,
		neighborhood: opts.Neighborhood,
		leafLayout:   rnode.LeafLayout{Span: opts.SpanLeaf, Neighborhood: opts.Neighborhood},
		treeCache:    rcache.NewTreeCache(opts.TreeCacheSize),
		hotspot:      rcache.NewHotspotCache(opts.HotspotSize),
		locks:        locktable.New(),
		blocks:       opts.BlockStore,
	}

	if opts.InitRoot {
		leafAddr, err := t.allocLeaf(ctx)
		if err != nil {
			return nil, err
		}
		root := rnode.NewLeafNode(t.spanLeaf, t.neighborhood)
		root.Header.FenceLow = rnode.KeyMin
		root.Header.FenceHigh = rnode.KeyMax
		root.Header.Sibling = raddr.Widest
		// Tree-init precondition (spec 9 open question): no ghost key
		// is placed. Validation uses fence keys and split keys come
		// from hopscotchSplitKey, so split_key = max_key+1 is never
		// computed and cannot exceed KEY_MAX. rnode.KeyMaxGhost is an
		// ordinary key here; nothing reserves it.
		if err := t.writeLeafFull(ctx, leafAddr, root); err != nil {
			return nil, err
		}
		if err := t.casRoot(ctx, 0, rnode.Level(0), leafAddr); err != nil {
			return nil, err
		}
	}

	return t, nil
}

func (t *Tree) rootAddr() raddr.Addr {
	return raddr.Pack(0, uint64(RootOffset)+uint64(t.treeID)*8)
}

func (t *Tree) readRootRaw(ctx context.Context) (uint64, error) {
	b, err := t.transport.Read(ctx, t.rootAddr(), 8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// readRoot returns the current root's level and address.
func (t *Tree) readRoot(ctx context.Context) (rnode.Level, raddr.Addr, error) {
	w, err := t.readRootRaw(ctx)
	if err != nil {
		return 0, raddr.Null, err
	}
	re := raddr.RootEntry(w)
	return rnode.Level(re.Level()), re.Root(), nil
}

// casRoot installs (level, root) as the new root entry, expecting the
// word to currently equal oldWord.
func (t *Tree) casRoot(ctx context.Context, oldWord uint64, level rnode.Level, root raddr.Addr) error {
	atomic.AddInt64(&t.stats.RootCASAttempts, 1)
	newWord := uint64(raddr.PackRootEntry(uint16(level), root))
	ok, err := t.transport.CAS(ctx, t.rootAddr(), oldWord, newWord)
	if err != nil {
		return err
	}
	if !ok {
		atomic.AddInt64(&t.stats.RootCASLost, 1)
		return errRootCASLost
	}
	return nil
}

var errRootCASLost = fatalRetryable("root CAS lost")

type retryableError string

func (e retryableError) Error() string { return string(e) }

func fatalRetryable(msg string) error { return retryableError(msg) }

// Statistics returns a snapshot of the operation/retry counters, plus
// the transport's per-node diagnostic labels when it exposes them
// (remote.Simulator does).
func (t *Tree) Statistics() Statistics {
	s := Statistics{
		Inserts:         atomic.LoadInt64(&t.stats.Inserts),
		Updates:         atomic.LoadInt64(&t.stats.Updates),
		Searches:        atomic.LoadInt64(&t.stats.Searches),
		RangeQueries:    atomic.LoadInt64(&t.stats.RangeQueries),
		LeafSplits:      atomic.LoadInt64(&t.stats.LeafSplits),
		InternalSplits:  atomic.LoadInt64(&t.stats.InternalSplits),
		RootCASAttempts: atomic.LoadInt64(&t.stats.RootCASAttempts),
		RootCASLost:     atomic.LoadInt64(&t.stats.RootCASLost),
		VersionRetries:  atomic.LoadInt64(&t.stats.VersionRetries),
		SiblingForwards: atomic.LoadInt64(&t.stats.SiblingForwards),
		CacheHits:       atomic.LoadInt64(&t.stats.CacheHits),
		CacheMisses:     atomic.LoadInt64(&t.stats.CacheMisses),
		HotspotHits:     atomic.LoadInt64(&t.stats.HotspotHits),
		HotspotMisses:   atomic.LoadInt64(&t.stats.HotspotMisses),
		CombinedWrites:  atomic.LoadInt64(&t.stats.CombinedWrites),
	}
	if nl, ok := t.transport.(nodeLabeler); ok {
		labels := make([]string, t.transport.NodeCount())
		for i := range labels {
			labels[i] = nl.NodeLabel(uint16(i)).String()
		}
		s.NodeLabels = labels
	}
	return s
}

// ClearDebugInfo resets every counter in Statistics to zero.
func (t *Tree) ClearDebugInfo() {
	t.stats = Statistics{}
}

// roundUp8 rounds n up to a multiple of 8; a node's latch word sits at
// that offset past its encoded body (spec 4.6: "offset
// ROUND_UP8(encoded_node_size)").
func roundUp8(n int) int { return (n + 7) &^ 7 }

func (t *Tree) internalNodeStride() int {
	return roundUp8(rnode.InternalLayout(t.spanInternal).OnWireSize()) + 8
}

func (t *Tree) leafNodeStride() int {
	return roundUp8(t.leafLayout.OnWireSize()) + 8
}

func (t *Tree) internalLatchAddr(nodeAddr raddr.Addr) raddr.Addr {
	return nodeAddr.Add(int64(roundUp8(rnode.InternalLayout(t.spanInternal).OnWireSize())))
}

func (t *Tree) leafLatchAddr(nodeAddr raddr.Addr) raddr.Addr {
	return nodeAddr.Add(int64(roundUp8(t.leafLayout.OnWireSize())))
}

func (t *Tree) pickAllocNode() uint16 {
	t.allocMu.Lock()
	defer t.allocMu.Unlock()
	n := t.allocNext
	t.allocNext = uint16((int(t.allocNext) + 1) % t.transport.NodeCount())
	return n
}

func (t *Tree) allocInternal(ctx context.Context) (raddr.Addr, error) {
	node := t.pickAllocNode()
	return t.transport.AllocRemote(ctx, node, t.internalNodeStride())
}

func (t *Tree) allocLeaf(ctx context.Context) (raddr.Addr, error) {
	node := t.pickAllocNode()
	return t.transport.AllocRemote(ctx, node, t.leafNodeStride())
}

func (t *Tree) latchFor(addr raddr.Addr, isLeaf bool) *latch.Latch {
	if isLeaf {
		return latch.New(t.transport, t.leafLatchAddr(addr))
	}
	return latch.New(t.transport, t.internalLatchAddr(addr))
}
