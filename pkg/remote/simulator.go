package remote

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/segmentio/ksuid"

	"github.com/ssargent/rmemtree/pkg/raddr"
)

// node is one simulated memory node: a fixed byte arena guarded by a
// mutex (standing in for the atomicity a real RDMA-capable NIC gives
// the single words it touches) plus a bump allocator.
type node struct {
	mu     sync.Mutex
	label  ksuid.KSUID
	arena  []byte
	bumpAt int
}

// Simulator is an in-process Transport: a fixed set of per-node
// arenas, each independently latched. It exists purely so pkg/rtree
// and its tests can drive the engine without real RDMA hardware (spec
// section 6 leaves the transport's wire bring-up explicitly out of
// scope; this is the minimal stand-in the rest of this module needs to
// be runnable).
type Simulator struct {
	nodes []*node
}

// ReservedNode0Bytes is how much of memory node 0's arena the bump
// allocator leaves untouched at the low end. Node 0 also hosts the
// well-known root-of-root words at (node 0, RootOffset + treeID*8)
// (spec section 6.3); without this reservation the very first node
// allocation would start at offset 0 and, being far larger than a
// handful of bytes, would overlap and later be corrupted by the root
// pointer's own CAS writes. Sized generously above rtree.RootOffset
// (64) to leave room for many tree ids without pkg/remote needing to
// import pkg/rtree.
const ReservedNode0Bytes = 4096

// NewSimulator builds a Simulator with nodeCount memory nodes, each
// with an arenaSize-byte arena. Node labels are minted with ksuid so
// diagnostics (pkg/rtree.Statistics, the rtreectl CLI) can print a
// stable, sortable identifier per simulated node instead of a bare
// index. Node 0's allocator starts past ReservedNode0Bytes so ordinary
// node/leaf allocations never collide with the root-of-root words.
func NewSimulator(nodeCount, arenaSize int) *Simulator {
	nodes := make([]*node, nodeCount)
	for i := range nodes {
		n := &node{label: ksuid.New(), arena: make([]byte, arenaSize)}
		if i == 0 {
			n.bumpAt = ReservedNode0Bytes
		}
		nodes[i] = n
	}
	return &Simulator{nodes: nodes}
}

func (s *Simulator) NodeCount() int { return len(s.nodes) }

// NodeLabel returns the ksuid minted for nodeID, for diagnostics.
func (s *Simulator) NodeLabel(nodeID uint16) ksuid.KSUID {
	return s.nodes[nodeID].label
}

func (s *Simulator) nodeAt(id uint16) (*node, error) {
	if int(id) >= len(s.nodes) {
		return nil, ErrBadAddr
	}
	return s.nodes[id], nil
}

func (s *Simulator) Read(ctx context.Context, addr raddr.Addr, length int) ([]byte, error) {
	n, err := s.nodeAt(addr.NodeID())
	if err != nil {
		return nil, err
	}
	off := int(addr.Offset())
	n.mu.Lock()
	defer n.mu.Unlock()
	if off < 0 || off+length > len(n.arena) {
		return nil, ErrBadAddr
	}
	out := make([]byte, length)
	copy(out, n.arena[off:off+length])
	return out, nil
}

func (s *Simulator) Write(ctx context.Context, addr raddr.Addr, data []byte) error {
	n, err := s.nodeAt(addr.NodeID())
	if err != nil {
		return err
	}
	off := int(addr.Offset())
	n.mu.Lock()
	defer n.mu.Unlock()
	if off < 0 || off+len(data) > len(n.arena) {
		return ErrBadAddr
	}
	copy(n.arena[off:off+len(data)], data)
	return nil
}

func (s *Simulator) ReadBatch(ctx context.Context, ops []ReadOp) ([][]byte, error) {
	out := make([][]byte, len(ops))
	for i, op := range ops {
		b, err := s.Read(ctx, op.Addr, op.Length)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

func (s *Simulator) WriteBatch(ctx context.Context, ops []WriteOp) error {
	for _, op := range ops {
		if err := s.Write(ctx, op.Addr, op.Data); err != nil {
			return err
		}
	}
	return nil
}

func (s *Simulator) CAS(ctx context.Context, addr raddr.Addr, old, new uint64) (bool, error) {
	n, err := s.nodeAt(addr.NodeID())
	if err != nil {
		return false, err
	}
	off := int(addr.Offset())
	n.mu.Lock()
	defer n.mu.Unlock()
	if off < 0 || off+8 > len(n.arena) {
		return false, ErrBadAddr
	}
	cur := binary.BigEndian.Uint64(n.arena[off : off+8])
	if cur != old {
		return false, nil
	}
	binary.BigEndian.PutUint64(n.arena[off:off+8], new)
	return true, nil
}

func (s *Simulator) CASMask(ctx context.Context, addr raddr.Addr, old, new, mask uint64) (bool, error) {
	n, err := s.nodeAt(addr.NodeID())
	if err != nil {
		return false, err
	}
	off := int(addr.Offset())
	n.mu.Lock()
	defer n.mu.Unlock()
	if off < 0 || off+8 > len(n.arena) {
		return false, ErrBadAddr
	}
	cur := binary.BigEndian.Uint64(n.arena[off : off+8])
	if cur&mask != old&mask {
		return false, nil
	}
	next := (cur &^ mask) | (new & mask)
	binary.BigEndian.PutUint64(n.arena[off:off+8], next)
	return true, nil
}

func (s *Simulator) AllocRemote(ctx context.Context, nodeID uint16, size int) (raddr.Addr, error) {
	n, err := s.nodeAt(nodeID)
	if err != nil {
		return raddr.Null, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	// Round up to the alignment the rest of the tree assumes every
	// node allocation respects (raddr.AlignBits).
	align := 1 << raddr.AlignBits
	start := (n.bumpAt + align - 1) &^ (align - 1)
	if start+size > len(n.arena) {
		return raddr.Null, ErrOutOfSpace
	}
	n.bumpAt = start + size
	return raddr.Pack(nodeID, uint64(start)), nil
}
