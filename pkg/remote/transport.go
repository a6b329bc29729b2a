// Package remote defines the one-sided, RDMA-style memory transport
// the tree engine drives (spec section 6's "consumed" Transport
// surface) and supplies a concrete in-process Simulator so the engine
// is runnable and testable without real RDMA hardware.
package remote

import (
	"context"
	"errors"

	"github.com/ssargent/rmemtree/pkg/raddr"
)

// ErrOutOfSpace is returned by AllocRemote when a simulated memory
// node's arena is exhausted.
var ErrOutOfSpace = errors.New("remote: node arena exhausted")

// ErrBadAddr is returned when an address/length falls outside a node's
// arena, the remote-memory equivalent of a segfault.
var ErrBadAddr = errors.New("remote: address out of range")

// ReadOp / WriteOp describe one leg of a batched Read/Write, the
// transport-level equivalent of spec section 6's "batched variants"
// (used by pkg/rtree/range.go to gather several leaves' segments in
// one round trip instead of one-at-a-time).
type ReadOp struct {
	Addr   raddr.Addr
	Length int
}

type WriteOp struct {
	Addr raddr.Addr
	Data []byte
}

// Transport is the one-sided memory access surface the tree engine
// drives: plain reads/writes plus the CAS primitives the latch
// protocol and root pointer updates need. Every method is synchronous
// from the caller's perspective — a goroutine blocks on it the way the
// source's coroutine would suspend on a one-sided RDMA completion.
type Transport interface {
	// Read returns length bytes starting at addr.
	Read(ctx context.Context, addr raddr.Addr, length int) ([]byte, error)

	// Write stores data verbatim starting at addr.
	Write(ctx context.Context, addr raddr.Addr, data []byte) error

	// ReadBatch performs several Reads as one logical round trip.
	ReadBatch(ctx context.Context, ops []ReadOp) ([][]byte, error)

	// WriteBatch performs several Writes as one logical round trip.
	WriteBatch(ctx context.Context, ops []WriteOp) error

	// CAS atomically compares the 8-byte word at addr against old and,
	// if equal, replaces it with new. Used for the root pointer and
	// the plain (non-vacancy-aware) latch word.
	CAS(ctx context.Context, addr raddr.Addr, old, new uint64) (bool, error)

	// CASMask atomically compares (word & mask) against (old & mask)
	// and, on match, replaces only the masked bits with the
	// corresponding bits of new — the vacancy-bitmap side-channel CAS
	// used by the latch protocol's vacancy-aware variant (spec 4.6).
	CASMask(ctx context.Context, addr raddr.Addr, old, new, mask uint64) (bool, error)

	// AllocRemote reserves size bytes on memory node nodeID and
	// returns the address of the reservation, zero-initialized.
	AllocRemote(ctx context.Context, nodeID uint16, size int) (raddr.Addr, error)

	// NodeCount returns how many simulated memory nodes exist, for
	// callers that need to round-robin or hash node placement.
	NodeCount() int
}
