// Package latch implements the remote-memory latch protocol (spec
// section 4.6): mutual exclusion over a node expressed as a single
// machine-word CAS on a dedicated latch word that pkg/rtree places
// right after each node's body, rather than a local lock object,
// because there is no shared-memory mutex to
// take across compute nodes. Grounded on the teacher's in-process
// per-node RWMutex latch-coupling idiom in pkg/bptree.node, re-
// expressed here as a remote CAS loop plus backoff in place of a
// runtime-managed lock.
package latch

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/ssargent/rmemtree/pkg/raddr"
	"github.com/ssargent/rmemtree/pkg/remote"
)

// LockedBit is set in the low bit of a latch word while a writer holds
// the node exclusively; the remaining 63 bits are free for callers
// (ReleaseWithVacancy's side-channel bits live there) and are never
// touched by Acquire or Release.
const LockedBit = uint64(1)

// ErrBusy is returned by TryAcquire when the latch is currently held.
var ErrBusy = errors.New("latch: busy")

// Latch is a CAS-based mutual-exclusion handle over one remote word.
type Latch struct {
	transport remote.Transport
	addr      raddr.Addr
}

// New returns a Latch over the word at addr.
func New(transport remote.Transport, addr raddr.Addr) *Latch {
	return &Latch{transport: transport, addr: addr}
}

// TryAcquire makes one attempt to set LockedBit. It fails with ErrBusy
// if another writer holds the latch; if the word merely moved since
// the caller last read it (still unlocked), it fails with a nil error.
// On failure it returns the fresh word either way so the caller can
// decide whether to retraverse.
func (l *Latch) TryAcquire(ctx context.Context, expected uint64) (acquired bool, current uint64, err error) {
	if expected&LockedBit != 0 {
		cur, err := l.read(ctx)
		if err != nil {
			return false, expected, err
		}
		return false, cur, ErrBusy
	}
	ok, err := l.transport.CAS(ctx, l.addr, expected, expected|LockedBit)
	if err != nil {
		return false, expected, err
	}
	if ok {
		return true, expected | LockedBit, nil
	}
	cur, err := l.read(ctx)
	if err != nil {
		return false, expected, err
	}
	if cur&LockedBit != 0 {
		return false, cur, ErrBusy
	}
	return false, cur, nil
}

// Acquire spins with jittered backoff until it wins the CAS (spec
// 4.6's "latch-busy: yield and retry locally" error-handling policy),
// returning the post-acquire word. expected is the caller's last known
// value of the word; Acquire refreshes it on every failed attempt.
func (l *Latch) Acquire(ctx context.Context, expected uint64) (uint64, error) {
	backoff := time.Microsecond * 10
	for {
		acquired, cur, err := l.TryAcquire(ctx, expected)
		if err != nil && !errors.Is(err, ErrBusy) {
			return 0, err
		}
		if acquired {
			return cur, nil
		}
		expected = cur
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(jitter(backoff)):
		}
		if backoff < time.Millisecond {
			backoff *= 2
		}
	}
}

// Release clears LockedBit, leaving the rest of the word (any caller
// bits set while holding the latch) untouched.
func (l *Latch) Release(ctx context.Context, held uint64) error {
	_, err := l.transport.CAS(ctx, l.addr, held, held&^LockedBit)
	return err
}

// ReleaseWithVacancy clears LockedBit while atomically installing a
// new value into the vacancy-bitmap/max-key-index side-channel bits
// carried under mask (spec 4.6's vacancy-aware variant) — the write
// that publishes a hopscotch displacement's bookkeeping happens in the
// same CAS that releases the latch, so no reader can observe the
// latch open with stale side-channel bits.
func (l *Latch) ReleaseWithVacancy(ctx context.Context, held uint64, sideChannel, mask uint64) error {
	newWord := (held &^ mask) | (sideChannel & mask)
	newWord &^= LockedBit
	_, err := l.transport.CASMask(ctx, l.addr, held, newWord, mask|LockedBit)
	return err
}

func (l *Latch) read(ctx context.Context) (uint64, error) {
	b, err := l.transport.Read(ctx, l.addr, 8)
	if err != nil {
		return 0, err
	}
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v, nil
}

func jitter(base time.Duration) time.Duration {
	return base + time.Duration(rand.Int63n(int64(base)+1))
}
