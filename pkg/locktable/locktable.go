// Package locktable implements the compute-local lock table (spec
// section 4.11): write-combining for concurrent writers of the same
// key, and read-delegation for concurrent readers of the same key,
// both scoped to this process only (remote-memory mutation still goes
// through pkg/latch). Built on golang.org/x/sync/singleflight, whose
// single-flight "first caller's input wins, every caller gets the
// result" semantics already implement read-delegation exactly; write-
// combining additionally needs the *last* writer's input to win before
// the leader fires, which singleflight alone doesn't give, hence the
// small wrapper below.
package locktable

import (
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Table is a lock table keyed by an arbitrary string (callers
// key by their own key's bytes or hash).
type Table struct {
	group singleflight.Group

	mu      sync.Mutex
	pending map[string]*writeRound
	seq     uint64
}

// writeRound is one in-flight combine window for a key: every writer
// that arrives while started is false can still overwrite value, since
// the leader hasn't snapshotted it yet. Once the leader's singleflight
// closure begins running it sets started, which tells any writer still
// racing to install its value that this round is already closed — that
// writer must open a fresh round instead of writing into one whose
// value has already been (or is about to be) read, which is exactly
// how a concurrent write used to go missing.
type writeRound struct {
	value   any
	started bool
}

// New returns an empty lock table.
func New() *Table {
	return &Table{pending: make(map[string]*writeRound)}
}

// Read delegates concurrent readers of the same key to a single
// underlying fn call: if a read for key is already in flight, the
// caller blocks on it and receives its result instead of issuing its
// own remote read.
func (t *Table) Read(key string, fn func() (any, error)) (any, error, bool) {
	return t.group.Do(key, fn)
}

// Write combines concurrent writers of the same key: every caller
// records its own intended value, then exactly one of them ("the
// leader") performs the underlying fn, which is handed the *last*
// value installed before it ran — not necessarily the leader's own —
// matching spec 4.11's write-combining semantics (only the final
// writer's value needs to actually reach remote memory).
// The returned bool reports whether this caller's write was combined
// into another in-flight writer's call rather than issuing fn itself —
// spec 4.11's "number of remote writes observed equals one (write
// combined) or two (not combined)" testable property (S4).
func (t *Table) Write(key string, value any, fn func(combined any) error) (error, bool) {
	t.mu.Lock()
	round, ok := t.pending[key]
	if !ok || round.started {
		t.seq++
		round = &writeRound{}
		t.pending[key] = round
	}
	round.value = value
	roundKey := fmt.Sprintf("%s\x00%d", key, t.seq)
	t.mu.Unlock()

	ran := false
	_, err, shared := t.group.Do(roundKey, func() (any, error) {
		ran = true
		t.mu.Lock()
		round.started = true
		combined := round.value
		if t.pending[key] == round {
			delete(t.pending, key)
		}
		t.mu.Unlock()
		return nil, fn(combined)
	})
	return err, shared && !ran
}

// Forget clears any in-flight call for key, so the next Read/Write
// issues a fresh call instead of joining a stale one. Mirrors
// singleflight.Group.Forget.
func (t *Table) Forget(key string) {
	t.group.Forget(key)
}
