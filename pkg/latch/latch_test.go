package latch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ssargent/rmemtree/pkg/raddr"
	"github.com/ssargent/rmemtree/pkg/remote"
)

func newTestLatch(t *testing.T) (*Latch, remote.Transport, raddr.Addr) {
	t.Helper()
	sim := remote.NewSimulator(1, 1<<16)
	ctx := context.Background()
	addr, err := sim.AllocRemote(ctx, 0, 8)
	if err != nil {
		t.Fatalf("AllocRemote: %v", err)
	}
	return New(sim, addr), sim, addr
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	l, _, _ := newTestLatch(t)
	ctx := context.Background()

	word, err := l.Acquire(ctx, 0)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if word&LockedBit == 0 {
		t.Fatal("Acquire must return a word with LockedBit set")
	}
	if err := l.Release(ctx, word); err != nil {
		t.Fatalf("Release: %v", err)
	}

	cur, err := l.read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if cur&LockedBit != 0 {
		t.Fatal("latch word must have LockedBit cleared after Release")
	}
}

func TestTryAcquireFailsWhenHeld(t *testing.T) {
	l, _, _ := newTestLatch(t)
	ctx := context.Background()

	word, err := l.Acquire(ctx, 0)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	ok, cur, err := l.TryAcquire(ctx, 0)
	if err == nil && ok {
		t.Fatal("TryAcquire must fail while another holder has the latch")
	}
	if cur&LockedBit == 0 {
		t.Fatal("TryAcquire must report the current (locked) word on contention")
	}
	_ = l.Release(ctx, word)
}

func TestConcurrentAcquireIsMutuallyExclusive(t *testing.T) {
	l, _, _ := newTestLatch(t)
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	var active int32
	var sawOverlap bool
	var mu sync.Mutex

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			word, err := l.Acquire(ctx, 0)
			if err != nil {
				return
			}
			mu.Lock()
			active++
			if active > 1 {
				sawOverlap = true
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
			_ = l.Release(ctx, word)
		}()
	}
	wg.Wait()

	if sawOverlap {
		t.Fatal("more than one goroutine held the latch at once")
	}
}

func TestReleaseWithVacancyMasksOnlySideChannel(t *testing.T) {
	l, _, _ := newTestLatch(t)
	ctx := context.Background()

	word, err := l.Acquire(ctx, 0)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	mask := uint64(0xFF)
	if err := l.ReleaseWithVacancy(ctx, word, 0x2A, mask); err != nil {
		t.Fatalf("ReleaseWithVacancy: %v", err)
	}
	cur, err := l.read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if cur&LockedBit != 0 {
		t.Fatal("ReleaseWithVacancy must clear LockedBit")
	}
	if cur&mask != 0x2A {
		t.Fatalf("side channel bits = %#x, want %#x", cur&mask, uint64(0x2A))
	}
}
