package pool_test

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"agentbox/internal/sandbox/pool"
)

type fakeHandle struct {
	mu       sync.Mutex
	id       string
	cleanups int
	stops    int
}

func (f *fakeHandle) ID() string { return f.id }

func (f *fakeHandle) IsStarted(ctx context.Context) bool { return true }

func (f *fakeHandle) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeHandle) Cleanup(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups++
	return nil
}

func (f *fakeHandle) cleanupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cleanups
}

func newHandle(id string) *fakeHandle {
	return &fakeHandle{id: id}
}

func TestAcquireUnknownReturnsNil(t *testing.T) {
	t.Parallel()
	p := pool.New(4)
	if h := p.Acquire("missing"); h != nil {
		t.Fatalf("expected nil handle for unknown id, got %v", h)
	}
}

func TestRegisterThenAcquire(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := pool.New(4)
	h := newHandle("c1")

	p.Register(ctx, "sb1", h)
	p.Release("sb1")

	got := p.Acquire("sb1")
	if got == nil {
		t.Fatal("expected pooled handle")
	}
	if got.ID() != "c1" {
		t.Fatalf("expected handle c1, got %s", got.ID())
	}
	if h.cleanupCount() != 0 {
		t.Fatalf("handle closed unexpectedly: %d", h.cleanupCount())
	}
}

func TestRegisterReplacesAndClosesOldHandle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := pool.New(4)
	old := newHandle("old")
	replacement := newHandle("new")

	p.Register(ctx, "sb1", old)
	p.Release("sb1")
	p.Register(ctx, "sb1", replacement)

	if old.cleanupCount() != 1 {
		t.Fatalf("expected old handle closed once, got %d", old.cleanupCount())
	}
	got := p.Acquire("sb1")
	if got == nil || got.ID() != "new" {
		t.Fatalf("expected replacement handle, got %v", got)
	}
}

func TestReleaseFloorsAtZero(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := pool.New(4)
	p.Register(ctx, "sb1", newHandle("c1"))

	p.Release("sb1")
	p.Release("sb1")
	p.Release("unknown")

	// Idle sweep with zero threshold must still be able to evict: the extra
	// releases may not have driven the refcount negative.
	evicted := p.SweepIdle(ctx, 0)
	if len(evicted) != 1 || evicted[0] != "sb1" {
		t.Fatalf("expected sb1 evicted, got %v", evicted)
	}
}

func TestSweepSkipsActiveEntries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := pool.New(4)
	busy := newHandle("busy")
	idle := newHandle("idle")

	p.Register(ctx, "busy", busy) // registration reference still held
	p.Register(ctx, "idle", idle)
	p.Release("idle")

	evicted := p.SweepIdle(ctx, 0)
	if len(evicted) != 1 || evicted[0] != "idle" {
		t.Fatalf("expected only idle evicted, got %v", evicted)
	}
	if busy.cleanupCount() != 0 {
		t.Fatal("active handle must not be closed")
	}
	if idle.cleanupCount() != 1 {
		t.Fatalf("idle handle should be closed once, got %d", idle.cleanupCount())
	}
}

func TestSweepWaitsForEveryReference(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := pool.New(4)
	h := newHandle("c1")

	p.Register(ctx, "sb1", h)
	p.Release("sb1")

	// Two concurrent users of the same sandbox.
	if got := p.Acquire("sb1"); got == nil {
		t.Fatal("first acquire failed")
	}
	if got := p.Acquire("sb1"); got == nil {
		t.Fatal("second acquire failed")
	}

	if evicted := p.SweepIdle(ctx, 0); len(evicted) != 0 {
		t.Fatalf("entry with two references evicted: %v", evicted)
	}

	p.Release("sb1")
	if evicted := p.SweepIdle(ctx, 0); len(evicted) != 0 {
		t.Fatalf("entry with one reference evicted: %v", evicted)
	}

	p.Release("sb1")
	evicted := p.SweepIdle(ctx, 0)
	if len(evicted) != 1 || evicted[0] != "sb1" {
		t.Fatalf("expected eviction after last release, got %v", evicted)
	}
	if h.cleanupCount() != 1 {
		t.Fatalf("expected single close, got %d", h.cleanupCount())
	}
}

func TestSweepHonorsThreshold(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := pool.New(4)
	p.Register(ctx, "sb1", newHandle("c1"))
	p.Release("sb1")

	if evicted := p.SweepIdle(ctx, time.Hour); len(evicted) != 0 {
		t.Fatalf("recently used entry evicted: %v", evicted)
	}
	if p.Len() != 1 {
		t.Fatalf("expected entry retained, pool size %d", p.Len())
	}
}

func TestCapacityEvictsLRU(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := pool.New(2)
	first := newHandle("c1")
	second := newHandle("c2")

	p.Register(ctx, "sb1", first)
	p.Release("sb1")
	p.Register(ctx, "sb2", second)
	p.Release("sb2")

	// Touch sb1 so sb2 becomes least recently used.
	if h := p.Acquire("sb1"); h == nil {
		t.Fatal("expected sb1 pooled")
	}
	p.Release("sb1")

	p.Register(ctx, "sb3", newHandle("c3"))

	if second.cleanupCount() != 1 {
		t.Fatalf("expected sb2 evicted and closed, got %d closes", second.cleanupCount())
	}
	if first.cleanupCount() != 0 {
		t.Fatal("recently used sb1 must survive eviction")
	}
	if p.Len() != 2 {
		t.Fatalf("expected pool size 2, got %d", p.Len())
	}
}

func TestCapacityProceedsWhenAllActive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := pool.New(1)
	busy := newHandle("busy")

	p.Register(ctx, "sb1", busy) // still referenced
	p.Register(ctx, "sb2", newHandle("c2"))

	if busy.cleanupCount() != 0 {
		t.Fatal("referenced entry must not be evicted")
	}
	if p.Len() != 2 {
		t.Fatalf("expected pool to exceed soft cap, size %d", p.Len())
	}
}

func TestRemoveClosesRegardlessOfReferences(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := pool.New(4)
	h := newHandle("c1")

	p.Register(ctx, "sb1", h) // reference outstanding
	p.Remove(ctx, "sb1")

	if h.cleanupCount() != 1 {
		t.Fatalf("expected handle closed, got %d", h.cleanupCount())
	}
	if got := p.Acquire("sb1"); got != nil {
		t.Fatal("removed entry must not be acquirable")
	}
	// Late release after remove is a no-op.
	p.Release("sb1")
}

func TestShutdownClosesAllAndRejectsNewWork(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := pool.New(4)
	h1 := newHandle("c1")
	h2 := newHandle("c2")
	p.Register(ctx, "sb1", h1)
	p.Register(ctx, "sb2", h2)

	p.Shutdown(ctx)

	if h1.cleanupCount() != 1 || h2.cleanupCount() != 1 {
		t.Fatalf("expected all handles closed, got %d and %d", h1.cleanupCount(), h2.cleanupCount())
	}
	if got := p.Acquire("sb1"); got != nil {
		t.Fatal("acquire after shutdown must return nil")
	}

	late := newHandle("late")
	p.Register(ctx, "sb3", late)
	if late.cleanupCount() != 1 {
		t.Fatal("registration after shutdown must close the handle")
	}
	if p.Len() != 0 {
		t.Fatalf("expected empty pool after shutdown, size %d", p.Len())
	}
}

func TestConcurrentAcquireRelease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := pool.New(8)
	h := newHandle("c1")
	p.Register(ctx, "sb1", h)
	p.Release("sb1")

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if got := p.Acquire("sb1"); got != nil {
					p.Release("sb1")
				}
			}
		}()
	}
	wg.Wait()

	// All references returned, so a zero-threshold sweep evicts exactly once.
	evicted := p.SweepIdle(ctx, 0)
	sort.Strings(evicted)
	if len(evicted) != 1 || evicted[0] != "sb1" {
		t.Fatalf("expected clean refcount allowing eviction, got %v", evicted)
	}
	if h.cleanupCount() != 1 {
		t.Fatalf("expected single close, got %d", h.cleanupCount())
	}
}
