// Package pool keeps live container handles in memory so request handlers
// can reuse a user's sandbox instead of paying the container start cost on
// every call.
package pool

import (
	"context"
	"sync"
	"time"

	"agentbox/internal/sandbox/runtime"
	"agentbox/pkg/utils/logger"

	"go.uber.org/zap"
)

const defaultMaxSize = 100

// entry tracks one live handle plus its usage metadata.
type entry struct {
	handle   runtime.Handle
	lastUsed time.Time
	// activeCount is the number of outstanding acquisitions. An entry with
	// activeCount > 0 is never evicted.
	activeCount int
}

// Pool is a concurrency-safe registry of live sandbox handles keyed by
// sandbox id. Capacity is a soft cap enforced by LRU eviction of
// zero-reference entries; it never itself touches the record store.
type Pool struct {
	mu       sync.Mutex
	entries  map[string]*entry
	maxSize  int
	shutdown bool
}

// New creates a pool with the given soft capacity.
func New(maxSize int) *Pool {
	if maxSize <= 0 {
		maxSize = defaultMaxSize
	}
	return &Pool{
		entries: make(map[string]*entry, maxSize),
		maxSize: maxSize,
	}
}

// Acquire returns the handle for id and takes a reference on it, or nil if
// the id is not pooled (or the pool is shut down). Every non-nil return must
// be paired with exactly one Release.
func (p *Pool) Acquire(id string) runtime.Handle {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.shutdown {
		return nil
	}

	e, ok := p.entries[id]
	if !ok {
		return nil
	}
	e.activeCount++
	e.lastUsed = time.Now()
	return e.handle
}

// Register inserts a newly started handle under id. The registering caller
// holds an implicit reference, so the entry starts with activeCount = 1.
//
// If the pool is at capacity, the least-recently-used zero-reference entry
// is evicted first. When every entry is referenced the registration still
// proceeds and the pool transiently exceeds its capacity: blocking here
// would stall a user waiting on their own sandbox, so the cap is a soft
// target. If an entry already exists for id its old handle is closed before
// the new one replaces it.
func (p *Pool) Register(ctx context.Context, id string, handle runtime.Handle) {
	var closeIDs []string
	var toClose []runtime.Handle

	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		// Late registration during shutdown: never store, just close.
		p.closeHandle(ctx, id, handle)
		return
	}

	if old, ok := p.entries[id]; ok {
		closeIDs = append(closeIDs, id)
		toClose = append(toClose, old.handle)
		delete(p.entries, id)
	} else if len(p.entries) >= p.maxSize {
		if victimID, victim := p.evictLRULocked(); victim != nil {
			closeIDs = append(closeIDs, victimID)
			toClose = append(toClose, victim)
			logger.Debug(ctx, "evicted lru sandbox from pool", zap.String("sandbox_id", victimID))
		} else {
			logger.Warn(ctx, "pool over capacity, all entries in use",
				zap.Int("size", len(p.entries)), zap.Int("max_size", p.maxSize))
		}
	}

	p.entries[id] = &entry{
		handle:      handle,
		lastUsed:    time.Now(),
		activeCount: 1,
	}
	size := len(p.entries)
	p.mu.Unlock()

	// Closing talks to the container runtime; keep it off the registry lock.
	for i, h := range toClose {
		p.closeHandle(ctx, closeIDs[i], h)
	}

	logger.Debug(ctx, "registered sandbox in pool", zap.String("sandbox_id", id), zap.Int("size", size))
}

// Release drops one reference on id. Releasing an unknown id, or an entry
// already at zero, is a no-op: callers pair releases with successful
// acquisitions, and an explicit Remove may already have detached the entry.
func (p *Pool) Release(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[id]
	if !ok {
		return
	}
	if e.activeCount > 0 {
		e.activeCount--
	}
	e.lastUsed = time.Now()
}

// Remove unconditionally detaches id and closes its handle, regardless of
// outstanding references. Used by explicit stop/delete: an administrative
// stop wins over in-flight users, whose handles simply start failing.
func (p *Pool) Remove(ctx context.Context, id string) {
	p.mu.Lock()
	e, ok := p.entries[id]
	if ok {
		delete(p.entries, id)
	}
	p.mu.Unlock()

	if ok {
		p.closeHandle(ctx, id, e.handle)
		logger.Debug(ctx, "removed sandbox from pool", zap.String("sandbox_id", id))
	}
}

// SweepIdle detaches and closes every zero-reference entry whose last use is
// older than the threshold, returning the evicted ids so the caller can
// reconcile durable state.
func (p *Pool) SweepIdle(ctx context.Context, idleThreshold time.Duration) []string {
	now := time.Now()
	var evicted []string
	var toClose []runtime.Handle

	p.mu.Lock()
	for id, e := range p.entries {
		if e.activeCount == 0 && now.Sub(e.lastUsed) > idleThreshold {
			evicted = append(evicted, id)
			toClose = append(toClose, e.handle)
			delete(p.entries, id)
		}
	}
	p.mu.Unlock()

	for i, h := range toClose {
		p.closeHandle(ctx, evicted[i], h)
	}

	if len(evicted) > 0 {
		logger.Info(ctx, "cleaned up idle sandboxes",
			zap.Int("count", len(evicted)), zap.Strings("sandbox_ids", evicted))
	}
	return evicted
}

// Shutdown marks the pool closed and closes every entry. Registrations that
// race with shutdown close their handle instead of storing it.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	p.shutdown = true
	ids := make([]string, 0, len(p.entries))
	handles := make([]runtime.Handle, 0, len(p.entries))
	for id, e := range p.entries {
		ids = append(ids, id)
		handles = append(handles, e.handle)
	}
	p.entries = make(map[string]*entry)
	p.mu.Unlock()

	for i, h := range handles {
		p.closeHandle(ctx, ids[i], h)
	}
}

// Len returns the current number of pooled entries.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// evictLRULocked removes the zero-reference entry with the oldest lastUsed
// and returns its handle for the caller to close outside the lock. Returns
// nil when every entry is referenced. Caller must hold p.mu.
func (p *Pool) evictLRULocked() (string, runtime.Handle) {
	var lruID string
	var lruTime time.Time
	found := false

	for id, e := range p.entries {
		if e.activeCount != 0 {
			continue
		}
		if !found || e.lastUsed.Before(lruTime) {
			lruID = id
			lruTime = e.lastUsed
			found = true
		}
	}

	if !found {
		return "", nil
	}
	victim := p.entries[lruID]
	delete(p.entries, lruID)
	return lruID, victim.handle
}

// closeHandle releases a handle's container resources. Best-effort: a
// misbehaving runtime must not block eviction or cleanup, so failures are
// logged and swallowed.
func (p *Pool) closeHandle(ctx context.Context, id string, handle runtime.Handle) {
	if handle == nil {
		return
	}
	if err := handle.Cleanup(ctx); err != nil {
		logger.Warn(ctx, "error closing sandbox handle",
			zap.String("sandbox_id", id), zap.Error(err))
	}
}
