// Package cache arbitrates the fixed-size attention cache pool shared by all
// inference sessions of one server.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/mezonai/blockswarm/logx"
	"github.com/mezonai/blockswarm/monitoring"
)

var (
	// ErrAllocationTimeout means capacity did not free up in time. The
	// request is rejected; retrying is the caller's decision.
	ErrAllocationTimeout = errors.New("cache allocation timed out")
	ErrInvalidSize       = errors.New("invalid cache allocation size")
)

const (
	// DefaultRecheckPeriod bounds how long a waiter sleeps without
	// re-examining free capacity, even if it misses a wake-up.
	DefaultRecheckPeriod = 50 * time.Millisecond
	// DefaultPatience is how long a waiter may be overtaken by smaller
	// requests before it reserves capacity for itself.
	DefaultPatience = time.Second
)

// Handle is a granted allocation. It stays valid until released.
type Handle struct {
	id          uint64
	Size        int64
	AllocatedAt time.Time
}

type waiter struct {
	size     int64
	enqueued time.Time
}

// MemoryCache accounts for capacity only; the tensors themselves are
// allocated by the caller outside the critical section.
//
// Grants are made as soon as a request fits, so a small request may overtake
// a large one. A waiter that has been overtaken for longer than the patience
// period becomes the priority waiter: later requests are then only granted if
// they leave room for it, which bounds how long any satisfiable request waits.
type MemoryCache struct {
	capacity int64
	recheck  time.Duration
	patience time.Duration
	now      func() time.Time

	mu      sync.Mutex
	used    int64
	nextID  uint64
	handles map[uint64]*Handle
	waiters map[*waiter]struct{}
	changed chan struct{}
}

type Option func(*MemoryCache)

func WithRecheckPeriod(d time.Duration) Option {
	return func(c *MemoryCache) { c.recheck = d }
}

func WithPatience(d time.Duration) Option {
	return func(c *MemoryCache) { c.patience = d }
}

func NewMemoryCache(capacity int64, opts ...Option) *MemoryCache {
	c := &MemoryCache{
		capacity: capacity,
		recheck:  DefaultRecheckPeriod,
		patience: DefaultPatience,
		now:      time.Now,
		handles:  make(map[uint64]*Handle),
		waiters:  make(map[*waiter]struct{}),
		changed:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	monitoring.SetCacheCapacity(capacity)
	return c
}

func (c *MemoryCache) Capacity() int64 {
	return c.capacity
}

func (c *MemoryCache) Used() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

func (c *MemoryCache) Free() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capacity - c.used
}

// Active returns the number of live handles.
func (c *MemoryCache) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handles)
}

// Acquire blocks until size bytes can be granted in full, timeout elapses
// (ErrAllocationTimeout) or ctx is done. A size above capacity can never be
// granted and always ends in ErrAllocationTimeout.
func (c *MemoryCache) Acquire(ctx context.Context, size int64, timeout time.Duration) (*Handle, error) {
	if size < 0 {
		return nil, errors.Wrapf(ErrInvalidSize, "size %d", size)
	}
	start := c.now()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	w := &waiter{size: size, enqueued: start}
	c.mu.Lock()
	c.waiters[w] = struct{}{}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiters, w)
		c.mu.Unlock()
	}()

	for {
		c.mu.Lock()
		if c.grantableLocked(w) {
			h := c.grantLocked(size)
			c.mu.Unlock()
			monitoring.RecordCacheWait(c.now().Sub(start))
			return h, nil
		}
		changed := c.changed
		c.mu.Unlock()

		recheck := time.NewTimer(c.recheck)
		select {
		case <-changed:
		case <-recheck.C:
		case <-deadline.C:
			recheck.Stop()
			monitoring.IncreaseCacheTimeouts()
			logx.Warn("CACHE", fmt.Sprintf("Could not allocate %d bytes in %v (used %d of %d)", size, timeout, c.Used(), c.capacity))
			return nil, errors.Wrapf(ErrAllocationTimeout, "%d bytes after %v", size, timeout)
		case <-ctx.Done():
			recheck.Stop()
			return nil, ctx.Err()
		}
		recheck.Stop()
	}
}

// grantableLocked reports whether w fits now without eating into capacity
// reserved for the priority waiter.
func (c *MemoryCache) grantableLocked(w *waiter) bool {
	free := c.capacity - c.used
	if w.size > free {
		return false
	}
	priority := c.priorityLocked()
	if priority == nil || priority == w {
		return true
	}
	return w.size+priority.size <= free
}

// priorityLocked returns the longest-waiting satisfiable waiter that has
// exhausted its patience, or nil.
func (c *MemoryCache) priorityLocked() *waiter {
	now := c.now()
	var oldest *waiter
	for w := range c.waiters {
		if w.size > c.capacity || now.Sub(w.enqueued) < c.patience {
			continue
		}
		if oldest == nil || w.enqueued.Before(oldest.enqueued) {
			oldest = w
		}
	}
	return oldest
}

func (c *MemoryCache) grantLocked(size int64) *Handle {
	c.nextID++
	h := &Handle{id: c.nextID, Size: size, AllocatedAt: c.now()}
	c.handles[h.id] = h
	c.used += size
	monitoring.SetCacheUsed(c.used)
	return h
}

// Release returns h's capacity to the pool and wakes every waiter to
// re-check. Releasing a handle that is not live is a no-op.
func (c *MemoryCache) Release(h *Handle) {
	if h == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.handles[h.id]; !ok {
		return
	}
	delete(c.handles, h.id)
	c.used -= h.Size
	monitoring.SetCacheUsed(c.used)
	close(c.changed)
	c.changed = make(chan struct{})
}

// Use acquires size bytes for the duration of fn.
func (c *MemoryCache) Use(ctx context.Context, size int64, timeout time.Duration, fn func(*Handle) error) error {
	h, err := c.Acquire(ctx, size, timeout)
	if err != nil {
		return err
	}
	defer c.Release(h)
	return fn(h)
}
