package admission

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// waitEntry is a queued acquire. It is resolved exactly once under the pool
// lock: granted, timed out, cancelled or reset.
type waitEntry struct {
	id         string
	tag        string
	enqueuedAt time.Time
	done       chan struct{}
	resolved   bool
	slot       *Slot
	err        error
}

// pool is one kind of slot with its FIFO wait queue.
type pool struct {
	kind  Kind
	limit func() int // effective limit, read under mu
	now   func() time.Time

	mu    sync.Mutex
	live  map[string]*Slot
	queue []*waitEntry
	stats PoolStats
}

func newPool(kind Kind, limit func() int, now func() time.Time) *pool {
	return &pool{
		kind:  kind,
		limit: limit,
		now:   now,
		live:  make(map[string]*Slot),
	}
}

func (p *pool) acquire(ctx context.Context, tag string, timeout time.Duration) (*Slot, error) {
	p.mu.Lock()
	p.drainLocked()
	if len(p.queue) == 0 && len(p.live) < p.limit() {
		slot := p.grantLocked(tag, 0)
		p.mu.Unlock()
		return slot, nil
	}
	if timeout <= 0 {
		p.stats.Timeouts++
		p.mu.Unlock()
		return nil, ErrAcquireTimeout
	}

	entry := &waitEntry{
		id:         uuid.NewString(),
		tag:        tag,
		enqueuedAt: p.now(),
		done:       make(chan struct{}),
	}
	p.queue = append(p.queue, entry)
	p.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-entry.done:
		return entry.slot, entry.err
	case <-timer.C:
		return p.abandon(entry, ErrAcquireTimeout)
	case <-ctx.Done():
		return p.abandon(entry, ErrAcquireCancelled)
	}
}

// abandon removes a waiter that gave up. A grant that raced the timeout wins.
func (p *pool) abandon(entry *waitEntry, reason error) (*Slot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if entry.resolved {
		return entry.slot, entry.err
	}
	for i, e := range p.queue {
		if e == entry {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			break
		}
	}
	entry.resolved = true
	entry.err = reason
	close(entry.done)

	if reason == ErrAcquireTimeout {
		p.stats.Timeouts++
	} else {
		p.stats.Cancelled++
	}
	return nil, reason
}

// grantLocked creates a live slot. Caller holds mu and has checked capacity.
func (p *pool) grantLocked(tag string, waited time.Duration) *Slot {
	slot := &Slot{
		ID:         uuid.NewString(),
		Kind:       p.kind,
		AcquiredAt: p.now(),
		Owner:      tag,
	}
	p.live[slot.ID] = slot
	p.stats.Granted++
	p.stats.TotalWait += waited
	if len(p.live) > p.stats.PeakLive {
		p.stats.PeakLive = len(p.live)
	}
	return slot
}

// drainLocked grants to the oldest waiters while capacity remains.
func (p *pool) drainLocked() {
	for len(p.queue) > 0 && len(p.live) < p.limit() {
		entry := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]

		entry.slot = p.grantLocked(entry.tag, p.now().Sub(entry.enqueuedAt))
		entry.resolved = true
		close(entry.done)
	}
}

func (p *pool) drain() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drainLocked()
}

// remove deletes a live slot without granting to waiters.
func (p *pool) remove(slotID string) (*Slot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	slot, ok := p.live[slotID]
	if ok {
		delete(p.live, slotID)
		p.stats.Released++
	}
	return slot, ok
}

// revoke takes back a slot that was granted but never used and hands its
// capacity to the oldest waiter.
func (p *pool) revoke(slotID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.live[slotID]; !ok {
		return
	}
	delete(p.live, slotID)
	p.stats.Granted--
	p.drainLocked()
}

// reset rejects every waiter with ErrReset and forgets live slots.
func (p *pool) reset() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	rejected := len(p.queue)
	for _, entry := range p.queue {
		entry.resolved = true
		entry.err = ErrReset
		close(entry.done)
	}
	p.queue = nil
	p.live = make(map[string]*Slot)
	p.stats = PoolStats{}
	return rejected
}

func (p *pool) counts() (live, queued int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live), len(p.queue)
}

func (p *pool) snapshot() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Live = len(p.live)
	s.Queued = len(p.queue)
	s.Limit = p.limit()
	return s
}

func (p *pool) recordRateLimited() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.RateLimited++
}
