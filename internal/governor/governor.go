// Package governor bounds the number of in-flight model calls across the
// whole process.
//
// Admission is first come, first served: a released slot is handed directly
// to the oldest waiter, so a newcomer can never overtake a queued caller.
package governor

import (
	"container/list"
	"context"
	"sync"
)

// Status is an occupancy snapshot. PositionInQueue is 1-based and zero when
// the requested session has no queued caller.
type Status struct {
	Capacity        int `json:"capacity"`
	ActiveCount     int `json:"active_count"`
	QueuedCount     int `json:"queued_count"`
	PositionInQueue int `json:"position_in_queue"`
}

type waiter struct {
	sessionID string
	ready     chan struct{}
	granted   bool
}

type Governor struct {
	mu       sync.Mutex
	capacity int
	active   int
	holders  map[string]int
	waiters  *list.List
}

func New(capacity int) *Governor {
	if capacity <= 0 {
		capacity = 1
	}
	return &Governor{
		capacity: capacity,
		holders:  make(map[string]int),
		waiters:  list.New(),
	}
}

// Permit is one admitted call. Release is idempotent; callers defer it
// right after Acquire succeeds.
type Permit struct {
	g         *Governor
	sessionID string
	once      sync.Once
}

func (p *Permit) Release() {
	p.once.Do(func() { p.g.release(p.sessionID) })
}

// Acquire blocks until a slot is free or ctx is done. A caller that gives up
// leaves the queue without consuming a slot.
func (g *Governor) Acquire(ctx context.Context, sessionID string) (*Permit, error) {
	g.mu.Lock()
	if g.active < g.capacity && g.waiters.Len() == 0 {
		g.admitLocked(sessionID)
		g.mu.Unlock()
		return &Permit{g: g, sessionID: sessionID}, nil
	}
	w := &waiter{sessionID: sessionID, ready: make(chan struct{})}
	elem := g.waiters.PushBack(w)
	g.mu.Unlock()

	select {
	case <-w.ready:
		return &Permit{g: g, sessionID: sessionID}, nil
	case <-ctx.Done():
		g.mu.Lock()
		if w.granted {
			// The slot was handed over while we were giving up; pass it on.
			g.mu.Unlock()
			g.release(sessionID)
			return nil, ctx.Err()
		}
		g.waiters.Remove(elem)
		g.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (g *Governor) admitLocked(sessionID string) {
	g.active++
	g.holders[sessionID]++
}

func (g *Governor) release(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.active--
	if n := g.holders[sessionID] - 1; n > 0 {
		g.holders[sessionID] = n
	} else {
		delete(g.holders, sessionID)
	}
	g.grantLocked()
}

// grantLocked hands free slots to waiters in arrival order.
func (g *Governor) grantLocked() {
	for g.active < g.capacity {
		front := g.waiters.Front()
		if front == nil {
			return
		}
		w := g.waiters.Remove(front).(*waiter)
		w.granted = true
		g.admitLocked(w.sessionID)
		close(w.ready)
	}
}

// SetCapacity changes the slot count. Shrinking never preempts holders; the
// surplus drains as permits are released.
func (g *Governor) SetCapacity(capacity int) {
	if capacity <= 0 {
		capacity = 1
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.capacity = capacity
	g.grantLocked()
}

func (g *Governor) Status(sessionID string) Status {
	g.mu.Lock()
	defer g.mu.Unlock()

	st := Status{
		Capacity:    g.capacity,
		ActiveCount: g.active,
		QueuedCount: g.waiters.Len(),
	}
	if sessionID == "" {
		return st
	}
	pos := 0
	for e := g.waiters.Front(); e != nil; e = e.Next() {
		pos++
		if e.Value.(*waiter).sessionID == sessionID {
			st.PositionInQueue = pos
			break
		}
	}
	return st
}

// Holding reports how many permits sessionID currently holds.
func (g *Governor) Holding(sessionID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.holders[sessionID]
}
