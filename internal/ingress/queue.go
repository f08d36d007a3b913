// Package ingress implements the Ingress Buffer: a bounded in-memory
// priority queue backed by a durable table, drained by worker goroutines,
// with a cold-path scanner that re-enqueues work lost to a crash.
package ingress

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Tier is one of the three dispatch priority classes. Higher tiers are
// dispatched first; within a tier, FIFO by enqueue time.
type Tier string

const (
	TierHighPriority Tier = "high_priority"
	TierInteractive  Tier = "interactive"
	TierDefault      Tier = "default"
)

func tierRank(t Tier) int {
	switch t {
	case TierHighPriority:
		return 0
	case TierInteractive:
		return 1
	default:
		return 2
	}
}

// Item is one unit of work moving through the buffer.
type Item struct {
	IngressID  uuid.UUID
	RequestID  uuid.UUID
	Tier       Tier
	PayloadRef string
	EnqueuedAt time.Time
	Attempts   int
}

// memQueue is a bounded, priority-ordered in-memory queue. It never blocks
// on Push: callers that find it full fall back to DB-only persistence
//, which the cold-path scanner later recovers.
type memQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    itemHeap
	capacity int
	closed   bool
}

func newMemQueue(capacity int) *memQueue {
	q := &memQueue{capacity: capacity}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// TryPush inserts item if capacity remains, reporting whether it was
// accepted.
func (q *memQueue) TryPush(item *Item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.items) >= q.capacity {
		return false
	}
	heap.Push(&q.items, item)
	q.cond.Signal()
	return true
}

// Pop blocks until an item is available, ctx is cancelled, or the queue is
// closed.
func (q *memQueue) Pop(ctx context.Context) (*Item, bool) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		if ctx.Err() != nil {
			return nil, false
		}
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	item := heap.Pop(&q.items).(*Item)
	return item, true
}

// Close unblocks every waiting Pop call.
func (q *memQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

func (q *memQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

type itemHeap []*Item

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	ri, rj := tierRank(h[i].Tier), tierRank(h[j].Tier)
	if ri != rj {
		return ri < rj
	}
	return h[i].EnqueuedAt.Before(h[j].EnqueuedAt)
}
func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x interface{}) {
	*h = append(*h, x.(*Item))
}
func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
