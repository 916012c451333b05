package orchestrator

import (
	"container/heap"
	"context"
	"errors"
	"sync"

	"github.com/aristath/taskrouter/internal/task"
)

var (
	errQueueFull   = errors.New("work queue full")
	errQueueClosed = errors.New("work queue closed")
)

// queueItem is one workflow waiting for a worker.
type queueItem struct {
	id       string
	priority task.Priority
	seq      uint64
	requeues int // Times the item went back after finding no capacity
}

// itemHeap orders by priority (highest first), then by arrival.
type itemHeap []*queueItem

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x any)   { *h = append(*h, x.(*queueItem)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Queue is a bounded priority queue of workflow ids.
type Queue struct {
	mu     sync.Mutex
	items  itemHeap
	seq    uint64
	limit  int
	closed bool
	notify chan struct{}
}

// NewQueue creates a queue holding at most limit items.
func NewQueue(limit int) *Queue {
	return &Queue{limit: limit, notify: make(chan struct{}, 1)}
}

// Push adds an item, failing when the queue is at its limit.
func (q *Queue) Push(id string, p task.Priority) error {
	return q.push(queueItem{id: id, priority: p}, false)
}

// push adds it. force admits the item past the limit, for work that was
// already accepted once.
func (q *Queue) push(it queueItem, force bool) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errQueueClosed
	}
	if !force && q.limit > 0 && len(q.items) >= q.limit {
		q.mu.Unlock()
		return errQueueFull
	}
	q.seq++
	it.seq = q.seq
	heap.Push(&q.items, &it)
	q.mu.Unlock()

	q.signal()
	return nil
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Pop blocks until an item is available, the queue is closed or ctx ends.
func (q *Queue) Pop(ctx context.Context) (queueItem, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			it := heap.Pop(&q.items).(*queueItem)
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				// Wake the next waiter; only one token fits in notify.
				q.signal()
			}
			return *it, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			q.signal()
			return queueItem{}, errQueueClosed
		}

		select {
		case <-ctx.Done():
			return queueItem{}, ctx.Err()
		case <-q.notify:
		}
	}
}

// Len returns the number of waiting items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close rejects further pushes. Waiting items can still be popped.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}
