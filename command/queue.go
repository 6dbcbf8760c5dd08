package command

import (
	"container/heap"
	"sync"
)

// itemHeap orders work items by (priority, sequence) ascending.
type itemHeap []*WorkItem

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].Sequence < h[j].Sequence
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x any) {
	item := x.(*WorkItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// Queue is a thread-safe priority queue. Lower priority values dequeue first;
// equal priorities dequeue in push order.
type Queue struct {
	mu    sync.Mutex
	items itemHeap
	seq   uint64
	ready chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{ready: make(chan struct{}, 1)}
}

// Push adds an item. Items without a sequence number get the next one from
// the queue's own counter.
func (q *Queue) Push(item *WorkItem) {
	q.mu.Lock()
	if item.Sequence == 0 {
		q.seq++
		item.Sequence = q.seq
	} else if item.Sequence > q.seq {
		q.seq = item.Sequence
	}
	heap.Push(&q.items, item)
	q.mu.Unlock()

	q.notify()
}

// Pop removes the most urgent item. It never blocks.
func (q *Queue) Pop() (*WorkItem, bool) {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return nil, false
	}
	item := heap.Pop(&q.items).(*WorkItem)
	more := len(q.items) > 0
	q.mu.Unlock()

	// Wake-ups coalesce, so pass the signal on while work remains.
	if more {
		q.notify()
	}
	return item, true
}

// Remove takes a still-queued item out of the queue.
func (q *Queue) Remove(runID string) (*WorkItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, item := range q.items {
		if item.RunID == runID {
			heap.Remove(&q.items, item.index)
			return item, true
		}
	}
	return nil, false
}

// Drain removes and returns every queued item in dequeue order.
func (q *Queue) Drain() []*WorkItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*WorkItem, 0, len(q.items))
	for len(q.items) > 0 {
		out = append(out, heap.Pop(&q.items).(*WorkItem))
	}
	return out
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Ready receives a value after a push; workers wait on it when Pop finds nothing.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

func (q *Queue) notify() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
