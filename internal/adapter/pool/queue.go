package pool

import (
	"container/heap"
	"sync"
	"time"

	"github.com/ferrant/ragmux/internal/core/domain"
)

// dispatchResult resolves one queue item.
type dispatchResult struct {
	response *domain.RAGResponse
	err      error
}

// queueItem is one queued request. Ordering is priority descending,
// enqueue time ascending; retried items keep their original enqueue
// time so they return to the head of their priority band.
type queueItem struct {
	id          string
	request     *domain.RAGRequest
	priority    int
	enqueueTime time.Time
	deadline    time.Time
	notBefore   time.Time
	retryCount  int
	lastErr     error
	resolve     chan dispatchResult

	index int
}

func (i *queueItem) expired(now time.Time) bool {
	return !i.deadline.IsZero() && now.After(i.deadline)
}

func (i *queueItem) fail(err error) {
	select {
	case i.resolve <- dispatchResult{err: err}:
	default:
	}
}

func (i *queueItem) succeed(response *domain.RAGResponse) {
	select {
	case i.resolve <- dispatchResult{response: response}:
	default:
	}
}

type itemHeap []*queueItem

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(a, b int) bool {
	if h[a].priority != h[b].priority {
		return h[a].priority > h[b].priority
	}
	return h[a].enqueueTime.Before(h[b].enqueueTime)
}

func (h itemHeap) Swap(a, b int) {
	h[a], h[b] = h[b], h[a]
	h[a].index = a
	h[b].index = b
}

func (h *itemHeap) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// requestQueue is the bounded priority queue feeding the dispatch loop.
type requestQueue struct {
	mu       sync.Mutex
	items    itemHeap
	capacity int
	closed   bool
}

func newRequestQueue(capacity int) *requestQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &requestQueue{capacity: capacity}
}

func (q *requestQueue) push(item *queueItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return domain.ErrShutdown
	}
	if len(q.items) >= q.capacity {
		return domain.ErrQueueFull
	}
	heap.Push(&q.items, item)
	return nil
}

// takeReady removes up to max dispatchable items in priority order.
// Expired items are evicted and failed; items still inside a retry
// delay are skipped and re-queued.
func (q *requestQueue) takeReady(now time.Time, max int) []*queueItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	if max <= 0 || len(q.items) == 0 {
		return nil
	}

	ready := make([]*queueItem, 0, max)
	var delayed []*queueItem

	for len(ready) < max && len(q.items) > 0 {
		item := heap.Pop(&q.items).(*queueItem)

		if item.expired(now) {
			item.fail(domain.NewRequestError(domain.ErrKindDeadlineExceeded, item.id, "", nil, domain.ErrDeadlineExceeded))
			continue
		}
		if now.Before(item.notBefore) {
			delayed = append(delayed, item)
			continue
		}
		ready = append(ready, item)
	}

	for _, item := range delayed {
		heap.Push(&q.items, item)
	}
	return ready
}

func (q *requestQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// backpressure reports queue fullness in [0,1].
func (q *requestQueue) backpressure() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	level := float64(len(q.items)) / float64(q.capacity)
	if level > 1 {
		level = 1
	}
	return level
}

// drain closes the queue and fails every remaining item.
func (q *requestQueue) drain(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	for _, item := range q.items {
		item.fail(err)
	}
	q.items = nil
}
