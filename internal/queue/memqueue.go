package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskqueue/engine/internal/model"
)

// memItem is one in-flight or pending message in a memQueue's heap,
// ordered by visibleAt the way script-weaver's state_machine.go orders its
// BFS frontier with container/heap — here the ordering key is delivery
// time rather than graph index.
type memItem struct {
	payload      []byte
	visibleAt    time.Time
	receipt      string
	locked       bool
	visibleUntil time.Time
	index        int
}

type memHeap []*memItem

func (h memHeap) Len() int            { return len(h) }
func (h memHeap) Less(i, j int) bool  { return h[i].visibleAt.Before(h[j].visibleAt) }
func (h memHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *memHeap) Push(x interface{}) {
	item := x.(*memItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *memHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// memQueue is an in-process, priority-ordered (by visibleAt) durable FIFO
// used by cmd/taskqueued when no NATS URL is configured, and by every
// package's unit tests.
type memQueue struct {
	mu      sync.Mutex
	items   memHeap
	byRecpt map[string]*memItem
	lastCnt int
	lastAt  time.Time
}

func newMemQueue() *memQueue {
	q := &memQueue{byRecpt: make(map[string]*memItem)}
	heap.Init(&q.items)
	return q
}

func (q *memQueue) Put(ctx context.Context, payload []byte, visibleAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	item := &memItem{payload: payload, visibleAt: visibleAt}
	heap.Push(&q.items, item)
	return nil
}

func (q *memQueue) Receive(ctx context.Context, maxMessages int, visibilityTimeout time.Duration) ([]Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	var out []Message
	// a locked item whose visibility timeout has expired goes back onto
	// the heap for redelivery; its old receipt no longer names anything.
	for receipt, it := range q.byRecpt {
		if it.locked && now.After(it.visibleUntil) {
			it.locked = false
			delete(q.byRecpt, receipt)
			heap.Push(&q.items, it)
		}
	}
	for q.items.Len() > 0 && len(out) < maxMessages {
		top := q.items[0]
		if top.visibleAt.After(now) {
			break
		}
		heap.Pop(&q.items)
		top.locked = true
		top.receipt = uuid.NewString()
		top.visibleUntil = now.Add(visibilityTimeout)
		q.byRecpt[top.receipt] = top
		out = append(out, Message{Payload: top.payload, Receipt: top.receipt, VisibleUntil: top.visibleUntil})
	}
	return out, nil
}

func (q *memQueue) Delete(ctx context.Context, receipt string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.byRecpt, receipt)
	return nil
}

func (q *memQueue) Count(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if time.Since(q.lastAt) < model.PendingCountCacheTTL {
		return q.lastCnt, nil
	}
	now := time.Now()
	count := 0
	for _, it := range q.items {
		if !it.visibleAt.After(now) {
			count++
		}
	}
	for _, it := range q.byRecpt {
		if it.locked {
			count++
		}
	}
	q.lastCnt = count
	q.lastAt = now
	return count, nil
}

// MemAdvisoryQueue vends per-name memQueue instances, lazily created.
type MemAdvisoryQueue struct {
	mu     sync.Mutex
	queues map[string]*memQueue
}

func NewMemAdvisoryQueue() *MemAdvisoryQueue {
	return &MemAdvisoryQueue{queues: make(map[string]*memQueue)}
}

func (a *MemAdvisoryQueue) named(name string) *memQueue {
	a.mu.Lock()
	defer a.mu.Unlock()
	q, ok := a.queues[name]
	if !ok {
		q = newMemQueue()
		a.queues[name] = q
	}
	return q
}

func (a *MemAdvisoryQueue) Pending(provisionerID, workerType string, priority model.Priority) Queue {
	return a.named(PendingName(provisionerID, workerType, priority))
}
func (a *MemAdvisoryQueue) ClaimExpiration() Queue { return a.named("claim-expiration") }
func (a *MemAdvisoryQueue) Deadline() Queue        { return a.named("deadline") }
func (a *MemAdvisoryQueue) Resolved() Queue        { return a.named("resolved") }
