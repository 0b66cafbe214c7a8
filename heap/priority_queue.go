// Package heap implements a small min-priority-queue over opaque values.
// No other package of this module imports it.
package heap

import (
	"container/heap"
	"errors"
)

// Item is a (value, priority) pair. Lower Priority pops first. Value is
// opaque to the queue; callers type-assert it back out on Pop.
type Item struct {
	Value    interface{}
	Priority int
}

// ErrEmpty is returned by Pop when the queue has no items.
var ErrEmpty = errors.New("heap: priority queue is empty")

// PriorityQueue is a min-heap of *Item ordered by Priority.
type PriorityQueue struct {
	inner itemHeap
}

// NewPriorityQueue creates a PriorityQueue seeded with items.
func NewPriorityQueue(items ...*Item) *PriorityQueue {
	h := make(itemHeap, len(items))
	copy(h, items)
	heap.Init(&h)
	return &PriorityQueue{inner: h}
}

// Push adds item to the queue.
func (pq *PriorityQueue) Push(item *Item) {
	heap.Push(&pq.inner, item)
}

// Pop removes and returns the lowest-priority item.
func (pq *PriorityQueue) Pop() (*Item, error) {
	if pq.inner.Len() == 0 {
		return nil, ErrEmpty
	}
	return heap.Pop(&pq.inner).(*Item), nil
}

// Len returns the number of items in the queue.
func (pq *PriorityQueue) Len() int {
	return pq.inner.Len()
}

type itemHeap []*Item

func (h itemHeap) Len() int            { return len(h) }
func (h itemHeap) Less(i, j int) bool  { return h[i].Priority < h[j].Priority }
func (h itemHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x interface{}) { *h = append(*h, x.(*Item)) }
func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
