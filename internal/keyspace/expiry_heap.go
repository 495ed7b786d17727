package keyspace

import "container/heap"

// expiryItem is a (key, deadline) pair tracked by the expiry index.
// Stale entries (the key was since deleted or overwritten with a
// different deadline) are tolerated and skipped lazily at pop time.
type expiryItem struct {
	key      string
	deadline int64
}

// expiryHeap is a min-heap over expiryItem.deadline, giving the keyspace a
// priority structure ordered by earliest deadline as the spec's data model
// requires.
type expiryHeap []expiryItem

func (h expiryHeap) Len() int            { return len(h) }
func (h expiryHeap) Less(i, j int) bool  { return h[i].deadline < h[j].deadline }
func (h expiryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *expiryHeap) Push(x interface{}) { *h = append(*h, x.(expiryItem)) }
func (h *expiryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func (h *expiryHeap) push(item expiryItem) {
	heap.Push(h, item)
}

func (h *expiryHeap) pop() expiryItem {
	return heap.Pop(h).(expiryItem)
}

func (h expiryHeap) peek() (expiryItem, bool) {
	if len(h) == 0 {
		return expiryItem{}, false
	}
	return h[0], true
}
