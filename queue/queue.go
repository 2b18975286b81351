package queue

import (
	"container/heap"
)

// An Item is something we manage in a priority queue.
type Item struct {
	Value    int64 // The value of the item; arbitrary.
	Priority int64 // The priority of the item in the queue.
	// The index is maintained by the heap.Interface methods.
	Index int // The index of the item in the heap.
}

// A PriorityQueue holds Items, lowest priority first.
type PriorityQueue struct {
	items pqItems
}

func New() *PriorityQueue {
	return new(PriorityQueue)
}

func (pq *PriorityQueue) Len() int {
	return pq.items.Len()
}

// PushItem adds a value at the given priority.
func (pq *PriorityQueue) PushItem(value, priority int64) {
	heap.Push(&pq.items, &Item{Value: value, Priority: priority})
}

// Peek returns the lowest priority entry without removing it.
func (pq *PriorityQueue) Peek() (value, priority int64) {
	item := pq.items[0]
	return item.Value, item.Priority
}

// PopItem removes and returns the lowest priority value.
func (pq *PriorityQueue) PopItem() (value, priority int64) {
	item := heap.Pop(&pq.items).(*Item)
	return item.Value, item.Priority
}

type pqItems []*Item

func (pq pqItems) Len() int { return len(pq) }

func (pq pqItems) Less(i, j int) bool {
	// We want Pop to give us the lowest, not highest, priority so we use lesser than here.
	return pq[i].Priority < pq[j].Priority
}

func (pq pqItems) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].Index = i
	pq[j].Index = j
}

func (pq *pqItems) Push(x interface{}) {
	n := len(*pq)
	item := x.(*Item)
	item.Index = n
	*pq = append(*pq, item)
}

func (pq *pqItems) Pop() interface{} {
	old := *pq
	n := len(old)
	item := old[n-1]
	item.Index = -1 // for safety
	*pq = old[0 : n-1]
	return item
}
