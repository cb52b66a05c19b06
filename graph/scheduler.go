package graph

import "container/heap"

// readyItem is a node waiting for a dispatch slot.
type readyItem struct {
	name  string
	depth int
}

// readyHeap orders ready nodes by topological depth, then by name, so that
// dispatch order is the same on every run of the same graph.
type readyHeap []readyItem

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].depth != h[j].depth {
		return h[i].depth < h[j].depth
	}
	return h[i].name < h[j].name
}

func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *readyHeap) Push(x any) { *h = append(*h, x.(readyItem)) }

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// readyQueue is the Executor's queue of nodes in StateReady. It is used only
// from the Executor loop and needs no locking.
type readyQueue struct {
	heap readyHeap
}

func (q *readyQueue) push(name string, depth int) {
	heap.Push(&q.heap, readyItem{name: name, depth: depth})
}

func (q *readyQueue) pop() (string, bool) {
	if q.heap.Len() == 0 {
		return "", false
	}
	return heap.Pop(&q.heap).(readyItem).name, true
}

func (q *readyQueue) len() int { return q.heap.Len() }

// drain empties the queue and returns the names in dispatch order.
func (q *readyQueue) drain() []string {
	var names []string
	for {
		name, ok := q.pop()
		if !ok {
			return names
		}
		names = append(names, name)
	}
}
