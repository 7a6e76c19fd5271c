package hnsw

import "container/heap"

var _ heap.Interface = (*priorityQueue)(nil)

type item struct {
	node     uint32
	distance float32
}

// priorityQueue is a binary heap of items. With max set the farthest item
// is on top. Equal distances are ordered by node so results are stable.
type priorityQueue struct {
	max   bool
	items []item
}

func (pq *priorityQueue) Len() int { return len(pq.items) }

func (pq *priorityQueue) Less(i, j int) bool {
	a, b := pq.items[i], pq.items[j]
	if a.distance != b.distance {
		if pq.max {
			return a.distance > b.distance
		}
		return a.distance < b.distance
	}
	if pq.max {
		return a.node > b.node
	}
	return a.node < b.node
}

func (pq *priorityQueue) Swap(i, j int) { pq.items[i], pq.items[j] = pq.items[j], pq.items[i] }

func (pq *priorityQueue) Push(x any) { pq.items = append(pq.items, x.(item)) }

func (pq *priorityQueue) Pop() any {
	old := pq.items
	n := len(old)
	it := old[n-1]
	pq.items = old[:n-1]
	return it
}

func (pq *priorityQueue) top() item { return pq.items[0] }

func (pq *priorityQueue) push(it item) { heap.Push(pq, it) }

func (pq *priorityQueue) pop() item { return heap.Pop(pq).(item) }

// less orders items by (distance, node) ascending.
func less(a, b item) bool {
	if a.distance != b.distance {
		return a.distance < b.distance
	}
	return a.node < b.node
}
