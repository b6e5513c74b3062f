package blockstm

import (
	"container/heap"
	"sync"
)

// intHeap is a min-heap of transaction indices, used by the scheduler to
// always hand out the smallest pending index first so that, absent
// conflicts, workers make forward progress in block order.
type intHeap []TxnIndex

func (h intHeap) Len() int            { return len(h) }
func (h intHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h intHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *intHeap) Push(x interface{}) { *h = append(*h, x.(int)) }

func (h *intHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]

	return x
}

// indexQueue is a thread-safe min-priority-queue of pending transaction
// indices, used by the Scheduler to track indices that are ready to be
// (re)executed or (re)validated.
type indexQueue struct {
	mu   sync.Mutex
	heap intHeap
	set  map[TxnIndex]bool
}

func newIndexQueue() *indexQueue {
	return &indexQueue{set: make(map[TxnIndex]bool)}
}

func (q *indexQueue) push(idx TxnIndex) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.set[idx] {
		return
	}

	q.set[idx] = true
	heap.Push(&q.heap, idx)
}

// pop removes and returns the smallest pending index, or (0, false) if
// empty.
func (q *indexQueue) pop() (TxnIndex, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.heap.Len() == 0 {
		return 0, false
	}

	idx := heap.Pop(&q.heap).(int)
	delete(q.set, idx)

	return idx, true
}

func (q *indexQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.heap.Len()
}
