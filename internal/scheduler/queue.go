package scheduler

import "container/heap"

// queuedTask is a task waiting in a category queue.
type queuedTask struct {
	task Task
	seq  uint64 // insertion order, breaks priority ties
}

// taskHeap orders tasks by numeric priority (lower first), then by
// insertion order. Priorities are compared as integers, never as text.
type taskHeap []*queuedTask

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority < h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

func (h *taskHeap) Push(x interface{}) {
	*h = append(*h, x.(*queuedTask))
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // Avoid memory leak
	*h = old[0 : n-1]
	return item
}

// taskQueue is the pending work of one category.
type taskQueue struct {
	heap taskHeap
}

func (q *taskQueue) Len() int { return q.heap.Len() }

func (q *taskQueue) push(t Task, seq uint64) {
	heap.Push(&q.heap, &queuedTask{task: t, seq: seq})
}

// pop removes the most urgent task. ok is false when the queue is empty.
func (q *taskQueue) pop() (Task, bool) {
	if q.heap.Len() == 0 {
		return Task{}, false
	}
	item := heap.Pop(&q.heap).(*queuedTask)
	return item.task, true
}

// filter keeps tasks for which keep returns true and returns the rest.
func (q *taskQueue) filter(keep func(Task) bool) []Task {
	var removed []Task
	kept := q.heap[:0]
	for _, item := range q.heap {
		if keep(item.task) {
			kept = append(kept, item)
		} else {
			removed = append(removed, item.task)
		}
	}
	for i := len(kept); i < len(q.heap); i++ {
		q.heap[i] = nil
	}
	q.heap = kept
	heap.Init(&q.heap)
	return removed
}

// clear drops all tasks and returns them.
func (q *taskQueue) clear() []Task {
	removed := make([]Task, 0, len(q.heap))
	for _, item := range q.heap {
		removed = append(removed, item.task)
	}
	q.heap = nil
	return removed
}
