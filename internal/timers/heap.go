package timers

import (
	"container/heap"

	"github.com/bizportal/flowd/pkg/schema"
)

type waitKey struct {
	instanceID string
	stepID     string
}

func keyOf(w *schema.PendingWait) waitKey {
	return waitKey{instanceID: w.InstanceID, stepID: w.StepID}
}

type item struct {
	wait  *schema.PendingWait
	index int
}

// waitHeap orders waits by due time, then by key for a stable fire order.
type waitHeap []*item

func (h waitHeap) Len() int { return len(h) }

func (h waitHeap) Less(i, j int) bool {
	a, b := h[i].wait, h[j].wait
	if !a.DueAt.Equal(b.DueAt) {
		return a.DueAt.Before(b.DueAt)
	}
	if a.InstanceID != b.InstanceID {
		return a.InstanceID < b.InstanceID
	}
	return a.StepID < b.StepID
}

func (h waitHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *waitHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *waitHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

func (h *waitHeap) peek() *item {
	if len(*h) == 0 {
		return nil
	}
	return (*h)[0]
}

func (h *waitHeap) remove(it *item) {
	if it.index >= 0 {
		heap.Remove(h, it.index)
	}
}
