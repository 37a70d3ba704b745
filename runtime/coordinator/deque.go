package coordinator

import (
	"sync"

	"causalis.dev/retrodict/runtime/plan"
)

// deque is one worker's local batch queue. The owner pushes and pops at the
// tail (LIFO, keeps its working set warm); thieves take from the head (FIFO,
// so they grab the work the owner is furthest from reaching). A mutex is
// enough here: batches run for many milliseconds, so queue operations are
// nowhere near the contention point.
type deque struct {
	mu    sync.Mutex
	items []plan.Batch
}

// push appends at the tail. Owner only.
func (d *deque) push(b plan.Batch) {
	d.mu.Lock()
	d.items = append(d.items, b)
	d.mu.Unlock()
}

// pop removes from the tail. Owner only.
func (d *deque) pop() (plan.Batch, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.items)
	if n == 0 {
		return plan.Batch{}, false
	}
	b := d.items[n-1]
	d.items = d.items[:n-1]
	return b, true
}

// steal removes from the head. Any worker.
func (d *deque) steal() (plan.Batch, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.items) == 0 {
		return plan.Batch{}, false
	}
	b := d.items[0]
	d.items = d.items[1:]
	return b, true
}
