package task

import "sync"

// Queue is a FIFO of pending descriptors shared by every scheduler loop.
//
// There is no blocking: Dequeue on an empty queue returns immediately, and
// the caller waits for its next tick. Requeue appends at the tail like Enqueue;
// a retried task's lower priority is only informational.
type Queue struct {
	mu    sync.Mutex
	items []Descriptor

	// epoch advances on Clear and voids every outstanding Lease.
	epoch uint64
	held  int
}

func NewQueue() *Queue { return &Queue{} }

func (q *Queue) Enqueue(tasks ...Descriptor) {
	if len(tasks) == 0 {
		return
	}
	q.mu.Lock()
	q.items = append(q.items, tasks...)
	q.mu.Unlock()
}

func (q *Queue) Requeue(t Descriptor) { q.Enqueue(t) }

func (q *Queue) Dequeue() (Descriptor, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Descriptor{}, false
	}
	t := q.items[0]
	q.items[0] = Descriptor{}
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return t, true
}

// TakeAll removes and returns the whole queue in order.
// The caller owns the returned tasks and must Enqueue anything it does not dispatch.
func (q *Queue) TakeAll() []Descriptor {
	q.mu.Lock()
	out := q.items
	q.items = nil
	q.mu.Unlock()
	return out
}

// Take removes the whole queue like TakeAll but keeps the tasks under a
// Lease until each one is claimed for issue or handed back. A Clear after
// Take voids the lease: unclaimed tasks are discarded with the queue.
func (q *Queue) Take() ([]Descriptor, *Lease) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	q.held += len(out)
	return out, &Lease{q: q, epoch: q.epoch, left: len(out)}
}

// Lease tracks tasks taken by Take that are not yet issued.
type Lease struct {
	q     *Queue
	epoch uint64
	left  int
}

// Claim marks the next leased task as issued. It reports false once the
// queue was cleared after Take; the caller must not issue the task.
func (l *Lease) Claim() bool {
	l.q.mu.Lock()
	defer l.q.mu.Unlock()
	if l.q.epoch != l.epoch || l.left == 0 {
		return false
	}
	l.left--
	l.q.held--
	return true
}

// Return puts unclaimed tasks back at the head of the queue. It reports
// false, and drops them, when the queue was cleared after Take.
func (l *Lease) Return(tasks []Descriptor) bool {
	l.q.mu.Lock()
	defer l.q.mu.Unlock()
	if l.q.epoch != l.epoch {
		l.left = 0
		return false
	}
	l.q.held -= l.left
	l.left = 0
	if len(tasks) > 0 {
		items := make([]Descriptor, 0, len(tasks)+len(l.q.items))
		items = append(items, tasks...)
		l.q.items = append(items, l.q.items...)
	}
	return true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	n := len(q.items)
	q.mu.Unlock()
	return n
}

// Clear empties the queue and returns how many tasks were discarded,
// including leased tasks not yet issued.
func (q *Queue) Clear() int {
	q.mu.Lock()
	n := len(q.items) + q.held
	q.items = nil
	q.held = 0
	q.epoch++
	q.mu.Unlock()
	return n
}

// Items returns a copy of the pending tasks in queue order.
func (q *Queue) Items() []Descriptor {
	q.mu.Lock()
	out := make([]Descriptor, len(q.items))
	copy(out, q.items)
	q.mu.Unlock()
	return out
}
