// Package taskqueue provides the priority queue feeding the engine's
// admission loop.
//
// Ordering is soft: tasks are ranked by priority (higher first, FIFO
// within a priority), but a task deferred to a future ready time is
// parked in a separate waiting heap and can be overtaken by anything
// that becomes ready before it. The queue never blocks; the admission
// loop polls PopReady and uses NextWake to sleep until the next parked
// task matures.
package taskqueue

import (
	"container/heap"
	"sync"
	"time"

	"github.com/crawlgate/crawlgate/internal/errors"
	"github.com/crawlgate/crawlgate/internal/event"
)

// Task is one unit of fetch/search work flowing through the engine.
// The orchestrator owns a task exclusively while it is queued or in
// flight; the queue only reads ordering fields.
type Task struct {
	ID          string
	Domain      string
	Payload     string
	Priority    int
	Constraints map[string]string
	CreatedAt   time.Time

	// Attempts counts completed execution attempts. The orchestrator
	// increments it after each attempt that consumes budget.
	Attempts int
	// ReadyAt defers dispatch until the given time. Zero means ready
	// immediately.
	ReadyAt time.Time

	seq uint64
}

// Status is a point-in-time summary of queue depth.
type Status struct {
	Ready    int `json:"ready"`
	Waiting  int `json:"waiting"`
	Capacity int `json:"capacity"`
}

// Queue holds pending tasks in two heaps: tasks ready to dispatch now,
// ordered by priority, and tasks parked until a future ready time,
// ordered by that time.
type Queue struct {
	mu      sync.Mutex
	ready   readyHeap
	waiting waitHeap
	closed  bool
	seq     uint64

	capacity int
	bus      *event.Bus
}

// New creates a task queue. A non-positive capacity means unbounded.
func New(capacity int, bus *event.Bus) *Queue {
	if bus == nil {
		bus = event.NewBus()
	}
	return &Queue{
		capacity: capacity,
		bus:      bus,
	}
}

// Push enqueues a task, routing it to the ready or waiting heap by its
// ReadyAt field. It fails with errors.ErrQueueFull at capacity and
// errors.ErrQueueClosed after Close.
func (q *Queue) Push(t *Task) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errors.ErrQueueClosed
	}
	if q.capacity > 0 && q.ready.Len()+q.waiting.Len() >= q.capacity {
		q.mu.Unlock()
		return errors.ErrQueueFull
	}
	q.pushLocked(t)
	ready, waiting := q.ready.Len(), q.waiting.Len()
	q.mu.Unlock()

	q.bus.Publish(event.NewQueueDepthEvent(ready, waiting, q.capacity))
	return nil
}

// Requeue puts an in-flight task back, parked until readyAt. Requeued
// tasks bypass the capacity check: they were admitted once and dropping
// them would lose work. Only a closed queue refuses them.
func (q *Queue) Requeue(t *Task, readyAt time.Time) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errors.ErrQueueClosed
	}
	t.ReadyAt = readyAt
	q.pushLocked(t)
	ready, waiting := q.ready.Len(), q.waiting.Len()
	q.mu.Unlock()

	q.bus.Publish(event.NewQueueDepthEvent(ready, waiting, q.capacity))
	return nil
}

func (q *Queue) pushLocked(t *Task) {
	if t.seq == 0 {
		q.seq++
		t.seq = q.seq
	}
	if t.ReadyAt.IsZero() {
		heap.Push(&q.ready, t)
	} else {
		heap.Push(&q.waiting, t)
	}
}

// PopReady promotes every parked task whose ready time has arrived,
// then pops the highest-priority ready task. It returns false when
// nothing is ready at the given time.
func (q *Queue) PopReady(now time.Time) (*Task, bool) {
	q.mu.Lock()
	for q.waiting.Len() > 0 && !q.waiting[0].ReadyAt.After(now) {
		t := heap.Pop(&q.waiting).(*Task)
		t.ReadyAt = time.Time{}
		heap.Push(&q.ready, t)
	}
	if q.ready.Len() == 0 {
		q.mu.Unlock()
		return nil, false
	}
	t := heap.Pop(&q.ready).(*Task)
	ready, waiting := q.ready.Len(), q.waiting.Len()
	q.mu.Unlock()

	q.bus.Publish(event.NewQueueDepthEvent(ready, waiting, q.capacity))
	return t, true
}

// NextWake returns the earliest time a parked task becomes ready.
// It returns false when the waiting heap is empty.
func (q *Queue) NextWake() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.waiting.Len() == 0 {
		return time.Time{}, false
	}
	return q.waiting[0].ReadyAt, true
}

// Drain empties the queue and returns everything still in it, ready
// tasks first in priority order. Used at shutdown to resolve leftover
// tasks instead of dropping them.
func (q *Queue) Drain() []*Task {
	q.mu.Lock()
	var tasks []*Task
	for q.ready.Len() > 0 {
		tasks = append(tasks, heap.Pop(&q.ready).(*Task))
	}
	for q.waiting.Len() > 0 {
		tasks = append(tasks, heap.Pop(&q.waiting).(*Task))
	}
	q.mu.Unlock()

	q.bus.Publish(event.NewQueueDepthEvent(0, 0, q.capacity))
	return tasks
}

// Close marks the queue closed. Pending tasks can still be popped or
// drained; new pushes and requeues fail.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// Status reports current queue depth.
func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Status{
		Ready:    q.ready.Len(),
		Waiting:  q.waiting.Len(),
		Capacity: q.capacity,
	}
}

// readyHeap orders dispatchable tasks by priority, FIFO within a
// priority via the queue-assigned sequence number.
type readyHeap []*Task

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *readyHeap) Push(x any) { *h = append(*h, x.(*Task)) }

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// waitHeap orders parked tasks by ready time.
type waitHeap []*Task

func (h waitHeap) Len() int { return len(h) }

func (h waitHeap) Less(i, j int) bool {
	if !h[i].ReadyAt.Equal(h[j].ReadyAt) {
		return h[i].ReadyAt.Before(h[j].ReadyAt)
	}
	return h[i].seq < h[j].seq
}

func (h waitHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *waitHeap) Push(x any) { *h = append(*h, x.(*Task)) }

func (h *waitHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
