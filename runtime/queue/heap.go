// Package queue implements the inbound workload controller: a strict
// priority queue, an elastic worker pool and a message queue tying the two
// together with retry and dead-letter semantics.
package queue

import (
	"container/heap"
	"sync"
	"time"

	"goa.design/toolhost/runtime/queue/priority"
)

// Message is one queued unit of work.
type Message struct {
	// ID identifies the message; assigned on enqueue when empty.
	ID string
	// Priority is the effective priority after boosting.
	Priority priority.Level
	// EnqueueTime orders messages within a priority class.
	EnqueueTime time.Time
	// RetryCount is how many times processing has failed so far.
	RetryCount int

	// Sender, Command and Text feed priority boosting.
	Sender  string
	Command bool
	Text    string

	// Payload is the opaque application payload.
	Payload any
}

// PriorityQueue is a min-heap of messages ordered by priority, then enqueue
// time, then arrival sequence. Safe for concurrent use; all operations are
// O(log n) or better.
type PriorityQueue struct {
	mu  sync.Mutex
	h   messageHeap
	seq uint64
}

type heapItem struct {
	msg *Message
	seq uint64
}

type messageHeap []*heapItem

func (h messageHeap) Len() int { return len(h) }

func (h messageHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.msg.Priority != b.msg.Priority {
		return a.msg.Priority < b.msg.Priority
	}
	if !a.msg.EnqueueTime.Equal(b.msg.EnqueueTime) {
		return a.msg.EnqueueTime.Before(b.msg.EnqueueTime)
	}
	return a.seq < b.seq
}

func (h messageHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *messageHeap) Push(x any) { *h = append(*h, x.(*heapItem)) }

func (h *messageHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// NewPriorityQueue constructs an empty queue.
func NewPriorityQueue() *PriorityQueue {
	return &PriorityQueue{}
}

// Enqueue pushes a message.
func (q *PriorityQueue) Enqueue(msg *Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	heap.Push(&q.h, &heapItem{msg: msg, seq: q.seq})
}

// Dequeue pops the highest-priority message, FIFO within a priority class.
func (q *PriorityQueue) Dequeue() (*Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return nil, false
	}
	it := heap.Pop(&q.h).(*heapItem)
	return it.msg, true
}

// Peek returns the next message without removing it.
func (q *PriorityQueue) Peek() (*Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return nil, false
	}
	return q.h[0].msg, true
}

// Len returns the number of queued messages.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}

// CountByPriority returns the number of queued messages per priority class.
func (q *PriorityQueue) CountByPriority() map[priority.Level]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	counts := make(map[priority.Level]int)
	for _, it := range q.h {
		counts[it.msg.Priority]++
	}
	return counts
}

// Clear drops every queued message.
func (q *PriorityQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.h = nil
}
