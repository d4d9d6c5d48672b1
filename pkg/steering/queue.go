// Package steering provides the operator mailbox for in-flight turns.
// The queue performs no I/O and holds no reference to the model call; the
// agent loop drains it at each suspension point.
package steering

import (
	"sync"
	"time"
)

// Type classifies a steering message.
type Type string

const (
	// TypeSteer adds an instruction for the next model call.
	TypeSteer Type = "steer"
	// TypeInterject injects operator content into the conversation.
	TypeInterject Type = "interject"
	// TypeAbort terminates the turn. Abort dominates every other pending
	// message once observed.
	TypeAbort Type = "abort"
)

// Message is a single operator directive.
type Message struct {
	Type       Type      `json:"type"`
	Payload    string    `json:"payload,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// Queue buffers operator directives for one session. Push never blocks;
// when a capacity is configured the oldest non-abort entry is dropped to
// make room.
type Queue struct {
	mu       sync.Mutex
	pending  []Message
	capacity int
	aborted  bool
	dropped  int
}

// New creates a queue. A non-positive capacity means unbounded.
func New(capacity int) *Queue {
	return &Queue{capacity: capacity}
}

// Push appends a message. It never blocks.
func (q *Queue) Push(msg Message) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}
	if msg.Type == TypeAbort {
		q.aborted = true
	}
	if q.capacity > 0 && len(q.pending) >= q.capacity {
		// Drop the oldest entry that is not an abort.
		for i, m := range q.pending {
			if m.Type != TypeAbort {
				q.pending = append(q.pending[:i], q.pending[i+1:]...)
				q.dropped++
				break
			}
		}
		if len(q.pending) >= q.capacity {
			q.dropped++
			return
		}
	}
	q.pending = append(q.pending, msg)
}

// DrainAll atomically removes and returns all pending messages in arrival
// order, plus whether the drain is effectively an abort. Once an abort has
// been pushed, every subsequent drain reports aborted regardless of
// interleaved steer or interject entries.
func (q *Queue) DrainAll() ([]Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	msgs := q.pending
	q.pending = nil
	return msgs, q.aborted
}

// HasAbort reports in O(1) whether an abort has ever been pushed.
func (q *Queue) HasAbort() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.aborted
}

// Len returns the number of pending messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Dropped returns how many messages were discarded by the bounded-capacity
// policy.
func (q *Queue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
