// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package bufq implements a bounded, closable FIFO queue. Queues are
// the handoff point whenever work crosses goroutines in tensorvm:
// submission to the scheduler, per-device ready lists, and actor
// inboxes are all Queues.
//
// A Queue has no notion of cancellation other than Close. Close wakes
// every blocked caller with a terminal status rather than discarding
// queued items: items pushed before Close remain pullable until the
// queue is drained.
package bufq

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/grailbio/tensorvm/ctxsync"
)

// Status is the outcome of a queue operation.
type Status int

const (
	// Success indicates that the operation completed.
	Success Status = iota
	// Closed indicates that the queue was closed. For pulls, it is
	// returned only once the queue is also drained.
	Closed
	// Empty is returned by TryPull when no item is available.
	Empty
)

var (
	// ErrClosed is the error equivalent of Closed.
	ErrClosed = errors.New("bufq: queue closed")
	// ErrEmpty is the error equivalent of Empty.
	ErrEmpty = errors.New("bufq: queue empty")
)

// String returns a lower-case name for the status.
func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case Closed:
		return "closed"
	case Empty:
		return "empty"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Err returns nil for Success, and ErrClosed or ErrEmpty otherwise.
func (s Status) Err() error {
	switch s {
	case Success:
		return nil
	case Closed:
		return ErrClosed
	case Empty:
		return ErrEmpty
	default:
		panic("bufq: unknown status")
	}
}

// Queue is a thread-safe bounded FIFO. The zero Queue is not usable;
// create queues with New.
type Queue[T any] struct {
	mu   sync.Mutex
	cond *ctxsync.Cond

	// items is a ring buffer of capacity cap(items); head indexes the
	// front item and n is the number of queued items.
	items   []T
	head, n int
	closed  bool
}

// New returns a new queue that holds at most capacity items.
// New panics if capacity is not positive.
func New[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		panic("bufq.New: capacity <= 0")
	}
	q := &Queue[T]{items: make([]T, capacity)}
	q.cond = ctxsync.NewCond(&q.mu)
	return q
}

// Push appends item to the back of the queue, blocking while the
// queue is full. Push returns Closed if the queue is closed, or
// becomes closed while Push is waiting; the item is then not queued.
func (q *Queue[T]) Push(item T) Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	// Waits are never canceled: only Close unblocks a full queue.
	_ = q.cond.WaitFor(context.Background(), func() bool {
		return q.closed || q.n < len(q.items)
	})
	if q.closed {
		return Closed
	}
	q.items[(q.head+q.n)%len(q.items)] = item
	q.n++
	q.cond.Broadcast()
	return Success
}

// TryPush appends item if there is room and the queue is open. It
// returns Empty, as in "no room", if the queue is full.
func (q *Queue[T]) TryPush(item T) Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	switch {
	case q.closed:
		return Closed
	case q.n == len(q.items):
		return Empty
	}
	q.items[(q.head+q.n)%len(q.items)] = item
	q.n++
	q.cond.Broadcast()
	return Success
}

// Pull removes and returns the front item, blocking while the queue
// is empty. Pull returns Closed only when the queue is both closed and
// empty.
func (q *Queue[T]) Pull() (T, Status) {
	q.mu.Lock()
	defer q.mu.Unlock()
	_ = q.cond.WaitFor(context.Background(), func() bool {
		return q.closed || q.n > 0
	})
	if q.n == 0 {
		var zero T
		return zero, Closed
	}
	return q.pop(), Success
}

// TryPull is the non-blocking version of Pull. It returns Empty if no
// item is available; a closed and drained queue returns Closed.
func (q *Queue[T]) TryPull() (T, Status) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.n == 0 {
		var zero T
		if q.closed {
			return zero, Closed
		}
		return zero, Empty
	}
	return q.pop(), Success
}

// pop removes the front item. It must be called with q.mu held and a
// nonempty queue.
func (q *Queue[T]) pop() T {
	var zero T
	item := q.items[q.head]
	q.items[q.head] = zero
	q.head = (q.head + 1) % len(q.items)
	q.n--
	if q.n == len(q.items)-1 {
		// The queue just dropped below capacity: wake blocked pushers.
		q.cond.Broadcast()
	}
	return item
}

// Close closes the queue and wakes all waiters. Close is idempotent.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

// Cap returns the queue's capacity.
func (q *Queue[T]) Cap() int {
	return len(q.items)
}

// IsClosed tells whether Close has been called.
func (q *Queue[T]) IsClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
