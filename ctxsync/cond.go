// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package ctxsync provides synchronization primitives whose waits can
// be abandoned through a context.
package ctxsync

import (
	"context"
	"sync"
)

// A Cond is a condition variable that implements a context-aware
// Wait. Unlike sync.Cond, a Cond has no Signal: every state change is
// broadcast, and waiters re-check their predicate.
type Cond struct {
	l     sync.Locker
	waitc chan struct{}
}

// NewCond returns a new Cond based on Locker l.
func NewCond(l sync.Locker) *Cond {
	return &Cond{l: l}
}

// Broadcast notifies waiters of a state change. Broadcast must only
// be called while the cond's lock is held.
func (c *Cond) Broadcast() {
	if c.waitc != nil {
		close(c.waitc)
		c.waitc = nil
	}
}

// Done returns a channel that is closed on the next call to
// Broadcast. Done must be called while the cond's lock is held; the
// returned channel may be selected on after the lock is released.
func (c *Cond) Done() <-chan struct{} {
	if c.waitc == nil {
		c.waitc = make(chan struct{})
	}
	return c.waitc
}

// Wait returns after the next call to Broadcast, or if the context
// is complete. The cond's lock must be held when calling Wait.
// An error returns with the context's error if the context completes
// while waiting.
func (c *Cond) Wait(ctx context.Context) error {
	waitc := c.Done()
	c.l.Unlock()
	var err error
	select {
	case <-waitc:
	case <-ctx.Done():
		err = ctx.Err()
	}
	c.l.Lock()
	return err
}

// WaitFor waits until cond returns true, or until the context is done.
// The cond's lock must be held when calling WaitFor; cond is always
// evaluated with the lock held.
func (c *Cond) WaitFor(ctx context.Context, cond func() bool) error {
	for !cond() {
		if err := c.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}
