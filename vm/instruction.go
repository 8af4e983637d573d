// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package vm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrShutdown is the error of instructions that could not be run
// because the scheduler was shut down.
var ErrShutdown = errors.New("vm: scheduler shut down")

// AccessKind is the kind of claim an instruction makes on an operand.
type AccessKind int

const (
	// Read accesses are compatible with other reads.
	Read AccessKind = iota
	// Write accesses are exclusive.
	Write
)

// String returns "R" or "W".
func (k AccessKind) String() string {
	switch k {
	case Read:
		return "R"
	case Write:
		return "W"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// An Operand names the mirrored object (the replica of Object on
// Device) that an instruction reads or writes.
type Operand struct {
	Object ObjectID
	Device int
	Kind   AccessKind
}

// ReadOf returns a read operand on the replica of obj on device.
func ReadOf(obj ObjectID, device int) Operand {
	return Operand{Object: obj, Device: device, Kind: Read}
}

// WriteOf returns a write operand on the replica of obj on device.
func WriteOf(obj ObjectID, device int) Operand {
	return Operand{Object: obj, Device: device, Kind: Write}
}

// State is the scheduling state of an instruction. State values are
// ordered so that their magnitudes correspond with progression.
type State int

const (
	// Waiting instructions have been submitted but hold at least one
	// ungranted access.
	Waiting State = iota
	// Ready instructions hold all of their accesses and are queued
	// on their device's worker.
	Ready
	// Executing instructions are being run by a worker.
	Executing
	// Done indicates that the instruction ran successfully and
	// released its accesses.
	//
	// All State values greater than Done indicate failure.
	Done
	// Failed indicates that the instruction's Do returned an error (or
	// panicked). Its accesses are released just as for Done.
	Failed

	maxState
)

var states = [...]string{
	Waiting:   "WAITING",
	Ready:     "READY",
	Executing: "EXECUTING",
	Done:      "DONE",
	Failed:    "FAILED",
}

// String returns the state as an upper-case string.
func (s State) String() string {
	return states[s]
}

// An Instruction is a unit of work with a fixed list of operands. The
// scheduler runs an instruction's Do on the worker for its Device once
// every operand access has been granted.
//
// Instructions embed a mutex and a condition channel so that callers
// can wait for state changes.
type Instruction struct {
	// Op names the operation, for diagnostics and tracing.
	Op string
	// Device is the index of the worker that executes the instruction.
	Device int
	// Operands lists the mirrored objects accessed by the instruction.
	// Operands on the same (object, device) pair are merged; the merged
	// access is a Write if any of them is.
	Operands []Operand
	// Do performs the instruction. It is invoked at most once.
	Do func(ctx context.Context) error

	// id is the submission sequence number, starting at 1.
	id uint64
	// pending is the number of ungranted accesses, plus one while the
	// instruction is being attached.
	pending  atomic.Int32
	accesses []*access

	mu    sync.Mutex
	waitc chan struct{}
	state State
	err   error
}

// ID returns the instruction's submission sequence number, or 0 if it
// has not been submitted.
func (in *Instruction) ID() uint64 {
	return in.id
}

// String returns a short, human-readable description of the
// instruction's state.
func (in *Instruction) String() string {
	// State and err are read without the lock so that String is safe
	// to call while it is held.
	var b bytes.Buffer
	fmt.Fprintf(&b, "instruction %s#%d@%d %s", in.Op, in.id, in.Device, in.state)
	if in.err != nil {
		fmt.Fprintf(&b, ": %v", in.err)
	}
	return b.String()
}

// State returns the instruction's current state.
func (in *Instruction) State() State {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

// Err returns the error of a failed instruction, and nil otherwise.
func (in *Instruction) Err() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.state == Failed {
		if in.err == nil {
			panic("vm: Failed without an err")
		}
		return in.err
	}
	return nil
}

func (in *Instruction) set(state State) {
	in.mu.Lock()
	in.state = state
	in.broadcast()
	in.mu.Unlock()
}

func (in *Instruction) fail(err error) {
	in.mu.Lock()
	in.state = Failed
	in.err = err
	in.broadcast()
	in.mu.Unlock()
}

// broadcast notifies waiters of a state change. It must be called
// with the instruction's lock held.
func (in *Instruction) broadcast() {
	if in.waitc != nil {
		close(in.waitc)
		in.waitc = nil
	}
}

// wait returns after the next broadcast or when the context is done.
// The instruction's lock must be held.
func (in *Instruction) wait(ctx context.Context) error {
	if in.waitc == nil {
		in.waitc = make(chan struct{})
	}
	waitc := in.waitc
	in.mu.Unlock()
	var err error
	select {
	case <-waitc:
	case <-ctx.Done():
		err = ctx.Err()
	}
	in.mu.Lock()
	return err
}

// WaitState returns when the instruction's state is at least the
// provided state, or else when the context is done.
func (in *Instruction) WaitState(ctx context.Context, state State) (State, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	var err error
	for in.state < state && err == nil {
		err = in.wait(ctx)
	}
	return in.state, err
}

// Wait waits for the instruction to complete and returns its error.
func (in *Instruction) Wait(ctx context.Context) error {
	state, err := in.WaitState(ctx, Done)
	if err != nil {
		return err
	}
	if state == Failed {
		return in.Err()
	}
	return nil
}
