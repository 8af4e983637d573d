// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor implements global tensors: logical arrays laid out
// over a set of devices according to a PlacedSharding. Each device of
// the placement holds one local piece, and the pieces together are
// bound to a single vm logical object, so that every access to them
// goes through the scheduler.
//
// Local pieces may be read or modified only from within an
// instruction that holds the corresponding access: a Read of
// (Object, device) to read the piece on device, a Write to modify it.
package tensor

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/tensorvm/sbp"
	"github.com/grailbio/tensorvm/vm"
)

// Tensor is a global tensor.
type Tensor struct {
	// Shape is the logical shape of the tensor.
	Shape []int
	// Sharding lays the tensor out over its devices.
	Sharding *sbp.PlacedSharding
	// Object is the logical object that guards the local pieces.
	Object vm.ObjectID

	locals []*Dense
}

// New returns a new, zero-valued global tensor of the provided shape
// and sharding, backed by a fresh logical object of the scheduler.
func New(sched *vm.Scheduler, shape []int, sharding *sbp.PlacedSharding) (*Tensor, error) {
	if err := sharding.Validate(shape); err != nil {
		return nil, err
	}
	for _, d := range sharding.Devices() {
		if d >= sched.Devices() {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("tensor: %s: device %d out of range", sharding, d))
		}
	}
	t := &Tensor{
		Shape:    append([]int(nil), shape...),
		Sharding: sharding,
		Object:   sched.NewObject(),
		locals:   make([]*Dense, sharding.NumDevices()),
	}
	for id := range t.locals {
		t.locals[id] = Zeros(sharding.LocalShape(shape, id)...)
	}
	return t, nil
}

// String returns a short description of the tensor.
func (t *Tensor) String() string {
	return fmt.Sprintf("tensor(%s)%v%s", t.Object, t.Shape, t.Sharding)
}

// Local returns the local piece held by the given parallel id. The
// caller must hold the appropriate access on (Object, Device(id)).
func (t *Tensor) Local(id int) *Dense {
	return t.locals[id]
}

// Device returns the device that holds the given parallel id.
func (t *Tensor) Device(id int) int {
	return t.Sharding.Devices()[id]
}

// Operands returns one operand of the provided kind for each of the
// tensor's local pieces.
func (t *Tensor) Operands(kind vm.AccessKind) []vm.Operand {
	ops := make([]vm.Operand, len(t.locals))
	for id := range ops {
		ops[id] = vm.Operand{Object: t.Object, Device: t.Device(id), Kind: kind}
	}
	return ops
}

// Assemble computes the logical value of the tensor from its local
// pieces: split pieces are placed at their ranges, redundant
// broadcast replicas are ignored, and partial sums are added. The
// caller must hold read accesses on every piece.
func (t *Tensor) Assemble() *Dense {
	out := Zeros(t.Shape...)
	for id, local := range t.locals {
		if !t.Sharding.Contributes(id) {
			continue
		}
		out.AddSlice(t.Sharding.LocalRanges(t.Shape, id), local)
	}
	return out
}

// Scatter sets the local pieces of the tensor to represent the
// provided logical value. Partial-sum replicas other than the first
// along each partial-sum axis are zeroed. The caller must hold write
// accesses on every piece.
func (t *Tensor) Scatter(value *Dense) {
	for id := range t.locals {
		if t.Sharding.Primary(id) {
			t.locals[id] = value.Slice(t.Sharding.LocalRanges(t.Shape, id))
		} else {
			t.locals[id] = Zeros(t.Sharding.LocalShape(t.Shape, id)...)
		}
	}
}

// SetLocal replaces the local piece held by the given parallel id.
// The caller must hold a write access on (Object, Device(id)).
func (t *Tensor) SetLocal(id int, local *Dense) {
	t.locals[id] = local
}

// Distribute creates a global tensor with the provided sharding and
// submits an instruction that lays value out over it.
func Distribute(ctx context.Context, sched *vm.Scheduler, value *Dense, sharding *sbp.PlacedSharding) (*Tensor, error) {
	t, err := New(sched, value.Shape, sharding)
	if err != nil {
		return nil, err
	}
	value = value.Copy()
	err = sched.Submit(ctx, &vm.Instruction{
		Op:       "distribute",
		Device:   t.Device(0),
		Operands: t.Operands(vm.Write),
		Do: func(context.Context) error {
			t.Scatter(value)
			return nil
		},
	})
	if err != nil {
		if delErr := t.Delete(sched); delErr != nil {
			log.Error.Printf("tensor: deleting %s: %v", t, delErr)
		}
		return nil, err
	}
	return t, nil
}

// Fetch returns the logical value of the tensor. It submits an
// instruction that reads every local piece and waits for it to
// complete.
func (t *Tensor) Fetch(ctx context.Context, sched *vm.Scheduler) (*Dense, error) {
	var value *Dense
	in := &vm.Instruction{
		Op:       "fetch",
		Device:   t.Device(0),
		Operands: t.Operands(vm.Read),
		Do: func(context.Context) error {
			value = t.Assemble()
			return nil
		},
	}
	if err := sched.Submit(ctx, in); err != nil {
		return nil, err
	}
	if err := in.Wait(ctx); err != nil {
		return nil, err
	}
	return value, nil
}

// FetchLocals returns copies of the tensor's local pieces, indexed by
// parallel id.
func (t *Tensor) FetchLocals(ctx context.Context, sched *vm.Scheduler) ([]*Dense, error) {
	locals := make([]*Dense, len(t.locals))
	in := &vm.Instruction{
		Op:       "fetch-locals",
		Device:   t.Device(0),
		Operands: t.Operands(vm.Read),
		Do: func(context.Context) error {
			for id, local := range t.locals {
				locals[id] = local.Copy()
			}
			return nil
		},
	}
	if err := sched.Submit(ctx, in); err != nil {
		return nil, err
	}
	if err := in.Wait(ctx); err != nil {
		return nil, err
	}
	return locals, nil
}

// Delete releases the tensor's logical object. The local pieces
// remain valid for instructions already submitted.
func (t *Tensor) Delete(sched *vm.Scheduler) error {
	return sched.DeleteObject(t.Object)
}
