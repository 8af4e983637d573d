// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package boxing

import (
	"context"

	"github.com/grailbio/base/log"
	"github.com/grailbio/tensorvm/sbp"
	"github.com/grailbio/tensorvm/tensor"
	"github.com/grailbio/tensorvm/vm"
)

func directStrategies() []builtin {
	return []builtin{
		{"identity", checkIdentity, execIdentity},
		{"naive-s-to-b", naive1D("naive-s-to-b", sbp.SplitKind, sbp.BroadcastKind), allGather},
		{"naive-p-to-b", naive1D("naive-p-to-b", sbp.PartialSumKind, sbp.BroadcastKind), allReduce},
		{"naive-p-to-s", naive1D("naive-p-to-s", sbp.PartialSumKind, sbp.SplitKind), reduceScatter},
		{"naive-b-to-s", naive1D("naive-b-to-s", sbp.BroadcastKind, sbp.SplitKind), sliceReplica},
		{"naive-b-to-p", naive1D("naive-b-to-p", sbp.BroadcastKind, sbp.PartialSumKind), sliceReplica},
		{"naive-s-to-s", naive1D("naive-s-to-s", sbp.SplitKind, sbp.SplitKind), allToAll},
		{"naive-p-to-p", naive1D("naive-p-to-p", sbp.PartialSumKind, sbp.PartialSumKind), reduceScatter},
		{"naive-b-to-b", checkBroadcastToBroadcast, sliceReplica},
		{"flatten-hierarchy", checkFlatten, relabel},
		{"unflatten-hierarchy", checkUnflatten, relabel},
		{"naive-gather", checkGather, allToAll},
		{"naive-scatter", checkScatter, sliceReplica},
	}
}

func checkIdentity(_ *Boxer, in, out *sbp.PlacedSharding, _ []int) error {
	if in != out {
		return precondition("identity", in, out, "shardings differ")
	}
	return nil
}

func execIdentity(_ context.Context, _ *Boxer, in *tensor.Tensor, _ *sbp.PlacedSharding) (*tensor.Tensor, error) {
	return in, nil
}

// naive1D returns a checker for a naive 1-D strategy from sbp kind
// from to kind to. Naive strategies move data within one device type
// and between any two placements.
func naive1D(name string, from, to sbp.Kind) Checker {
	return func(_ *Boxer, in, out *sbp.PlacedSharding, _ []int) error {
		switch {
		case len(in.Hierarchy()) != 1 || len(out.Hierarchy()) != 1:
			return precondition(name, in, out, "not 1-D")
		case in.DeviceTag() != out.DeviceTag():
			return precondition(name, in, out, "device types differ")
		case in.NdSbp()[0].Kind != from:
			return precondition(name, in, out, "input is %s", in.NdSbp()[0])
		case out.NdSbp()[0].Kind != to:
			return precondition(name, in, out, "output is %s", out.NdSbp()[0])
		case in == out:
			return precondition(name, in, out, "shardings are identical")
		}
		return nil
	}
}

func checkBroadcastToBroadcast(_ *Boxer, in, out *sbp.PlacedSharding, _ []int) error {
	const name = "naive-b-to-b"
	switch {
	case in.DeviceTag() != out.DeviceTag():
		return precondition(name, in, out, "device types differ")
	case !allBroadcast(in) || !allBroadcast(out):
		return precondition(name, in, out, "not broadcast")
	case in == out:
		return precondition(name, in, out, "shardings are identical")
	}
	return nil
}

func checkFlatten(_ *Boxer, in, out *sbp.PlacedSharding, _ []int) error {
	const name = "flatten-hierarchy"
	if len(in.Hierarchy()) < 2 {
		return precondition(name, in, out, "input is 1-D")
	}
	flat, err := flatten(in)
	if err != nil {
		return precondition(name, in, out, "%v", err)
	}
	if flat != out {
		return precondition(name, in, out, "output is not the flattened input")
	}
	return nil
}

func checkUnflatten(_ *Boxer, in, out *sbp.PlacedSharding, _ []int) error {
	const name = "unflatten-hierarchy"
	if len(out.Hierarchy()) < 2 {
		return precondition(name, in, out, "output is 1-D")
	}
	flat, err := flatten(out)
	if err != nil {
		return precondition(name, in, out, "%v", err)
	}
	if flat != in {
		return precondition(name, in, out, "input is not the flattened output")
	}
	return nil
}

func checkGather(_ *Boxer, in, out *sbp.PlacedSharding, _ []int) error {
	const name = "naive-gather"
	switch {
	case in.DeviceTag() != out.DeviceTag():
		return precondition(name, in, out, "device types differ")
	case !allBroadcast(out):
		return precondition(name, in, out, "output is not broadcast")
	case in == out:
		return precondition(name, in, out, "shardings are identical")
	}
	return nil
}

func checkScatter(_ *Boxer, in, out *sbp.PlacedSharding, _ []int) error {
	const name = "naive-scatter"
	switch {
	case in.DeviceTag() != out.DeviceTag():
		return precondition(name, in, out, "device types differ")
	case !allBroadcast(in):
		return precondition(name, in, out, "input is not broadcast")
	case in == out:
		return precondition(name, in, out, "shardings are identical")
	}
	return nil
}

func allBroadcast(ps *sbp.PlacedSharding) bool {
	for _, s := range ps.NdSbp() {
		if !s.IsBroadcast() {
			return false
		}
	}
	return true
}

// collective creates the output tensor and submits a single
// instruction, on the output's first device, that reads every piece
// of in and writes every piece of the output. The instruction runs
// fn.
func collective(ctx context.Context, b *Boxer, op string, in *tensor.Tensor, out *sbp.PlacedSharding, fn func(in, out *tensor.Tensor)) (*tensor.Tensor, error) {
	t, err := tensor.New(b.sched, in.Shape, out)
	if err != nil {
		return nil, err
	}
	operands := append(in.Operands(vm.Read), t.Operands(vm.Write)...)
	err = b.sched.Submit(ctx, &vm.Instruction{
		Op:       op,
		Device:   t.Device(0),
		Operands: operands,
		Do: func(context.Context) error {
			fn(in, t)
			return nil
		},
	})
	if err != nil {
		discard(b, t)
		return nil, err
	}
	return t, nil
}

// allGather concatenates the input's split pieces and replicates the
// result on every output device.
func allGather(ctx context.Context, b *Boxer, in *tensor.Tensor, out *sbp.PlacedSharding) (*tensor.Tensor, error) {
	return collective(ctx, b, "all-gather", in, out, func(in, out *tensor.Tensor) {
		out.Scatter(in.Assemble())
	})
}

// allReduce sums the input's partial sums and replicates the result
// on every output device.
func allReduce(ctx context.Context, b *Boxer, in *tensor.Tensor, out *sbp.PlacedSharding) (*tensor.Tensor, error) {
	return collective(ctx, b, "all-reduce", in, out, func(in, out *tensor.Tensor) {
		out.Scatter(sum(in))
	})
}

// reduceScatter sums the input's partial sums and lays the result out
// over the output.
func reduceScatter(ctx context.Context, b *Boxer, in *tensor.Tensor, out *sbp.PlacedSharding) (*tensor.Tensor, error) {
	return collective(ctx, b, "reduce-scatter", in, out, func(in, out *tensor.Tensor) {
		out.Scatter(sum(in))
	})
}

// sliceReplica lays the input's first replica out over the output:
// each output device keeps its slice, and partial-sum outputs keep the
// whole value on their first device and zeros elsewhere.
func sliceReplica(ctx context.Context, b *Boxer, in *tensor.Tensor, out *sbp.PlacedSharding) (*tensor.Tensor, error) {
	return collective(ctx, b, "slice", in, out, func(in, out *tensor.Tensor) {
		out.Scatter(in.Local(0))
	})
}

// allToAll assembles the input's logical value and lays it out over
// the output.
func allToAll(ctx context.Context, b *Boxer, in *tensor.Tensor, out *sbp.PlacedSharding) (*tensor.Tensor, error) {
	return collective(ctx, b, "all-to-all", in, out, func(in, out *tensor.Tensor) {
		out.Scatter(in.Assemble())
	})
}

// relabel copies each piece of the input to the same parallel id of
// the output. It is used to flatten and unflatten hierarchies, which
// do not change local layouts. Each copy is its own instruction on its
// device.
func relabel(ctx context.Context, b *Boxer, in *tensor.Tensor, out *sbp.PlacedSharding) (*tensor.Tensor, error) {
	t, err := tensor.New(b.sched, in.Shape, out)
	if err != nil {
		return nil, err
	}
	for id := range out.Devices() {
		id := id
		device := t.Device(id)
		err := b.sched.Submit(ctx, &vm.Instruction{
			Op:       "relabel",
			Device:   device,
			Operands: []vm.Operand{vm.ReadOf(in.Object, in.Device(id)), vm.WriteOf(t.Object, device)},
			Do: func(context.Context) error {
				t.SetLocal(id, in.Local(id).Copy())
				return nil
			},
		})
		if err != nil {
			discard(b, t)
			return nil, err
		}
	}
	return t, nil
}

// discard deletes an output tensor whose instructions could not all be
// submitted. Instructions already submitted on it still run; the
// scheduler frees its mirrored objects once they drain.
func discard(b *Boxer, t *tensor.Tensor) {
	if err := t.Delete(b.sched); err != nil {
		log.Error.Printf("boxing: discarding %s: %v", t, err)
	}
}

// sum adds the input's pieces. Every piece of a 1-D partial sum has
// the tensor's full shape.
func sum(in *tensor.Tensor) *tensor.Dense {
	total := tensor.Zeros(in.Shape...)
	for id := range in.Sharding.Devices() {
		total.Add(in.Local(id))
	}
	return total
}
