// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package boxing

import (
	"context"

	"github.com/grailbio/base/log"
	"github.com/grailbio/tensorvm/sbp"
	"github.com/grailbio/tensorvm/tensor"
)

// A step is one hop of a composed strategy: the named strategy
// applied from the current sharding to the sharding computed by the
// dividor. A step whose target equals the current sharding is
// skipped. A step with the zero Dividor targets the composed
// strategy's output.
type step struct {
	strategy string
	dividor  Dividor
	// boxed selects Boxer.Box rather than a named strategy.
	boxed bool
}

// A composition describes a composed strategy as a sequence of steps,
// with an extra precondition on the endpoints.
type composition struct {
	name  string
	pre   func(in, out *sbp.PlacedSharding) string
	steps []step
}

func composedStrategies() []builtin {
	comps := []composition{
		{
			name: "nd-flatten",
			pre: func(in, out *sbp.PlacedSharding) string {
				switch {
				case len(in.Hierarchy()) == 1 && len(out.Hierarchy()) == 1:
					return "both 1-D"
				case !in.NdSbp().Uniform() || !out.NdSbp().Uniform():
					return "hierarchy axes carry different sbps"
				case in.DeviceTag() != out.DeviceTag():
					return "device types differ"
				}
				return ""
			},
			steps: []step{
				{strategy: "flatten-hierarchy", dividor: FlattenInHierarchy},
				{boxed: true, dividor: FlattenOutHierarchy},
				{strategy: "unflatten-hierarchy"},
			},
		},
		{
			name: "device-type",
			pre: func(in, out *sbp.PlacedSharding) string {
				if in.DeviceTag() == out.DeviceTag() {
					return "same device type"
				}
				return ""
			},
			steps: []step{
				{strategy: "copy-device-type", dividor: ReplaceInDeviceType},
				{boxed: true},
			},
		},
		{
			name: "generic-via-broadcast",
			pre:  sameDeviceType,
			steps: []step{
				{strategy: "naive-gather", dividor: InPlacementAndBroadcast},
				{strategy: "naive-b-to-b", dividor: OutPlacementAndBroadcast},
				{strategy: "naive-scatter"},
			},
		},
		{
			name: "via-first-device",
			pre:  sameDeviceType,
			steps: []step{
				{strategy: "naive-gather", dividor: InFirstDeviceAndAllBroadcast},
				{strategy: "naive-b-to-b", dividor: OutFirstDeviceAndAllBroadcast},
				{strategy: "naive-scatter"},
			},
		},
		{
			// Reduce partial sums onto the output placement before
			// distributing them there.
			name: "partial-sum-via-out-placement",
			pre: func(in, out *sbp.PlacedSharding) string {
				if s := sameDeviceType(in, out); s != "" {
					return s
				}
				if len(in.Hierarchy()) != 1 || !in.NdSbp()[0].IsPartialSum() {
					return "input is not a 1-D partial sum"
				}
				return ""
			},
			steps: []step{
				{strategy: "naive-p-to-p", dividor: OutPlacementAndPartialSum},
				{boxed: true},
			},
		},
	}
	comps = append(comps, splitCompositions()...)
	strategies := []builtin{{"copy-device-type", checkCopyDeviceType, copyDeviceType}}
	for _, c := range comps {
		c := c
		strategies = append(strategies, builtin{c.name, c.check, c.exec})
	}
	return strategies
}

// splitCompositions route 1-D redistributions to a split output on
// another placement through a split on either placement.
func splitCompositions() []composition {
	pre := func(in, out *sbp.PlacedSharding) string {
		switch {
		case len(in.Hierarchy()) != 1 || len(out.Hierarchy()) != 1:
			return "not 1-D"
		case in.DeviceTag() != out.DeviceTag():
			return "device types differ"
		case !out.NdSbp()[0].IsSplit():
			return "output is not split"
		case in.Placement().Equal(out.Placement()):
			return "same placement"
		}
		return ""
	}
	return []composition{
		{
			name: "split-then-move",
			pre:  pre,
			steps: []step{
				{boxed: true, dividor: Dividor{Name: "in-placement-and-out-split", arg: -1, fn: func(in, out *sbp.PlacedSharding, _ int) (*sbp.PlacedSharding, error) {
					return InPlacementAndSplit(out.NdSbp()[0].Axis).fn(in, out, out.NdSbp()[0].Axis)
				}}},
				{strategy: "naive-s-to-s"},
			},
		},
		{
			name: "move-then-split",
			pre: func(in, out *sbp.PlacedSharding) string {
				if s := pre(in, out); s != "" {
					return s
				}
				if !in.NdSbp()[0].IsSplit() {
					return "input is not split"
				}
				return ""
			},
			steps: []step{
				{strategy: "naive-s-to-s", dividor: Dividor{Name: "out-placement-and-in-split", arg: -1, fn: func(in, out *sbp.PlacedSharding, _ int) (*sbp.PlacedSharding, error) {
					return OutPlacementAndSplit(in.NdSbp()[0].Axis).fn(in, out, in.NdSbp()[0].Axis)
				}}},
				{strategy: "naive-s-to-s"},
			},
		},
	}
}

func sameDeviceType(in, out *sbp.PlacedSharding) string {
	if in.DeviceTag() != out.DeviceTag() {
		return "device types differ"
	}
	return ""
}

// plan returns the sequence of shardings visited by the composition,
// starting with in and ending with out.
func (c composition) plan(b *Boxer, in, out *sbp.PlacedSharding) ([]*sbp.PlacedSharding, error) {
	path := []*sbp.PlacedSharding{in}
	for _, s := range c.steps {
		next := out
		if s.dividor.fn != nil {
			var err error
			if next, err = b.Divide(s.dividor, in, out); err != nil {
				return nil, err
			}
		}
		path = append(path, next)
	}
	return path, nil
}

func (c composition) check(b *Boxer, in, out *sbp.PlacedSharding, shape []int) error {
	if in == out {
		return precondition(c.name, in, out, "shardings are identical")
	}
	if reason := c.pre(in, out); reason != "" {
		return precondition(c.name, in, out, "%s", reason)
	}
	path, err := c.plan(b, in, out)
	if err != nil {
		return precondition(c.name, in, out, "%v", err)
	}
	for i, s := range c.steps {
		from, to := path[i], path[i+1]
		if from == to {
			continue
		}
		if s.boxed {
			// Composed strategies may route only through strategies
			// that apply to strictly simpler pairs.
			if from == in && to == out {
				return precondition(c.name, in, out, "step %d does not simplify", i)
			}
			if _, err := b.Plan(from, to, shape); err != nil {
				return precondition(c.name, in, out, "step %d: %v", i, err)
			}
			continue
		}
		strategy, ok := b.registry.Lookup(s.strategy)
		if !ok {
			return precondition(c.name, in, out, "strategy %s not registered", s.strategy)
		}
		if err := strategy.Check(b, from, to, shape); err != nil {
			return precondition(c.name, in, out, "step %d: %v", i, err)
		}
	}
	return nil
}

func (c composition) exec(ctx context.Context, b *Boxer, in *tensor.Tensor, out *sbp.PlacedSharding) (*tensor.Tensor, error) {
	path, err := c.plan(b, in.Sharding, out)
	if err != nil {
		return nil, err
	}
	t := in
	for i, s := range c.steps {
		if path[i] == path[i+1] {
			continue
		}
		var next *tensor.Tensor
		if s.boxed {
			next, err = b.Box(ctx, t, path[i+1])
		} else {
			strategy, _ := b.registry.Lookup(s.strategy)
			next, err = strategy.Apply(ctx, b, t, path[i+1])
		}
		if err != nil {
			if t != in {
				discard(b, t)
			}
			return nil, err
		}
		// Intermediate tensors are released as soon as the step that
		// consumes them is submitted; the scheduler reclaims them once
		// that step completes.
		if t != in && t != next {
			if err := t.Delete(b.sched); err != nil {
				log.Error.Printf("boxing %s: deleting intermediate %s: %v", c.name, t, err)
			}
		}
		t = next
	}
	return t, nil
}

func checkCopyDeviceType(_ *Boxer, in, out *sbp.PlacedSharding, _ []int) error {
	const name = "copy-device-type"
	switch {
	case in.DeviceTag() == out.DeviceTag():
		return precondition(name, in, out, "same device type")
	case !equalInts(in.Devices(), out.Devices()):
		return precondition(name, in, out, "devices differ")
	case !equalInts(in.Hierarchy(), out.Hierarchy()):
		return precondition(name, in, out, "hierarchies differ")
	}
	for i, s := range in.NdSbp() {
		if out.NdSbp()[i] != s {
			return precondition(name, in, out, "sbps differ")
		}
	}
	return nil
}

// copyDeviceType moves each piece to the same devices of another
// type.
func copyDeviceType(ctx context.Context, b *Boxer, in *tensor.Tensor, out *sbp.PlacedSharding) (*tensor.Tensor, error) {
	return relabel(ctx, b, in, out)
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
