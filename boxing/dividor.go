// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package boxing

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/tensorvm/sbp"
)

// A Dividor computes an intermediate sharding through which a
// redistribution from in to out can be routed. Dividors are pure;
// their results are memoized by Boxer.Divide.
type Dividor struct {
	Name string
	arg  int
	fn   func(in, out *sbp.PlacedSharding, arg int) (*sbp.PlacedSharding, error)
}

// String returns the dividor's name, with its argument if it has one.
func (d Dividor) String() string {
	if d.arg < 0 {
		return d.Name
	}
	return fmt.Sprintf("%s(%d)", d.Name, d.arg)
}

var (
	// FlattenInHierarchy flattens in's hierarchy to one dimension. It
	// applies only when every axis of in carries the same sbp.
	FlattenInHierarchy = Dividor{Name: "flatten-in-hierarchy", arg: -1, fn: func(in, _ *sbp.PlacedSharding, _ int) (*sbp.PlacedSharding, error) {
		return flatten(in)
	}}
	// FlattenOutHierarchy flattens out's hierarchy to one dimension.
	FlattenOutHierarchy = Dividor{Name: "flatten-out-hierarchy", arg: -1, fn: func(_, out *sbp.PlacedSharding, _ int) (*sbp.PlacedSharding, error) {
		return flatten(out)
	}}
	// UnflattenInHierarchy lays the 1-D sharding in over out's
	// hierarchy, repeating its sbp on every axis.
	UnflattenInHierarchy = Dividor{Name: "unflatten-in-hierarchy", arg: -1, fn: func(in, out *sbp.PlacedSharding, _ int) (*sbp.PlacedSharding, error) {
		return unflatten(in, out.Hierarchy())
	}}
	// UnflattenOutHierarchy lays the 1-D sharding out over in's
	// hierarchy.
	UnflattenOutHierarchy = Dividor{Name: "unflatten-out-hierarchy", arg: -1, fn: func(in, out *sbp.PlacedSharding, _ int) (*sbp.PlacedSharding, error) {
		return unflatten(out, in.Hierarchy())
	}}
	// ReplaceInDeviceType is in on devices of out's type.
	ReplaceInDeviceType = Dividor{Name: "replace-in-device-type", arg: -1, fn: func(in, out *sbp.PlacedSharding, _ int) (*sbp.PlacedSharding, error) {
		return in.WithDeviceTag(out.DeviceTag())
	}}
	// ReplaceOutDeviceType is out on devices of in's type.
	ReplaceOutDeviceType = Dividor{Name: "replace-out-device-type", arg: -1, fn: func(in, out *sbp.PlacedSharding, _ int) (*sbp.PlacedSharding, error) {
		return out.WithDeviceTag(in.DeviceTag())
	}}
	// InPlacementAndBroadcast broadcasts over in's placement.
	InPlacementAndBroadcast = Dividor{Name: "in-placement-and-broadcast", arg: -1, fn: func(in, _ *sbp.PlacedSharding, _ int) (*sbp.PlacedSharding, error) {
		return in.WithNdSbp(sbp.All(sbp.Broadcast(), len(in.Hierarchy())))
	}}
	// OutPlacementAndBroadcast broadcasts over out's placement.
	OutPlacementAndBroadcast = Dividor{Name: "out-placement-and-broadcast", arg: -1, fn: func(_, out *sbp.PlacedSharding, _ int) (*sbp.PlacedSharding, error) {
		return out.WithNdSbp(sbp.All(sbp.Broadcast(), len(out.Hierarchy())))
	}}
	// OutPlacementAndPartialSum holds partial sums over out's
	// placement.
	OutPlacementAndPartialSum = Dividor{Name: "out-placement-and-partial-sum", arg: -1, fn: func(_, out *sbp.PlacedSharding, _ int) (*sbp.PlacedSharding, error) {
		return out.WithNdSbp(sbp.All(sbp.PartialSum(), len(out.Hierarchy())))
	}}
	// InFirstDeviceAndAllBroadcast is the whole tensor on the first
	// device of in's placement.
	InFirstDeviceAndAllBroadcast = Dividor{Name: "in-first-device-and-all-broadcast", arg: -1, fn: func(in, _ *sbp.PlacedSharding, _ int) (*sbp.PlacedSharding, error) {
		return firstDevice(in)
	}}
	// OutFirstDeviceAndAllBroadcast is the whole tensor on the first
	// device of out's placement.
	OutFirstDeviceAndAllBroadcast = Dividor{Name: "out-first-device-and-all-broadcast", arg: -1, fn: func(_, out *sbp.PlacedSharding, _ int) (*sbp.PlacedSharding, error) {
		return firstDevice(out)
	}}
)

// InPlacementAndSplit splits the tensor along axis over in's
// placement.
func InPlacementAndSplit(axis int) Dividor {
	return Dividor{Name: "in-placement-and-split", arg: axis, fn: func(in, _ *sbp.PlacedSharding, axis int) (*sbp.PlacedSharding, error) {
		return in.WithNdSbp(sbp.All(sbp.Split(axis), len(in.Hierarchy())))
	}}
}

// OutPlacementAndSplit splits the tensor along axis over out's
// placement.
func OutPlacementAndSplit(axis int) Dividor {
	return Dividor{Name: "out-placement-and-split", arg: axis, fn: func(_, out *sbp.PlacedSharding, axis int) (*sbp.PlacedSharding, error) {
		return out.WithNdSbp(sbp.All(sbp.Split(axis), len(out.Hierarchy())))
	}}
}

func flatten(ps *sbp.PlacedSharding) (*sbp.PlacedSharding, error) {
	if len(ps.Hierarchy()) == 1 {
		return ps, nil
	}
	if !ps.NdSbp().Uniform() {
		return nil, errors.E(errors.Precondition, fmt.Sprintf("boxing: cannot flatten non-uniform %s", ps))
	}
	p := ps.Placement()
	p.Hierarchy = []int{len(p.Devices)}
	return sbp.New(p, sbp.NdSbp{ps.NdSbp()[0]})
}

func unflatten(ps *sbp.PlacedSharding, hierarchy []int) (*sbp.PlacedSharding, error) {
	if len(ps.Hierarchy()) != 1 {
		return nil, errors.E(errors.Precondition, fmt.Sprintf("boxing: cannot unflatten %d-D %s", len(ps.Hierarchy()), ps))
	}
	p := ps.Placement()
	p.Hierarchy = hierarchy
	return sbp.New(p, sbp.All(ps.NdSbp()[0], len(hierarchy)))
}

func firstDevice(ps *sbp.PlacedSharding) (*sbp.PlacedSharding, error) {
	return sbp.New(sbp.NewPlacement(ps.DeviceTag(), ps.Devices()[0]), sbp.NdSbp{sbp.Broadcast()})
}
