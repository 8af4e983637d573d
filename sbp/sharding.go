// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sbp

import (
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/spaolacci/murmur3"
)

// PlacedSharding is a placement together with the NdSbp that lays a
// tensor out over it. PlacedShardings are interned; create them with
// New.
type PlacedSharding struct {
	placement Placement
	nd        NdSbp
	key       string
}

// interned holds every PlacedSharding created so far, bucketed by
// the murmur3 hash of its key.
var interned struct {
	mu      sync.Mutex
	buckets map[uint64][]*PlacedSharding
}

// New returns the interned PlacedSharding for the provided placement
// and NdSbp. New returns an errors.Invalid error if the placement is
// malformed or if len(nd) differs from the hierarchy's rank.
func New(placement Placement, nd NdSbp) (*PlacedSharding, error) {
	if err := placement.Validate(); err != nil {
		return nil, err
	}
	if len(nd) != len(placement.Hierarchy) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("sbp: nd-sbp %s does not match hierarchy %v", nd, placement.Hierarchy))
	}
	for _, s := range nd {
		if s.Kind < SplitKind || s.Kind > PartialSumKind || (s.IsSplit() && s.Axis < 0) {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("sbp: invalid sbp %s", s))
		}
	}
	key := placement.String() + nd.String()
	h := murmur3.Sum64([]byte(key))
	interned.mu.Lock()
	defer interned.mu.Unlock()
	if interned.buckets == nil {
		interned.buckets = make(map[uint64][]*PlacedSharding)
	}
	for _, ps := range interned.buckets[h] {
		if ps.key == key {
			return ps, nil
		}
	}
	ps := &PlacedSharding{
		placement: Placement{
			DeviceTag: placement.DeviceTag,
			Devices:   append([]int(nil), placement.Devices...),
			Hierarchy: append([]int(nil), placement.Hierarchy...),
		},
		nd:  append(NdSbp(nil), nd...),
		key: key,
	}
	interned.buckets[h] = append(interned.buckets[h], ps)
	return ps, nil
}

// Must is like New, but panics on error.
func Must(placement Placement, nd NdSbp) *PlacedSharding {
	ps, err := New(placement, nd)
	if err != nil {
		panic(err)
	}
	return ps
}

// Placement returns the sharding's placement. The returned value must
// not be modified.
func (ps *PlacedSharding) Placement() Placement { return ps.placement }

// NdSbp returns the sharding's NdSbp. The returned value must not be
// modified.
func (ps *PlacedSharding) NdSbp() NdSbp { return ps.nd }

// DeviceTag returns the device type of the sharding's placement.
func (ps *PlacedSharding) DeviceTag() string { return ps.placement.DeviceTag }

// Devices returns the devices of the sharding's placement, indexed by
// parallel id.
func (ps *PlacedSharding) Devices() []int { return ps.placement.Devices }

// Hierarchy returns the hierarchy of the sharding's placement.
func (ps *PlacedSharding) Hierarchy() []int { return ps.placement.Hierarchy }

// NumDevices returns the number of devices in the placement.
func (ps *PlacedSharding) NumDevices() int { return len(ps.placement.Devices) }

// String returns a description of the sharding such as
// "gpu:[0 1]/[2][S(0)]".
func (ps *PlacedSharding) String() string { return ps.key }

// WithNdSbp returns the sharding over the same placement with a
// different NdSbp.
func (ps *PlacedSharding) WithNdSbp(nd NdSbp) (*PlacedSharding, error) {
	return New(ps.placement, nd)
}

// WithPlacement returns the sharding with the same NdSbp over a
// different placement.
func (ps *PlacedSharding) WithPlacement(p Placement) (*PlacedSharding, error) {
	return New(p, ps.nd)
}

// WithDeviceTag returns the sharding over the same devices of a
// different type.
func (ps *PlacedSharding) WithDeviceTag(tag string) (*PlacedSharding, error) {
	p := ps.placement
	p.DeviceTag = tag
	return New(p, ps.nd)
}

// Validate checks that the sharding can describe a tensor of the
// provided shape: every split must address one of its axes.
func (ps *PlacedSharding) Validate(shape []int) error {
	for _, s := range ps.nd {
		if s.IsSplit() && s.Axis >= len(shape) {
			return errors.E(errors.Invalid, fmt.Sprintf("sbp: %s splits axis %d of rank-%d tensor", ps, s.Axis, len(shape)))
		}
	}
	for _, d := range shape {
		if d < 0 {
			return errors.E(errors.Invalid, fmt.Sprintf("sbp: invalid shape %v", shape))
		}
	}
	return nil
}

// A Range is the half-open interval [Start, End) of indices along one
// tensor axis.
type Range struct {
	Start, End int
}

// Len returns the length of the range.
func (r Range) Len() int { return r.End - r.Start }

// Balanced returns the ith of n balanced parts of [0, size): the
// first size%n parts have one more element than the rest.
func Balanced(size, n, i int) Range {
	base, rem := size/n, size%n
	start := i*base + min(i, rem)
	end := start + base
	if i < rem {
		end++
	}
	return Range{start, end}
}

// LocalRanges returns, for each axis of a tensor of the provided
// shape, the range of indices held by the given parallel id.
//
// Hierarchy axes that split the same tensor axis combine: their
// coordinates form a row-major index over the product of their sizes,
// and the tensor axis is divided into that many balanced parts. Thus a
// sharding and its hierarchy-flattened form lay a tensor out
// identically.
func (ps *PlacedSharding) LocalRanges(shape []int, id int) []Range {
	coords := ps.placement.Coords(id)
	ranges := make([]Range, len(shape))
	for axis, size := range shape {
		index, parts := 0, 1
		for i, s := range ps.nd {
			if s.IsSplit() && s.Axis == axis {
				index = index*ps.placement.Hierarchy[i] + coords[i]
				parts *= ps.placement.Hierarchy[i]
			}
		}
		ranges[axis] = Balanced(size, parts, index)
	}
	return ranges
}

// LocalShape returns the shape of the tensor piece held by the given
// parallel id.
func (ps *PlacedSharding) LocalShape(shape []int, id int) []int {
	ranges := ps.LocalRanges(shape, id)
	local := make([]int, len(ranges))
	for i, r := range ranges {
		local[i] = r.Len()
	}
	return local
}

// Contributes tells whether the given parallel id holds a
// contribution to the logical value, as opposed to a redundant
// replica: broadcast copies other than the first along each broadcast
// axis are redundant.
func (ps *PlacedSharding) Contributes(id int) bool {
	coords := ps.placement.Coords(id)
	for i, s := range ps.nd {
		if s.IsBroadcast() && coords[i] != 0 {
			return false
		}
	}
	return true
}

// Primary tells whether the given parallel id holds the logical value
// (or its slice) rather than a zero addend: partial-sum axes place the
// value at coordinate 0 when a tensor is first distributed.
func (ps *PlacedSharding) Primary(id int) bool {
	coords := ps.placement.Coords(id)
	for i, s := range ps.nd {
		if s.IsPartialSum() && coords[i] != 0 {
			return false
		}
	}
	return true
}
