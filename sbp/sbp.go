// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package sbp defines how a logical tensor is laid out across a set
// of devices. A Placement names the devices and arranges them in an
// n-dimensional hierarchy; an NdSbp assigns to each hierarchy axis one
// Sbp: the tensor is either Split along one of its axes, Broadcast
// (replicated), or held as a PartialSum whose replicas add up to the
// logical value.
//
// A PlacedSharding combines the two. PlacedShardings are immutable and
// interned: two PlacedShardings are equal exactly when they are the
// same pointer, so they may be used directly as map keys.
package sbp

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
)

// Kind is the kind of an Sbp.
type Kind int

const (
	// SplitKind partitions the tensor along an axis.
	SplitKind Kind = iota
	// BroadcastKind replicates the tensor.
	BroadcastKind
	// PartialSumKind holds addends of the tensor.
	PartialSumKind
)

// Sbp is the distribution of a tensor along one hierarchy axis.
type Sbp struct {
	Kind Kind
	// Axis is the split tensor axis, for SplitKind.
	Axis int
}

// Split returns a split along the provided tensor axis.
func Split(axis int) Sbp { return Sbp{Kind: SplitKind, Axis: axis} }

// Broadcast returns the broadcast Sbp.
func Broadcast() Sbp { return Sbp{Kind: BroadcastKind} }

// PartialSum returns the partial-sum Sbp.
func PartialSum() Sbp { return Sbp{Kind: PartialSumKind} }

// IsSplit tells whether s is a split, along any axis.
func (s Sbp) IsSplit() bool { return s.Kind == SplitKind }

// IsBroadcast tells whether s is a broadcast.
func (s Sbp) IsBroadcast() bool { return s.Kind == BroadcastKind }

// IsPartialSum tells whether s is a partial sum.
func (s Sbp) IsPartialSum() bool { return s.Kind == PartialSumKind }

// String returns "S(axis)", "B", or "P".
func (s Sbp) String() string {
	switch s.Kind {
	case SplitKind:
		return fmt.Sprintf("S(%d)", s.Axis)
	case BroadcastKind:
		return "B"
	case PartialSumKind:
		return "P"
	default:
		return fmt.Sprintf("sbp(%d)", int(s.Kind))
	}
}

// NdSbp assigns one Sbp to each axis of a placement hierarchy.
type NdSbp []Sbp

// String returns the comma-separated Sbps of n, in brackets.
func (n NdSbp) String() string {
	parts := make([]string, len(n))
	for i, s := range n {
		parts[i] = s.String()
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// Uniform tells whether every Sbp in n is the same.
func (n NdSbp) Uniform() bool {
	for i := 1; i < len(n); i++ {
		if n[i] != n[0] {
			return false
		}
	}
	return true
}

// All returns an NdSbp of length n with every entry set to s.
func All(s Sbp, n int) NdSbp {
	nd := make(NdSbp, n)
	for i := range nd {
		nd[i] = s
	}
	return nd
}

// ParseNdSbp parses a comma-separated list of Sbps, for example
// "S(0),B" or "[P]".
func ParseNdSbp(str string) (NdSbp, error) {
	str = strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(str), "["), "]")
	if str == "" {
		return nil, errors.E(errors.Invalid, "sbp: empty nd-sbp")
	}
	var nd NdSbp
	for _, part := range strings.Split(str, ",") {
		part = strings.TrimSpace(part)
		switch {
		case part == "B":
			nd = append(nd, Broadcast())
		case part == "P":
			nd = append(nd, PartialSum())
		case strings.HasPrefix(part, "S(") && strings.HasSuffix(part, ")"):
			axis, err := strconv.Atoi(part[2 : len(part)-1])
			if err != nil || axis < 0 {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("sbp: invalid split %q", part))
			}
			nd = append(nd, Split(axis))
		default:
			return nil, errors.E(errors.Invalid, fmt.Sprintf("sbp: invalid sbp %q", part))
		}
	}
	return nd, nil
}

// Placement is an ordered set of devices of one type, arranged in a
// hierarchy. Parallel id i, the ith position in the row-major
// traversal of the hierarchy, is hosted by Devices[i].
type Placement struct {
	// DeviceTag names the device type, for example "cpu" or "gpu".
	DeviceTag string
	// Devices lists distinct device indices.
	Devices []int
	// Hierarchy is the shape of the device arrangement. Its product
	// equals len(Devices).
	Hierarchy []int
}

// NewPlacement returns a 1-D placement over the provided devices.
func NewPlacement(tag string, devices ...int) Placement {
	return Placement{DeviceTag: tag, Devices: devices, Hierarchy: []int{len(devices)}}
}

// Validate checks that the placement is well formed.
func (p Placement) Validate() error {
	if p.DeviceTag == "" {
		return errors.E(errors.Invalid, "sbp: placement has no device tag")
	}
	if len(p.Devices) == 0 {
		return errors.E(errors.Invalid, "sbp: placement has no devices")
	}
	if len(p.Hierarchy) == 0 {
		return errors.E(errors.Invalid, "sbp: placement has no hierarchy")
	}
	n := 1
	for _, d := range p.Hierarchy {
		if d <= 0 {
			return errors.E(errors.Invalid, fmt.Sprintf("sbp: invalid hierarchy %v", p.Hierarchy))
		}
		n *= d
	}
	if n != len(p.Devices) {
		return errors.E(errors.Invalid, fmt.Sprintf("sbp: hierarchy %v does not match %d devices", p.Hierarchy, len(p.Devices)))
	}
	seen := make(map[int]bool, len(p.Devices))
	for _, d := range p.Devices {
		if d < 0 || seen[d] {
			return errors.E(errors.Invalid, fmt.Sprintf("sbp: invalid or repeated device %d", d))
		}
		seen[d] = true
	}
	return nil
}

// Coords returns the hierarchy coordinates of the provided parallel
// id.
func (p Placement) Coords(id int) []int {
	coords := make([]int, len(p.Hierarchy))
	for i := len(p.Hierarchy) - 1; i >= 0; i-- {
		coords[i] = id % p.Hierarchy[i]
		id /= p.Hierarchy[i]
	}
	return coords
}

// SameDevices tells whether p and q have the same device type and
// device list, regardless of hierarchy.
func (p Placement) SameDevices(q Placement) bool {
	return p.DeviceTag == q.DeviceTag && equalInts(p.Devices, q.Devices)
}

// Equal tells whether p and q are identical.
func (p Placement) Equal(q Placement) bool {
	return p.SameDevices(q) && equalInts(p.Hierarchy, q.Hierarchy)
}

// String returns a description of the placement such as
// "gpu:[0 1 2 3]/[2 2]".
func (p Placement) String() string {
	return fmt.Sprintf("%s:%v/%v", p.DeviceTag, p.Devices, p.Hierarchy)
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
