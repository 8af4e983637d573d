// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sbp

import (
	"reflect"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func TestIntern(t *testing.T) {
	p := NewPlacement("gpu", 0, 1, 2, 3)
	a := Must(p, NdSbp{Split(0)})
	b := Must(NewPlacement("gpu", 0, 1, 2, 3), NdSbp{Split(0)})
	if a != b {
		t.Error("equal shardings are not interned")
	}
	c := Must(p, NdSbp{Split(1)})
	if a == c {
		t.Error("distinct shardings are interned together")
	}
	d, err := a.WithDeviceTag("cpu")
	assert.NoError(t, err)
	expect.EQ(t, d.DeviceTag(), "cpu")
	expect.EQ(t, d.String(), "cpu:[0 1 2 3]/[4][S(0)]")
	// Shardings do not alias their arguments.
	devices := []int{4, 5}
	e := Must(NewPlacement("cpu", devices...), NdSbp{Broadcast()})
	devices[0] = 6
	expect.EQ(t, e.Devices(), []int{4, 5})
}

func TestNewInvalid(t *testing.T) {
	for _, c := range []struct {
		p  Placement
		nd NdSbp
	}{
		{Placement{DeviceTag: "gpu", Devices: []int{0, 1}, Hierarchy: []int{2}}, NdSbp{Split(0), Broadcast()}},
		{Placement{DeviceTag: "gpu", Devices: []int{0, 1, 2}, Hierarchy: []int{2, 2}}, NdSbp{Broadcast(), Broadcast()}},
		{Placement{DeviceTag: "gpu", Devices: []int{0, 0}, Hierarchy: []int{2}}, NdSbp{Broadcast()}},
		{Placement{Devices: []int{0}, Hierarchy: []int{1}}, NdSbp{Broadcast()}},
		{Placement{DeviceTag: "gpu", Devices: []int{0}, Hierarchy: []int{1}}, NdSbp{Split(-1)}},
	} {
		if _, err := New(c.p, c.nd); !errors.Is(errors.Invalid, err) {
			t.Errorf("%v %v: got %v, want invalid", c.p, c.nd, err)
		}
	}
	ps := Must(NewPlacement("gpu", 0, 1), NdSbp{Split(2)})
	if err := ps.Validate([]int{4, 4}); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
	assert.NoError(t, ps.Validate([]int{4, 4, 4}))
}

func TestParseNdSbp(t *testing.T) {
	nd, err := ParseNdSbp("[S(1), B,P]")
	assert.NoError(t, err)
	expect.EQ(t, nd, NdSbp{Split(1), Broadcast(), PartialSum()})
	expect.EQ(t, nd.String(), "[S(1),B,P]")
	for _, bad := range []string{"", "S(x)", "Q", "S(-1)"} {
		if _, err := ParseNdSbp(bad); err == nil {
			t.Errorf("%q: expected error", bad)
		}
	}
}

func TestBalanced(t *testing.T) {
	var got []Range
	for i := 0; i < 3; i++ {
		got = append(got, Balanced(10, 3, i))
	}
	if want := []Range{{0, 4}, {4, 7}, {7, 10}}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := Balanced(2, 4, 3), (Range{2, 2}); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestLocalShape(t *testing.T) {
	p := Placement{DeviceTag: "gpu", Devices: []int{0, 1, 2, 3}, Hierarchy: []int{2, 2}}
	shape := []int{8, 6}
	for _, c := range []struct {
		nd   NdSbp
		id   int
		want []Range
	}{
		{NdSbp{Split(0), Split(1)}, 3, []Range{{4, 8}, {3, 6}}},
		{NdSbp{Split(0), Split(0)}, 2, []Range{{4, 6}, {0, 6}}},
		{NdSbp{Split(1), Broadcast()}, 1, []Range{{0, 8}, {0, 3}}},
		{NdSbp{PartialSum(), Split(0)}, 3, []Range{{4, 8}, {0, 6}}},
	} {
		ps := Must(p, c.nd)
		if got := ps.LocalRanges(shape, c.id); !reflect.DeepEqual(got, c.want) {
			t.Errorf("%s[%d]: got %v, want %v", ps, c.id, got, c.want)
		}
	}
}

// TestFlattenLayout verifies that a uniform nd-sharding lays out a
// tensor exactly as its flattened 1-D form.
func TestFlattenLayout(t *testing.T) {
	shape := []int{9, 5}
	nd := Must(Placement{DeviceTag: "cpu", Devices: []int{0, 1, 2, 3, 4, 5}, Hierarchy: []int{2, 3}}, NdSbp{Split(0), Split(0)})
	flat := Must(NewPlacement("cpu", 0, 1, 2, 3, 4, 5), NdSbp{Split(0)})
	for id := 0; id < 6; id++ {
		if got, want := nd.LocalRanges(shape, id), flat.LocalRanges(shape, id); !reflect.DeepEqual(got, want) {
			t.Errorf("%d: got %v, want %v", id, got, want)
		}
	}
}

func TestContributes(t *testing.T) {
	ps := Must(Placement{DeviceTag: "cpu", Devices: []int{0, 1, 2, 3}, Hierarchy: []int{2, 2}}, NdSbp{Broadcast(), PartialSum()})
	var contributes, primary []bool
	for id := 0; id < 4; id++ {
		contributes = append(contributes, ps.Contributes(id))
		primary = append(primary, ps.Primary(id))
	}
	expect.EQ(t, contributes, []bool{true, true, false, false})
	expect.EQ(t, primary, []bool{true, false, true, false})
}
