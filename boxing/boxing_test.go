// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package boxing

import (
	"context"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/tensorvm/sbp"
	"github.com/grailbio/tensorvm/tensor"
	"github.com/grailbio/tensorvm/vm"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func testBoxer(t *testing.T, devices int) (*Boxer, *vm.Scheduler) {
	t.Helper()
	sched := vm.New(vm.Config{Devices: devices})
	sched.Start(context.Background())
	t.Cleanup(func() {
		if err := sched.Shutdown(); err != nil {
			t.Error(err)
		}
	})
	return NewBoxer(sched, DefaultRegistry()), sched
}

func randomDense(seed int64, shape ...int) *tensor.Dense {
	fz := fuzz.NewWithSeed(seed)
	d := tensor.Zeros(shape...)
	for i := range d.Data {
		var v int16
		fz.Fuzz(&v)
		d.Data[i] = float64(v)
	}
	return d
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()
	for _, name := range []string{
		"identity", "naive-s-to-b", "naive-p-to-b", "naive-p-to-s", "naive-b-to-s",
		"naive-b-to-p", "naive-s-to-s", "naive-b-to-b", "flatten-hierarchy",
		"unflatten-hierarchy", "nd-flatten", "generic-via-broadcast",
	} {
		if _, ok := r.Lookup(name); !ok {
			t.Errorf("strategy %s not registered", name)
		}
	}
	err := r.Register("identity", checkIdentity, execIdentity)
	if !errors.Is(errors.Exists, err) {
		t.Errorf("got %v, want exists", err)
	}
	if _, ok := r.Lookup("no-such-strategy"); ok {
		t.Error("unexpected strategy")
	}
}

func TestNaiveSplitToBroadcast(t *testing.T) {
	b, sched := testBoxer(t, 2)
	ctx := context.Background()
	p := sbp.NewPlacement("gpu", 0, 1)
	in := sbp.Must(p, sbp.NdSbp{sbp.Split(0)})
	out := sbp.Must(p, sbp.NdSbp{sbp.Broadcast()})

	value := tensor.FromData([]float64{1, 2, 3, 4}, 4)
	x, err := tensor.Distribute(ctx, sched, value, in)
	assert.NoError(t, err)
	y, err := b.Apply(ctx, "naive-s-to-b", x, out)
	assert.NoError(t, err)
	locals, err := y.FetchLocals(ctx, sched)
	assert.NoError(t, err)
	assert.EQ(t, len(locals), 2)
	for _, local := range locals {
		expect.EQ(t, local.Data, value.Data)
	}
}

func TestCheckerRejects(t *testing.T) {
	b, sched := testBoxer(t, 4)
	ctx := context.Background()
	grid := sbp.Placement{DeviceTag: "gpu", Devices: []int{0, 1, 2, 3}, Hierarchy: []int{2, 2}}
	in := sbp.Must(grid, sbp.NdSbp{sbp.Split(0), sbp.Split(0)})
	out := sbp.Must(grid, sbp.NdSbp{sbp.Broadcast(), sbp.Broadcast()})
	x, err := tensor.Distribute(ctx, sched, tensor.Zeros(8), in)
	assert.NoError(t, err)
	assert.NoError(t, sched.Sync(ctx))
	submitted := sched.Stats()["submitted"]

	_, err = b.Apply(ctx, "naive-s-to-b", x, out)
	if !IsPrecondition(err) {
		t.Fatalf("got %v, want precondition error", err)
	}
	perr := err.(*PreconditionError)
	expect.EQ(t, perr.Strategy, "naive-s-to-b")
	if !errors.Is(errors.Precondition, perr.Unwrap()) {
		t.Errorf("got %v, want precondition kind", perr.Unwrap())
	}
	// The executor never ran.
	expect.EQ(t, sched.Stats()["submitted"], submitted)

	gpu := sbp.Must(sbp.NewPlacement("gpu", 0, 1), sbp.NdSbp{sbp.Split(0)})
	cpu := sbp.Must(sbp.NewPlacement("cpu", 0, 1), sbp.NdSbp{sbp.Broadcast()})
	s, _ := b.Registry().Lookup("naive-s-to-b")
	if err := s.Check(b, gpu, cpu, []int{4}); !IsPrecondition(err) {
		t.Errorf("got %v, want precondition error", err)
	}
	if _, err := b.Apply(ctx, "no-such-strategy", x, out); !errors.Is(errors.NotExist, err) {
		t.Errorf("got %v, want not exist", err)
	}
}

func TestPlan(t *testing.T) {
	b, _ := testBoxer(t, 4)
	var (
		pair = sbp.NewPlacement("gpu", 0, 1)
		grid = sbp.Placement{DeviceTag: "gpu", Devices: []int{0, 1, 2, 3}, Hierarchy: []int{2, 2}}
		s0   = sbp.Must(pair, sbp.NdSbp{sbp.Split(0)})
	)
	for _, c := range []struct {
		in, out *sbp.PlacedSharding
		want    string
	}{
		{s0, s0, "identity"},
		{s0, sbp.Must(pair, sbp.NdSbp{sbp.Broadcast()}), "naive-s-to-b"},
		{sbp.Must(pair, sbp.NdSbp{sbp.PartialSum()}), sbp.Must(pair, sbp.NdSbp{sbp.Broadcast()}), "naive-p-to-b"},
		{sbp.Must(pair, sbp.NdSbp{sbp.PartialSum()}), s0, "naive-p-to-s"},
		{sbp.Must(pair, sbp.NdSbp{sbp.Broadcast()}), s0, "naive-b-to-s"},
		{s0, sbp.Must(pair, sbp.NdSbp{sbp.Split(1)}), "naive-s-to-s"},
		{s0, sbp.Must(pair, sbp.NdSbp{sbp.PartialSum()}), "generic-via-broadcast"},
		{sbp.Must(grid, sbp.NdSbp{sbp.Split(0), sbp.Split(0)}), sbp.Must(grid, sbp.NdSbp{sbp.Split(1), sbp.Split(1)}), "nd-flatten"},
		{sbp.Must(grid, sbp.NdSbp{sbp.Split(0), sbp.Split(0)}), sbp.Must(sbp.NewPlacement("gpu", 0, 1, 2, 3), sbp.NdSbp{sbp.Split(0)}), "flatten-hierarchy"},
		{sbp.Must(grid, sbp.NdSbp{sbp.Split(0), sbp.Broadcast()}), sbp.Must(grid, sbp.NdSbp{sbp.Split(1), sbp.PartialSum()}), "generic-via-broadcast"},
		{s0, sbp.Must(sbp.NewPlacement("cpu", 0, 1), sbp.NdSbp{sbp.Split(0)}), "copy-device-type"},
		{s0, sbp.Must(sbp.NewPlacement("cpu", 0, 1), sbp.NdSbp{sbp.Broadcast()}), "device-type"},
	} {
		s, err := b.Plan(c.in, c.out, []int{8, 8})
		assert.NoError(t, err)
		if got, want := s.Name, c.want; got != want {
			t.Errorf("%s -> %s: got %v, want %v", c.in, c.out, got, want)
		}
	}
}

func TestDividors(t *testing.T) {
	b, _ := testBoxer(t, 4)
	grid := sbp.Placement{DeviceTag: "gpu", Devices: []int{0, 1, 2, 3}, Hierarchy: []int{2, 2}}
	in := sbp.Must(grid, sbp.NdSbp{sbp.Split(0), sbp.Split(0)})
	out := sbp.Must(sbp.NewPlacement("cpu", 2, 3), sbp.NdSbp{sbp.PartialSum()})
	for _, c := range []struct {
		d    Dividor
		want *sbp.PlacedSharding
	}{
		{FlattenInHierarchy, sbp.Must(sbp.NewPlacement("gpu", 0, 1, 2, 3), sbp.NdSbp{sbp.Split(0)})},
		{FlattenOutHierarchy, out},
		{UnflattenOutHierarchy, nil},
		{ReplaceInDeviceType, sbp.Must(sbp.Placement{DeviceTag: "cpu", Devices: []int{0, 1, 2, 3}, Hierarchy: []int{2, 2}}, in.NdSbp())},
		{ReplaceOutDeviceType, sbp.Must(sbp.NewPlacement("gpu", 2, 3), sbp.NdSbp{sbp.PartialSum()})},
		{InPlacementAndBroadcast, sbp.Must(grid, sbp.NdSbp{sbp.Broadcast(), sbp.Broadcast()})},
		{OutPlacementAndBroadcast, sbp.Must(sbp.NewPlacement("cpu", 2, 3), sbp.NdSbp{sbp.Broadcast()})},
		{OutPlacementAndPartialSum, out},
		{InPlacementAndSplit(1), sbp.Must(grid, sbp.NdSbp{sbp.Split(1), sbp.Split(1)})},
		{OutPlacementAndSplit(0), sbp.Must(sbp.NewPlacement("cpu", 2, 3), sbp.NdSbp{sbp.Split(0)})},
		{InFirstDeviceAndAllBroadcast, sbp.Must(sbp.NewPlacement("gpu", 0), sbp.NdSbp{sbp.Broadcast()})},
		{OutFirstDeviceAndAllBroadcast, sbp.Must(sbp.NewPlacement("cpu", 2), sbp.NdSbp{sbp.Broadcast()})},
	} {
		got, err := b.Divide(c.d, in, out)
		if c.want == nil {
			// The 2-device output cannot be laid over a 4-device
			// hierarchy.
			if err == nil {
				t.Errorf("%s: expected error", c.d)
			}
			continue
		}
		assert.NoError(t, err)
		if got != c.want {
			t.Errorf("%s: got %v, want %v", c.d, got, c.want)
		}
	}
	flat := sbp.Must(sbp.NewPlacement("gpu", 0, 1, 2, 3), sbp.NdSbp{sbp.Broadcast()})
	got, err := b.Divide(UnflattenInHierarchy, flat, in)
	assert.NoError(t, err)
	expect.True(t, got == sbp.Must(grid, sbp.NdSbp{sbp.Broadcast(), sbp.Broadcast()}))

	mixed := sbp.Must(grid, sbp.NdSbp{sbp.Split(0), sbp.Broadcast()})
	if _, err := b.Divide(FlattenInHierarchy, mixed, out); !errors.Is(errors.Precondition, err) {
		t.Errorf("got %v, want precondition", err)
	}
}

func TestMemo(t *testing.T) {
	b, _ := testBoxer(t, 2)
	p := sbp.NewPlacement("gpu", 0, 1)
	in := sbp.Must(p, sbp.NdSbp{sbp.Split(0)})
	out := sbp.Must(p, sbp.NdSbp{sbp.PartialSum()})

	first, err := b.Divide(InPlacementAndBroadcast, in, out)
	assert.NoError(t, err)
	hits, misses := b.Memo().Stats()
	expect.EQ(t, hits, int64(0))
	expect.EQ(t, misses, int64(1))
	second, err := b.Divide(InPlacementAndBroadcast, in, out)
	assert.NoError(t, err)
	expect.True(t, first == second)
	hits, _ = b.Memo().Stats()
	expect.EQ(t, hits, int64(1))

	// Dividors with different arguments are memoized separately.
	s0, err := b.Divide(InPlacementAndSplit(0), in, out)
	assert.NoError(t, err)
	s1, err := b.Divide(InPlacementAndSplit(1), in, out)
	assert.NoError(t, err)
	expect.True(t, s0 != s1)

	n := b.Memo().Len()
	_, err = b.Plan(in, out, []int{4, 4})
	assert.NoError(t, err)
	m := b.Memo().Len()
	_, err = b.Plan(in, out, []int{4, 4})
	assert.NoError(t, err)
	expect.True(t, m > n)
	expect.EQ(t, b.Memo().Len(), m)
}

func testShardings() []*sbp.PlacedSharding {
	var (
		oneD = []sbp.NdSbp{
			{sbp.Split(0)}, {sbp.Split(1)}, {sbp.Broadcast()}, {sbp.PartialSum()},
		}
		twoD = []sbp.NdSbp{
			{sbp.Split(0), sbp.Split(0)}, {sbp.Split(0), sbp.Split(1)},
			{sbp.Broadcast(), sbp.Broadcast()}, {sbp.PartialSum(), sbp.PartialSum()},
			{sbp.Split(1), sbp.PartialSum()}, {sbp.Broadcast(), sbp.Split(0)},
		}
		shardings []*sbp.PlacedSharding
	)
	for _, p := range []sbp.Placement{
		sbp.NewPlacement("cpu", 0, 1),
		sbp.NewPlacement("cpu", 2, 3, 1),
		sbp.NewPlacement("gpu", 0, 1),
	} {
		for _, nd := range oneD {
			shardings = append(shardings, sbp.Must(p, nd))
		}
	}
	grid := sbp.Placement{DeviceTag: "cpu", Devices: []int{0, 1, 2, 3}, Hierarchy: []int{2, 2}}
	for _, nd := range twoD {
		shardings = append(shardings, sbp.Must(grid, nd))
	}
	return shardings
}

// TestBoxPreservesValue verifies that boxing between any two
// shardings preserves the tensor's logical value.
func TestBoxPreservesValue(t *testing.T) {
	b, sched := testBoxer(t, 4)
	ctx := context.Background()
	value := randomDense(1, 6, 5)
	shardings := testShardings()
	for _, in := range shardings {
		x, err := tensor.Distribute(ctx, sched, value, in)
		assert.NoError(t, err)
		for _, out := range shardings {
			y, err := b.Box(ctx, x, out)
			if err != nil {
				t.Fatalf("%s -> %s: %v", in, out, err)
			}
			expect.True(t, y.Sharding == out)
			got, err := y.Fetch(ctx, sched)
			assert.NoError(t, err)
			if !got.Equal(value) {
				t.Errorf("%s -> %s: got %v, want %v", in, out, got, value)
			}
			if y != x {
				assert.NoError(t, y.Delete(sched))
			}
		}
		assert.NoError(t, x.Delete(sched))
	}
	assert.NoError(t, sched.Sync(ctx))
	sched.Reclaim()
	// Every tensor, including intermediates, was reclaimed.
	vals := sched.Stats()
	expect.EQ(t, vals["objects"], int64(0))
	expect.EQ(t, vals["mirrored"], int64(0))
	expect.True(t, b.Stats()["generic-via-broadcast"] > 0)
	expect.True(t, b.Stats()["nd-flatten"] > 0)
	expect.True(t, b.Stats()["device-type"] > 0)
}

// TestNamedCompositions applies composed strategies that Box never
// prefers, and verifies that they preserve values.
func TestNamedCompositions(t *testing.T) {
	b, sched := testBoxer(t, 4)
	ctx := context.Background()
	value := randomDense(2, 6, 4)
	a := sbp.NewPlacement("gpu", 0, 1)
	c := sbp.NewPlacement("gpu", 2, 3, 1)
	for _, tc := range []struct {
		name    string
		in, out *sbp.PlacedSharding
	}{
		{"via-first-device", sbp.Must(a, sbp.NdSbp{sbp.Split(0)}), sbp.Must(c, sbp.NdSbp{sbp.PartialSum()})},
		{"generic-via-broadcast", sbp.Must(a, sbp.NdSbp{sbp.PartialSum()}), sbp.Must(c, sbp.NdSbp{sbp.Split(1)})},
		{"split-then-move", sbp.Must(a, sbp.NdSbp{sbp.PartialSum()}), sbp.Must(c, sbp.NdSbp{sbp.Split(1)})},
		{"move-then-split", sbp.Must(a, sbp.NdSbp{sbp.Split(0)}), sbp.Must(c, sbp.NdSbp{sbp.Split(1)})},
		{"partial-sum-via-out-placement", sbp.Must(a, sbp.NdSbp{sbp.PartialSum()}), sbp.Must(c, sbp.NdSbp{sbp.Broadcast()})},
	} {
		x, err := tensor.Distribute(ctx, sched, value, tc.in)
		assert.NoError(t, err)
		y, err := b.Apply(ctx, tc.name, x, tc.out)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		got, err := y.Fetch(ctx, sched)
		assert.NoError(t, err)
		if !got.Equal(value) {
			t.Errorf("%s: got %v, want %v", tc.name, got, value)
		}
	}
	_, err := b.Apply(ctx, "move-then-split", &tensor.Tensor{Shape: []int{6, 4}, Sharding: sbp.Must(a, sbp.NdSbp{sbp.Broadcast()})}, sbp.Must(c, sbp.NdSbp{sbp.Split(0)}))
	if !IsPrecondition(err) {
		t.Errorf("got %v, want precondition error", err)
	}
}

// TestBoxOrdering verifies that boxing observes writes submitted
// before it and is unaffected by writes submitted after it.
func TestBoxOrdering(t *testing.T) {
	b, sched := testBoxer(t, 2)
	ctx := context.Background()
	p := sbp.NewPlacement("cpu", 0, 1)
	in := sbp.Must(p, sbp.NdSbp{sbp.Split(0)})
	x, err := tensor.Distribute(ctx, sched, tensor.Zeros(4), in)
	assert.NoError(t, err)
	fill := func(v float64) {
		t.Helper()
		err := sched.Submit(ctx, &vm.Instruction{
			Op:       "fill",
			Operands: x.Operands(vm.Write),
			Do: func(context.Context) error {
				d := tensor.Zeros(4)
				for i := range d.Data {
					d.Data[i] = v
				}
				x.Scatter(d)
				return nil
			},
		})
		assert.NoError(t, err)
	}
	fill(1)
	y, err := b.Box(ctx, x, sbp.Must(p, sbp.NdSbp{sbp.Broadcast()}))
	assert.NoError(t, err)
	fill(2)
	got, err := y.Fetch(ctx, sched)
	assert.NoError(t, err)
	expect.EQ(t, got.Data, []float64{1, 1, 1, 1})
	got, err = x.Fetch(ctx, sched)
	assert.NoError(t, err)
	expect.EQ(t, got.Data, []float64{2, 2, 2, 2})
}

func TestFailedBoxReleasesObjects(t *testing.T) {
	sched := vm.New(vm.Config{Devices: 4, MaxMirroredObjects: 3})
	ctx := context.Background()
	sched.Start(ctx)
	defer sched.Shutdown()
	b := NewBoxer(sched, DefaultRegistry())

	in := sbp.Must(sbp.NewPlacement("cpu", 0, 1), sbp.NdSbp{sbp.Split(0)})
	out := sbp.Must(sbp.NewPlacement("cpu", 2, 3), sbp.NdSbp{sbp.Broadcast()})
	x, err := tensor.Distribute(ctx, sched, tensor.FromData([]float64{1, 2, 3, 4}, 4), in)
	assert.NoError(t, err)
	_, err = b.Box(ctx, x, out)
	if !errors.Is(errors.OOM, err) {
		t.Fatalf("got %v, want OOM", err)
	}
	assert.NoError(t, sched.Sync(ctx))
	assert.NoError(t, x.Delete(sched))
	sched.Reclaim()
	stats := sched.Stats()
	expect.EQ(t, stats["objects"], int64(0))
	expect.EQ(t, stats["mirrored"], int64(0))

	// The arena's capacity is available again.
	y, err := tensor.Distribute(ctx, sched, tensor.FromData([]float64{5, 6}, 2), out)
	assert.NoError(t, err)
	got, err := y.Fetch(ctx, sched)
	assert.NoError(t, err)
	expect.EQ(t, got.Data, []float64{5, 6})
}

func TestRegisterInvalidatesChecks(t *testing.T) {
	_, sched := testBoxer(t, 4)
	defaults := DefaultRegistry()
	r := NewRegistry()
	register := func(name string) {
		t.Helper()
		s, ok := defaults.Lookup(name)
		assert.True(t, ok)
		assert.NoError(t, r.Register(name, s.check, s.exec))
	}
	register("generic-via-broadcast")
	expect.EQ(t, r.Generation(), uint64(1))
	b := NewBoxer(sched, r)

	in := sbp.Must(sbp.NewPlacement("cpu", 0, 1), sbp.NdSbp{sbp.Split(0)})
	out := sbp.Must(sbp.NewPlacement("cpu", 2, 3), sbp.NdSbp{sbp.Split(1)})
	shape := []int{4, 4}
	if _, err := b.Plan(in, out, shape); !errors.Is(errors.NotSupported, err) {
		t.Fatalf("got %v, want not supported", err)
	}

	register("naive-gather")
	register("naive-b-to-b")
	register("naive-scatter")
	expect.EQ(t, r.Generation(), uint64(4))
	s, err := b.Plan(in, out, shape)
	assert.NoError(t, err)
	expect.EQ(t, s.Name, "generic-via-broadcast")
}
