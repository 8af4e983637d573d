// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package tensor

import (
	"context"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/tensorvm/sbp"
	"github.com/grailbio/tensorvm/vm"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func randomDense(fz *fuzz.Fuzzer, shape ...int) *Dense {
	d := Zeros(shape...)
	for i := range d.Data {
		var v int16
		fz.Fuzz(&v)
		d.Data[i] = float64(v)
	}
	return d
}

func TestSlice(t *testing.T) {
	d := FromData([]float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}, 3, 4)
	s := d.Slice([]sbp.Range{{Start: 1, End: 3}, {Start: 1, End: 3}})
	expect.EQ(t, s.Shape, []int{2, 2})
	expect.EQ(t, s.Data, []float64{5, 6, 9, 10})
	d.AddSlice([]sbp.Range{{Start: 0, End: 1}, {Start: 2, End: 4}}, FromData([]float64{100, 100}, 1, 2))
	expect.EQ(t, d.Data[2], float64(102))
	expect.EQ(t, d.Data[3], float64(103))
	empty := d.Slice([]sbp.Range{{Start: 0, End: 0}, {Start: 0, End: 4}})
	expect.EQ(t, len(empty.Data), 0)
}

func TestDistributeFetch(t *testing.T) {
	sched := vm.New(vm.Config{Devices: 4})
	ctx := context.Background()
	sched.Start(ctx)
	defer sched.Shutdown()

	fz := fuzz.NewWithSeed(1)
	value := randomDense(fz, 7, 5)
	grid := sbp.Placement{DeviceTag: "cpu", Devices: []int{0, 1, 2, 3}, Hierarchy: []int{2, 2}}
	for _, nd := range []sbp.NdSbp{
		{sbp.Split(0)},
		{sbp.Split(1)},
		{sbp.Broadcast()},
		{sbp.PartialSum()},
	} {
		ps := sbp.Must(sbp.NewPlacement("cpu", 1, 3, 0), nd)
		tensor, err := Distribute(ctx, sched, value, ps)
		assert.NoError(t, err)
		got, err := tensor.Fetch(ctx, sched)
		assert.NoError(t, err)
		if !got.Equal(value) {
			t.Errorf("%s: got %v, want %v", ps, got, value)
		}
	}
	for _, nd := range []sbp.NdSbp{
		{sbp.Split(0), sbp.Split(1)},
		{sbp.Split(0), sbp.Split(0)},
		{sbp.Broadcast(), sbp.PartialSum()},
		{sbp.PartialSum(), sbp.Split(1)},
	} {
		ps := sbp.Must(grid, nd)
		tensor, err := Distribute(ctx, sched, value, ps)
		assert.NoError(t, err)
		got, err := tensor.Fetch(ctx, sched)
		assert.NoError(t, err)
		if !got.Equal(value) {
			t.Errorf("%s: got %v, want %v", ps, got, value)
		}
	}
}

func TestLocals(t *testing.T) {
	sched := vm.New(vm.Config{Devices: 2})
	ctx := context.Background()
	sched.Start(ctx)
	defer sched.Shutdown()

	value := FromData([]float64{1, 2, 3, 4, 5}, 5)
	ps := sbp.Must(sbp.NewPlacement("cpu", 0, 1), sbp.NdSbp{sbp.Split(0)})
	tensor, err := Distribute(ctx, sched, value, ps)
	assert.NoError(t, err)
	locals, err := tensor.FetchLocals(ctx, sched)
	assert.NoError(t, err)
	assert.EQ(t, len(locals), 2)
	expect.EQ(t, locals[0].Data, []float64{1, 2, 3})
	expect.EQ(t, locals[1].Data, []float64{4, 5})

	ps = sbp.Must(sbp.NewPlacement("cpu", 0, 1), sbp.NdSbp{sbp.PartialSum()})
	tensor, err = Distribute(ctx, sched, value, ps)
	assert.NoError(t, err)
	locals, err = tensor.FetchLocals(ctx, sched)
	assert.NoError(t, err)
	expect.EQ(t, locals[0].Data, value.Data)
	expect.EQ(t, locals[1].Data, []float64{0, 0, 0, 0, 0})
	assert.NoError(t, tensor.Delete(sched))
}

func TestInvalid(t *testing.T) {
	sched := vm.New(vm.Config{Devices: 2})
	ps := sbp.Must(sbp.NewPlacement("cpu", 0, 5), sbp.NdSbp{sbp.Split(0)})
	if _, err := New(sched, []int{4}, ps); err == nil {
		t.Error("expected error")
	}
	ps = sbp.Must(sbp.NewPlacement("cpu", 0, 1), sbp.NdSbp{sbp.Split(1)})
	if _, err := New(sched, []int{4}, ps); err == nil {
		t.Error("expected error")
	}
}

func TestDistributeOOM(t *testing.T) {
	sched := vm.New(vm.Config{Devices: 2, MaxMirroredObjects: 1})
	ctx := context.Background()
	sched.Start(ctx)
	defer sched.Shutdown()
	sharding := sbp.Must(sbp.NewPlacement("cpu", 0, 1), sbp.NdSbp{sbp.Broadcast()})
	_, err := Distribute(ctx, sched, FromData([]float64{1, 2}, 2), sharding)
	if !errors.Is(errors.OOM, err) {
		t.Fatalf("got %v, want OOM", err)
	}
	expect.EQ(t, sched.Reclaim(), 1)
	vals := sched.Stats()
	expect.EQ(t, vals["objects"], int64(0))
	expect.EQ(t, vals["mirrored"], int64(0))
}
