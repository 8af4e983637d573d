// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package tensor

import (
	"fmt"

	"github.com/grailbio/tensorvm/sbp"
)

// Dense is a row-major array of float64 values.
type Dense struct {
	Shape []int
	Data  []float64
}

// Zeros returns a zero-valued Dense of the provided shape.
func Zeros(shape ...int) *Dense {
	return &Dense{Shape: append([]int(nil), shape...), Data: make([]float64, numel(shape))}
}

// FromData returns a Dense of the provided shape backed by data. It
// panics if the shape does not match the data's length.
func FromData(data []float64, shape ...int) *Dense {
	if numel(shape) != len(data) {
		panic(fmt.Sprintf("tensor.FromData: shape %v does not hold %d values", shape, len(data)))
	}
	return &Dense{Shape: append([]int(nil), shape...), Data: data}
}

// Copy returns a deep copy of d.
func (d *Dense) Copy() *Dense {
	return &Dense{Shape: append([]int(nil), d.Shape...), Data: append([]float64(nil), d.Data...)}
}

// Equal tells whether d and e have the same shape and values.
func (d *Dense) Equal(e *Dense) bool {
	if len(d.Shape) != len(e.Shape) || len(d.Data) != len(e.Data) {
		return false
	}
	for i := range d.Shape {
		if d.Shape[i] != e.Shape[i] {
			return false
		}
	}
	for i := range d.Data {
		if d.Data[i] != e.Data[i] {
			return false
		}
	}
	return true
}

// String returns a short description of d.
func (d *Dense) String() string {
	return fmt.Sprintf("dense%v%v", d.Shape, d.Data)
}

// Slice returns a copy of the region of d selected by ranges.
func (d *Dense) Slice(ranges []sbp.Range) *Dense {
	shape := make([]int, len(ranges))
	for i, r := range ranges {
		shape[i] = r.Len()
	}
	out := Zeros(shape...)
	d.walk(ranges, func(src, dst int) { out.Data[dst] = d.Data[src] })
	return out
}

// AddSlice adds src into the region of d selected by ranges. The
// shape of src must match the region.
func (d *Dense) AddSlice(ranges []sbp.Range, src *Dense) {
	d.walk(ranges, func(i, j int) { d.Data[i] += src.Data[j] })
}

// SetSlice copies src into the region of d selected by ranges.
func (d *Dense) SetSlice(ranges []sbp.Range, src *Dense) {
	d.walk(ranges, func(i, j int) { d.Data[i] = src.Data[j] })
}

// Add adds e elementwise into d.
func (d *Dense) Add(e *Dense) {
	for i := range d.Data {
		d.Data[i] += e.Data[i]
	}
}

// walk calls fn for each element of the region selected by ranges,
// with its offset in d and its offset in the region.
func (d *Dense) walk(ranges []sbp.Range, fn func(outer, inner int)) {
	n := 1
	for _, r := range ranges {
		n *= r.Len()
	}
	if n == 0 {
		return
	}
	strides := make([]int, len(d.Shape))
	stride := 1
	for i := len(d.Shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= d.Shape[i]
	}
	index := make([]int, len(ranges))
	for inner := 0; inner < n; inner++ {
		outer := 0
		for i, r := range ranges {
			outer += (r.Start + index[i]) * strides[i]
		}
		fn(outer, inner)
		for i := len(index) - 1; i >= 0; i-- {
			index[i]++
			if index[i] < ranges[i].Len() {
				break
			}
			index[i] = 0
		}
	}
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
