// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"sort"
	"strings"
	"testing"
	"time"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/tensorvm/internal/trace"
)

func TestComputeQuartiles(t *testing.T) {
	for _, c := range []struct {
		name       string
		ds         []time.Duration
		q1, q2, q3 time.Duration
	}{
		{"One", []time.Duration{7}, 7, 7, 7},
		{"Two", []time.Duration{0, 100}, 0, 50, 100},
		{"Three", []time.Duration{0, 100, 200}, 50, 100, 150},
		{"ThreeLowSame", []time.Duration{0, 0, 200}, 0, 0, 100},
		{"Four", []time.Duration{0, 100, 200, 300}, 50, 150, 250},
		{"Five", []time.Duration{0, 100, 200, 300, 400}, 100, 200, 300},
		{"OddSum", []time.Duration{1, 2}, 1, 1, 2},
	} {
		t.Run(c.name, func(t *testing.T) {
			q1, q2, q3 := computeQuartiles(c.ds)
			if q1 != c.q1 || q2 != c.q2 || q3 != c.q3 {
				t.Errorf("got %v %v %v, want %v %v %v", q1, q2, q3, c.q1, c.q2, c.q3)
			}
		})
	}
}

func TestComputeQuartilesOrdered(t *testing.T) {
	fz := fuzz.NewWithSeed(1)
	fz.NilChance(0).NumElements(1, 100)
	for i := 0; i < 100; i++ {
		var raw []uint32
		fz.Fuzz(&raw)
		ds := make([]time.Duration, len(raw))
		for j := range raw {
			ds[j] = time.Duration(raw[j])
		}
		sort.Slice(ds, func(i, j int) bool { return ds[i] < ds[j] })
		q1, q2, q3 := computeQuartiles(ds)
		if !(ds[0] <= q1 && q1 <= q2 && q2 <= q3 && q3 <= ds[len(ds)-1]) {
			t.Fatalf("%v: quartiles %v %v %v out of order", ds, q1, q2, q3)
		}
	}
}

func TestOpStats(t *testing.T) {
	events := []trace.Event{
		trace.Metadata(1, 0, "process_name", "device 0"),
		{Pid: 1, Ph: "X", Cat: "instruction", Name: "copy", Dur: 10},
		{Pid: 1, Ph: "X", Cat: "instruction", Name: "copy", Dur: 30},
		{Pid: 2, Ph: "X", Cat: "instruction", Name: "add", Dur: 100},
		{Pid: 0, Ph: "i", Cat: "instruction", Name: "add"},
	}
	stats := buildOpStats(events)
	if got, want := len(stats), 2; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got, want := stats[0].op, "add"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := stats[1].count, 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := stats[1].q2, 20*time.Microsecond; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	var b bytes.Buffer
	writeOpStats(&b, stats)
	if lines := strings.Split(strings.TrimSpace(b.String()), "\n"); len(lines) != 3 {
		t.Errorf("unexpected table:\n%s", b.String())
	}
}
