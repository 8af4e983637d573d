// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package stats provides collections of counters. Each counter
// belongs to a snapshottable collection; collections can be
// aggregated and published to a go-metrics sink.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-metrics"
)

// Values is a snapshot of the values in a collection.
type Values map[string]int64

// Copy returns a copy of the values v.
func (v Values) Copy() Values {
	w := make(Values, len(v))
	for k, v := range v {
		w[k] = v
	}
	return w
}

// Add adds every value of u into v.
func (v Values) Add(u Values) {
	for k, n := range u {
		v[k] += n
	}
}

// String returns an abbreviated string with the values in this
// snapshot sorted by key.
func (v Values) String() string {
	keys := make([]string, 0, len(v))
	for key := range v {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for i, key := range keys {
		keys[i] = fmt.Sprintf("%s:%d", key, v[key])
	}
	return strings.Join(keys, " ")
}

// A Map is a set of counters keyed by name.
type Map struct {
	mu     sync.Mutex
	values map[string]*Int
}

// NewMap returns a fresh Map.
func NewMap() *Map {
	return &Map{values: make(map[string]*Int)}
}

// Int returns the counter with the provided name. The counter is
// created if it does not already exist.
func (m *Map) Int(name string) *Int {
	m.mu.Lock()
	v := m.values[name]
	if v == nil {
		v = new(Int)
		m.values[name] = v
	}
	m.mu.Unlock()
	return v
}

// Snapshot returns the current values of all counters in the map.
func (m *Map) Snapshot() Values {
	vals := make(Values)
	m.AddAll(vals)
	return vals
}

// AddAll adds all counters in the map to the provided snapshot.
func (m *Map) AddAll(vals Values) {
	m.mu.Lock()
	for k, v := range m.values {
		vals[k] += v.Get()
	}
	m.mu.Unlock()
}

// Publish sets one gauge per counter in the provided sink. Gauge keys
// are prefix followed by the counter name.
func (m *Map) Publish(sink metrics.MetricSink, prefix []string, labels []metrics.Label) {
	for name, val := range m.Snapshot() {
		key := make([]string, len(prefix), len(prefix)+1)
		copy(key, prefix)
		key = append(key, name)
		sink.SetGaugeWithLabels(key, float32(val), labels)
	}
}

// An Int is a integer counter. Ints can be atomically
// incremented and set. A nil *Int is a valid, always-zero counter.
type Int struct {
	val int64
}

// Add increments v by delta.
func (v *Int) Add(delta int64) {
	if v == nil {
		return
	}
	atomic.AddInt64(&v.val, delta)
}

// Set sets the counter's value to val.
func (v *Int) Set(val int64) {
	if v == nil {
		return
	}
	atomic.StoreInt64(&v.val, val)
}

// Get returns the current value of a counter.
func (v *Int) Get() int64 {
	if v == nil {
		return 0
	}
	return atomic.LoadInt64(&v.val)
}
