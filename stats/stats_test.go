// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package stats

import (
	"strings"
	"sync"
	"testing"

	"github.com/hashicorp/go-metrics"
)

func TestStats(t *testing.T) {
	coll := NewMap()
	var (
		x = coll.Int("x")
		_ = coll.Int("y")
	)
	if got, want := x.Get(), int64(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	x.Add(123)
	x.Add(123)
	if got, want := x.Get(), int64(123*2); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	all := coll.Snapshot()
	all.Add(coll.Snapshot())
	if got, want := len(all), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := all["x"], int64(123*4); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := all.String(), "x:492 y:0"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	var nilInt *Int
	nilInt.Add(1)
	if got, want := nilInt.Get(), int64(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

type gaugeSink struct {
	*metrics.BlackholeSink
	mu     sync.Mutex
	gauges map[string]float32
}

func (s *gaugeSink) SetGaugeWithLabels(key []string, val float32, labels []metrics.Label) {
	s.mu.Lock()
	s.gauges[strings.Join(key, ".")] = val
	s.mu.Unlock()
}

func TestPublish(t *testing.T) {
	coll := NewMap()
	coll.Int("ready").Set(3)
	coll.Int("done").Add(7)
	sink := &gaugeSink{BlackholeSink: new(metrics.BlackholeSink), gauges: make(map[string]float32)}
	coll.Publish(sink, []string{"tensorvm", "vm"}, nil)
	if got, want := sink.gauges["tensorvm.vm.ready"], float32(3); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := sink.gauges["tensorvm.vm.done"], float32(7); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
