// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package vm

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/grailbio/tensorvm/internal/trace"
)

// A tracer records instruction lifecycle events in the Chrome tracing
// format. Each device is rendered as a Chrome "process"; pid 0 is
// reserved for the scheduler itself, on which submissions are logged
// as instant events. Begin and end events of an instruction are
// coalesced into a single complete ("X") event when the trace is
// marshaled.
type tracer struct {
	mu sync.Mutex

	events      []trace.Event
	instrEvents map[*Instruction][]trace.Event
	devices     map[int]bool

	// firstEvent is the time of the first observed event so that
	// offsets in the trace are meaningful.
	firstEvent time.Time
}

func newTracer() *tracer {
	return &tracer{
		instrEvents: make(map[*Instruction][]trace.Event),
		devices:     make(map[int]bool),
	}
}

// Event logs an event of type ph for the instruction in. Args is a
// list of interleaved key-value pairs and must be of even length. A
// nil tracer ignores all events.
func (t *tracer) Event(in *Instruction, ph string, args ...interface{}) {
	if t == nil {
		return
	}
	if len(args)%2 != 0 {
		panic("tracer.Event: invalid arguments")
	}
	event := trace.Event{
		Ph:   ph,
		Name: in.Op,
		Cat:  "instruction",
		Args: make(map[string]interface{}, len(args)/2+1),
	}
	event.Args["id"] = in.id
	for i := 0; i < len(args); i += 2 {
		event.Args[fmt.Sprint(args[i])] = args[i+1]
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.firstEvent.IsZero() {
		t.firstEvent = time.Now()
		t.events = append(t.events, trace.Metadata(0, 0, "process_name", "scheduler"))
	} else {
		event.Ts = time.Since(t.firstEvent).Nanoseconds() / 1e3
	}
	if ph == "i" {
		t.events = append(t.events, event)
		return
	}
	event.Pid = in.Device + 1
	event.Tid = 1
	if !t.devices[in.Device] {
		t.devices[in.Device] = true
		t.events = append(t.events, trace.Metadata(event.Pid, 0, "process_name", fmt.Sprintf("device %d", in.Device)))
	}
	t.instrEvents[in] = append(t.instrEvents[in], event)
}

// Marshal writes the trace captured by t to w.
func (t *tracer) Marshal(w io.Writer) error {
	t.mu.Lock()
	tr := trace.T{Events: make([]trace.Event, len(t.events))}
	copy(tr.Events, t.events)
	for _, events := range t.instrEvents {
		tr.Events = appendCoalesce(tr.Events, events)
	}
	t.mu.Unlock()
	tr.Sort()
	return tr.Encode(w)
}

// appendCoalesce appends events to list, matching "B" and "E" events
// into single "X" events. Unmatched events are dropped.
func appendCoalesce(list []trace.Event, events []trace.Event) []trace.Event {
	var begIndex = -1
	for _, event := range events {
		if event.Ph == "B" && begIndex < 0 {
			begIndex = len(list)
		}
		if event.Ph == "E" && begIndex >= 0 {
			list[begIndex].Ph = "X"
			list[begIndex].Dur = event.Ts - list[begIndex].Ts
			if list[begIndex].Dur == 0 {
				list[begIndex].Dur = 1
			}
			for k, v := range event.Args {
				if _, ok := list[begIndex].Args[k]; !ok {
					list[begIndex].Args[k] = v
				}
			}
			begIndex = -1
		} else if event.Ph != "E" {
			list = append(list, event)
		}
	}
	if begIndex >= 0 {
		copy(list[begIndex:], list[begIndex+1:])
		list = list[:len(list)-1]
	}
	return list
}
