// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package trace encodes and decodes trace files in the Chrome tracing
// format, as viewed by chrome://tracing.
package trace

import (
	"encoding/json"
	"io"
	"sort"
)

// T is a trace file.
type T struct {
	Events []Event `json:"traceEvents"`
}

// Event is an event in the Chrome tracing format. The fields are
// mirrored exactly. For more details, see:
//	https://docs.google.com/document/d/1CvAClvFfyA5R-PhYUmn5OOQtYMH4h6I0nSsKchNAySU/preview
type Event struct {
	Pid  int                    `json:"pid"`
	Tid  int                    `json:"tid"`
	Ts   int64                  `json:"ts"`
	Ph   string                 `json:"ph"`
	Dur  int64                  `json:"dur,omitempty"`
	Name string                 `json:"name"`
	Cat  string                 `json:"cat,omitempty"`
	Args map[string]interface{} `json:"args"`
}

// Metadata returns a metadata ("M") event that names a process or
// thread. Kind is either "process_name" or "thread_name".
func Metadata(pid, tid int, kind, name string) Event {
	return Event{
		Pid:  pid,
		Tid:  tid,
		Ph:   "M",
		Name: kind,
		Args: map[string]interface{}{"name": name},
	}
}

// Sort orders the events of t by timestamp, keeping metadata events
// first.
func (t *T) Sort() {
	sort.SliceStable(t.Events, func(i, j int) bool {
		mi, mj := t.Events[i].Ph == "M", t.Events[j].Ph == "M"
		if mi != mj {
			return mi
		}
		return t.Events[i].Ts < t.Events[j].Ts
	})
}

// Encode writes t as JSON to w.
func (t *T) Encode(w io.Writer) error {
	enc := json.NewEncoder(w)
	return enc.Encode(t)
}

// Decode reads a JSON-encoded trace from r into t.
func (t *T) Decode(r io.Reader) error {
	dec := json.NewDecoder(r)
	return dec.Decode(t)
}
