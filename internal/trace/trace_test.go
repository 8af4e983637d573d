// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package trace

import (
	"bytes"
	"testing"

	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func TestSortEncodeDecode(t *testing.T) {
	tr := T{Events: []Event{
		{Pid: 1, Tid: 2, Ts: 30, Ph: "X", Dur: 5, Name: "b"},
		{Pid: 1, Tid: 1, Ts: 10, Ph: "X", Dur: 5, Name: "a"},
		Metadata(1, 0, "process_name", "device 0"),
	}}
	tr.Sort()
	expect.EQ(t, tr.Events[0].Ph, "M")
	expect.EQ(t, tr.Events[1].Name, "a")
	expect.EQ(t, tr.Events[2].Name, "b")

	var b bytes.Buffer
	assert.NoError(t, tr.Encode(&b))
	var got T
	assert.NoError(t, got.Decode(&b))
	assert.EQ(t, len(got.Events), 3)
	expect.EQ(t, got.Events[0].Args["name"], "device 0")
	expect.EQ(t, got.Events[2].Dur, int64(5))
}
