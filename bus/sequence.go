// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bus

import (
	"encoding/binary"
	"sync"

	"github.com/grailbio/base/log"
	"github.com/spaolacci/murmur3"
)

const numStripes = 64

// stripe returns the lock stripe of a channel.
func stripe(c Channel) int {
	var key [16]byte
	binary.LittleEndian.PutUint64(key[:8], uint64(c.Value))
	binary.LittleEndian.PutUint64(key[8:], uint64(c.Dst))
	return int(murmur3.Sum64(key[:]) % numStripes)
}

// A Sequencer assigns sequence numbers to channels. Each channel's
// numbers start at 0 and increase by one per call to Next,
// independently of other channels. Channels are locked in stripes, so
// that unrelated channels rarely contend.
type Sequencer struct {
	stripes [numStripes]struct {
		mu   sync.Mutex
		next map[Channel]int64
	}
}

// NewSequencer returns a new Sequencer.
func NewSequencer() *Sequencer {
	s := new(Sequencer)
	for i := range s.stripes {
		s.stripes[i].next = make(map[Channel]int64)
	}
	return s
}

// Next returns the next sequence number of channel c.
func (s *Sequencer) Next(c Channel) int64 {
	st := &s.stripes[stripe(c)]
	st.mu.Lock()
	seq := st.next[c]
	st.next[c] = seq + 1
	st.mu.Unlock()
	return seq
}

// A tracker records the last sequence number received on each channel
// and reports departures from the expected sequence 0, 1, 2, ...
// Departures are logged and counted; they are not fatal, since a
// channel may legitimately restart when its sender does.
type tracker struct {
	stripes [numStripes]struct {
		mu   sync.Mutex
		next map[Channel]int64
	}
}

func newTracker() *tracker {
	t := new(tracker)
	for i := range t.stripes {
		t.stripes[i].next = make(map[Channel]int64)
	}
	return t
}

// observe records the receipt of sequence number seq on channel c. It
// returns false if seq was not the expected one. The tracker then
// expects seq+1.
func (t *tracker) observe(c Channel, seq int64) bool {
	st := &t.stripes[stripe(c)]
	st.mu.Lock()
	want := st.next[c]
	st.next[c] = seq + 1
	st.mu.Unlock()
	switch {
	case seq == want:
		return true
	case seq > want:
		log.Error.Printf("bus: channel %s: gap: expected sequence %d, got %d", c, want, seq)
	case seq == 0:
		log.Printf("bus: channel %s: sequence reset after %d", c, want-1)
	default:
		log.Error.Printf("bus: channel %s: repeat: expected sequence %d, got %d", c, want, seq)
	}
	return false
}
