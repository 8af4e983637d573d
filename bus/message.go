// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bus

import "fmt"

// An ActorID names an actor in a job. It packs the rank of the
// actor's process into the top 16 bits, the actor's thread within the
// process into the next 16 bits, and a process-local id into the low
// 32 bits.
type ActorID int64

// NewActorID returns the ActorID of the actor with the provided local
// id, running on the provided thread of process rank. It panics if any
// component is out of range.
func NewActorID(rank, thread int, local uint32) ActorID {
	if rank < 0 || rank >= 1<<15 {
		panic(fmt.Sprintf("bus: rank %d out of range", rank))
	}
	if thread < 0 || thread >= 1<<16 {
		panic(fmt.Sprintf("bus: thread %d out of range", thread))
	}
	return ActorID(int64(rank)<<48 | int64(thread)<<32 | int64(local))
}

// Rank returns the rank of the process that runs the actor.
func (id ActorID) Rank() int { return int(uint64(id) >> 48) }

// Thread returns the thread, within its process, that runs the actor.
func (id ActorID) Thread() int { return int(uint64(id) >> 32 & 0xffff) }

// Local returns the process-local id of the actor.
func (id ActorID) Local() uint32 { return uint32(id) }

// String returns the actor id as rank/thread/local.
func (id ActorID) String() string {
	return fmt.Sprintf("%d/%d/%d", id.Rank(), id.Thread(), id.Local())
}

// Kind is the kind of a message.
type Kind int

const (
	// Control messages carry scheduling signals between actors. They
	// are not sequenced.
	Control Kind = iota
	// Data messages announce a region of memory to a consumer. They
	// are sequenced per channel.
	Data
)

func (k Kind) String() string {
	switch k {
	case Control:
		return "control"
	case Data:
		return "data"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// A Channel is the unit of ordering for data messages: one value, as
// consumed by one destination actor.
type Channel struct {
	Value int64
	Dst   ActorID
}

func (c Channel) String() string {
	return fmt.Sprintf("%d->%s", c.Value, c.Dst)
}

// A Token identifies a region of memory that a remote process may
// access directly. Tokens are opaque to the bus; Transports translate
// them to and from bytes.
type Token interface{}

// A Message is the unit of communication between actors.
type Message struct {
	Src, Dst ActorID
	Kind     Kind
	// Channel and Seq are meaningful only for data messages. Seq is
	// assigned by the bus when a message with a Token leaves its
	// process.
	Channel Channel
	Seq     int64
	// Token is the local representation of the region referenced by
	// a data message. TokenData is its wire representation.
	Token     Token
	TokenData []byte
	Payload   []byte
}

func (m Message) String() string {
	if m.Kind == Data {
		return fmt.Sprintf("%s %s->%s %s#%d", m.Kind, m.Src, m.Dst, m.Channel, m.Seq)
	}
	return fmt.Sprintf("%s %s->%s", m.Kind, m.Src, m.Dst)
}
