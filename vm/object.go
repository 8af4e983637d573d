// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package vm

import (
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// ObjectID identifies a logical object. IDs are assigned by
// Scheduler.NewObject and are never reused.
type ObjectID int64

// String returns "obj<id>".
func (id ObjectID) String() string {
	return fmt.Sprintf("obj%d", int64(id))
}

// logicalObject is a named piece of state that may be replicated on
// several devices. Each replica is a mirroredObject, held in the
// scheduler's arena.
type logicalObject struct {
	id ObjectID
	// mirrored maps a device index to the arena slot of the
	// object's replica on that device.
	mirrored map[int]int32
	// deleted is set by DeleteObject. Deleted objects accept no new
	// accesses.
	deleted bool
	// zombie is set once a deleted object has no pending accesses.
	// Zombies are freed by Reclaim.
	zombie bool
}

// An access is one instruction's claim on one mirrored object.
type access struct {
	instr    *Instruction
	mirrored *mirroredObject
	kind     AccessKind
	granted  bool
}

// mirroredObject is the replica of a logical object on one device. It
// keeps the FIFO of accesses in submission order. Granted accesses
// always form a prefix of the queue: either a run of reads, or a
// single write.
type mirroredObject struct {
	object ObjectID
	device int
	slot   int32

	mu    sync.Mutex
	queue []*access
	// generation counts completed writes.
	generation uint64
}

// grant grants every access that is compatible with the accesses
// ahead of it, and returns the accesses that were newly granted. It
// must be called with m.mu held.
func (m *mirroredObject) grant() []*access {
	var granted []*access
	for i, a := range m.queue {
		if a.kind == Write {
			if i == 0 && !a.granted {
				a.granted = true
				granted = append(granted, a)
			}
			break
		}
		if !a.granted {
			a.granted = true
			granted = append(granted, a)
		}
	}
	m.check()
	return granted
}

// check verifies the exclusion invariant: at any time a mirrored
// object has either any number of granted reads or exactly one granted
// write, and granted accesses precede ungranted ones. A violation is a
// scheduler bug and is fatal.
func (m *mirroredObject) check() {
	var reads, writes int
	prefix := true
	for _, a := range m.queue {
		if !a.granted {
			prefix = false
			continue
		}
		if !prefix {
			log.Panicf("vm: %s@%d: granted access behind ungranted access", m.object, m.device)
		}
		if a.kind == Write {
			writes++
		} else {
			reads++
		}
	}
	if writes > 1 || (writes == 1 && reads > 0) {
		log.Panicf("vm: %s@%d: exclusion violated: %d reads, %d writes granted", m.object, m.device, reads, writes)
	}
}

// remove removes a granted access from the queue. It must be called
// with m.mu held.
func (m *mirroredObject) remove(a *access) {
	for i := range m.queue {
		if m.queue[i] != a {
			continue
		}
		if !a.granted {
			log.Panicf("vm: %s@%d: released ungranted access of %s", m.object, m.device, a.instr)
		}
		copy(m.queue[i:], m.queue[i+1:])
		m.queue[len(m.queue)-1] = nil
		m.queue = m.queue[:len(m.queue)-1]
		if a.kind == Write {
			m.generation++
		}
		return
	}
	log.Panicf("vm: %s@%d: released unknown access of %s", m.object, m.device, a.instr)
}

// An arena owns the scheduler's mirrored objects. Slots are recycled
// through a free list, and the arena holds at most max objects.
type arena struct {
	slots []*mirroredObject
	free  []int32
	max   int
}

// alloc returns a new mirrored object for the replica of obj on
// device. Alloc returns an errors.OOM error when the arena is full.
func (a *arena) alloc(obj ObjectID, device int) (*mirroredObject, error) {
	var slot int32
	if n := len(a.free); n > 0 {
		slot = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		if len(a.slots) >= a.max {
			return nil, errors.E(errors.OOM, fmt.Sprintf("vm: mirrored object arena exhausted (%d objects)", a.max))
		}
		slot = int32(len(a.slots))
		a.slots = append(a.slots, nil)
	}
	m := &mirroredObject{object: obj, device: device, slot: slot}
	a.slots[slot] = m
	return m, nil
}

// get returns the mirrored object in the provided slot.
func (a *arena) get(slot int32) *mirroredObject {
	return a.slots[slot]
}

// release frees a slot for reuse.
func (a *arena) release(slot int32) {
	a.slots[slot] = nil
	a.free = append(a.free, slot)
}

// live returns the number of allocated mirrored objects.
func (a *arena) live() int {
	return len(a.slots) - len(a.free)
}
