// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package vm

import (
	"context"
	"fmt"
	"io"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/limiter"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/tensorvm/bufq"
	"github.com/grailbio/tensorvm/ctxsync"
	"github.com/grailbio/tensorvm/stats"
	"github.com/hashicorp/go-metrics"
	"golang.org/x/sync/errgroup"
)

// Defaults for zero-valued Config fields.
const (
	DefaultInFlight           = 1024
	DefaultMaxMirroredObjects = 1 << 16
)

var (
	metricsPrefix = []string{"tensorvm", "vm"}
	mirroredKey   = []string{"tensorvm", "vm", "mirrored"}
)

// Config configures a Scheduler.
type Config struct {
	// Devices is the number of devices, and thus workers. It must be
	// positive.
	Devices int
	// InFlight bounds the number of submitted instructions that have
	// not yet completed. Submit blocks while the window is full.
	InFlight int
	// MaxMirroredObjects bounds the number of live mirrored objects.
	MaxMirroredObjects int
	// MetricSink receives scheduler gauges on Publish. If nil, a
	// blackhole sink is used.
	MetricSink metrics.MetricSink
	// Status, if non-nil, is kept updated with instruction counts.
	Status *status.Group
	// Trace enables recording of instruction execution in the
	// Chrome tracing format; see Scheduler.WriteTrace.
	Trace bool
}

// A Scheduler resolves read/write dependencies between instructions
// and runs each instruction on its device's worker once every one of
// its accesses is granted.
//
// Accesses to a mirrored object are granted in submission order:
// a Read is granted when every access ahead of it is a Read; a Write
// only when it is first in line. Thus concurrent readers share an
// object while writers are exclusive, and any two conflicting
// accesses execute in the order in which they were submitted.
type Scheduler struct {
	config  Config
	limiter *limiter.Limiter
	ready   []*bufq.Queue[*Instruction]
	tracer  *tracer
	group   errgroup.Group

	// submitMu serializes submissions and deletions, so that an
	// instruction's accesses are appended atomically with respect to
	// other submissions.
	submitMu sync.Mutex
	nextID   uint64

	// mu protects the object table and arena. It may be acquired
	// before a mirrored object's lock, never after.
	mu         sync.Mutex
	objects    map[ObjectID]*logicalObject
	nextObject ObjectID
	arena      arena
	zombies    []ObjectID

	// inflightMu protects inflight, the number of submitted but not
	// completed instructions.
	inflightMu   sync.Mutex
	inflightCond *ctxsync.Cond
	inflight     int

	stats *stats.Map
	counters struct {
		submitted, waiting, ready, executing, done, failed, reclaimed *stats.Int
	}
}

// New returns a new scheduler with the provided configuration. The
// scheduler's workers are started by Start.
func New(config Config) *Scheduler {
	if config.Devices <= 0 {
		log.Panicf("vm.New: invalid device count %d", config.Devices)
	}
	if config.InFlight <= 0 {
		config.InFlight = DefaultInFlight
	}
	if config.MaxMirroredObjects <= 0 {
		config.MaxMirroredObjects = DefaultMaxMirroredObjects
	}
	if config.MetricSink == nil {
		config.MetricSink = new(metrics.BlackholeSink)
	}
	s := &Scheduler{
		config:  config,
		limiter: limiter.New(),
		objects: make(map[ObjectID]*logicalObject),
		arena:   arena{max: config.MaxMirroredObjects},
		stats:   stats.NewMap(),
	}
	s.inflightCond = ctxsync.NewCond(&s.inflightMu)
	s.limiter.Release(config.InFlight)
	// A ready queue never holds more instructions than are in flight,
	// so pushes to it never block.
	s.ready = make([]*bufq.Queue[*Instruction], config.Devices)
	for i := range s.ready {
		s.ready[i] = bufq.New[*Instruction](config.InFlight)
	}
	if config.Trace {
		s.tracer = newTracer()
	}
	s.counters.submitted = s.stats.Int("submitted")
	s.counters.waiting = s.stats.Int("waiting")
	s.counters.ready = s.stats.Int("ready")
	s.counters.executing = s.stats.Int("executing")
	s.counters.done = s.stats.Int("done")
	s.counters.failed = s.stats.Int("failed")
	s.counters.reclaimed = s.stats.Int("reclaimed")
	return s
}

// Devices returns the number of devices managed by the scheduler.
func (s *Scheduler) Devices() int {
	return s.config.Devices
}

// Start starts one worker per device. Instructions run with the
// provided context. Workers exit once Shutdown is called and their
// ready queues are drained.
func (s *Scheduler) Start(ctx context.Context) {
	for device := range s.ready {
		device := device
		s.group.Go(func() error {
			s.work(ctx, device)
			return nil
		})
	}
}

// Shutdown closes every ready queue and waits for the workers to
// exit. Instructions that become ready after shutdown fail with
// ErrShutdown.
func (s *Scheduler) Shutdown() error {
	for _, q := range s.ready {
		q.Close()
	}
	return s.group.Wait()
}

// NewObject creates a new logical object. Its mirrored objects are
// created lazily, the first time an instruction accesses them.
func (s *Scheduler) NewObject() ObjectID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextObject++
	id := s.nextObject
	s.objects[id] = &logicalObject{id: id, mirrored: make(map[int]int32)}
	return id
}

// DeleteObject requests the deletion of a logical object. The object
// accepts no further accesses; once its pending accesses drain it
// becomes a zombie and is freed by the next Reclaim.
func (s *Scheduler) DeleteObject(id ObjectID) error {
	s.submitMu.Lock()
	s.mu.Lock()
	obj := s.objects[id]
	if obj == nil || obj.deleted {
		s.mu.Unlock()
		s.submitMu.Unlock()
		return errors.E(errors.NotExist, fmt.Sprintf("vm: object %s does not exist", id))
	}
	obj.deleted = true
	s.mu.Unlock()
	s.submitMu.Unlock()
	s.maybeZombie(id)
	return nil
}

// Reclaim frees every zombie object and its mirrored objects. It
// returns the number of logical objects freed.
func (s *Scheduler) Reclaim() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.zombies)
	for _, id := range s.zombies {
		obj := s.objects[id]
		for _, slot := range obj.mirrored {
			s.arena.release(slot)
		}
		delete(s.objects, id)
	}
	s.zombies = s.zombies[:0]
	s.counters.reclaimed.Add(int64(n))
	if n > 0 {
		log.Debug.Printf("vm: reclaimed %d objects", n)
	}
	return n
}

// Submit submits an instruction for execution. Submit blocks while
// the in-flight window is full, and returns an error if the context is
// done first. Submit fails with an errors.Invalid error if the
// instruction is malformed, errors.NotExist if it accesses an unknown
// or deleted object, and errors.OOM if a mirrored object could not be
// allocated. A failed submission queues no accesses.
func (s *Scheduler) Submit(ctx context.Context, in *Instruction) error {
	if err := s.validate(in); err != nil {
		return err
	}
	if err := s.limiter.Acquire(ctx, 1); err != nil {
		return err
	}
	s.mu.Lock()
	zombies := len(s.zombies)
	s.mu.Unlock()
	if zombies > 0 {
		s.Reclaim()
	}

	s.submitMu.Lock()
	if err := s.resolve(in); err != nil {
		s.submitMu.Unlock()
		s.limiter.Release(1)
		return err
	}
	s.nextID++
	in.id = s.nextID
	in.pending.Store(int32(len(in.accesses)) + 1)
	s.inflightMu.Lock()
	s.inflight++
	s.inflightMu.Unlock()
	s.counters.submitted.Add(1)
	s.counters.waiting.Add(1)
	s.tracer.Event(in, "i", "device", in.Device)

	var ready []*Instruction
	for _, a := range in.accesses {
		m := a.mirrored
		m.mu.Lock()
		m.queue = append(m.queue, a)
		granted := m.grant()
		m.mu.Unlock()
		ready = s.granted(ready, granted)
	}
	// Drop the attachment guard.
	if in.pending.Add(-1) == 0 {
		ready = append(ready, in)
	}
	s.submitMu.Unlock()
	log.Debug.Printf("vm: submitted %s", in)
	s.dispatch(ready)
	return nil
}

// validate checks an instruction before submission.
func (s *Scheduler) validate(in *Instruction) error {
	switch {
	case in.Do == nil:
		return errors.E(errors.Invalid, fmt.Sprintf("vm: instruction %s has no Do", in.Op))
	case in.Device < 0 || in.Device >= s.config.Devices:
		return errors.E(errors.Invalid, fmt.Sprintf("vm: instruction %s: invalid device %d", in.Op, in.Device))
	case in.id != 0:
		return errors.E(errors.Invalid, fmt.Sprintf("vm: %s submitted twice", in))
	}
	for _, op := range in.Operands {
		if op.Device < 0 || op.Device >= s.config.Devices {
			return errors.E(errors.Invalid, fmt.Sprintf("vm: instruction %s: operand %s has invalid device %d", in.Op, op.Object, op.Device))
		}
		if op.Kind != Read && op.Kind != Write {
			return errors.E(errors.Invalid, fmt.Sprintf("vm: instruction %s: invalid access kind %s", in.Op, op.Kind))
		}
	}
	return nil
}

// resolve maps the instruction's operands to mirrored objects,
// allocating them as needed, and builds its access list. Operands on
// the same mirrored object are merged. Resolve must be called with
// submitMu held.
func (s *Scheduler) resolve(in *Instruction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		accesses []*access
		index    = make(map[*mirroredObject]*access)
	)
	for _, op := range in.Operands {
		obj := s.objects[op.Object]
		if obj == nil || obj.deleted {
			return errors.E(errors.NotExist, fmt.Sprintf("vm: instruction %s: object %s does not exist", in.Op, op.Object))
		}
		var m *mirroredObject
		if slot, ok := obj.mirrored[op.Device]; ok {
			m = s.arena.get(slot)
		} else {
			var err error
			if m, err = s.arena.alloc(op.Object, op.Device); err != nil {
				return err
			}
			obj.mirrored[op.Device] = m.slot
		}
		if a := index[m]; a != nil {
			if op.Kind == Write {
				a.kind = Write
			}
			continue
		}
		a := &access{instr: in, mirrored: m, kind: op.Kind}
		index[m] = a
		accesses = append(accesses, a)
	}
	in.accesses = accesses
	return nil
}

// granted accounts for newly granted accesses and appends to ready
// the instructions that now hold all of their accesses.
func (s *Scheduler) granted(ready []*Instruction, accesses []*access) []*Instruction {
	for _, a := range accesses {
		if a.instr.pending.Add(-1) == 0 {
			ready = append(ready, a.instr)
		}
	}
	return ready
}

// dispatch moves ready instructions to their devices' ready queues,
// in submission order.
func (s *Scheduler) dispatch(ready []*Instruction) {
	if len(ready) > 1 {
		sort.Slice(ready, func(i, j int) bool { return ready[i].id < ready[j].id })
	}
	for _, in := range ready {
		in.set(Ready)
		s.counters.waiting.Add(-1)
		s.counters.ready.Add(1)
		if s.ready[in.Device].Push(in) == bufq.Closed {
			s.counters.ready.Add(-1)
			s.complete(in, ErrShutdown)
		}
	}
	s.report()
}

func (s *Scheduler) work(ctx context.Context, device int) {
	q := s.ready[device]
	for {
		in, status := q.Pull()
		if status == bufq.Closed {
			return
		}
		s.counters.ready.Add(-1)
		s.counters.executing.Add(1)
		in.set(Executing)
		s.tracer.Event(in, "B")
		err := run(ctx, in)
		s.tracer.Event(in, "E", "ok", err == nil)
		s.counters.executing.Add(-1)
		s.complete(in, err)
	}
}

// run invokes the instruction's Do, converting panics into errors.
func run(ctx context.Context, in *Instruction) (err error) {
	defer func() {
		if e := recover(); e != nil {
			err = errors.E(errors.Fatal, fmt.Sprintf("panic while executing %s: %v\n%s", in.Op, e, string(debug.Stack())))
		}
	}()
	return in.Do(ctx)
}

// complete releases the instruction's accesses, promotes the
// instructions that become ready as a result, and then marks the
// instruction Done or Failed.
func (s *Scheduler) complete(in *Instruction, err error) {
	var (
		ready   []*Instruction
		drained []ObjectID
	)
	for _, a := range in.accesses {
		m := a.mirrored
		m.mu.Lock()
		m.remove(a)
		granted := m.grant()
		empty := len(m.queue) == 0
		m.mu.Unlock()
		ready = s.granted(ready, granted)
		if empty {
			drained = append(drained, m.object)
		}
	}
	if err != nil {
		log.Error.Printf("vm: %s failed: %v", in, err)
		s.counters.failed.Add(1)
		in.fail(err)
	} else {
		s.counters.done.Add(1)
		in.set(Done)
	}
	s.dispatch(ready)
	for _, id := range drained {
		s.maybeZombie(id)
	}
	s.inflightMu.Lock()
	s.inflight--
	s.inflightCond.Broadcast()
	s.inflightMu.Unlock()
	s.limiter.Release(1)
}

// maybeZombie moves a deleted object to the zombie list once none of
// its mirrored objects holds an access.
func (s *Scheduler) maybeZombie(id ObjectID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj := s.objects[id]
	if obj == nil || !obj.deleted || obj.zombie {
		return
	}
	for _, slot := range obj.mirrored {
		m := s.arena.get(slot)
		m.mu.Lock()
		n := len(m.queue)
		m.mu.Unlock()
		if n > 0 {
			return
		}
	}
	obj.zombie = true
	s.zombies = append(s.zombies, id)
}

// Sync waits until every instruction submitted so far has completed,
// or the context is done.
func (s *Scheduler) Sync(ctx context.Context) error {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	return s.inflightCond.WaitFor(ctx, func() bool { return s.inflight == 0 })
}

// Generation returns the number of writes completed on the mirrored
// object for obj on device.
func (s *Scheduler) Generation(obj ObjectID, device int) (uint64, error) {
	m, err := s.mirrored(obj, device)
	if err != nil || m == nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation, nil
}

// AccessInfo describes one access in a mirrored object's queue.
type AccessInfo struct {
	Instruction *Instruction
	Kind        AccessKind
	Granted     bool
}

// Accesses returns a snapshot of the access queue of the mirrored
// object for obj on device, in submission order.
func (s *Scheduler) Accesses(obj ObjectID, device int) ([]AccessInfo, error) {
	m, err := s.mirrored(obj, device)
	if err != nil || m == nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	infos := make([]AccessInfo, len(m.queue))
	for i, a := range m.queue {
		infos[i] = AccessInfo{a.instr, a.kind, a.granted}
	}
	return infos, nil
}

// mirrored returns the mirrored object for obj on device, or nil if it
// has not been created.
func (s *Scheduler) mirrored(obj ObjectID, device int) (*mirroredObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.objects[obj]
	if o == nil {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("vm: object %s does not exist", obj))
	}
	slot, ok := o.mirrored[device]
	if !ok {
		return nil, nil
	}
	return s.arena.get(slot), nil
}

// Stats returns a snapshot of the scheduler's counters.
func (s *Scheduler) Stats() stats.Values {
	vals := s.stats.Snapshot()
	s.mu.Lock()
	vals["objects"] = int64(len(s.objects))
	vals["mirrored"] = int64(s.arena.live())
	vals["zombies"] = int64(len(s.zombies))
	s.mu.Unlock()
	return vals
}

// Publish sets the scheduler's gauges in its metric sink.
func (s *Scheduler) Publish() {
	s.stats.Publish(s.config.MetricSink, metricsPrefix, nil)
	s.mu.Lock()
	live := s.arena.live()
	s.mu.Unlock()
	s.config.MetricSink.SetGaugeWithLabels(mirroredKey, float32(live), nil)
}

func (s *Scheduler) report() {
	if s.config.Status == nil {
		return
	}
	s.config.Status.Printf("waiting:%d ready:%d executing:%d done:%d failed:%d",
		s.counters.waiting.Get(), s.counters.ready.Get(), s.counters.executing.Get(),
		s.counters.done.Get(), s.counters.failed.Get())
}

// WriteTrace writes the execution trace recorded so far to w. It
// returns an error if tracing was not enabled.
func (s *Scheduler) WriteTrace(w io.Writer) error {
	if s.tracer == nil {
		return errors.E(errors.Precondition, "vm: tracing not enabled")
	}
	return s.tracer.Marshal(w)
}
