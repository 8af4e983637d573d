// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package tensorvm

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/backgroundcontext"
	"github.com/grailbio/base/diagnostic/dump"
	"github.com/grailbio/base/eventlog"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/tensorvm/boxing"
	"github.com/grailbio/tensorvm/bus"
	"github.com/grailbio/tensorvm/sbp"
	"github.com/grailbio/tensorvm/stats"
	"github.com/grailbio/tensorvm/tensor"
	"github.com/grailbio/tensorvm/vm"
	"github.com/hashicorp/go-metrics"
)

// An Env is the process context of a tensorvm job: it owns the
// instruction scheduler, the actor message bus, and the boxing
// registry of one process. Envs are independent of each other; a
// process may run several, for example in tests.
type Env struct {
	context.Context

	index int32

	devices, rank, ranks int
	inflight, capacity   int
	maxMirrored          int
	transport            bus.Transport
	sink                 metrics.MetricSink
	status               *status.Status
	eventer              eventlog.Eventer
	tracePath            string
	registry             *boxing.Registry

	sched *vm.Scheduler
	bus   *bus.Bus
	boxer *boxing.Boxer

	shutdownOnce sync.Once
	cancel       func()
}

func newEnv() *Env {
	return &Env{
		Context: backgroundcontext.Get(),
		index:   atomic.AddInt32(&nextEnvIndex, 1) - 1,
		ranks:   1,
		eventer: eventlog.Nop{},
	}
}

// An Option represents an Env configuration parameter value.
type Option func(e *Env)

// Devices configures the number of devices, and thus scheduler
// workers and bus threads, of the Env.
func Devices(n int) Option {
	if n <= 0 {
		panic("tensorvm.Devices: n <= 0")
	}
	return func(e *Env) {
		e.devices = n
	}
}

// Rank configures the rank of this process in a job of ranks
// processes.
func Rank(rank, ranks int) Option {
	if rank < 0 || rank >= ranks {
		panic("tensorvm.Rank: rank out of range")
	}
	return func(e *Env) {
		e.rank, e.ranks = rank, ranks
	}
}

// InFlight bounds the number of instructions that may be submitted
// and not yet completed.
func InFlight(n int) Option {
	return func(e *Env) {
		e.inflight = n
	}
}

// QueueCapacity configures the capacity of each bus inbox.
func QueueCapacity(n int) Option {
	return func(e *Env) {
		e.capacity = n
	}
}

// MaxMirroredObjects bounds the number of live mirrored objects.
func MaxMirroredObjects(n int) Option {
	return func(e *Env) {
		e.maxMirrored = n
	}
}

// Transport configures the transport used to reach other processes.
func Transport(t bus.Transport) Option {
	return func(e *Env) {
		e.transport = t
	}
}

// MetricSink configures the sink to which scheduler and bus metrics
// are published.
func MetricSink(sink metrics.MetricSink) Option {
	return func(e *Env) {
		e.sink = sink
	}
}

// Status configures the Env with a status object to which scheduler
// progress is reported.
func Status(status *status.Status) Option {
	return func(e *Env) {
		e.status = status
	}
}

// Eventer configures the Env with an Eventer that will be used to log
// Env events (for analytics).
func Eventer(eventer eventlog.Eventer) Option {
	return func(e *Env) {
		e.eventer = eventer
	}
}

// TracePath configures the path to which a trace event file for the
// Env's instructions will be written on shutdown.
func TracePath(path string) Option {
	return func(e *Env) {
		e.tracePath = path
	}
}

// Registry configures the boxing strategies available to the Env.
// By default, the Env uses boxing.DefaultRegistry.
func Registry(r *boxing.Registry) Option {
	return func(e *Env) {
		e.registry = r
	}
}

// nextEnvIndex is the index of the next Env that will be started by
// Start.
var nextEnvIndex int32

// Start creates and starts a new Env, configuring it according to the
// provided options. By default, an Env has one device per CPU and
// is the only process of its job.
func Start(options ...Option) *Env {
	e := newEnv()
	for _, opt := range options {
		opt(e)
	}
	if e.devices == 0 {
		e.devices = runtime.NumCPU()
	}
	e.start()
	return e
}

func (e *Env) start() {
	if e.sink == nil {
		e.sink = &metrics.BlackholeSink{}
	}
	if e.registry == nil {
		e.registry = boxing.DefaultRegistry()
	}
	var group *status.Group
	if e.status != nil {
		group = e.status.Group(fmt.Sprintf("tensorvm rank %d", e.rank))
	}
	e.sched = vm.New(vm.Config{
		Devices:            e.devices,
		InFlight:           e.inflight,
		MaxMirroredObjects: e.maxMirrored,
		MetricSink:         e.sink,
		Status:             group,
		Trace:              e.tracePath != "",
	})
	e.bus = bus.New(bus.Config{
		Rank:       e.rank,
		Ranks:      e.ranks,
		Threads:    e.devices,
		Capacity:   e.capacity,
		Transport:  e.transport,
		MetricSink: e.sink,
	})
	e.boxer = boxing.NewBoxer(e.sched, e.registry)
	var ctx context.Context
	ctx, e.cancel = context.WithCancel(e.Context)
	e.sched.Start(ctx)
	e.eventer.Event("tensorvm:envStart",
		"rank", e.rank,
		"ranks", e.ranks,
		"devices", e.devices,
		"strategies", len(e.registry.Strategies()))
	log.Printf("tensorvm: rank %d/%d started with %d devices", e.rank, e.ranks, e.devices)

	name := fmt.Sprintf("tensorvm-%02d-stats", e.index)
	dump.Register(name, func(ctx context.Context, w io.Writer) error {
		_, err := fmt.Fprintln(w, e.Stats())
		return err
	})
}

// Scheduler returns the Env's instruction scheduler.
func (e *Env) Scheduler() *vm.Scheduler { return e.sched }

// Bus returns the Env's actor message bus.
func (e *Env) Bus() *bus.Bus { return e.bus }

// Boxer returns the Env's boxer.
func (e *Env) Boxer() *boxing.Boxer { return e.boxer }

// Devices returns the number of devices in the Env.
func (e *Env) Devices() int { return e.devices }

// Rank returns the rank of the Env's process.
func (e *Env) Rank() int { return e.rank }

// Submit submits an instruction to the Env's scheduler.
func (e *Env) Submit(ctx context.Context, in *vm.Instruction) error {
	return e.sched.Submit(ctx, in)
}

// NewTensor returns a new global tensor with the provided shape and
// sharding. Its contents are undefined until written.
func (e *Env) NewTensor(shape []int, sharding *sbp.PlacedSharding) (*tensor.Tensor, error) {
	return tensor.New(e.sched, shape, sharding)
}

// Distribute lays value out over the provided sharding.
func (e *Env) Distribute(ctx context.Context, value *tensor.Dense, sharding *sbp.PlacedSharding) (*tensor.Tensor, error) {
	return tensor.Distribute(ctx, e.sched, value, sharding)
}

// Box redistributes t to the provided sharding.
func (e *Env) Box(ctx context.Context, t *tensor.Tensor, sharding *sbp.PlacedSharding) (*tensor.Tensor, error) {
	return e.boxer.Box(ctx, t, sharding)
}

// Fetch returns the logical value of t once every instruction that
// writes it has completed.
func (e *Env) Fetch(ctx context.Context, t *tensor.Tensor) (*tensor.Dense, error) {
	return t.Fetch(ctx, e.sched)
}

// Stats returns the counters of the Env's scheduler, bus, and boxer,
// prefixed by their component.
func (e *Env) Stats() stats.Values {
	vals := make(stats.Values)
	for prefix, component := range map[string]stats.Values{
		"vm.":     e.sched.Stats(),
		"bus.":    e.bus.Stats(),
		"boxing.": e.boxer.Stats(),
	} {
		for k, v := range component {
			vals[prefix+k] = v
		}
	}
	return vals
}

// Shutdown waits for submitted instructions to complete and then
// tears down the Env: it stops the scheduler's workers, closes the bus
// and its transport, and writes the trace file, if one was
// configured. Shutdown is idempotent.
func (e *Env) Shutdown() {
	e.shutdownOnce.Do(func() {
		if err := e.sched.Sync(e.Context); err != nil {
			log.Error.Printf("tensorvm: sync: %v", err)
		}
		e.sched.Publish()
		if err := e.sched.Shutdown(); err != nil {
			log.Error.Printf("tensorvm: scheduler shutdown: %v", err)
		}
		if err := e.bus.Close(); err != nil {
			log.Error.Printf("tensorvm: bus close: %v", err)
		}
		e.cancel()
		if e.tracePath != "" {
			writeTraceFile(e.sched, e.tracePath)
		}
		e.eventer.Event("tensorvm:envShutdown", "rank", e.rank)
	})
}

func writeTraceFile(sched *vm.Scheduler, path string) {
	w, err := os.Create(path)
	if err != nil {
		log.Error.Printf("error creating trace file at %q: %v", path, err)
		return
	}
	defer func() {
		if closeErr := w.Close(); closeErr != nil {
			log.Error.Printf("error closing trace file at %q: %v", path, closeErr)
		}
	}()
	if err := sched.WriteTrace(w); err != nil {
		log.Error.Printf("error marshaling to trace file at %q: %v", path, err)
	}
}
