// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package bus implements the actor message bus: the component that
// routes messages between actors, either directly into the inbox of an
// actor's thread within the same process, or through a Transport to
// another process. Data messages leaving a process are assigned a
// per-channel sequence number, and carry the serialized token of the
// memory region they announce.
package bus

import (
	"context"
	"strconv"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/tensorvm/bufq"
	"github.com/grailbio/tensorvm/stats"
	"github.com/hashicorp/go-metrics"
)

// DefaultCapacity is the default capacity of a thread's inbox.
const DefaultCapacity = 1024

var metricsPrefix = []string{"tensorvm", "bus"}

// Config configures a Bus.
type Config struct {
	// Rank is the rank of this process.
	Rank int
	// Ranks is the number of processes in the job. Zero means 1.
	Ranks int
	// Threads is the number of threads, and thus inboxes, in this
	// process. It must be positive.
	Threads int
	// Capacity is the capacity of each inbox. Zero means
	// DefaultCapacity.
	Capacity int
	// Transport carries messages to other processes. It may be nil
	// in a single-process job.
	Transport Transport
	// MetricSink receives the bus's counters. Nil means a blackhole
	// sink.
	MetricSink metrics.MetricSink
}

// A Bus routes messages among the actors of a job.
type Bus struct {
	config  Config
	inboxes []*bufq.Queue[Message]
	seq     *Sequencer
	tracker *tracker
	labels  []metrics.Label
	stats   *stats.Map

	localSends, remoteSends, received, bytesOut, bytesIn, gaps *stats.Int
}

// New returns a new Bus. If the config has a transport, the bus
// installs itself as the transport's receiver.
func New(config Config) *Bus {
	if config.Threads <= 0 {
		log.Panicf("bus: invalid thread count %d", config.Threads)
	}
	if config.Ranks == 0 {
		config.Ranks = 1
	}
	if config.Rank < 0 || config.Rank >= config.Ranks {
		log.Panicf("bus: rank %d out of range [0, %d)", config.Rank, config.Ranks)
	}
	if config.Capacity == 0 {
		config.Capacity = DefaultCapacity
	}
	if config.MetricSink == nil {
		config.MetricSink = &metrics.BlackholeSink{}
	}
	b := &Bus{
		config:  config,
		inboxes: make([]*bufq.Queue[Message], config.Threads),
		seq:     NewSequencer(),
		tracker: newTracker(),
		labels:  []metrics.Label{{Name: "rank", Value: strconv.Itoa(config.Rank)}},
		stats:   stats.NewMap(),
	}
	for i := range b.inboxes {
		b.inboxes[i] = bufq.New[Message](config.Capacity)
	}
	b.localSends = b.stats.Int("localsends")
	b.remoteSends = b.stats.Int("remotesends")
	b.received = b.stats.Int("received")
	b.bytesOut = b.stats.Int("bytesout")
	b.bytesIn = b.stats.Int("bytesin")
	b.gaps = b.stats.Int("sequencegaps")
	if config.Transport != nil {
		config.Transport.SetReceiver(b.Receive)
	}
	return b
}

// Rank returns the rank of the bus's process.
func (b *Bus) Rank() int { return b.config.Rank }

// Inbox returns the inbox of the provided thread. Messages sent to
// actors on the thread are pulled from it.
func (b *Bus) Inbox(thread int) *bufq.Queue[Message] {
	if thread < 0 || thread >= len(b.inboxes) {
		log.Panicf("bus: no thread %d", thread)
	}
	return b.inboxes[thread]
}

// Send sends a message. Messages to actors in this process are pushed
// directly into the inbox of the destination thread, blocking while
// it is full. Other messages are encoded and handed to the transport;
// data messages are first assigned the next sequence number of their
// channel.
//
// Send panics if the destination does not exist or if the message's
// token cannot be serialized: both indicate a misconfigured job. It
// returns an error if the destination inbox is closed or if the
// transport fails because the context is done.
func (b *Bus) Send(ctx context.Context, msg Message) error {
	rank := b.route(msg)
	if rank == b.config.Rank {
		return b.sendLocal(msg)
	}
	frame := b.encode(msg)
	b.config.MetricSink.IncrCounterWithLabels(append(metricsPrefix, "send", "remote"), 1, b.labels)
	if err := b.config.Transport.Send(ctx, rank, frame); err != nil {
		if ctx.Err() != nil {
			return err
		}
		log.Panicf("bus: send %s to rank %d: %v", msg, rank, err)
	}
	return nil
}

// SendWithCallback is like Send, but returns immediately. Done is
// called once the message has been delivered to a local inbox or
// handed off by the transport.
func (b *Bus) SendWithCallback(ctx context.Context, msg Message, done func(error)) {
	rank := b.route(msg)
	if rank == b.config.Rank {
		done(b.sendLocal(msg))
		return
	}
	frame := b.encode(msg)
	b.config.MetricSink.IncrCounterWithLabels(append(metricsPrefix, "send", "remote"), 1, b.labels)
	b.config.Transport.SendWithCallback(ctx, rank, frame, done)
}

// route returns the rank of the message's destination, panicking if
// it cannot be reached.
func (b *Bus) route(msg Message) int {
	rank := msg.Dst.Rank()
	switch {
	case rank >= b.config.Ranks:
		log.Panicf("bus: %s: no rank %d", msg, rank)
	case rank != b.config.Rank && b.config.Transport == nil:
		log.Panicf("bus: %s: rank %d is remote and there is no transport", msg, rank)
	}
	return rank
}

// encode prepares a message for the wire. Only data messages that
// reference a region are sequenced; others carry Seq 0.
func (b *Bus) encode(msg Message) []byte {
	msg.Seq, msg.TokenData = 0, nil
	if msg.Kind == Data && msg.Token != nil {
		data, err := b.config.Transport.SerializeToken(msg.Token)
		if err != nil {
			log.Panicf("bus: %s: serialize token: %v", msg, err)
		}
		if len(data) == 0 {
			log.Panicf("bus: %s: token serialized to zero bytes", msg)
		}
		msg.Seq = b.seq.Next(msg.Channel)
		msg.TokenData = data
	}
	frame := msg.AppendBinary(nil)
	log.Debug.Printf("bus: send %s (%d bytes)", msg, len(frame))
	b.remoteSends.Add(1)
	b.bytesOut.Add(int64(len(frame)))
	return frame
}

// Receive handles a frame received from another process: it decodes
// the message, resolves its token, and delivers it to the destination
// thread's inbox. Receive is installed as the transport's receiver. It
// panics if the frame is malformed or if its token cannot be
// resolved.
func (b *Bus) Receive(frame []byte) {
	var msg Message
	if err := msg.UnmarshalBinary(frame); err != nil {
		log.Panicf("bus: receive: %v", err)
	}
	b.received.Add(1)
	b.bytesIn.Add(int64(len(frame)))
	b.config.MetricSink.IncrCounterWithLabels(append(metricsPrefix, "receive"), 1, b.labels)
	if msg.Kind == Data && len(msg.TokenData) > 0 {
		if !b.tracker.observe(msg.Channel, msg.Seq) {
			b.gaps.Add(1)
			b.config.MetricSink.IncrCounterWithLabels(append(metricsPrefix, "sequence", "gap"), 1, b.labels)
		}
		tok, err := b.config.Transport.DeserializeToken(msg.TokenData)
		if err != nil {
			log.Panicf("bus: %s: deserialize token: %v", msg, err)
		}
		msg.Token = tok
	}
	if rank := msg.Dst.Rank(); rank != b.config.Rank {
		log.Panicf("bus: received %s bound for rank %d", msg, rank)
	}
	if err := b.deliver(msg); err != nil {
		log.Error.Printf("bus: dropping %s: %v", msg, err)
	}
}

func (b *Bus) sendLocal(msg Message) error {
	b.localSends.Add(1)
	b.config.MetricSink.IncrCounterWithLabels(append(metricsPrefix, "send", "local"), 1, b.labels)
	return b.deliver(msg)
}

// deliver pushes a message into its destination thread's inbox.
func (b *Bus) deliver(msg Message) error {
	thread := msg.Dst.Thread()
	if thread >= len(b.inboxes) {
		log.Panicf("bus: %s: no thread %d", msg, thread)
	}
	if status := b.inboxes[thread].Push(msg); status != bufq.Success {
		return errors.E(errors.Unavailable, "bus: deliver "+msg.String(), status.Err())
	}
	return nil
}

// Stats returns the bus's counters.
func (b *Bus) Stats() stats.Values {
	return b.stats.Snapshot()
}

// Close closes every inbox, and then the transport. Messages already
// in an inbox remain available to Pull.
func (b *Bus) Close() error {
	for _, inbox := range b.inboxes {
		inbox.Close()
	}
	if b.config.Transport != nil {
		return b.config.Transport.Close()
	}
	return nil
}
