// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package machinetransport implements a bus.Transport over bigmachine
// RPC. Each process of a job runs on a bigmachine machine that carries
// the "Bus" service; frames are delivered by calling Bus.Deliver on
// the destination machine. Calls to one destination are issued one at
// a time, in order.
package machinetransport

import (
	"context"
	"encoding/gob"
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/tensorvm/bufq"
	"github.com/grailbio/tensorvm/bus"
)

func init() {
	gob.Register(&Service{})
}

const queueCapacity = 1024

// receivers holds the receiver of each rank's transport in this
// process. Services are gob-decoded by bigmachine and carry only
// their rank, so this is how a Service finds its transport. A
// process hosts at most one transport per rank.
var receivers sync.Map // map[int]func([]byte)

// Service is the bigmachine service that receives frames on behalf of
// the transport of process Rank.
type Service struct {
	Rank int
}

// Services returns the bigmachine parameter that installs the Bus
// service for the process with the provided rank.
func Services(rank int) bigmachine.Param {
	return bigmachine.Services{"Bus": &Service{Rank: rank}}
}

// Init implements bigmachine's service initialization.
func (s *Service) Init(b *bigmachine.B) error {
	log.Debug.Printf("machinetransport: bus service for rank %d", s.Rank)
	return nil
}

type deliverRequest struct {
	From  int
	Frame []byte
}

// Deliver passes a frame to the receiver of this process's transport.
func (s *Service) Deliver(ctx context.Context, req deliverRequest, _ *struct{}) error {
	recv, ok := receivers.Load(s.Rank)
	if !ok {
		return errors.E(errors.Unavailable, fmt.Sprintf("machinetransport: rank %d has no receiver", s.Rank))
	}
	recv.(func([]byte))(req.Frame)
	return nil
}

// Transport is a bigmachine bus.Transport.
type Transport struct {
	rank     int
	machines []*bigmachine.Machine

	mu     sync.Mutex
	peers  map[int]*peer
	closed bool
}

var _ bus.Transport = (*Transport)(nil)

// New returns the transport of the process with the provided rank.
// Machines holds the machine of each process, indexed by rank; the
// entry for this process is not used.
func New(rank int, machines []*bigmachine.Machine) *Transport {
	return &Transport{
		rank:     rank,
		machines: machines,
		peers:    make(map[int]*peer),
	}
}

// SetReceiver implements bus.Transport.
func (t *Transport) SetReceiver(recv func([]byte)) {
	receivers.Store(t.rank, recv)
}

// Send implements bus.Transport. It returns once the destination
// machine has received the frame.
func (t *Transport) Send(ctx context.Context, rank int, frame []byte) error {
	errc := make(chan error, 1)
	t.SendWithCallback(ctx, rank, frame, func(err error) { errc <- err })
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendWithCallback implements bus.Transport.
func (t *Transport) SendWithCallback(ctx context.Context, rank int, frame []byte, done func(error)) {
	p, err := t.peer(rank)
	if err != nil {
		done(err)
		return
	}
	if status := p.queue.Push(outbound{ctx, frame, done}); status != bufq.Success {
		done(errors.E(errors.Unavailable, fmt.Sprintf("machinetransport: rank %d", rank), status.Err()))
	}
}

// SerializeToken implements bus.Transport. Tokens must be
// bus.Regions.
func (t *Transport) SerializeToken(tok bus.Token) ([]byte, error) {
	return bus.MarshalRegion(tok)
}

// DeserializeToken implements bus.Transport.
func (t *Transport) DeserializeToken(b []byte) (bus.Token, error) {
	return bus.UnmarshalRegion(b)
}

// Close implements bus.Transport. Queued frames are delivered before
// Close returns.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	peers := t.peers
	t.peers = nil
	t.mu.Unlock()
	for _, p := range peers {
		p.queue.Close()
	}
	for _, p := range peers {
		<-p.done
	}
	receivers.Delete(t.rank)
	return nil
}

type outbound struct {
	ctx   context.Context
	frame []byte
	done  func(error)
}

type peer struct {
	machine *bigmachine.Machine
	queue   *bufq.Queue[outbound]
	done    chan struct{}
}

func (t *Transport) peer(rank int) (*peer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errors.E(errors.Unavailable, "machinetransport: closed")
	}
	if p := t.peers[rank]; p != nil {
		return p, nil
	}
	if rank < 0 || rank >= len(t.machines) || t.machines[rank] == nil {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("machinetransport: no machine for rank %d", rank))
	}
	p := &peer{
		machine: t.machines[rank],
		queue:   bufq.New[outbound](queueCapacity),
		done:    make(chan struct{}),
	}
	t.peers[rank] = p
	go t.deliver(p)
	return p, nil
}

// deliver calls Bus.Deliver on the peer's machine for each queued
// frame, in order. Temporary errors are retried by the machine.
func (t *Transport) deliver(p *peer) {
	defer close(p.done)
	for {
		out, status := p.queue.Pull()
		if status != bufq.Success {
			return
		}
		err := p.machine.RetryCall(out.ctx, "Bus.Deliver", deliverRequest{t.rank, out.frame}, nil)
		if err != nil {
			log.Error.Printf("machinetransport: deliver to %s: %v", p.machine.Addr, err)
		}
		out.done(err)
	}
}
