// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/tensorvm/bufq"
	"google.golang.org/protobuf/encoding/protowire"
)

// A Network connects loopback transports within a single process. It
// is used to run multi-process jobs in one process, for example in
// tests. Tokens serialized by any of its transports can be resolved
// by all of them.
type Network struct {
	capacity int

	mu        sync.Mutex
	endpoints map[int]*Loopback
	tokens    map[uint64]Token
	nextToken uint64
}

// NewNetwork returns a new network whose transports buffer up to
// capacity frames each. Zero means DefaultCapacity.
func NewNetwork(capacity int) *Network {
	if capacity == 0 {
		capacity = DefaultCapacity
	}
	return &Network{
		capacity:  capacity,
		endpoints: make(map[int]*Loopback),
		tokens:    make(map[uint64]Token),
	}
}

// Transport returns the transport of the process with the provided
// rank, creating it if needed.
func (n *Network) Transport(rank int) *Loopback {
	n.mu.Lock()
	defer n.mu.Unlock()
	if t := n.endpoints[rank]; t != nil {
		return t
	}
	t := &Loopback{
		network: n,
		rank:    rank,
		inbound: bufq.New[loopbackFrame](n.capacity),
		done:    make(chan struct{}),
	}
	n.endpoints[rank] = t
	return t
}

func (n *Network) endpoint(rank int) (*Loopback, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	t := n.endpoints[rank]
	if t == nil {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("loopback: no rank %d", rank))
	}
	return t, nil
}

type loopbackFrame struct {
	data []byte
	done func(error)
}

// Loopback is a Transport that delivers frames to other transports of
// the same Network. Each transport delivers its inbound frames from a
// single goroutine, in the order they were sent.
type Loopback struct {
	network *Network
	rank    int
	inbound *bufq.Queue[loopbackFrame]

	once sync.Once
	done chan struct{}
}

// Send implements Transport.
func (t *Loopback) Send(ctx context.Context, rank int, frame []byte) error {
	return t.send(ctx, rank, frame, nil)
}

// SendWithCallback implements Transport. Done is called once the
// receiver has processed the frame.
func (t *Loopback) SendWithCallback(ctx context.Context, rank int, frame []byte, done func(error)) {
	if err := t.send(ctx, rank, frame, done); err != nil {
		done(err)
	}
}

func (t *Loopback) send(ctx context.Context, rank int, frame []byte, done func(error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	peer, err := t.network.endpoint(rank)
	if err != nil {
		return err
	}
	f := loopbackFrame{data: append([]byte(nil), frame...), done: done}
	if status := peer.inbound.Push(f); status != bufq.Success {
		return errors.E(errors.Unavailable, fmt.Sprintf("loopback: rank %d", rank), status.Err())
	}
	return nil
}

// SerializeToken implements Transport. The token is registered with
// the network, and is represented on the wire by its registration
// number.
func (t *Loopback) SerializeToken(tok Token) ([]byte, error) {
	if tok == nil {
		return nil, errors.E(errors.Invalid, "loopback: nil token")
	}
	n := t.network
	n.mu.Lock()
	id := n.nextToken
	n.nextToken++
	n.tokens[id] = tok
	n.mu.Unlock()
	return protowire.AppendVarint(nil, id), nil
}

// DeserializeToken implements Transport.
func (t *Loopback) DeserializeToken(b []byte) (Token, error) {
	id, m := protowire.ConsumeVarint(b)
	if m < 0 || m != len(b) {
		return nil, errors.E(errors.Invalid, "loopback: malformed token")
	}
	n := t.network
	n.mu.Lock()
	tok, ok := n.tokens[id]
	n.mu.Unlock()
	if !ok {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("loopback: no token %d", id))
	}
	return tok, nil
}

// SetReceiver implements Transport. It starts the goroutine that
// delivers inbound frames; only the first receiver is installed.
func (t *Loopback) SetReceiver(recv func([]byte)) {
	t.once.Do(func() {
		go func() {
			defer close(t.done)
			for {
				f, status := t.inbound.Pull()
				if status != bufq.Success {
					return
				}
				recv(f.data)
				if f.done != nil {
					f.done(nil)
				}
			}
		}()
	})
}

// Close implements Transport. Frames already queued are delivered
// before Close returns, provided a receiver was installed.
func (t *Loopback) Close() error {
	t.inbound.Close()
	started := true
	t.once.Do(func() { started = false })
	if started {
		<-t.done
	}
	return nil
}
