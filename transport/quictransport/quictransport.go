// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package quictransport implements a bus.Transport over QUIC. Each
// process listens on one address; a process sends to a peer over a
// single QUIC stream, so that frames sent to one peer arrive in order.
// Frames are prefixed by their length, encoded as a varint.
package quictransport

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/tensorvm/bufq"
	"github.com/grailbio/tensorvm/bus"
	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
	"golang.org/x/sync/errgroup"
	"google.golang.org/protobuf/encoding/protowire"
)

// Protocol is the ALPN protocol name negotiated by peers.
const Protocol = "tensorvm"

const (
	defaultQueueCapacity = 1024
	maxFrameSize         = 1 << 30
	lingerTimeout        = 10 * time.Second

	errClosed quic.ApplicationErrorCode = 0
)

var (
	retryPolicy = retry.MaxRetries(retry.Backoff(100*time.Millisecond, 5*time.Second, 1.5), 8)

	metricFramesOut  = []string{"tensorvm", "quic", "frames", "out"}
	metricFramesIn   = []string{"tensorvm", "quic", "frames", "in"}
	metricBytesOut   = []string{"tensorvm", "quic", "bytes", "out"}
	metricBytesIn    = []string{"tensorvm", "quic", "bytes", "in"}
	metricDialErrors = []string{"tensorvm", "quic", "dial", "error", "count"}
)

// Config configures a Transport.
type Config struct {
	// Rank is the rank of this process.
	Rank int
	// Addr is the UDP address on which to listen.
	Addr string
	// Peers holds the address of each process, indexed by rank.
	// Addresses may also be provided later with SetPeer.
	Peers []string
	// TLSConfig is used both to accept and to dial connections. It
	// must carry a certificate, and the roots needed to verify
	// peers' certificates.
	TLSConfig *tls.Config
	// QueueCapacity is the number of frames that may be queued for
	// each peer. Zero means a default capacity.
	QueueCapacity int
	// MetricSink receives the transport's counters. Nil means a
	// blackhole sink.
	MetricSink metrics.MetricSink
}

// Transport is a QUIC bus.Transport.
type Transport struct {
	config Config
	tls    *tls.Config
	ln     *quic.Listener
	labels []metrics.Label

	receiver atomic.Value // func([]byte)
	closed   atomic.Bool
	group    errgroup.Group

	mu    sync.Mutex
	addrs map[int]string
	peers map[int]*peer
	conns []quic.Connection
}

var _ bus.Transport = (*Transport)(nil)

// New returns a new transport listening on config.Addr.
func New(config Config) (*Transport, error) {
	if config.TLSConfig == nil {
		return nil, errors.E(errors.Invalid, "quictransport: no TLS config")
	}
	if config.QueueCapacity == 0 {
		config.QueueCapacity = defaultQueueCapacity
	}
	if config.MetricSink == nil {
		config.MetricSink = &metrics.BlackholeSink{}
	}
	tlsConfig := config.TLSConfig.Clone()
	tlsConfig.NextProtos = []string{Protocol}
	ln, err := quic.ListenAddr(config.Addr, tlsConfig, quicConfig())
	if err != nil {
		return nil, errors.E(errors.Net, fmt.Sprintf("quictransport: listen %s", config.Addr), err)
	}
	t := &Transport{
		config: config,
		tls:    tlsConfig,
		ln:     ln,
		labels: []metrics.Label{{Name: "rank", Value: strconv.Itoa(config.Rank)}},
		addrs:  make(map[int]string),
		peers:  make(map[int]*peer),
	}
	for rank, addr := range config.Peers {
		t.addrs[rank] = addr
	}
	t.group.Go(t.accept)
	return t, nil
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  time.Minute,
		KeepAlivePeriod: 15 * time.Second,
	}
}

// Addr returns the address on which the transport listens.
func (t *Transport) Addr() net.Addr {
	return t.ln.Addr()
}

// SetPeer sets the address of the process with the provided rank.
func (t *Transport) SetPeer(rank int, addr string) {
	t.mu.Lock()
	t.addrs[rank] = addr
	t.mu.Unlock()
}

// SetReceiver implements bus.Transport.
func (t *Transport) SetReceiver(recv func([]byte)) {
	t.receiver.Store(recv)
}

// Send implements bus.Transport. It returns once the frame has been
// written to the peer's stream.
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

// SendWithCallback implements bus.Transport. Frames are queued per
// peer and written in order by the peer's writer; done is called once
// the frame has been written or has failed.
func (t *Transport) SendWithCallback(ctx context.Context, rank int, frame []byte, done func(error)) {
	p, err := t.peer(rank)
	if err != nil {
		done(err)
		return
	}
	out := outbound{ctx: ctx, frame: frame, done: done}
	if status := p.queue.Push(out); status != bufq.Success {
		done(errors.E(errors.Unavailable, fmt.Sprintf("quictransport: rank %d", rank), status.Err()))
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

// Close implements bus.Transport. Queued frames are written before
// the connections are closed.
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.mu.Lock()
	peers := t.peers
	t.peers = make(map[int]*peer)
	t.mu.Unlock()
	for _, p := range peers {
		p.queue.Close()
	}
	for _, p := range peers {
		<-p.done
	}
	err := t.ln.Close()
	t.mu.Lock()
	for _, conn := range t.conns {
		_ = conn.CloseWithError(errClosed, "closed")
	}
	t.mu.Unlock()
	if gerr := t.group.Wait(); err == nil {
		err = gerr
	}
	return err
}

// accept accepts connections until the listener is closed.
func (t *Transport) accept() error {
	for {
		conn, err := t.ln.Accept(context.Background())
		if err != nil {
			if t.closed.Load() {
				return nil
			}
			return errors.E(errors.Net, "quictransport: accept", err)
		}
		t.mu.Lock()
		t.conns = append(t.conns, conn)
		t.mu.Unlock()
		log.Debug.Printf("quictransport: accepted connection from %s", conn.RemoteAddr())
		go t.serve(conn)
	}
}

// serve reads frames from each stream opened by a peer.
func (t *Transport) serve(conn quic.Connection) {
	for {
		stream, err := conn.AcceptStream(conn.Context())
		if err != nil {
			if !t.closed.Load() && conn.Context().Err() == nil {
				log.Error.Printf("quictransport: accept stream from %s: %v", conn.RemoteAddr(), err)
			}
			return
		}
		go t.read(conn, stream)
	}
}

// read passes the frames of a stream to the receiver, in order. When
// the peer closes the stream, read closes the connection, telling the
// peer that every frame was received.
func (t *Transport) read(conn quic.Connection, stream quic.Stream) {
	from := conn.RemoteAddr()
	r := bufio.NewReader(stream)
	for {
		size, err := binary.ReadUvarint(r)
		if err == io.EOF {
			_ = conn.CloseWithError(errClosed, "done")
			return
		}
		if err != nil {
			if !t.closed.Load() {
				log.Error.Printf("quictransport: read from %s: %v", from, err)
			}
			return
		}
		if size > maxFrameSize {
			log.Error.Printf("quictransport: %s: frame of %d bytes exceeds limit", from, size)
			stream.CancelRead(quic.StreamErrorCode(errClosed))
			return
		}
		frame := make([]byte, size)
		if _, err := io.ReadFull(r, frame); err != nil {
			log.Error.Printf("quictransport: read from %s: %v", from, err)
			return
		}
		t.config.MetricSink.IncrCounterWithLabels(metricFramesIn, 1, t.labels)
		t.config.MetricSink.IncrCounterWithLabels(metricBytesIn, float32(len(frame)), t.labels)
		recv, _ := t.receiver.Load().(func([]byte))
		if recv == nil {
			log.Error.Printf("quictransport: no receiver: dropping frame from %s", from)
			continue
		}
		recv(frame)
	}
}

type outbound struct {
	ctx   context.Context
	frame []byte
	done  func(error)
}

// A peer is the sending side of the connection to another process.
// Its writer owns the stream.
type peer struct {
	rank  int
	addr  string
	queue *bufq.Queue[outbound]
	done  chan struct{}

	conn   quic.Connection
	stream quic.Stream
}

// peer returns the peer with the provided rank, starting its writer
// if needed.
func (t *Transport) peer(rank int) (*peer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		return nil, errors.E(errors.Unavailable, "quictransport: closed")
	}
	if p := t.peers[rank]; p != nil {
		return p, nil
	}
	addr, ok := t.addrs[rank]
	if !ok {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("quictransport: no address for rank %d", rank))
	}
	p := &peer{
		rank:  rank,
		addr:  addr,
		queue: bufq.New[outbound](t.config.QueueCapacity),
		done:  make(chan struct{}),
	}
	t.peers[rank] = p
	go t.write(p)
	return p, nil
}

// write writes queued frames to the peer until its queue is closed
// and drained.
func (t *Transport) write(p *peer) {
	defer close(p.done)
	defer func() {
		if p.conn == nil {
			return
		}
		_ = p.stream.Close()
		select {
		case <-p.conn.Context().Done():
		case <-time.After(lingerTimeout):
			log.Error.Printf("quictransport: rank %d did not acknowledge close", p.rank)
		}
		_ = p.conn.CloseWithError(errClosed, "closed")
	}()
	var buf []byte
	for {
		out, status := p.queue.Pull()
		if status != bufq.Success {
			return
		}
		buf = protowire.AppendVarint(buf[:0], uint64(len(out.frame)))
		buf = append(buf, out.frame...)
		out.done(t.writeFrame(out.ctx, p, buf))
		t.config.MetricSink.IncrCounterWithLabels(metricFramesOut, 1, t.labels)
		t.config.MetricSink.IncrCounterWithLabels(metricBytesOut, float32(len(out.frame)), t.labels)
	}
}

// writeFrame writes a length-prefixed frame to the peer, dialing it
// if needed. A frame that fails to write is retried on a new
// connection.
func (t *Transport) writeFrame(ctx context.Context, p *peer, buf []byte) error {
	for retries := 0; ; retries++ {
		err := t.dial(ctx, p)
		if err == nil {
			if _, err = p.stream.Write(buf); err == nil {
				return nil
			}
			log.Error.Printf("quictransport: write to rank %d (%s): %v", p.rank, p.addr, err)
			_ = p.conn.CloseWithError(errClosed, "write failed")
			p.conn, p.stream = nil, nil
		}
		if werr := retry.Wait(ctx, retryPolicy, retries); werr != nil {
			return errors.E(errors.Net, fmt.Sprintf("quictransport: send to rank %d", p.rank), err)
		}
	}
}

func (t *Transport) dial(ctx context.Context, p *peer) error {
	if p.conn != nil && p.conn.Context().Err() == nil {
		return nil
	}
	conn, err := quic.DialAddr(ctx, p.addr, t.tls, quicConfig())
	if err != nil {
		t.config.MetricSink.IncrCounterWithLabels(metricDialErrors, 1, t.labels)
		log.Error.Printf("quictransport: dial rank %d (%s): %v", p.rank, p.addr, err)
		return err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(errClosed, "open stream failed")
		return err
	}
	log.Debug.Printf("quictransport: connected to rank %d (%s)", p.rank, p.addr)
	p.conn, p.stream = conn, stream
	return nil
}
