// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bus

import "context"

// A Transport moves encoded messages between the processes of a job.
// Transports deliver the frames sent to one destination in the order
// they were sent; they are responsible for any retries.
type Transport interface {
	// Send sends a frame to the process with the provided rank. It
	// returns once the transport has taken ownership of the frame.
	Send(ctx context.Context, rank int, frame []byte) error

	// SendWithCallback sends a frame to the process with the
	// provided rank and calls done once the frame has been delivered
	// or has failed.
	SendWithCallback(ctx context.Context, rank int, frame []byte, done func(error))

	// SerializeToken returns the wire representation of a token
	// registered with this transport.
	SerializeToken(tok Token) ([]byte, error)

	// DeserializeToken resolves the wire representation of a token
	// into its local representation.
	DeserializeToken(b []byte) (Token, error)

	// SetReceiver installs the function that is called with each
	// frame received from a peer. Frames from one peer are passed to
	// the receiver in order, one at a time.
	SetReceiver(recv func(frame []byte))

	// Close shuts down the transport.
	Close() error
}
