// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
	Package tensorvm implements the execution substrate of a
	distributed tensor computation system. A job consists of one
	process per rank; each process runs an Env, which bundles the
	components that tensor programs are executed by:

	The instruction scheduler (package vm) orders instructions by
	the objects they access. Each logical object is mirrored on the
	devices that use it; a mirrored object grants reads to consecutive
	readers concurrently and writes exclusively, in submission order.
	Instructions whose accesses are all granted are dispatched to the
	worker of their device.

	Global tensors (package tensor) are laid out over a set of
	devices according to a placed sharding (package sbp): an
	n-dimensional SBP signature, with one split, broadcast, or
	partial-sum component per axis of the device hierarchy.

	The boxing subsystem (package boxing) redistributes a global
	tensor from one placed sharding to another. Strategies are
	registered by name and selected by their checkers; strategies
	compose, so that conversions without a direct strategy are
	planned as a chain of simpler ones.

	The actor message bus (package bus) carries control and data
	messages between actors, locally through per-thread bounded
	queues (package bufq) and remotely through a Transport: either
	QUIC (package transport/quictransport) or bigmachine RPC
	(package transport/machinetransport).

	A minimal program distributes a value, reshards it, and fetches
	the result:

		env := tensorvm.Start(tensorvm.Devices(2))
		defer env.Shutdown()
		p := sbp.NewPlacement("cpu", 0, 1)
		x, err := env.Distribute(ctx, value, sbp.Must(p, sbp.NdSbp{sbp.Split(0)}))
		...
		y, err := env.Box(ctx, x, sbp.Must(p, sbp.NdSbp{sbp.Broadcast()}))
		...
		result, err := env.Fetch(ctx, y)

	Envs may also be created from configuration profiles; see package
	tvmconfig.
*/
package tensorvm
