// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/tensorvm/bufq"
	"github.com/grailbio/tensorvm/bus"
	"golang.org/x/sync/errgroup"
)

// busCmd runs a job of -ranks buses connected by a loopback network.
// Every rank sends -n data messages to every other rank, on one
// channel per pair; receivers check that each channel's messages
// arrive in sequence.
func busCmd(args []string) error {
	var (
		flags   = flag.NewFlagSet("tensorvm bus", flag.ExitOnError)
		ranks   = flags.Int("ranks", 4, "number of ranks")
		threads = flags.Int("threads", 2, "number of threads per rank")
		n       = flags.Int("n", 1000, "number of messages per pair of ranks")
	)
	if err := flags.Parse(args); err != nil {
		return err
	}
	network := bus.NewNetwork(0)
	buses := make([]*bus.Bus, *ranks)
	for rank := range buses {
		buses[rank] = bus.New(bus.Config{
			Rank:      rank,
			Ranks:     *ranks,
			Threads:   *threads,
			Transport: network.Transport(rank),
		})
	}
	start := time.Now()
	ctx := context.Background()
	var g errgroup.Group
	for src := range buses {
		src := src
		g.Go(func() error {
			for i := 0; i < *n; i++ {
				for dst := range buses {
					if dst == src {
						continue
					}
					id := bus.NewActorID(dst, src%*threads, uint32(src))
					err := buses[src].Send(ctx, bus.Message{
						Src:     bus.NewActorID(src, 0, uint32(dst)),
						Dst:     id,
						Kind:    bus.Data,
						Channel: bus.Channel{Value: int64(src), Dst: id},
						Token:   bus.Region{Rank: src, ID: uint64(i)},
					})
					if err != nil {
						return err
					}
				}
			}
			return nil
		})
	}
	for dst := range buses {
		for thread := 0; thread < *threads; thread++ {
			var senders int
			for src := range buses {
				if src != dst && src%*threads == thread {
					senders++
				}
			}
			dst, thread, want := dst, thread, senders**n
			g.Go(func() error {
				next := make(map[int]int64)
				for i := 0; i < want; i++ {
					msg, status := buses[dst].Inbox(thread).Pull()
					if status != bufq.Success {
						return status.Err()
					}
					src := msg.Src.Rank()
					if msg.Seq != next[src] {
						return errors.E(errors.Invalid,
							fmt.Sprintf("rank %d: message %s from rank %d out of sequence: want %d", dst, msg, src, next[src]))
					}
					if region, ok := msg.Token.(bus.Region); !ok || region.ID != uint64(msg.Seq) {
						return errors.E(errors.Invalid, fmt.Sprintf("rank %d: bad token in %s", dst, msg))
					}
					next[src]++
				}
				return nil
			})
		}
	}
	err := g.Wait()
	elapsed := time.Since(start)
	for _, b := range buses {
		if closeErr := b.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	if err != nil {
		return err
	}
	total := *ranks * (*ranks - 1) * *n
	log.Printf("%d messages among %d ranks in %s", total, *ranks, elapsed)
	for _, b := range buses {
		fmt.Printf("rank %d: %s\n", b.Rank(), b.Stats())
	}
	return nil
}
