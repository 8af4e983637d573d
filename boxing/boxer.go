// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package boxing

import (
	"context"
	"fmt"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/tensorvm/sbp"
	"github.com/grailbio/tensorvm/stats"
	"github.com/grailbio/tensorvm/tensor"
	"github.com/grailbio/tensorvm/vm"
)

// A Boxer redistributes global tensors with the strategies of a
// registry, submitting the resulting instructions to a scheduler.
type Boxer struct {
	sched    *vm.Scheduler
	registry *Registry
	memo     *Memo
	stats    *stats.Map
}

// NewBoxer returns a Boxer that uses the provided scheduler and
// registry, with a fresh memo table.
func NewBoxer(sched *vm.Scheduler, registry *Registry) *Boxer {
	return &Boxer{
		sched:    sched,
		registry: registry,
		memo:     NewMemo(),
		stats:    stats.NewMap(),
	}
}

// Registry returns the Boxer's registry.
func (b *Boxer) Registry() *Registry { return b.registry }

// Memo returns the Boxer's memo table.
func (b *Boxer) Memo() *Memo { return b.memo }

// Stats returns the number of times each strategy was applied.
func (b *Boxer) Stats() stats.Values { return b.stats.Snapshot() }

// Divide computes the intermediate sharding of dividor d for the pair
// (in, out). Results are memoized.
func (b *Boxer) Divide(d Dividor, in, out *sbp.PlacedSharding) (*sbp.PlacedSharding, error) {
	return b.memo.do(memoKey{name: "divide:" + d.Name, arg: d.arg, in: in, out: out}, func() (*sbp.PlacedSharding, error) {
		return d.fn(in, out, d.arg)
	})
}

// Plan returns the first registered strategy whose checker accepts
// the pair (in, out) for a tensor of the provided shape. If none does,
// Plan returns an errors.NotSupported error that lists why each
// strategy was rejected.
func (b *Boxer) Plan(in, out *sbp.PlacedSharding, shape []int) (*Strategy, error) {
	var reasons []string
	for _, s := range b.registry.Strategies() {
		err := s.Check(b, in, out, shape)
		if err == nil {
			return s, nil
		}
		if !IsPrecondition(err) {
			return nil, err
		}
		reasons = append(reasons, err.Error())
	}
	return nil, errors.E(errors.NotSupported, fmt.Sprintf("boxing: no strategy for %s -> %s:\n\t%s", in, out, strings.Join(reasons, "\n\t")))
}

// Box redistributes the tensor in to the sharding out with the first
// registered strategy that applies. The returned tensor's contents are
// produced by instructions submitted to the scheduler; callers
// observe them through further instructions.
func (b *Boxer) Box(ctx context.Context, in *tensor.Tensor, out *sbp.PlacedSharding) (*tensor.Tensor, error) {
	s, err := b.Plan(in.Sharding, out, in.Shape)
	if err != nil {
		return nil, err
	}
	log.Debug.Printf("boxing %s: %s -> %s", s.Name, in, out)
	return s.Apply(ctx, b, in, out)
}

// Apply redistributes the tensor in to the sharding out with the named
// strategy. It returns an errors.NotExist error if no such strategy is
// registered, and a *PreconditionError if the strategy does not apply.
func (b *Boxer) Apply(ctx context.Context, name string, in *tensor.Tensor, out *sbp.PlacedSharding) (*tensor.Tensor, error) {
	s, ok := b.registry.Lookup(name)
	if !ok {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("boxing: strategy %s not registered", name))
	}
	return s.Apply(ctx, b, in, out)
}
